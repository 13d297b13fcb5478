package model

import "encoding/json"

// RefreshConfig is a per-run override that forces selective regeneration
// instead of cache reuse. The zero value means "no override".
type RefreshConfig struct {
	ForceNBRefresh         bool `json:"force_nb_refresh"`
	ForceSynthesisRefresh  bool `json:"force_synthesis_refresh"`
	RefreshPrimaryOnly     bool `json:"refresh_primary_only"`
	RefreshCounterpartOnly bool `json:"refresh_counterpart_only"`
}

// Zero reports whether no override flag is set.
func (c RefreshConfig) Zero() bool {
	return !c.ForceNBRefresh && !c.ForceSynthesisRefresh &&
		!c.RefreshPrimaryOnly && !c.RefreshCounterpartOnly
}

// ParseRefreshConfig decodes a stored refresh override. Malformed or empty
// input degrades to the zero config; the error is returned so callers can
// log the degradation, but they must not treat it as fatal.
func ParseRefreshConfig(raw []byte) (RefreshConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return RefreshConfig{}, nil
	}
	var c RefreshConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return RefreshConfig{}, err
	}
	return c, nil
}
