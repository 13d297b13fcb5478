// Package nbcode resolves the many historical spellings of neural block
// codes to a single canonical key, and expands a canonical key back into
// its accepted alias set for backward-compatible lookups.
//
// Canonical form is "NB" + integer with no leading zeros. Aliases are never
// used as storage keys.
package nbcode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Code is a canonical block identifier ("NB1" … "NB15").
type Code string

// ErrUnknownCode is returned when the input carries no digits to resolve.
// The historical behavior of silently defaulting to NB1 masked data
// integrity bugs; strict callers must handle this error instead.
var ErrUnknownCode = errors.New("nbcode: no block number in code")

// Core blocks are required for synthesis to proceed meaningfully.
// Optional blocks degrade but do not block synthesis when absent.
var (
	Core     = makeCodes(1, 8)
	Optional = makeCodes(9, 15)
)

// All returns every canonical code, core first, in block order.
func All() []Code {
	out := make([]Code, 0, len(Core)+len(Optional))
	out = append(out, Core...)
	return append(out, Optional...)
}

func makeCodes(from, to int) []Code {
	out := make([]Code, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, Code("NB"+strconv.Itoa(n)))
	}
	return out
}

// For returns the canonical code for a block number.
func For(n int) Code {
	return Code("NB" + strconv.Itoa(n))
}

// Number returns the block number of a canonical code, or 0 if the code is
// not in canonical form.
func (c Code) Number() int {
	s := string(c)
	if !strings.HasPrefix(s, "NB") {
		return 0
	}
	n, err := strconv.Atoi(s[2:])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// IsCore reports whether c is one of the mandatory blocks.
func (c Code) IsCore() bool {
	n := c.Number()
	return n >= 1 && n <= 8
}

// Known reports whether c is one of the fifteen fixed identifiers.
func (c Code) Known() bool {
	n := c.Number()
	return n >= 1 && n <= 15
}

// Normalize resolves an arbitrary spelling to its canonical code by
// extracting the first integer found in the input. Inputs with no digits
// return ErrUnknownCode.
func Normalize(raw string) (Code, error) {
	if n, ok := firstInt(raw); ok {
		return For(n), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCode, raw)
}

// NormalizeLenient preserves the legacy resolution rules for historical
// data: digit-less non-empty input is returned upper-cased unchanged, and
// empty input falls back to block 1. The second return reports whether the
// block-1 fallback fired so callers can log the degradation.
func NormalizeLenient(raw string) (Code, bool) {
	if n, ok := firstInt(raw); ok {
		return For(n), false
	}
	if raw == "" {
		return For(1), true
	}
	return Code(strings.ToUpper(raw)), false
}

// firstInt extracts the first run of digits in s.
func firstInt(s string) (int, bool) {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(s[start:i])
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	if start < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[start:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Aliases deterministically generates every accepted historical spelling of
// a canonical code: hyphenated, underscored, lower-cased, and zero-padded
// two-digit forms. The canonical spelling itself is included. Alias sets
// are for lookup only, never for storage keys or iteration.
func Aliases(c Code) []string {
	n := c.Number()
	if n == 0 {
		return []string{string(c)}
	}

	nums := []string{strconv.Itoa(n)}
	if n < 10 {
		nums = append(nums, fmt.Sprintf("%02d", n))
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, num := range nums {
		for _, sep := range []string{"", "-", "_"} {
			add("NB" + sep + num)
			add("nb" + sep + num)
		}
	}
	return out
}
