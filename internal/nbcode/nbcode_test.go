package nbcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want Code
	}{
		{"NB1", "NB1"},
		{"NB15", "NB15"},
		{"nb-07", "NB7"},
		{"nb_12", "NB12"},
		{"NB03", "NB3"},
		{"block 4 analysis", "NB4"},
		{"9", "NB9"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_NoDigits(t *testing.T) {
	for _, in := range []string{"", "overview", "NB", "nb-x"} {
		_, err := Normalize(in)
		assert.ErrorIs(t, err, ErrUnknownCode, "input %q", in)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, c := range All() {
		got, err := Normalize(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestAliases_Complete(t *testing.T) {
	// Every generated alias must normalize back to its canonical code.
	for _, c := range All() {
		aliases := Aliases(c)
		require.NotEmpty(t, aliases)
		assert.Contains(t, aliases, string(c))
		for _, a := range aliases {
			got, err := Normalize(a)
			require.NoError(t, err, "alias %q of %s", a, c)
			assert.Equal(t, c, got, "alias %q of %s", a, c)
		}
	}
}

func TestAliases_ZeroPaddedOnlyBelowTen(t *testing.T) {
	assert.Contains(t, Aliases("NB7"), "NB07")
	assert.NotContains(t, Aliases("NB12"), "NB012")
}

func TestNormalizeLenient(t *testing.T) {
	got, fellBack := NormalizeLenient("")
	assert.Equal(t, Code("NB1"), got)
	assert.True(t, fellBack)

	got, fellBack = NormalizeLenient("overview")
	assert.Equal(t, Code("OVERVIEW"), got)
	assert.False(t, fellBack)

	got, fellBack = NormalizeLenient("nb-05")
	assert.Equal(t, Code("NB5"), got)
	assert.False(t, fellBack)
}

func TestCoreOptionalPartition(t *testing.T) {
	require.Len(t, Core, 8)
	require.Len(t, Optional, 7)
	require.Len(t, All(), 15)

	for _, c := range Core {
		assert.True(t, c.IsCore(), "%s", c)
		assert.True(t, c.Known(), "%s", c)
	}
	for _, c := range Optional {
		assert.False(t, c.IsCore(), "%s", c)
		assert.True(t, c.Known(), "%s", c)
	}
	assert.False(t, Code("NB16").Known())
	assert.False(t, Code("OVERVIEW").Known())
}
