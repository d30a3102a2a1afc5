package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/pgnodes/internal/host"
)

func TestProbeThresholds(t *testing.T) {
	tests := []struct {
		version string
		want    Flags
	}{
		{"1.60.0", Flags{}},
		{"1.66.0", Flags{LogLanguageChannels: true}},
		{"1.68.2", Flags{ArrayLengthEvaluation: true, LogLanguageChannels: true}},
		{"1.74.0", Flags{ArrayLengthEvaluation: true, LeveledLogging: true, LogLanguageChannels: true}},
		{"1.89.9", Flags{ArrayLengthEvaluation: true, LeveledLogging: true, LogLanguageChannels: true}},
		{"1.90.0", Flags{true, true, true, true}},
		{"2.0.0", Flags{true, true, true, true}},
		{"v1.95.1", Flags{true, true, true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			p := NewProbe(host.Environment{Name: "code", Version: tt.version})
			assert.True(t, p.Known())
			assert.Equal(t, tt.want, p.Flags())
		})
	}
}

func TestProbeIgnoresPrerelease(t *testing.T) {
	p := NewProbe(host.Environment{Version: "1.90.0-insider+20240101"})
	assert.True(t, p.DebugFocusEnabled())
	assert.True(t, p.HasEvaluateArrayLength())
}

func TestProbeUnparseableIsConservative(t *testing.T) {
	for _, v := range []string{"", "latest", "one.two", "  "} {
		p := NewProbe(host.Environment{Version: v})
		assert.False(t, p.Known(), v)
		assert.Equal(t, Flags{}, p.Flags(), v)
	}
}

func TestProbeIsPure(t *testing.T) {
	env := host.Environment{Name: "code", Version: "1.80.0"}
	assert.Equal(t, NewProbe(env).Flags(), NewProbe(env).Flags())
	assert.Equal(t, env, NewProbe(env).Environment())
}

func TestParseFlagOverrides(t *testing.T) {
	o, err := ParseFlagOverrides([]string{"stackFocusEvents", " arrayLengthEvaluation ", ""})
	require.NoError(t, err)

	all := Flags{true, true, true, true}
	assert.Equal(t, Flags{LeveledLogging: true, LogLanguageChannels: true}, o.Apply(all))
}

func TestParseFlagOverridesUnknown(t *testing.T) {
	o, err := ParseFlagOverrides([]string{"zeta", "leveledLogging", "alpha"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha, zeta")
	assert.True(t, o[FlagLeveledLogging])
}

func TestOverridesNeverEnable(t *testing.T) {
	o, err := ParseFlagOverrides([]string{"leveledLogging"})
	require.NoError(t, err)
	assert.Equal(t, Flags{}, o.Apply(Flags{}))
}
