// Package features answers yes/no questions about what the host supports.
//
// Every answer is a pure function of the host's declared version. A version
// that cannot be parsed yields the conservative answer (feature absent), so
// callers always end up on a strategy that works everywhere.
package features

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/pgnodes/internal/host"
)

// Minimum host versions for each capability.
const (
	ArrayLengthEvaluationSince = ">= 1.68.0"
	StackFocusEventsSince      = ">= 1.90.0"
	LeveledLoggingSince        = ">= 1.74.0"
	LogLanguageChannelsSince   = ">= 1.66.0"
)

// Flag names accepted by ParseFlagOverrides.
const (
	FlagArrayLengthEvaluation = "arrayLengthEvaluation"
	FlagStackFocusEvents      = "stackFocusEvents"
	FlagLeveledLogging        = "leveledLogging"
	FlagLogLanguageChannels   = "logLanguageChannels"
)

// Flags is an immutable snapshot of the probe's answers.
type Flags struct {
	ArrayLengthEvaluation bool
	StackFocusEvents      bool
	LeveledLogging        bool
	LogLanguageChannels   bool
}

// Probe checks the host environment against capability thresholds.
type Probe struct {
	env     host.Environment
	version *semver.Version
}

// NewProbe parses env.Version once. Pre-release and build metadata are
// dropped, so "1.90.0-insider" counts as 1.90.0.
func NewProbe(env host.Environment) *Probe {
	p := &Probe{env: env}
	v, err := semver.NewVersion(strings.TrimSpace(env.Version))
	if err == nil {
		p.version = semver.New(v.Major(), v.Minor(), v.Patch(), "", "")
	}
	return p
}

// Environment returns the probed environment.
func (p *Probe) Environment() host.Environment {
	return p.env
}

// Known reports whether the host version could be parsed.
func (p *Probe) Known() bool {
	return p.version != nil
}

func (p *Probe) satisfies(constraint string) bool {
	if p.version == nil {
		return false
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return c.Check(p.version)
}

// HasEvaluateArrayLength reports whether the host computes array length
// itself in a single evaluation.
func (p *Probe) HasEvaluateArrayLength() bool {
	return p.satisfies(ArrayLengthEvaluationSince)
}

// DebugFocusEnabled reports whether the host emits stack focus changes.
func (p *Probe) DebugFocusEnabled() bool {
	return p.satisfies(StackFocusEventsSince)
}

// HasLogOutputChannel reports whether the host offers leveled log channels.
func (p *Probe) HasLogOutputChannel() bool {
	return p.satisfies(LeveledLoggingSince)
}

// LogOutputLanguageEnabled reports whether output channels accept a language
// id.
func (p *Probe) LogOutputLanguageEnabled() bool {
	return p.satisfies(LogLanguageChannelsSince)
}

// Flags returns the snapshot of every answer.
func (p *Probe) Flags() Flags {
	return Flags{
		ArrayLengthEvaluation: p.HasEvaluateArrayLength(),
		StackFocusEvents:      p.DebugFocusEnabled(),
		LeveledLogging:        p.HasLogOutputChannel(),
		LogLanguageChannels:   p.LogOutputLanguageEnabled(),
	}
}

// Overrides is a set of flags forced off by configuration.
type Overrides map[string]bool

// ParseFlagOverrides reads the names of flags to disable. Unknown names are
// reported in the error; the known ones are still returned.
func ParseFlagOverrides(names []string) (Overrides, error) {
	o := make(Overrides)
	var unknown []string
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		switch name {
		case "":
		case FlagArrayLengthEvaluation, FlagStackFocusEvents, FlagLeveledLogging, FlagLogLanguageChannels:
			o[name] = true
		default:
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return o, fmt.Errorf("unknown feature flags: %s", strings.Join(unknown, ", "))
	}
	return o, nil
}

// Apply returns f with the overridden flags cleared. Overrides never turn a
// flag on.
func (o Overrides) Apply(f Flags) Flags {
	if o[FlagArrayLengthEvaluation] {
		f.ArrayLengthEvaluation = false
	}
	if o[FlagStackFocusEvents] {
		f.StackFocusEvents = false
	}
	if o[FlagLeveledLogging] {
		f.LeveledLogging = false
	}
	if o[FlagLogLanguageChannels] {
		f.LogLanguageChannels = false
	}
	return f
}
