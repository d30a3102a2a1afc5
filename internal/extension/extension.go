// Package extension activates pgnodes inside a host: it builds the logger,
// the debugger facade, the registries and the tree provider, wires focus
// changes to tree refreshes, and tears everything down again.
package extension

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dshills/pgnodes/internal/config"
	"github.com/dshills/pgnodes/internal/config/notify"
	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/features"
	"github.com/dshills/pgnodes/internal/host"
	"github.com/dshills/pgnodes/internal/logging"
	"github.com/dshills/pgnodes/internal/tree"
	"github.com/dshills/pgnodes/internal/vars"
)

// State is the process-wide activation flag. Hosts keep one State and pass
// it to every Activate.
type State struct {
	active atomic.Bool
}

// Active reports whether an extension is active.
func (s *State) Active() bool {
	return s.active.Load()
}

// Options configures activation.
type Options struct {
	// Env describes the host. A configured host version overrides
	// Env.Version.
	Env host.Environment

	Host    debugger.Host
	Channel logging.Channel

	// Config is optional; nil means defaults.
	Config *config.Store

	// State is required.
	State *State
}

// Extension is an activated pgnodes instance.
type Extension struct {
	state *State
	log   logging.Logger
	flags features.Flags

	facade    *debugger.Facade
	nodes     *vars.NodeVarRegistry
	members   *vars.SpecialMemberRegistry
	formatter *vars.ExprFormatter
	provider  *tree.Provider

	subs host.Disposables
	once sync.Once
}

// Activate builds and wires the extension. On failure everything created so
// far is released and the state stays inactive.
func Activate(_ context.Context, opts Options) (*Extension, error) {
	if opts.State == nil {
		opts.State = &State{}
	}
	if !opts.State.active.CompareAndSwap(false, true) {
		return nil, ErrAlreadyActive
	}

	ext := &Extension{state: opts.State}
	if err := ext.bootstrap(opts); err != nil {
		ext.log.Error("Failed to activate extension: %v", err)
		ext.subs.Dispose()
		opts.State.active.Store(false)
		return nil, err
	}

	ext.log.Info("Extension activated")
	return ext, nil
}

func (e *Extension) bootstrap(opts Options) error {
	st := config.Settings{LogLevel: "info", MaxArrayProbe: config.DefaultMaxArrayProbe}
	var settingsErr error
	var settings logging.Settings
	if opts.Config != nil {
		st, settingsErr = opts.Config.Settings()
		settings = opts.Config
	}

	env := opts.Env
	if st.HostVersion != "" {
		env.Version = st.HostVersion
	}
	probe := features.NewProbe(env)
	e.flags = probe.Flags()
	overrides, flagErr := features.ParseFlagOverrides(st.DisabledFeatures)
	e.flags = overrides.Apply(e.flags)

	e.log = logging.Discard
	if opts.Channel != nil {
		var d host.Disposable
		e.log, d = logging.New(e.flags, opts.Channel, settings)
		e.subs.Add(d)
	}

	e.log.Info("Extension is activating")
	if settingsErr != nil {
		e.log.Warn("configuration: %v", settingsErr)
	}
	if flagErr != nil {
		e.log.Warn("configuration: %v", flagErr)
	}
	if probed := probe.Environment(); !probe.Known() {
		e.log.Warn("host %s reports unrecognized version %q, using fallback strategies", probed.Name, probed.Version)
	} else {
		e.log.Debug("host %s %s: %+v", probed.Name, probed.Version, e.flags)
	}

	if opts.Host == nil {
		return &InitError{Component: "debugger", Err: ErrNoDebugHost}
	}
	e.facade = debugger.New(opts.Host, debugger.Options{
		Flags:         e.flags,
		MaxArrayProbe: st.MaxArrayProbe,
		Logger:        e.log,
	})
	e.subs.Add(e.facade)
	e.log.Debug("array strategy %s, focus strategy %s", e.facade.ArrayStrategy(), e.facade.FocusStrategy())

	if err := e.initRegistries(st.RulesFile); err != nil {
		return &InitError{Component: "registries", Err: err}
	}

	e.formatter = vars.NewExprFormatter(e.facade, vars.ExprTypes()...)
	e.formatter.SetRangeTable(st.RangeTable)
	if opts.Config != nil {
		store := opts.Config
		e.subs.Add(store.OnDidChange(config.KeyRangeTable, func(notify.Change) {
			rt, err := store.GetString(config.KeyRangeTable)
			if err != nil {
				e.log.Warn("configuration: %v", err)
				return
			}
			e.formatter.SetRangeTable(rt)
			e.provider.Refresh()
		}))
	}
	x := vars.NewExpander(e.facade, e.nodes, e.members,
		vars.WithLogger(e.log),
		vars.WithDescriber(e.formatter),
	)
	e.provider = tree.NewProvider(e.facade, x,
		tree.WithLogger(e.log),
		tree.WithResetHook(e.formatter.Reset),
	)

	e.subs.Add(e.facade.OnFocusChange(e.provider.Refresh))
	return nil
}

// initRegistries registers the defaults, then the user rules file, and
// freezes both registries.
func (e *Extension) initRegistries(rulesFile string) error {
	e.nodes = vars.NewNodeVarRegistry()
	e.members = vars.NewSpecialMemberRegistry()
	vars.RegisterPostgres(e.nodes, e.members, e.log)

	if rulesFile != "" {
		rf, err := vars.LoadRules(rulesFile)
		if err != nil {
			return err
		}
		n := rf.Apply(e.nodes, e.members, e.log)
		e.log.Info("loaded %d rules from %s", n, rulesFile)
	}

	e.nodes.Freeze()
	e.members.Freeze()
	e.log.Debug("registered %d type rules, %d member rules", e.nodes.Len(), e.members.Len())
	return nil
}

// Deactivate releases every subscription, last acquired first, and clears
// the state. It is safe to call more than once.
func (e *Extension) Deactivate() {
	e.once.Do(func() {
		e.subs.Dispose()
		e.state.active.Store(false)
		e.log.Info("Extension deactivated")
	})
}

// Dispose implements host.Disposable.
func (e *Extension) Dispose() {
	e.Deactivate()
}

// Provider returns the tree provider for the host panel.
func (e *Extension) Provider() *tree.Provider { return e.provider }

// Facade returns the debugger facade.
func (e *Extension) Facade() *debugger.Facade { return e.facade }

// Flags returns the capability flags in effect.
func (e *Extension) Flags() features.Flags { return e.flags }

// Logger returns the extension logger.
func (e *Extension) Logger() logging.Logger { return e.log }

// Members returns the frozen special member registry.
func (e *Extension) Members() *vars.SpecialMemberRegistry { return e.members }

// Nodes returns the frozen node registry.
func (e *Extension) Nodes() *vars.NodeVarRegistry { return e.nodes }
