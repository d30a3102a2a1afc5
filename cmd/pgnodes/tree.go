package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/pgnodes/internal/config"
	"github.com/dshills/pgnodes/internal/debug"
	"github.com/dshills/pgnodes/internal/debugger"
	"github.com/dshills/pgnodes/internal/extension"
	"github.com/dshills/pgnodes/internal/host"
	"github.com/dshills/pgnodes/internal/logging"
)

// cliHostVersion is the capability level the CLI host declares: it delivers
// focus events and lets the adapter evaluate array lengths.
const cliHostVersion = "1.90.0"

// errSessionEnded stops a follow loop when the adapter goes away.
var errSessionEnded = errors.New("debug session ended")

type treeOptions struct {
	addr        string
	adapterCmd  string
	attach      string
	pid         int
	depth       int
	json        bool
	thread      int
	frame       int
	wait        time.Duration
	hostVersion string
	follow      bool
	stack       bool
}

var treeOpts = treeOptions{
	attach: "{}",
	depth:  2,
	frame:  -1,
	wait:   30 * time.Second,
}

// treeCmd implements the tree command.
var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the variables of the focused frame",
	Long: `Connect to a debug adapter, attach to a PostgreSQL backend and print the
variables of the frame the debugger stops in.

Examples:
  pgnodes tree --adapter-cmd "lldb-dap" --pid 4242
  pgnodes tree --addr 127.0.0.1:4711 --attach '{"processId": 4242}' --depth 3
  pgnodes tree --addr 127.0.0.1:4711 --frame 2 --json
  pgnodes tree --addr 127.0.0.1:4711 --stack --follow`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTree(ctx, cmd.OutOrStdout(), treeOpts)
	},
}

func init() {
	f := treeCmd.Flags()
	f.StringVar(&treeOpts.addr, "addr", "", "address of a debug adapter listening on TCP")
	f.StringVar(&treeOpts.adapterCmd, "adapter-cmd", "", "command starting a debug adapter on stdio")
	f.StringVar(&treeOpts.attach, "attach", treeOpts.attach, "adapter specific attach arguments as JSON")
	f.IntVar(&treeOpts.pid, "pid", 0, "backend process id, sets processId in the attach arguments")
	f.IntVar(&treeOpts.depth, "depth", treeOpts.depth, "levels to expand below the frame's variables")
	f.BoolVar(&treeOpts.json, "json", false, "print JSON instead of a tree")
	f.IntVar(&treeOpts.thread, "thread", 0, "thread to inspect (default: the stopped thread)")
	f.IntVar(&treeOpts.frame, "frame", treeOpts.frame, "stack frame index to inspect (default: top)")
	f.DurationVar(&treeOpts.wait, "wait", treeOpts.wait, "how long to wait for the debuggee to stop")
	f.StringVar(&treeOpts.hostVersion, "host-version", "", "declare an older host version to force fallback strategies")
	f.BoolVar(&treeOpts.follow, "follow", false, "print again on every stop until interrupted")
	f.BoolVar(&treeOpts.stack, "stack", false, "print the call stack of the thread before its variables (text output only)")
	rootCmd.AddCommand(treeCmd)
}

// attachArgs validates the attach JSON and applies --pid.
func attachArgs(raw string, pid int) ([]byte, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("--attach: not a JSON object: %s", raw)
	}
	args := []byte(raw)
	if pid > 0 {
		var err error
		if args, err = sjson.SetBytes(args, "processId", pid); err != nil {
			return nil, fmt.Errorf("--pid: %w", err)
		}
	}
	return args, nil
}

func openSession(opts treeOptions) (*debug.Session, error) {
	switch {
	case opts.adapterCmd != "":
		fields := strings.Fields(opts.adapterCmd)
		return debug.NewStdioSession(fields[0], fields[1:]...)
	case opts.addr != "":
		return debug.NewSocketSession(opts.addr)
	default:
		return nil, errors.New("one of --addr or --adapter-cmd is required")
	}
}

func runTree(ctx context.Context, out io.Writer, opts treeOptions) error {
	args, err := attachArgs(opts.attach, opts.pid)
	if err != nil {
		return err
	}

	store, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if opts.hostVersion != "" {
		store.Set(config.KeyHostVersion, opts.hostVersion)
	}

	session, err := openSession(opts)
	if err != nil {
		return err
	}
	defer session.Close()

	ch := stderrChannel{Writer: os.Stderr}
	dh := debug.NewHost(logging.NewChannelLogger(ch.Handler()).WithComponent("dap"))
	dh.Attach(session)
	defer dh.Detach()

	ext, err := extension.Activate(ctx, extension.Options{
		Env:     host.Environment{Name: "pgnodes-cli", Version: cliHostVersion},
		Host:    dh,
		Channel: ch,
		Config:  store,
		State:   &extension.State{},
	})
	if err != nil {
		return err
	}
	defer ext.Deactivate()

	refreshed := make(chan struct{}, 1)
	sub := ext.Provider().OnDidChangeTreeData(func() {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})
	defer sub.Dispose()

	if err := session.Initialize(ctx, debug.DefaultSessionConfig()); err != nil {
		return err
	}
	if caps := session.Capabilities(); caps != nil {
		slog.Debug("adapter capabilities",
			"configurationDone", caps.SupportsConfigurationDoneRequest,
			"evaluateForHovers", caps.SupportsEvaluateForHovers,
			"terminate", caps.SupportsTerminateRequest,
		)
	}
	if err := session.Attach(ctx, args); err != nil {
		return err
	}
	if err := session.ConfigurationDone(ctx); err != nil {
		return err
	}
	defer disconnect(session)

	if err := waitForFrame(ctx, dh, session, refreshed, opts.wait); err != nil {
		return err
	}
	if opts.thread > 0 || opts.frame >= 0 {
		if err := selectFrame(ctx, dh, opts); err != nil {
			return err
		}
		// Event-based focus does not observe selections.
		ext.Provider().Refresh()
		drain(refreshed)
	}

	p := &Printer{Provider: ext.Provider(), Depth: opts.depth, JSON: opts.json}
	show := func(ctx context.Context) error {
		if opts.stack && !opts.json {
			printStack(out, dh)
		}
		return p.Print(ctx, out, frameHeader(dh))
	}
	if err := show(ctx); err != nil {
		return err
	}
	if !opts.follow {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-session.Done():
			return errSessionEnded
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		return reloadOnHangup(gctx, store)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-refreshed:
			}
			if _, ok := dh.ActiveStackItem(); !ok {
				continue
			}
			fmt.Fprintln(out)
			if err := show(gctx); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, errSessionEnded) || errors.Is(ctx.Err(), context.Canceled) {
		slog.Info("stopped following", "reason", err)
		return nil
	}
	return err
}

// waitForFrame blocks until the host focuses a frame.
func waitForFrame(ctx context.Context, dh *debug.Host, session *debug.Session, refreshed <-chan struct{}, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		if _, ok := dh.ActiveStackItem(); ok {
			return nil
		}
		select {
		case <-refreshed:
		case <-session.Done():
			return errSessionEnded
		case <-timer.C:
			return fmt.Errorf("debuggee did not stop within %s", wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func selectFrame(ctx context.Context, dh *debug.Host, opts treeOptions) error {
	current, _ := dh.ActiveStackItem()
	thread := current.ThreadID
	if opts.thread > 0 {
		thread = opts.thread
	}
	index := opts.frame
	if index < 0 {
		index = 0
	}

	frame, err := dh.SelectFrame(ctx, thread, index)
	if err != nil {
		return fmt.Errorf("select frame %d of thread %d: %w", index, thread, err)
	}
	slog.Debug("selected frame", "frame", frame.String())
	return nil
}

// frameHeader describes the focused frame, "thread 1 exec_simple_query:1198".
func frameHeader(dh *debug.Host) string {
	frame, ok := dh.ActiveStackItem()
	if !ok {
		return "no frame"
	}
	header := fmt.Sprintf("thread %d", frame.ThreadID)

	nav := dh.Navigator()
	if nav == nil {
		return header
	}
	sf, err := nav.GetCurrentFrame(frame.ThreadID)
	if err != nil || sf == nil || sf.ID != frame.FrameID {
		return header
	}
	return header + " " + sf.FormatLocation()
}

// printStack writes the loaded call stack of the focused thread, marking the
// selected frame.
func printStack(out io.Writer, dh *debug.Host) {
	frame, ok := dh.ActiveStackItem()
	nav := dh.Navigator()
	if !ok || nav == nil {
		return
	}
	if trace := nav.FormatStackTrace(frame.ThreadID); trace != "" {
		fmt.Fprint(out, trace)
		fmt.Fprintln(out)
	}
}

func disconnect(session *debug.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.Disconnect(ctx); err != nil && !errors.Is(err, debugger.ErrSessionTerminated) {
		slog.Debug("disconnect", "error", err)
	}
}

// reloadOnHangup re-reads the config file on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, store *config.Store) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := store.Reload(); err != nil {
				slog.Warn("reload config", "error", err)
				continue
			}
			slog.Info("reloaded config", "file", store.ConfigFile())
		}
	}
}

func drain(ch <-chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
