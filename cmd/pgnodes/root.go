package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/pgnodes/internal/config"
	"github.com/dshills/pgnodes/internal/logging"
)

var (
	cfgFile  string
	verbose  bool
	logLevel = new(slog.LevelVar)
)

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "pgnodes",
	Short: "Inspect PostgreSQL node trees in a paused backend",
	Long: `pgnodes attaches to a debug adapter (gdb, lldb-dap, cppdbg) that is
attached to a PostgreSQL backend and prints the variables of the focused
frame, expanding Node, List, Bitmapset and array members the way the
backend's own structures are laid out.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pgnodes.yaml or $HOME/pgnodes.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func setupLogging() {
	logLevel.Set(slog.LevelInfo)
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}

	// Using TextHandler for CLI friendliness
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

// loadConfig opens the configuration store.
func loadConfig(ctx context.Context) (*config.Store, error) {
	opts := []config.Option{config.WithWatcher(true)}
	if cfgFile != "" {
		opts = append(opts, config.WithConfigFile(cfgFile))
	} else {
		dirs := []string{"."}
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home)
		}
		opts = append(opts, config.WithSearchPaths(dirs...))
	}

	store := config.New(opts...)
	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	if file := store.ConfigFile(); file != "" {
		slog.Debug("using config file", "file", file)
	}

	// The configured level applies unless --verbose asked for more.
	if !verbose {
		if v, err := store.GetString(config.KeyLogLevel); err == nil {
			logLevel.Set(toSlogLevel(logging.ParseLevel(v)))
		}
	}
	return store, nil
}

func toSlogLevel(l logging.Level) slog.Level {
	switch l {
	case logging.LevelDebug:
		return slog.LevelDebug
	case logging.LevelWarn:
		return slog.LevelWarn
	case logging.LevelError, logging.LevelOff:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// stderrChannel is the CLI's log channel: stderr with native levels.
type stderrChannel struct {
	io.Writer
}

// Handler implements logging.LeveledChannel.
func (stderrChannel) Handler() slog.Handler {
	return slog.Default().Handler()
}
