package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/gdrive-go/internal/config"
	"github.com/tonimelisma/gdrive-go/internal/transport"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath  string
	flagCredentials string
	flagJSON        bool
	flagVerbose     bool
	flagQuiet       bool
)

// CLIFlags is the snapshot of persistent flags taken before a command runs.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext carries everything a subcommand needs. It is built once in
// PersistentPreRunE and stored in the command context.
type CLIContext struct {
	Cfg      *config.Resolved
	Flags    CLIFlags
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *transport.Metrics
	Stdout   io.Writer
	Stderr   io.Writer

	// Shutdown guards local state writes against a forced exit. Nil in
	// contexts built without signal handling.
	Shutdown *shutdown
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("gdrive-go: command context has no CLIContext")
	}

	return cc
}

// newRootCmd builds the fully assembled root command with all subcommands
// registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "gdrive-go",
		Short:   "Google Drive CLI client",
		Long:    "A resilient Google Drive command-line client with resumable uploads.",
		Version: version,
		// Errors and usage are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			sd, ctx := newShutdown(cmd.Context(), cc.Logger, nil)
			cc.Shutdown = sd
			cmd.SetContext(withCLIContext(ctx, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return writeMetrics(mustCLIContext(cmd.Context()))
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagCredentials, "credentials", "", "credential file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newGrantCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newTouchCmd())
	cmd.AddCommand(newTrashCmd())
	cmd.AddCommand(newShareCmd())
	cmd.AddCommand(newUnshareCmd())
	cmd.AddCommand(newPermsCmd())

	return cmd
}

// loadCLIContext resolves configuration from the override chain and builds
// the logger and metrics registry.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("credentials") {
		cli.CredentialsPath = &flagCredentials
	}

	if level := flagLogLevel(flagVerbose, flagQuiet); level != "" {
		cli.LogLevel = &level
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	reg := prometheus.NewRegistry()

	return &CLIContext{
		Cfg:      resolved,
		Flags:    CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet},
		Logger:   buildLogger(resolved, os.Stderr),
		Registry: reg,
		Metrics:  transport.NewMetrics(reg),
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
	}, nil
}

// flagLogLevel maps --verbose and --quiet to a log level. Empty means the
// flags leave the configured level alone.
func flagLogLevel(verbose, quiet bool) string {
	switch {
	case verbose:
		return "debug"
	case quiet:
		return "error"
	default:
		return ""
	}
}

// buildLogger creates the logger for the resolved level and format. The
// "auto" format writes JSON unless w is a terminal.
func buildLogger(cfg *config.Resolved, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}

	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}

	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// writeMetrics dumps the HTTP metrics when a textfile is configured.
func writeMetrics(cc *CLIContext) error {
	if cc.Cfg.MetricsTextfile == "" {
		return nil
	}

	return cc.Shutdown.hold(func() error {
		return transport.WriteTextfile(cc.Cfg.MetricsTextfile, cc.Registry)
	})
}

// exitWith prints a user-facing error message to stderr and exits.
func exitWith(err error, code int) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
