// Package cmd implements the CLI commands for tokenguard.
package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/logger"
)

var (
	// Global flags
	verbose   bool
	logJSON   bool
	configDir string
	noDetach  bool
)

// exitCode is what a hook command asks the process to exit with.
var exitCode int

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tokenguard",
	Short: "Token-budget guard hooks for Claude Code",
	Long: `tokenguard is a set of Claude Code hooks that keep a session's context small.

Before a tool runs it denies commands that are destructive, needlessly verbose
or unbounded; after a tool runs it strips, outlines, compresses or truncates
the output. Every decision is appended to an event log and per-session
token, cost and latency figures are kept in a small state directory.

Each hook event has its own subcommand, which reads the event JSON on stdin.
Run 'tokenguard init' to write a config file and print the settings.json
hooks block.`,
	SilenceUsage: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	return ExecuteContext(context.Background())
}

// ExecuteContext is Execute with a caller supplied context.
func ExecuteContext(ctx context.Context) int {
	exitCode = 0
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output (debug logging)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (or set TOKENGUARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noDetach, "no-detach", false, "Run background jobs in-process before exiting")
}

// loadConfig builds the effective configuration for this invocation.
func loadConfig() *config.Config {
	cfg := config.Load(config.Options{ConfigDir: configDir})
	if verbose {
		cfg.Verbose = true
	}
	return cfg
}

// commandLogger logs to the command's stderr.
func commandLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logger.New(logger.Options{Verbose: cfg.Verbose, JSON: logJSON, Output: cmd.ErrOrStderr()})
}

// fileLogger logs to the debug log in the state directory. Hook commands
// use it because their stderr is read by the host.
func fileLogger(cfg *config.Config) (*slog.Logger, func() error) {
	out, closeLog, err := logger.OpenFile(cfg.Paths.StateDir)
	log := logger.New(logger.Options{Verbose: cfg.Verbose, JSON: logJSON, Output: out})
	if err != nil {
		log = logger.Discard()
	}
	if cfg.LoadError != nil {
		log.Error("config file ignored", "path", cfg.ConfigPath, "error", cfg.LoadError)
	}
	return log, closeLog
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

