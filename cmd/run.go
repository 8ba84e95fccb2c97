package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/tokenguard/internal/background"
	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/filter"
	"github.com/dgerlanc/tokenguard/internal/tokens"
	"github.com/dgerlanc/tokenguard/internal/trace"
)

var hookShort = map[string]string{
	filter.PreToolUse.Name:        "PreToolUse hook: deny destructive, verbose or unbounded tool calls",
	filter.PostToolUse.Name:       "PostToolUse hook: shrink tool output and record latency and usage",
	filter.PermissionRequest.Name: "PermissionRequest hook: allow, deny or defer a permission prompt",
	filter.ReadGuard.Name:         "PreToolUse hook for Read: block generated and oversized files (exit 2)",
	filter.SessionStart.Name:      "SessionStart hook: start session accounting and sweep stale markers",
	filter.Stop.Name:              "Stop hook: record session totals",
}

func init() {
	for _, f := range filter.All() {
		rootCmd.AddCommand(newHookCmd(f))
	}
}

func newHookCmd(f filter.Filter) *cobra.Command {
	return &cobra.Command{
		Use:   f.Name,
		Short: hookShort[f.Name],
		Long: hookShort[f.Name] + `.

Reads one hook event as JSON on stdin and writes the decision the host
expects. Failures never block the host: they fall back to the neutral answer
and are written to tokenguard.log in the state directory.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			exitCode = runHook(cmd, f)
		},
	}
}

// runHook runs filter f against stdin and returns the exit code.
func runHook(cmd *cobra.Command, f filter.Filter) int {
	cfg := loadConfig()
	log, closeLog := fileLogger(cfg)
	defer closeLog()

	rt := filter.New(cfg, log)
	rt.Dispatcher = dispatcher(cfg, log)
	d := rt.Run(commandContext(cmd), f, cmd.InOrStdin())
	log.Debug("hook decided", "hook", f.Name, "exit", d.ExitCode)
	return d.Write(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// dispatcher starts background jobs in a detached child, or in-process
// with --no-detach.
func dispatcher(cfg *config.Config, log *slog.Logger) background.Dispatcher {
	if noDetach {
		return &background.InlineDispatcher{Runner: newRunner(cfg, log)}
	}
	args := []string{background.CommandName}
	if configDir != "" {
		args = append(args, "--config-dir", configDir)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return &background.ExecDispatcher{
		StateDir: cfg.Paths.StateDir,
		Args:     args,
		Env:      os.Environ(),
	}
}

func newRunner(cfg *config.Config, log *slog.Logger) *background.Runner {
	return &background.Runner{
		Emitter: trace.NewEmitter(cfg.Trace.Endpoint, cfg.Timeouts.Network.Duration),
		Counter: tokens.NewCounter(cfg.Tokens, cfg.Timeouts.Network.Duration),
		Events: eventlog.New(cfg.Paths.EventLog, eventlog.Options{
			MaxBytes: cfg.EventLog.MaxBytes,
			Logger:   log,
		}),
		Timeout: cfg.Timeouts.Job.Duration,
		Log:     log,
	}
}

var backgroundCmd = &cobra.Command{
	Use:    background.CommandName + " <job-file>",
	Short:  "Run queued background jobs",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runBackground,
}

func init() {
	rootCmd.AddCommand(backgroundCmd)
}

func runBackground(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	log, closeLog := fileLogger(cfg)
	defer closeLog()

	jobs, err := background.ReadJobs(args[0])
	if err != nil {
		log.Debug("job file unreadable", "path", args[0], "error", err)
		return err
	}
	if err := newRunner(cfg, log).Run(commandContext(cmd), jobs); err != nil {
		log.Debug("background jobs failed", "error", err)
		return err
	}
	return nil
}
