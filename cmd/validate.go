package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgerlanc/tokenguard/internal/rules"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and show compiled rules",
	Long: `Validate validates the tokenguard configuration file and displays the
compiled rule sets and effective settings.

This is useful for:
- Checking that your config.toml syntax is correct
- Seeing which rules will be evaluated, in order
- Checking where state and the event log are written`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.LoadError != nil {
		return fmt.Errorf("configuration invalid: %w", cfg.LoadError)
	}
	pre, err := rules.NewPreExec(cfg)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	perm := rules.NewPermission()
	guard := rules.NewReadGuard(cfg.Limits)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration valid!")
	fmt.Fprintf(out, "Config file: %s\n", cfg.ConfigPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Settings:")
	fmt.Fprintf(out, "  state dir:     %s\n", cfg.Paths.StateDir)
	fmt.Fprintf(out, "  event log:     %s (rotates at %s)\n", cfg.Paths.EventLog, humanize.IBytes(uint64(cfg.EventLog.MaxBytes)))
	fmt.Fprintf(out, "  token mode:    %s\n", cfg.Tokens.Mode)
	fmt.Fprintf(out, "  trace:         %s\n", orNone(cfg.Trace.Endpoint))
	fmt.Fprintf(out, "  metrics:       %s\n", orNone(cfg.Metrics.Textfile))
	fmt.Fprintf(out, "  truncate:      above %s, keep %s head + %s tail, suppress above %s\n",
		humanize.IBytes(uint64(cfg.Transform.TruncateThresholdBytes)),
		humanize.IBytes(uint64(cfg.Transform.TruncateHeadBytes)),
		humanize.IBytes(uint64(cfg.Transform.TruncateTailBytes)),
		humanize.IBytes(uint64(cfg.Transform.SuppressCeilingBytes)))
	fmt.Fprintf(out, "  outline:       above %d lines (%d in subagents)\n",
		cfg.Transform.OutlineMainLines, cfg.Transform.OutlineSubagentLines)
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Size rules: %d\n", len(pre.Size))
	for _, r := range pre.Size {
		fmt.Fprintf(out, "  - %s: %s %s over %s bytes\n", r.ID, r.Tool, r.Field, humanize.Comma(int64(r.Limit)))
	}
	fmt.Fprintln(out)
	printRules(out, "Critical rules", pre.Critical)
	printRules(out, "Verbosity rules", pre.Verbosity)
	printRules(out, "Scan rules", pre.Scan)
	printRules(out, "User deny rules", pre.User)
	printRules(out, "Permission deny rules", perm.Deny)
	printRules(out, "Permission allow rules", perm.Allow)

	fmt.Fprintln(out, "Read guard:")
	fmt.Fprintf(out, "  - %s: %s\n", rules.RuleGeneratedPath, guard.Path.Regex.String())
	fmt.Fprintf(out, "  - %s: above %s\n", rules.RuleFileTooLarge, humanize.IBytes(uint64(guard.MaxBytes)))

	return nil
}

func printRules(out io.Writer, title string, rs []rules.Rule) {
	fmt.Fprintf(out, "%s: %d\n", title, len(rs))
	for _, r := range rs {
		if r.Pattern.Regex != nil {
			fmt.Fprintf(out, "  - %s: %s\n", r.ID, r.Pattern.Regex.String())
		} else {
			fmt.Fprintf(out, "  - %s: (structural)\n", r.ID)
		}
	}
	fmt.Fprintln(out)
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
