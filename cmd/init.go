package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/filter"
)

var (
	initForce     bool
	initHooksOnly bool
	initBinary    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new tokenguard configuration file",
	Long: `Initialize creates a new tokenguard configuration file with default settings
and prints the hooks block to add to ~/.claude/settings.json.

The config file is written to ~/.config/tokenguard/config.toml (or the
directory given by --config-dir or TOKENGUARD_CONFIG).

Use --force to overwrite an existing configuration file, or --hooks-only to
print the settings block without touching the config.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing config file")
	initCmd.Flags().BoolVar(&initHooksOnly, "hooks-only", false, "Only print the settings.json hooks block")
	initCmd.Flags().StringVar(&initBinary, "binary", constants.AppName, "Command the hooks invoke")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !initHooksOnly {
		dir := configDir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			dir = config.GetConfigDir(os.Getenv, home)
		}

		configPath, written, err := config.EnsureConfigFile(dir, initForce)
		if err != nil {
			return err
		}
		if !written {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
		}
		fmt.Fprintf(out, "Configuration written to: %s\n", configPath)
		fmt.Fprintln(out, "Run 'tokenguard validate' to verify your configuration.")
		fmt.Fprintln(out)
	}

	snippet, err := HooksSnippet(initBinary)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Add to %s:\n", filepath.Join("~", constants.ClaudeConfigDir, constants.ClaudeSettingsFile))
	fmt.Fprintln(out, string(snippet))
	return nil
}

// HookCommand is one command hook entry.
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// HookMatcher binds hooks to tool names.
type HookMatcher struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []HookCommand `json:"hooks"`
}

// HooksSnippet renders the settings.json hooks block for binary.
func HooksSnippet(binary string) ([]byte, error) {
	entry := func(matcher string, f filter.Filter) HookMatcher {
		return HookMatcher{
			Matcher: matcher,
			Hooks:   []HookCommand{{Type: "command", Command: binary + " " + f.Name}},
		}
	}
	settings := map[string]map[string][]HookMatcher{
		"hooks": {
			"PreToolUse": {
				entry("*", filter.PreToolUse),
				entry("Read", filter.ReadGuard),
			},
			"PostToolUse":       {entry("*", filter.PostToolUse)},
			"PermissionRequest": {entry("Bash", filter.PermissionRequest)},
			"SessionStart":      {entry("", filter.SessionStart)},
			"Stop":              {entry("", filter.Stop)},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render hooks: %w", err)
	}
	return data, nil
}
