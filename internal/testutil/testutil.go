// Package testutil provides shared test utilities for tokenguard tests.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/constants"
)

// Env is a fake environment for config.Options.Getenv.
type Env map[string]string

// Getenv looks a variable up in e.
func (e Env) Getenv(key string) string { return e[key] }

// SetupTestConfig writes configContent (if any) into a temporary config
// directory and loads it with the state directory pointed at another
// temporary directory. Nothing from the real environment is consulted.
func SetupTestConfig(t *testing.T, configContent string) *config.Config {
	t.Helper()

	configDir := t.TempDir()
	if configContent != "" {
		configPath := filepath.Join(configDir, constants.ConfigFileName)
		if err := os.WriteFile(configPath, []byte(configContent), constants.FileMode); err != nil {
			t.Fatal(err)
		}
	}

	env := Env{constants.EnvStateDir: t.TempDir()}
	cfg := config.Load(config.Options{
		ConfigDir: configDir,
		Getenv:    env.Getenv,
		Home:      t.TempDir(),
	})
	if cfg.LoadError != nil {
		t.Fatalf("load test config: %v", cfg.LoadError)
	}
	return cfg
}

// MinimalTestConfig adds one user deny rule and tightens the write limit.
const MinimalTestConfig = `
[limits]
write_content_bytes = 1000

[[rules.deny]]
name = "no_force_push"
pattern = 'git\s+push\s+.*--force'
reason = "force pushes rewrite shared history"
`

// HookInput marshals a hook event for stdin.
func HookInput(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// BashEvent is a PreToolUse Bash event for command.
func BashEvent(t *testing.T, sessionID, command string) []byte {
	t.Helper()
	return HookInput(t, map[string]any{
		"hook_event_name": "PreToolUse",
		"tool_name":       "Bash",
		"session_id":      sessionID,
		"tool_input":      map[string]any{"command": command},
	})
}
