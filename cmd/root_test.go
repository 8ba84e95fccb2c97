package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/dgerlanc/tokenguard/internal/constants"
)

// resetGlobalState resets all global flags to their default values
func resetGlobalState() {
	verbose = false
	logJSON = false
	configDir = ""
	noDetach = false
	exitCode = 0
	initForce = false
	initHooksOnly = false
	initBinary = constants.AppName
	statusFormat = "yaml"
}

// testEnv points config and state at temporary directories.
func testEnv(t *testing.T) (cfgDir, stateDir string) {
	t.Helper()
	resetGlobalState()
	t.Cleanup(resetGlobalState)

	cfgDir, stateDir = t.TempDir(), t.TempDir()
	t.Setenv(constants.EnvConfigDir, cfgDir)
	t.Setenv(constants.EnvStateDir, stateDir)
	t.Setenv(constants.EnvEventLog, "")
	t.Setenv(constants.EnvTraceEndpoint, "")
	t.Setenv(constants.EnvTokenMode, "")
	t.Setenv(constants.EnvMetricsFile, "")
	t.Setenv(constants.EnvVerbose, "")
	return cfgDir, stateDir
}

// execute runs the root command with args and stdin and returns what it
// wrote and the exit code.
func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	code = ExecuteContext(context.Background())
	return out.String(), errOut.String(), code
}

func TestRootCmdFlags(t *testing.T) {
	resetGlobalState()

	// Create a fresh root command for testing
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory")
	cmd.PersistentFlags().BoolVar(&noDetach, "no-detach", false, "Run background jobs in-process")

	tests := []struct {
		name            string
		args            []string
		expectVerbose   bool
		expectJSON      bool
		expectConfigDir string
		expectNoDetach  bool
	}{
		{
			name: "no flags",
			args: []string{},
		},
		{
			name:          "verbose short flag",
			args:          []string{"-v"},
			expectVerbose: true,
		},
		{
			name:          "verbose long flag",
			args:          []string{"--verbose"},
			expectVerbose: true,
		},
		{
			name:       "log-json flag",
			args:       []string{"--log-json"},
			expectJSON: true,
		},
		{
			name:            "config-dir flag",
			args:            []string{"--config-dir", "/tmp/tg"},
			expectConfigDir: "/tmp/tg",
		},
		{
			name:           "no-detach flag",
			args:           []string{"--no-detach"},
			expectNoDetach: true,
		},
		{
			name:            "multiple flags",
			args:            []string{"-v", "--no-detach", "--config-dir", "cfg"},
			expectVerbose:   true,
			expectConfigDir: "cfg",
			expectNoDetach:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetGlobalState()

			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.Run = func(cmd *cobra.Command, args []string) {} // noop

			if err := cmd.Execute(); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}

			if verbose != tt.expectVerbose {
				t.Errorf("verbose = %v, want %v", verbose, tt.expectVerbose)
			}
			if logJSON != tt.expectJSON {
				t.Errorf("logJSON = %v, want %v", logJSON, tt.expectJSON)
			}
			if configDir != tt.expectConfigDir {
				t.Errorf("configDir = %q, want %q", configDir, tt.expectConfigDir)
			}
			if noDetach != tt.expectNoDetach {
				t.Errorf("noDetach = %v, want %v", noDetach, tt.expectNoDetach)
			}
		})
	}
}

func TestRootCmdHasExpectedSubcommands(t *testing.T) {
	expectedCommands := []string{
		"pre-tool-use", "post-tool-use", "permission-request", "read-guard",
		"session-start", "stop", "background",
		"init", "validate", "status", "completion",
	}

	for _, cmdName := range expectedCommands {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == cmdName {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected subcommand %q not found", cmdName)
		}
	}
}

func TestBackgroundCommandHidden(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "background" && !cmd.Hidden {
			t.Error("background command should be hidden")
		}
	}
}

func TestRootCmdUsageContainsDescription(t *testing.T) {
	if rootCmd.Short == "" {
		t.Error("rootCmd.Short should not be empty")
	}
	if rootCmd.Long == "" {
		t.Error("rootCmd.Long should not be empty")
	}
	if rootCmd.Use != "tokenguard" {
		t.Errorf("rootCmd.Use = %q, want 'tokenguard'", rootCmd.Use)
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	testEnv(t)
	_, stderr, code := execute(t, "", "no-such-command")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("stderr = %q, want unknown command error", stderr)
	}
}

func TestLoadConfigVerboseFlag(t *testing.T) {
	testEnv(t)
	verbose = true
	if cfg := loadConfig(); !cfg.Verbose {
		t.Error("--verbose should force cfg.Verbose")
	}
}
