package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunValidateWithDefaultConfig(t *testing.T) {
	testEnv(t)

	stdout, stderr, code := execute(t, "", "validate")
	if code != 0 {
		t.Fatalf("validate exit code = %d, stderr %q", code, stderr)
	}

	for _, want := range []string{
		"Configuration valid!",
		"Settings:",
		"token mode:    estimate",
		"trace:         (disabled)",
		"Size rules:",
		"Critical rules:",
		"  - rm_root: ",
		"Verbosity rules:",
		"Permission deny rules:",
		"Read guard:",
		"  - generated_path: ",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestRunValidateShowsUserRules(t *testing.T) {
	cfgDir, _ := testEnv(t)
	userConfig := `
[[rules.deny]]
name = "no_force_push"
pattern = 'git\s+push\s+.*--force'
reason = "force pushes rewrite shared history"
`
	if err := os.WriteFile(filepath.Join(cfgDir, "config.toml"), []byte(userConfig), 0644); err != nil {
		t.Fatal(err)
	}

	stdout, _, code := execute(t, "", "validate")
	if code != 0 {
		t.Fatalf("validate exit code = %d", code)
	}
	if !strings.Contains(stdout, "User deny rules: 1") {
		t.Errorf("expected one user deny rule in output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "no_force_push") {
		t.Errorf("expected rule name in output:\n%s", stdout)
	}
}

func TestRunValidateRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"bad toml", "[limits\nwrite_content_bytes = 1"},
		{"bad deny pattern", "[[rules.deny]]\nname = \"broken\"\npattern = '(unclosed'\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgDir, _ := testEnv(t)
			if err := os.WriteFile(filepath.Join(cfgDir, "config.toml"), []byte(tt.config), 0644); err != nil {
				t.Fatal(err)
			}
			stdout, stderr, code := execute(t, "", "validate")
			if code != 1 {
				t.Errorf("exit code = %d, want 1", code)
			}
			if strings.Contains(stdout, "Configuration valid!") {
				t.Error("invalid config reported as valid")
			}
			if !strings.Contains(stderr, "configuration invalid") {
				t.Errorf("stderr = %q, want configuration invalid", stderr)
			}
		})
	}
}

func TestValidateCmdUsage(t *testing.T) {
	if validateCmd.Use != "validate" {
		t.Errorf("validateCmd.Use = %q, want 'validate'", validateCmd.Use)
	}
	if validateCmd.Short == "" {
		t.Error("validateCmd.Short should not be empty")
	}
}
