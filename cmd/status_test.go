package cmd

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgerlanc/tokenguard/internal/eventlog"
)

func TestStatusWithoutSession(t *testing.T) {
	testEnv(t)

	stdout, stderr, code := execute(t, "", "status")
	if code != 0 {
		t.Fatalf("status exit code = %d, stderr %q", code, stderr)
	}
	var st Status
	if err := yaml.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("status output is not YAML: %v\n%s", err, stdout)
	}
	if st.Session != "" || st.ToolCalls != 0 {
		t.Errorf("status = %+v, want an empty report", st)
	}
}

func TestStatusAfterHooks(t *testing.T) {
	testEnv(t)

	start := `{"hook_event_name":"SessionStart","session_id":"sess-cli"}`
	if _, _, code := execute(t, start, "--no-detach", "session-start"); code != 0 {
		t.Fatalf("session-start exit code = %d", code)
	}
	for _, command := range []string{"ls", "git status"} {
		if _, _, code := execute(t, bashInput(command), "--no-detach", "pre-tool-use"); code != 0 {
			t.Fatalf("pre-tool-use exit code = %d", code)
		}
	}

	tests := []struct {
		format    string
		unmarshal func([]byte, any) error
	}{
		{"json", json.Unmarshal},
		{"yaml", yaml.Unmarshal},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			statusFormat = "yaml"
			stdout, stderr, code := execute(t, "", "status", "-o", tt.format)
			if code != 0 {
				t.Fatalf("status exit code = %d, stderr %q", code, stderr)
			}
			var st Status
			if err := tt.unmarshal([]byte(stdout), &st); err != nil {
				t.Fatalf("bad %s output: %v\n%s", tt.format, err, stdout)
			}
			if st.Session != "sess-cli" {
				t.Errorf("Session = %q, want sess-cli", st.Session)
			}
			if st.ToolCalls != 2 {
				t.Errorf("ToolCalls = %d, want 2", st.ToolCalls)
			}
			if st.Started == "" {
				t.Error("Started should be set")
			}
			if got := st.Events.ByKind[eventlog.KindAllowed]; got != 2 {
				t.Errorf("allowed events = %d, want 2", got)
			}
		})
	}
}

func TestStatusIncludesArchivedEvents(t *testing.T) {
	_, stateDir := testEnv(t)

	start := `{"hook_event_name":"SessionStart","session_id":"sess-cli"}`
	if _, _, code := execute(t, start, "--no-detach", "session-start"); code != 0 {
		t.Fatalf("session-start exit code = %d", code)
	}
	if _, _, code := execute(t, bashInput("ls"), "--no-detach", "pre-tool-use"); code != 0 {
		t.Fatalf("pre-tool-use exit code = %d", code)
	}

	archive, err := eventlog.Rotate(filepath.Join(stateDir, "events.jsonl"), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eventlog.Compress(archive); err != nil {
		t.Fatal(err)
	}
	if _, _, code := execute(t, bashInput("git status"), "--no-detach", "pre-tool-use"); code != 0 {
		t.Fatalf("pre-tool-use exit code = %d", code)
	}

	stdout, stderr, code := execute(t, "", "status", "-o", "json")
	if code != 0 {
		t.Fatalf("status exit code = %d, stderr %q", code, stderr)
	}
	var st Status
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("bad json output: %v\n%s", err, stdout)
	}
	if got := st.Events.ByKind[eventlog.KindAllowed]; got != 2 {
		t.Errorf("allowed events across archive and live log = %d, want 2", got)
	}
	for _, w := range st.Warnings {
		if strings.HasPrefix(w, "event log:") {
			t.Errorf("unexpected warning %q", w)
		}
	}
}

func TestStatusUnknownFormat(t *testing.T) {
	testEnv(t)
	_, stderr, code := execute(t, "", "status", "-o", "xml")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "unknown output format") {
		t.Errorf("stderr = %q", stderr)
	}
}
