package cmd

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dgerlanc/tokenguard/internal/background"
	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/decision"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/rules"
	"github.com/dgerlanc/tokenguard/internal/state"
)

func bashInput(command string) string {
	data, _ := json.Marshal(map[string]any{
		"hook_event_name": "PreToolUse",
		"tool_name":       "Bash",
		"session_id":      "sess-cli",
		"tool_input":      map[string]any{"command": command},
	})
	return string(data)
}

func readEvents(t *testing.T, stateDir string) []eventlog.Record {
	t.Helper()
	f, err := os.Open(filepath.Join(stateDir, constants.EventLogFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var recs []eventlog.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r eventlog.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad event line %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	return recs
}

func TestPreToolUseCommand(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		wantDeny bool
		wantRule string
	}{
		{"safe command", "ls -la", false, ""},
		{"rm root", "rm -rf /", true, rules.RuleRmRoot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stateDir := testEnv(t)
			stdout, stderr, code := execute(t, bashInput(tt.command), "--no-detach", "pre-tool-use")
			if code != decision.ExitOK {
				t.Fatalf("exit code = %d, want 0 (stderr %q)", code, stderr)
			}

			var out decision.Output
			if err := json.Unmarshal([]byte(stdout), &out); err != nil {
				t.Fatalf("stdout is not JSON: %q", stdout)
			}
			if !tt.wantDeny {
				if strings.TrimSpace(stdout) != decision.QuietAllow {
					t.Errorf("stdout = %q, want quiet allow", stdout)
				}
				return
			}
			if out.HookSpecificOutput == nil || out.HookSpecificOutput.PermissionDecision != decision.BehaviorDeny {
				t.Fatalf("stdout = %q, want a deny decision", stdout)
			}

			var blocked []eventlog.Record
			for _, r := range readEvents(t, stateDir) {
				if r.Event == eventlog.KindBlocked {
					blocked = append(blocked, r)
				}
			}
			if len(blocked) != 1 || blocked[0].Rule != tt.wantRule {
				t.Errorf("blocked events = %+v, want one %s", blocked, tt.wantRule)
			}
		})
	}
}

func TestReadGuardCommandBlocks(t *testing.T) {
	testEnv(t)
	input := `{"tool_name":"Read","session_id":"sess-cli","tool_input":{"file_path":"/repo/node_modules/react/index.js"}}`
	stdout, stderr, code := execute(t, input, "--no-detach", "read-guard")
	if code != decision.ExitBlock {
		t.Errorf("exit code = %d, want %d", code, decision.ExitBlock)
	}
	if stdout != "" {
		t.Errorf("stdout = %q, want empty", stdout)
	}
	if !strings.HasPrefix(stderr, "Blocked: ") {
		t.Errorf("stderr = %q, want Blocked: prefix", stderr)
	}
}

func TestHookCommandMalformedInput(t *testing.T) {
	tests := []struct {
		hook       string
		wantStdout string
	}{
		{"pre-tool-use", decision.QuietAllow + "\n"},
		{"post-tool-use", decision.QuietAllow + "\n"},
		{"permission-request", decision.QuietAllow + "\n"},
		{"read-guard", ""},
		{"session-start", ""},
		{"stop", ""},
	}

	for _, tt := range tests {
		t.Run(tt.hook, func(t *testing.T) {
			testEnv(t)
			stdout, _, code := execute(t, "{not json", "--no-detach", tt.hook)
			if code != decision.ExitOK {
				t.Errorf("exit code = %d, want 0", code)
			}
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
		})
	}
}

func TestHookCommandWritesDebugLog(t *testing.T) {
	_, stateDir := testEnv(t)
	execute(t, bashInput("ls"), "--no-detach", "--verbose", "pre-tool-use")

	data, err := os.ReadFile(filepath.Join(stateDir, constants.DebugLogFileName))
	if err != nil {
		t.Fatalf("debug log not written: %v", err)
	}
	if !strings.Contains(string(data), "hook decided") {
		t.Errorf("debug log = %q, want a hook decided line", data)
	}
}

func TestSessionStartCommand(t *testing.T) {
	_, stateDir := testEnv(t)
	input := `{"hook_event_name":"SessionStart","session_id":"sess-cli"}`
	stdout, _, code := execute(t, input, "--no-detach", "session-start")
	if code != 0 || stdout != "" {
		t.Errorf("session-start = (%q, %d), want silent success", stdout, code)
	}
	if _, err := os.Stat(filepath.Join(stateDir, state.SessionFile)); err != nil {
		t.Errorf("session record not written: %v", err)
	}
}

func TestBackgroundCommandArchives(t *testing.T) {
	_, stateDir := testEnv(t)
	archive := filepath.Join(stateDir, "events.jsonl.1")
	if err := os.WriteFile(archive, []byte(`{"kind":"allowed"}`+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	jobFile, err := background.WriteJobs(stateDir, []background.Job{{Kind: background.KindArchive, Archive: archive}})
	if err != nil {
		t.Fatal(err)
	}

	_, stderr, code := execute(t, "", background.CommandName, jobFile)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	if _, err := os.Stat(archive + eventlog.ArchiveSuffix); err != nil {
		t.Errorf("compressed archive missing: %v", err)
	}
	if _, err := os.Stat(archive); !os.IsNotExist(err) {
		t.Errorf("uncompressed archive should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(jobFile); !os.IsNotExist(err) {
		t.Errorf("job file should be removed, stat err = %v", err)
	}
}

func TestBackgroundCommandMissingJobFile(t *testing.T) {
	_, stateDir := testEnv(t)
	_, _, code := execute(t, "", background.CommandName, filepath.Join(stateDir, "nope.json"))
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
