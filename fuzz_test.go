package main

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/rules"
	"github.com/dgerlanc/tokenguard/internal/shell"
	"github.com/dgerlanc/tokenguard/internal/transform"
)

// getTestConfig returns the built-in defaults
func getTestConfig() *config.Config {
	return config.Default("")
}

// FuzzShellParse tests command parsing for crashes
func FuzzShellParse(f *testing.F) {
	// Add seed corpus
	f.Add("git status")
	f.Add("git status && echo done")
	f.Add("echo 'hello && world'")
	f.Add("ls | grep foo | wc -l")
	f.Add("VAR=value cmd")
	f.Add("timeout 30 pytest")
	f.Add("")
	f.Add("   ")
	f.Add("$(cat /etc/passwd)")
	f.Add("`whoami`")
	f.Add("for i in 1 2 3; do echo $i; done")
	f.Add("cat <<EOF\nhi\nEOF")

	f.Fuzz(func(t *testing.T, cmd string) {
		// Just ensure no panics
		if s, err := shell.Parse(cmd); err == nil {
			_ = s.Any(func(shell.Segment) bool { return false })
			_ = s.Simple()
		}
	})
}

// FuzzDecoders checks that the fast and full decoders never panic and agree
// on the tool name of events both can read.
func FuzzDecoders(f *testing.F) {
	f.Add(`{"tool_name":"Bash","session_id":"s1","tool_input":{"command":"git status"}}`)
	f.Add(`{"tool_name":"Read","tool_input":{"file_path":"/tmp/x"}}`)
	f.Add(`{"tool_name":"Bash","tool_response":{"stdout":"ok","stderr":""}}`)
	f.Add(`{"hook_event_name":"Stop","stop_hook_active":true}`)
	f.Add(`{}`)
	f.Add(`not json`)
	f.Add(`{"tool_name":1}`)

	f.Fuzz(func(t *testing.T, input string) {
		raw := []byte(input)
		fast := event.FastDecoder{}.Flat(raw)
		ev, err := event.FullDecoder{}.Full(raw)
		if err != nil || !strings.HasPrefix(input, "{") || !utf8.ValidString(input) {
			return
		}
		if strings.Count(input, `"tool_name"`) == 1 && ev.ToolName != fast.ToolName {
			t.Errorf("decoders disagree on %q: fast %q, full %q", input, fast.ToolName, ev.ToolName)
		}
	})
}

// FuzzPreToolUse tests full rule evaluation for crashes
func FuzzPreToolUse(f *testing.F) {
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"git status"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"npm install"}}`)
	f.Add(`{"tool_name":"Bash","tool_input":{"command":"grep -r foo ."}}`)
	f.Add(`{"tool_name":"Write","tool_input":{"file_path":"a","content":"x"}}`)
	f.Add(`{"tool_name":"Read","tool_input":{}}`)
	f.Add(`{}`)
	f.Add(`not json`)

	pre, err := rules.NewPreExec(getTestConfig())
	if err != nil {
		f.Fatal(err)
	}
	perm := rules.NewPermission()

	f.Fuzz(func(t *testing.T, input string) {
		raw, err := event.ReadInput(context.Background(), strings.NewReader(input), time.Second, 1<<20)
		if err != nil {
			return
		}
		env := event.NewEnvelope(raw)
		in := env.Input()
		_ = pre.Evaluate(env.ToolName(), in)
		_ = perm.Evaluate(env.ToolName(), in.Command)
	})
}

// FuzzTransform checks that a second pass changes nothing
func FuzzTransform(f *testing.F) {
	f.Add("Bash", "ok\n")
	f.Add("Bash", strings.Repeat("line of build output\n", 2000))
	f.Add("Read", "<system-reminder>stale</system-reminder>\nbody\n")
	f.Add("Task", strings.Repeat("The agent found the following. ", 400))
	f.Add("Read", "")

	limits := getTestConfig().Transform

	f.Fuzz(func(t *testing.T, tool, text string) {
		opts := transform.Options{Tool: tool, Limits: limits}
		once := transform.Apply(text, opts)
		twice := transform.Apply(once.Text, opts)
		if twice.Text != once.Text {
			t.Errorf("transform is not idempotent for %s output of %d bytes", tool, len(text))
		}
	})
}
