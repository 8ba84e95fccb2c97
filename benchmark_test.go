package main

import (
	"strings"
	"testing"

	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/rules"
	"github.com/dgerlanc/tokenguard/internal/shell"
	"github.com/dgerlanc/tokenguard/internal/transform"
)

// BenchmarkDecode compares the fast and full event decoders
func BenchmarkDecode(b *testing.B) {
	input := []byte(`{"session_id":"s1","transcript_path":"/tmp/t.jsonl","hook_event_name":"PostToolUse",` +
		`"tool_name":"Bash","tool_use_id":"toolu_1","tool_input":{"command":"go test ./..."},` +
		`"tool_response":{"stdout":"` + strings.Repeat("ok  \\tpkg\\t0.01s\\n", 500) + `","stderr":""}}`)

	benchmarks := []struct {
		name    string
		decoder event.Decoder
	}{
		{"fast", event.FastDecoder{}},
		{"full", event.FullDecoder{}},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = bm.decoder.Flat(input)
			}
		})
	}
}

// BenchmarkShellParse benchmarks command parsing
func BenchmarkShellParse(b *testing.B) {
	benchmarks := []struct {
		name string
		cmd  string
	}{
		{"simple", "git status"},
		{"chained", "git add . && git commit -m 'test' && git push"},
		{"piped", "cat file.txt | grep foo | wc -l"},
		{"complex", "VAR=value timeout 30 pytest -v tests/ && echo done"},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, _ = shell.Parse(bm.cmd)
			}
		})
	}
}

// BenchmarkPreExec benchmarks the pre-execution rule chain
func BenchmarkPreExec(b *testing.B) {
	pre, err := rules.NewPreExec(getTestConfig())
	if err != nil {
		b.Fatal(err)
	}

	benchmarks := []struct {
		name string
		tool string
		in   event.ToolInput
	}{
		{"allowed", "Bash", event.ToolInput{Command: "git status"}},
		{"critical", "Bash", event.ToolInput{Command: "rm -rf /"}},
		{"verbosity", "Bash", event.ToolInput{Command: "npm install"}},
		{"chained", "Bash", event.ToolInput{Command: "git add . && git commit -m 'x' && go test ./..."}},
		{"write", "Write", event.ToolInput{FilePath: "main.go", Content: strings.Repeat("x", 4096)}},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = pre.Evaluate(bm.tool, bm.in)
			}
		})
	}
}

// BenchmarkTransform benchmarks the post-tool-use output pipeline
func BenchmarkTransform(b *testing.B) {
	limits := getTestConfig().Transform

	benchmarks := []struct {
		name string
		tool string
		text string
	}{
		{"small_bash", "Bash", "ok\n"},
		{"truncate", "Bash", strings.Repeat("line of build output\n", 5000)},
		{"suppress", "Bash", strings.Repeat("x", 600<<10)},
		{"task", "Task", strings.Repeat("The agent found the following. ", 1000)},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			opts := transform.Options{Tool: bm.tool, Limits: limits}
			for i := 0; i < b.N; i++ {
				_ = transform.Apply(bm.text, opts)
			}
		})
	}
}
