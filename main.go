// tokenguard - Claude Code hooks that keep a session's token budget in check
//
// One binary serves every hook event. Before a tool runs it denies
// destructive or needlessly verbose commands; after it runs it shrinks the
// output; around both it records tokens, cost and latency per session.
//
// Usage in ~/.claude/settings.json (print the full block with
// 'tokenguard init --hooks-only'):
//
//	"hooks": {
//	  "PreToolUse": [{
//	    "matcher": "*",
//	    "hooks": [{"type": "command", "command": "tokenguard pre-tool-use"}]
//	  }],
//	  "PostToolUse": [{
//	    "matcher": "*",
//	    "hooks": [{"type": "command", "command": "tokenguard post-tool-use"}]
//	  }]
//	}
//
// Test:
//
//	echo '{"tool_name": "Bash", "session_id": "s1", "tool_input": {"command": "rm -rf /"}}' | tokenguard pre-tool-use
package main

import (
	"os"

	"github.com/dgerlanc/tokenguard/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
