package rules

import (
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/shell"
)

// RuleReadOnly is the id of the read-only allow rule.
const RuleReadOnly = "read_only_command"

// readOnlyCommands have no side effects and reveal nothing sensitive when
// given literal arguments.
var readOnlyCommands = map[string]bool{
	"pwd": true, "whoami": true, "id": true, "date": true, "uname": true,
	"hostname": true, "uptime": true, "nproc": true, "arch": true,
	"which": true, "echo": true, "printf": true, "true": true,
}

// Permission answers the host's permission requests.
type Permission struct {
	Deny  []Rule
	Allow []Rule
}

// NewPermission returns the permission guard.
func NewPermission() *Permission {
	return &Permission{
		Deny:  PermissionDenyRules(),
		Allow: []Rule{ReadOnlyRule()},
	}
}

// ReadOnlyRule allows one literal invocation of a read-only command.
// Expansions, substitutions, globs, redirects and assignments disqualify
// it: "echo $AWS_SECRET_ACCESS_KEY" would print a secret.
func ReadOnlyRule() Rule {
	return Rule{
		ID:       RuleReadOnly,
		Category: CategoryReadOnly,
		Verdict:  Allow,
		Reason:   "read-only command with literal arguments",
		Match: func(_ string, s *shell.Script) bool {
			if s == nil || !s.Simple() {
				return false
			}
			seg := s.Segments[0]
			return readOnlyCommands[seg.Program()] &&
				len(seg.Wrappers) == 0 &&
				!seg.Expansion && !seg.Glob && !seg.Redirect && !seg.Assign
		},
	}
}

// Evaluate returns Deny for a dangerous command, Allow for a literal
// read-only command, and Ask otherwise. Non-Bash tools always get Ask.
func (p *Permission) Evaluate(tool, cmd string) Result {
	if tool != event.ToolBash || cmd == "" {
		return Result{Verdict: Ask}
	}
	script := parse(cmd)
	if res, ok := First(p.Deny, cmd, script); ok {
		return res
	}
	if res, ok := First(p.Allow, cmd, script); ok {
		return res
	}
	return Result{Verdict: Ask}
}
