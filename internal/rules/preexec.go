package rules

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/patterns"
)

// Size rule ids.
const (
	RuleWriteOversized    = "write_oversized"
	RuleNotebookOversized = "notebook_oversized"
	RuleEditOversized     = "edit_oversized"
)

// SizeRule denies a tool call whose content field exceeds Limit bytes.
type SizeRule struct {
	ID      string
	Tool    string
	Field   string
	Limit   int
	Content func(event.ToolInput) string
}

func (r SizeRule) evaluate(tool string, in event.ToolInput) (Result, bool) {
	if tool != r.Tool {
		return Result{}, false
	}
	n := len(r.Content(in))
	if n <= r.Limit {
		return Result{}, false
	}
	return Result{
		Verdict:  Deny,
		Rule:     r.ID,
		Category: CategorySize,
		Reason: fmt.Sprintf("%s %s is %s bytes, over the %s byte limit; split it into smaller chunks",
			r.Tool, r.Field, humanize.Comma(int64(n)), humanize.Comma(int64(r.Limit))),
		Savings: n / 4,
	}, true
}

// SizeRules returns the oversized-content rules for limits.
func SizeRules(limits config.Limits) []SizeRule {
	return []SizeRule{
		{
			ID: RuleWriteOversized, Tool: event.ToolWrite, Field: "content",
			Limit:   limits.WriteContentBytes,
			Content: func(in event.ToolInput) string { return in.Content },
		},
		{
			ID: RuleNotebookOversized, Tool: event.ToolNotebookEdit, Field: "new_source",
			Limit:   limits.NotebookContentBytes,
			Content: func(in event.ToolInput) string { return in.NewSource },
		},
		{
			ID: RuleEditOversized, Tool: event.ToolEdit, Field: "new_string",
			Limit:   limits.EditContentBytes,
			Content: func(in event.ToolInput) string { return in.NewString },
		},
	}
}

// PreExec is the guard evaluated before every tool call.
type PreExec struct {
	Size      []SizeRule
	Critical  []Rule
	Verbosity []Rule
	Scan      []Rule
	User      []Rule
}

// NewPreExec builds the guard from cfg. It fails only when a user deny
// pattern does not compile.
func NewPreExec(cfg *config.Config) (*PreExec, error) {
	user, err := UserRules(cfg.Rules.Deny)
	if err != nil {
		return nil, err
	}
	return &PreExec{
		Size:      SizeRules(cfg.Limits),
		Critical:  CriticalRules(),
		Verbosity: VerbosityRules(cfg.Rules.Verbosity),
		Scan:      []Rule{ScanRule()},
		User:      user,
	}, nil
}

// UserRules compiles the configured deny patterns.
func UserRules(defs []config.DenyRule) ([]Rule, error) {
	out := make([]Rule, 0, len(defs))
	for _, d := range defs {
		p, err := patterns.Compile(d.Pattern, d.Name)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q: %w", d.Name, err)
		}
		reason := d.Reason
		if reason == "" {
			reason = "matches deny rule " + d.Name
		}
		out = append(out, Rule{
			ID:       d.Name,
			Category: CategoryUser,
			Verdict:  Deny,
			Reason:   reason,
			Pattern:  p,
		})
	}
	return out, nil
}

// Evaluate classifies one tool call. Precedence: oversized content, then
// critical safety for any tool carrying a command, then verbosity and
// unbounded scans for Bash, then user rules. Anything else is allowed.
func (g *PreExec) Evaluate(tool string, in event.ToolInput) Result {
	for _, r := range g.Size {
		if res, ok := r.evaluate(tool, in); ok {
			return res
		}
	}

	cmd := in.Command
	if cmd == "" {
		return Result{Verdict: Allow}
	}
	script := parse(cmd)

	if res, ok := First(g.Critical, cmd, script); ok {
		return res
	}
	if tool == event.ToolBash {
		if res, ok := First(g.Verbosity, cmd, script); ok {
			return res
		}
		if res, ok := First(g.Scan, cmd, script); ok {
			return res
		}
	}
	if res, ok := First(g.User, cmd, script); ok {
		return res
	}
	return Result{Verdict: Allow}
}
