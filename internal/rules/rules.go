// Package rules classifies commands and file paths into verdicts.
//
// Each rule set is an ordered slice of Rule values; the first matching rule
// decides. Precedence is the slice order, so a set can be inspected, tested
// and extended without touching control flow.
package rules

import (
	"strings"

	"github.com/dgerlanc/tokenguard/internal/patterns"
	"github.com/dgerlanc/tokenguard/internal/shell"
)

// Verdict is the outcome of a classification.
type Verdict int

const (
	Allow Verdict = iota
	Ask
	Deny
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Ask:
		return "ask"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// Rule categories.
const (
	CategorySize      = "size"
	CategoryCritical  = "critical"
	CategoryVerbosity = "verbosity"
	CategoryScan      = "scan"
	CategoryUser      = "user"
	CategoryReadOnly  = "readonly"
	CategoryReadPath  = "readpath"
)

// Rule is one entry of a rule set. It fires when Pattern matches the
// command text or Match returns true. Match receives a nil script when the
// command could not be parsed. A rule with both set uses Pattern only for
// unparseable commands, so quoted arguments never trip it.
type Rule struct {
	ID       string
	Category string
	Verdict  Verdict
	Reason   string
	// Savings is a static estimate of the tokens a deny avoids.
	Savings int
	Pattern patterns.Pattern
	Match   func(raw string, script *shell.Script) bool
}

// Matches reports whether the rule fires for cmd. Deny rules also check
// scripts passed inline to a shell with -c or to eval.
func (r Rule) Matches(cmd string, script *shell.Script) bool {
	if r.Match == nil || script == nil {
		text := cmd
		if script != nil {
			text = script.Masked
		}
		if r.Pattern.MatchString(text) {
			return true
		}
	}
	if r.Match == nil {
		return false
	}
	if r.Match(cmd, script) {
		return true
	}
	if r.Verdict != Deny {
		return false
	}
	for _, inner := range inlineScripts(script) {
		if r.Matches(inner, parse(inner)) {
			return true
		}
	}
	return false
}

// inlineScripts returns the command strings script hands to another shell.
func inlineScripts(script *shell.Script) []string {
	if script == nil {
		return nil
	}
	var out []string
	for _, seg := range script.Segments {
		params := seg.Params()
		switch {
		case seg.Name() == "eval" && len(params) > 0:
			out = append(out, strings.Join(params, " "))
		case shells[seg.Name()]:
			for i, p := range params {
				if p == "--" {
					break
				}
				if strings.IndexByte(clusterLetters(p), 'c') >= 0 {
					if ops := operands(params[i+1:]); len(ops) > 0 {
						out = append(out, ops[0])
					}
					break
				}
			}
		}
	}
	return out
}

// Result is a classification outcome.
type Result struct {
	Verdict  Verdict
	Rule     string
	Category string
	Reason   string
	Savings  int
}

// Matched reports whether a rule decided the result.
func (r Result) Matched() bool { return r.Rule != "" }

func (r Rule) result() Result {
	return Result{
		Verdict:  r.Verdict,
		Rule:     r.ID,
		Category: r.Category,
		Reason:   r.Reason,
		Savings:  r.Savings,
	}
}

// First evaluates rules in order and returns the first match.
func First(rules []Rule, cmd string, script *shell.Script) (Result, bool) {
	for _, r := range rules {
		if r.Matches(cmd, script) {
			return r.result(), true
		}
	}
	return Result{}, false
}

// parse returns the parsed script, or nil when cmd is not valid shell.
func parse(cmd string) *shell.Script {
	s, err := shell.Parse(cmd)
	if err != nil {
		return nil
	}
	return s
}

// shells are interpreters that execute a script read from stdin or -c.
var shells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true,
	"ksh": true, "fish": true, "csh": true, "tcsh": true,
}
