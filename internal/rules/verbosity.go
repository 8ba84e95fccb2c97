package rules

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/shell"
)

// defaultVerbositySavings is the token estimate for a verbosity deny when
// the rule does not set its own.
const defaultVerbositySavings = 1500

// VerbosityRules builds one rule per configured table entry.
func VerbosityRules(table []config.VerbosityRule) []Rule {
	out := make([]Rule, 0, len(table))
	for _, v := range table {
		out = append(out, newVerbosityRule(v))
	}
	return out
}

func newVerbosityRule(v config.VerbosityRule) Rule {
	id := v.Name
	if id == "" {
		id = path.Base(v.Binary) + "_quiet"
	}
	savings := v.Savings
	if savings <= 0 {
		savings = defaultVerbositySavings
	}

	what := v.Binary
	if len(v.Subcommands) > 0 {
		what = v.Binary + " " + v.Subcommands[0]
	}
	reason := fmt.Sprintf("%s without a quiet flag floods the context with progress output; add %s", what, v.Quiet[0])
	if len(v.Quiet) > 1 {
		reason += fmt.Sprintf(" (also accepted: %s)", strings.Join(v.Quiet[1:], ", "))
	}

	rule := v
	return Rule{
		ID:       id,
		Category: CategoryVerbosity,
		Verdict:  Deny,
		Reason:   reason,
		Savings:  savings,
		Match: func(_ string, s *shell.Script) bool {
			return s != nil && s.Any(func(seg shell.Segment) bool {
				return runsVerbose(seg, rule)
			})
		},
	}
}

func runsVerbose(seg shell.Segment, v config.VerbosityRule) bool {
	if !sameProgram(seg.Program(), v.Binary) {
		return false
	}
	params := seg.Params()
	if len(v.Subcommands) > 0 {
		sub := firstOperand(params, v.ValueFlags)
		if !slices.Contains(v.Subcommands, sub) {
			return false
		}
	}
	return !HasQuietFlag(params, v.Quiet)
}

func sameProgram(program, binary string) bool {
	if program == binary {
		return true
	}
	if strings.Contains(binary, "/") {
		return false
	}
	return path.Base(program) == binary
}

// firstOperand returns the first argument that is neither an option nor
// the value of one of valueFlags. A "+toolchain" selector counts as an
// option.
func firstOperand(params, valueFlags []string) string {
	for i := 0; i < len(params); i++ {
		p := params[i]
		if p == "--" {
			if i+1 < len(params) {
				return params[i+1]
			}
			return ""
		}
		if slices.Contains(valueFlags, p) {
			i++
			continue
		}
		if !strings.HasPrefix(p, "-") && !strings.HasPrefix(p, "+") {
			return p
		}
	}
	return ""
}

// HasQuietFlag reports whether params carry one of the accepted spellings.
//
// A two-character spelling such as "-s" also matches inside a short option
// cluster ("-fsSL"). A long spelling such as "--silent" also matches
// "--silent=<value>". A spelling containing "=" also matches the
// two-argument form ("--loglevel silent"). Anything else must match exactly.
func HasQuietFlag(params, spellings []string) bool {
	for i, p := range params {
		if p == "--" {
			return false
		}
		for _, q := range spellings {
			if p == q {
				return true
			}
			if len(q) == 2 && q[0] == '-' && isLetter(q[1]) && strings.IndexByte(clusterLetters(p), q[1]) >= 0 {
				return true
			}
			if strings.HasPrefix(q, "--") && !strings.Contains(q, "=") && strings.HasPrefix(p, q+"=") {
				return true
			}
			if key, val, ok := strings.Cut(q, "="); ok && p == key && i+1 < len(params) && params[i+1] == val {
				return true
			}
		}
	}
	return false
}
