package rules

import (
	"strings"

	"github.com/dgerlanc/tokenguard/internal/shell"
)

// RuleUnboundedScan is the id of the recursive search rule.
const RuleUnboundedScan = "unbounded_recursive_scan"

const scanSavings = 5000

// unscopedPaths search the working tree or the whole machine.
var unscopedPaths = map[string]bool{
	".": true, "./": true, "./*": true, "*": true,
	"/": true, "~": true, "~/": true,
	"$HOME": true, "$HOME/": true, "${HOME}": true, "${HOME}/": true,
}

// limiters cap output when a scan pipes into them.
var limiters = map[string]bool{"head": true, "tail": true, "wc": true}

// grep options that consume the following argument.
var grepArgFlags = map[string]bool{
	"-e": true, "-f": true, "-m": true, "-A": true, "-B": true, "-C": true,
	"-d": true, "-D": true, "--include": true, "--exclude": true,
	"--exclude-dir": true, "--regexp": true, "--file": true, "--max-count": true,
	"--context": true, "--after-context": true, "--before-context": true,
}

var rgArgFlags = map[string]bool{
	"-e": true, "-f": true, "-m": true, "-g": true, "-t": true, "-T": true,
	"-A": true, "-B": true, "-C": true, "-d": true, "--glob": true, "--type": true,
	"--type-not": true, "--max-count": true, "--max-depth": true, "--regexp": true,
	"--file": true, "--iglob": true,
}

var findBounds = map[string]bool{
	"-maxdepth": true, "-name": true, "-iname": true, "-type": true, "-path": true,
	"-ipath": true, "-wholename": true, "-regex": true, "-iregex": true,
}

// ScanRule denies recursive searches that have no path scope, result limit
// or file-type filter.
func ScanRule() Rule {
	return Rule{
		ID:       RuleUnboundedScan,
		Category: CategoryScan,
		Verdict:  Deny,
		Reason: "recursive search without a bound walks the whole tree and floods the context; " +
			"scope it to a subdirectory, filter by file type (--include, -name, -type), " +
			"or cap results (-m N, -maxdepth N, | head)",
		Savings: scanSavings,
		Match: func(_ string, s *shell.Script) bool {
			return s != nil && s.Any(unboundedScan)
		},
	}
}

func unboundedScan(seg shell.Segment) bool {
	for _, d := range seg.Downstream {
		if limiters[d] {
			return false
		}
	}
	switch seg.Name() {
	case "grep", "egrep", "fgrep":
		return unboundedGrep(seg.Params())
	case "find":
		return unboundedFind(seg.Params())
	case "rg":
		return unboundedRg(seg.Params())
	}
	return false
}

func unboundedGrep(params []string) bool {
	if !hasFlag(params, "rR", "--recursive", "--dereference-recursive") {
		return false
	}
	explicitPattern := false
	for _, p := range params {
		switch {
		case p == "-m" || p == "--max-count" || strings.HasPrefix(p, "--max-count="):
			return false
		case p == "--include" || strings.HasPrefix(p, "--include="):
			return false
		case p == "-e" || p == "-f" || p == "--regexp" || p == "--file" ||
			strings.HasPrefix(p, "--regexp=") || strings.HasPrefix(p, "--file="):
			explicitPattern = true
		}
		if letters := clusterLetters(p); strings.ContainsRune(letters, 'm') && len(letters) < len(p)-1 {
			// -m5
			return false
		}
	}
	ops := positional(params, grepArgFlags)
	if !explicitPattern && len(ops) > 0 {
		ops = ops[1:]
	}
	return allUnscoped(ops)
}

func unboundedFind(params []string) bool {
	var paths []string
	for i, p := range params {
		if strings.HasPrefix(p, "-") || p == "(" || p == "!" {
			for _, q := range params[i:] {
				if findBounds[q] {
					return false
				}
			}
			break
		}
		paths = append(paths, p)
	}
	return allUnscoped(paths)
}

// unboundedRg only fires for searches explicitly rooted at / or home.
// rg honours ignore files, so a bare rg in a project is already scoped.
func unboundedRg(params []string) bool {
	explicitPattern := false
	for _, p := range params {
		switch {
		case p == "-m" || p == "--max-count" || strings.HasPrefix(p, "--max-count="),
			p == "-g" || p == "--glob" || strings.HasPrefix(p, "--glob="),
			p == "-t" || p == "--type" || strings.HasPrefix(p, "--type="),
			p == "-d" || p == "--max-depth" || strings.HasPrefix(p, "--max-depth="):
			return false
		case p == "-e" || p == "-f" || p == "--regexp" || p == "--file":
			explicitPattern = true
		}
	}
	ops := positional(params, rgArgFlags)
	if !explicitPattern && len(ops) > 0 {
		ops = ops[1:]
	}
	for _, o := range ops {
		if o == "/" || o == "~" || o == "~/" || o == "$HOME" || o == "${HOME}" {
			return true
		}
	}
	return false
}

// positional returns the operands, skipping option values.
func positional(params []string, argFlags map[string]bool) []string {
	var out []string
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == "--":
			return append(out, params[i+1:]...)
		case argFlags[p]:
			i++
		case strings.HasPrefix(p, "-") && p != "-":
		default:
			out = append(out, p)
		}
	}
	return out
}

// allUnscoped reports whether paths search the working tree or wider. No
// paths means the working directory.
func allUnscoped(paths []string) bool {
	for _, p := range paths {
		if !unscopedPaths[p] {
			return false
		}
	}
	return true
}
