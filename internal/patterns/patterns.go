// Package patterns provides functions for building the regular expressions
// tokenguard matches commands and paths with.
package patterns

import (
	"regexp"
	"strings"
)

// Pattern holds a compiled regex and its description.
type Pattern struct {
	Regex   *regexp.Regexp
	Name    string
	Pattern string // original pattern string
}

// MatchString reports whether s matches. A zero Pattern matches nothing.
func (p Pattern) MatchString(s string) bool {
	return p.Regex != nil && p.Regex.MatchString(s)
}

// BuildFlagPattern converts a flag specification to a regex pattern.
// "-f" becomes "(-f\s+)?"
// "-f <arg>" becomes "(-f\s*\S+\s+)?" (allows -f10 or -f 10)
// "<arg>" becomes "(\S+\s+)?" (positional argument)
// "" (empty) becomes "" (allows bare command)
func BuildFlagPattern(flag string) string {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return ""
	}
	if flag == "<arg>" {
		return `(\S+\s+)?`
	}
	if strings.HasSuffix(flag, " <arg>") {
		flagName := strings.TrimSuffix(flag, " <arg>")
		return `(` + regexp.QuoteMeta(flagName) + `\s*\S+\s+)?`
	}
	return `(` + regexp.QuoteMeta(flag) + `\s+)?`
}

// BuildWrapperPattern creates a regex for a wrapper command.
// "timeout" with flags=["<arg>"] becomes "^timeout\s+(\S+\s+)?"
func BuildWrapperPattern(cmd string, flags []string) string {
	var flagPatterns string
	for _, f := range flags {
		flagPatterns += BuildFlagPattern(f)
	}
	return `^` + regexp.QuoteMeta(cmd) + `\s+` + flagPatterns
}

// BuildPathPattern creates one regex matching any path that contains one of
// dirs as a whole path component, ends with one of suffixes, or has one of
// files as its base name.
//
// dirs=["node_modules"], suffixes=[".map"], files=["go.sum"] becomes
// "(?:^|/)(?:node_modules)/|(?:\.map)$|(?:^|/)(?:go\.sum)$"
func BuildPathPattern(dirs, suffixes, files []string) string {
	var alts []string
	if len(dirs) > 0 {
		alts = append(alts, `(?:^|/)(?:`+quoteJoin(dirs)+`)/`)
	}
	if len(suffixes) > 0 {
		alts = append(alts, `(?:`+quoteJoin(suffixes)+`)$`)
	}
	if len(files) > 0 {
		alts = append(alts, `(?:^|/)(?:`+quoteJoin(files)+`)$`)
	}
	return strings.Join(alts, "|")
}

func quoteJoin(words []string) string {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(escaped, "|")
}

// Compile compiles a pattern string into a Pattern with the given name.
// Returns an error if the pattern is invalid.
func Compile(pattern, name string) (Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Regex: re, Name: name, Pattern: pattern}, nil
}

// MustCompile is like Compile but panics if the pattern is invalid.
func MustCompile(pattern, name string) Pattern {
	p, err := Compile(pattern, name)
	if err != nil {
		panic(err)
	}
	return p
}

// Wrappers returns the command prefixes stripped before the real program is
// identified. Each pattern is anchored and consumes the wrapper together
// with its own options.
func Wrappers() []Pattern {
	return []Pattern{
		MustCompile(`^sudo\s+((-[ugpCDhrtT]\s+\S+|--[a-z-]+(=\S+)?|-[A-Za-z]+)\s+)*`, "sudo"),
		MustCompile(BuildWrapperPattern("time", []string{"-p"}), "time"),
		MustCompile(`^timeout\s+((-[ks]\s+\S+|--\S+|-v)\s+)*\S+\s+`, "timeout"),
		MustCompile(BuildWrapperPattern("nice", []string{"-n <arg>"}), "nice"),
		MustCompile(`^env\s+((-i|-0|--ignore-environment|-u\s+\S+|--unset=\S+|[A-Za-z_][A-Za-z0-9_]*=\S*)\s+)*`, "env"),
		MustCompile(BuildWrapperPattern("command", []string{"-p"}), "command"),
		MustCompile(`^exec\s+((-[cl]|-a\s+\S+)\s+)*`, "exec"),
	}
}

// StripWrappers strips wrapper prefixes from a command.
// Returns (core_cmd, list_of_wrapper_names).
func StripWrappers(cmd string, wrapperPatterns []Pattern) (string, []string) {
	var wrappers []string
	changed := true
	for changed {
		changed = false
		for _, p := range wrapperPatterns {
			loc := p.Regex.FindStringIndex(cmd)
			if loc != nil && loc[0] == 0 && loc[1] > 0 {
				wrappers = append(wrappers, p.Name)
				cmd = cmd[loc[1]:]
				changed = true
				break
			}
		}
	}
	return strings.TrimSpace(cmd), wrappers
}
