package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/patterns"
)

// Read guard rule ids.
const (
	RuleGeneratedPath = "generated_path"
	RuleFileTooLarge  = "file_too_large"
)

const generatedPathSavings = 5000

var (
	generatedDirs = []string{
		"node_modules", "bower_components", "dist", ".next", ".nuxt",
		"__pycache__", ".venv", "target/debug", "target/release",
	}
	generatedSuffixes = []string{".min.js", ".min.css", ".map"}
	lockfiles         = []string{
		"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "Cargo.lock",
		"poetry.lock", "Gemfile.lock", "composer.lock", "go.sum",
	}

	generatedPathPattern = patterns.MustCompile(
		patterns.BuildPathPattern(generatedDirs, generatedSuffixes, lockfiles),
		RuleGeneratedPath)
)

// ReadGuard blocks reads of generated files and very large files. It never
// opens the file: size comes from a stat.
type ReadGuard struct {
	MaxBytes int64
	Path     patterns.Pattern
	Stat     func(string) (os.FileInfo, error)
}

// NewReadGuard returns a guard using limits.ReadFileBytes.
func NewReadGuard(limits config.Limits) *ReadGuard {
	return &ReadGuard{
		MaxBytes: limits.ReadFileBytes,
		Path:     generatedPathPattern,
		Stat:     os.Stat,
	}
}

// Evaluate returns Deny with a remediation reason or Allow. A read with an
// explicit line limit skips the size check.
func (g *ReadGuard) Evaluate(in event.ToolInput) Result {
	p := in.FilePath
	if p == "" {
		return Result{Verdict: Allow}
	}

	if m := g.Path.Regex.FindString(filepath.ToSlash(p)); m != "" {
		return Result{
			Verdict:  Deny,
			Rule:     RuleGeneratedPath,
			Category: CategoryReadPath,
			Reason: fmt.Sprintf("%s is generated or vendored (%s); read the source it was built from, "+
				"or use Grep to find the specific symbol", p, trimSlashes(m)),
			Savings: generatedPathSavings,
		}
	}

	if in.Limit > 0 || g.MaxBytes <= 0 {
		return Result{Verdict: Allow}
	}
	info, err := g.Stat(p)
	if err != nil || info.IsDir() {
		return Result{Verdict: Allow}
	}
	if size := info.Size(); size > g.MaxBytes {
		return Result{
			Verdict:  Deny,
			Rule:     RuleFileTooLarge,
			Category: CategoryReadPath,
			Reason: fmt.Sprintf("%s is %s, above the %s read limit; read a range with offset and limit, "+
				"or use Grep to find what you need", p, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.MaxBytes))),
			Savings: int(size / 4),
		}
	}
	return Result{Verdict: Allow}
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
