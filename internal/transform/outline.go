package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// OutlineMarker starts every outline.
const OutlineMarker = "[outline:"

const (
	outlineLineWidth = 200
	outlinePreview   = 40
)

var (
	// Read output prefixes lines with a right-aligned number and a tab or
	// arrow.
	lineNumberPrefix = regexp.MustCompile(`^\s*(\d+)(?:\t|→)`)

	importLine = regexp.MustCompile(
		`^(?:import\b|from\s+\S+\s+import\b|#include\b|#import\b|package\s|use\s|using\s|require\b|` +
			`(?:const|let|var)\s+\S+\s*=\s*require\()`)

	signatureLine = regexp.MustCompile(
		`^(?:export\s+)?(?:default\s+)?(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?` +
			`(?:func|function\*?|class|interface|type|struct|enum|trait|impl|def|fn|mod|module|object|protocol|extension|record)\b` +
			`|^(?:public|private|protected|internal|static|abstract|final|sealed|data|open)\s.*\b(?:class|interface|enum|record|struct|object)\b` +
			`|^(?:export\s+)?(?:const|let|var)\s+\w+\s*=\s*(?:async\s*)?(?:\([^)]*\)|\w+)\s*=>`)

	// one indentation level of methods
	methodLine = regexp.MustCompile(`^(?: {2,4}|\t)(?:async\s+)?(?:def|fn|pub\s+fn|func)\s`)
)

// Outline replaces a long file listing with its imports and top-level
// signatures, each prefixed with its original line number. Text already
// outlined, or with at most threshold lines, is returned unchanged.
func Outline(text string, threshold int) (string, bool) {
	if threshold <= 0 || strings.HasPrefix(text, OutlineMarker) {
		return text, false
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= threshold {
		return text, false
	}

	var imports, sigs []string
	for i, raw := range lines {
		num := i + 1
		line := raw
		if m := lineNumberPrefix.FindStringSubmatchIndex(raw); m != nil {
			if n, err := strconv.Atoi(raw[m[2]:m[3]]); err == nil {
				num = n
			}
			line = raw[m[1]:]
		}
		switch {
		case importLine.MatchString(line):
			imports = append(imports, formatOutlineLine(num, line))
		case signatureLine.MatchString(line), methodLine.MatchString(line):
			sigs = append(sigs, formatOutlineLine(num, line))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d lines, %s; imports and top-level signatures only. "+
		"Read with offset and limit to see a section in full]\n",
		OutlineMarker, len(lines), humanize.IBytes(uint64(len(text))))

	if len(imports) == 0 && len(sigs) == 0 {
		b.WriteString("\nno structure found; first lines:\n")
		for i := 0; i < outlinePreview && i < len(lines); i++ {
			b.WriteString(formatOutlineLine(i+1, lines[i]))
			b.WriteByte('\n')
		}
	}
	if len(imports) > 0 {
		b.WriteString("\nimports:\n")
		for _, l := range imports {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	if len(sigs) > 0 {
		b.WriteString("\nsignatures:\n")
		for _, l := range sigs {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}

	out := b.String()
	if len(out) >= len(text) {
		return text, false
	}
	return out, true
}

func formatOutlineLine(num int, line string) string {
	line = strings.TrimRight(line, " \t\r")
	if len(line) > outlineLineWidth {
		line = cutUTF8(line, outlineLineWidth) + "…"
	}
	return fmt.Sprintf("%6d  %s", num, line)
}
