package transform

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/dgerlanc/tokenguard/internal/config"
)

const rerunHint = "Rerun with a narrower command or redirect to a file and grep it"

// Oversized replaces output whose event exceeded the input ceiling and was
// never read in full.
func Oversized(tool string, limit int64) string {
	if tool == "" {
		tool = "tool"
	}
	return fmt.Sprintf("[output suppressed: %s event above the %s input ceiling. %s]",
		tool, humanize.IBytes(uint64(limit)), rerunHint)
}

// Truncate keeps the head and tail of command output above the threshold
// and drops the middle. Output above the suppress ceiling is replaced by a
// notice. Both cuts land on line boundaries when one is near the cut, and
// never split a UTF-8 sequence.
func Truncate(text string, cfg config.Transform) (string, bool) {
	size := len(text)
	if cfg.TruncateThresholdBytes <= 0 || size <= cfg.TruncateThresholdBytes {
		return text, false
	}

	if cfg.SuppressCeilingBytes > 0 && size > cfg.SuppressCeilingBytes {
		lines := strings.Count(text, "\n") + 1
		return fmt.Sprintf("[output suppressed: %s in %s lines, above the %s ceiling. %s]",
			humanize.IBytes(uint64(size)), humanize.Comma(int64(lines)),
			humanize.IBytes(uint64(cfg.SuppressCeilingBytes)), rerunHint), true
	}

	head := headCut(text, cfg.TruncateHeadBytes)
	tail := tailCut(text[len(head):], cfg.TruncateTailBytes)
	elided := size - len(head) - len(tail)
	if elided <= 0 {
		return text, false
	}

	var b strings.Builder
	b.Grow(len(head) + len(tail) + 64)
	b.WriteString(head)
	if !strings.HasSuffix(head, "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "[… %s bytes elided …]\n", humanize.Comma(int64(elided)))
	b.WriteString(tail)
	return b.String(), true
}

// maxSnap bounds how far a cut may move to reach a line boundary.
func maxSnap(n int) int {
	return min(n/4, 1024)
}

// headCut returns the longest prefix of at most n bytes, ending after the
// last newline in that window when one lies within maxSnap of its end.
func headCut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	prefix := cutUTF8(s, n)
	if i := strings.LastIndexByte(prefix, '\n'); i >= 0 && len(prefix)-(i+1) <= maxSnap(n) {
		return prefix[:i+1]
	}
	return prefix
}

// tailCut returns the longest suffix of at most n bytes, starting after the
// first newline in that window when one lies within maxSnap of its start.
func tailCut(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	suffix := s[start:]
	if i := strings.IndexByte(suffix, '\n'); i >= 0 && i+1 < len(suffix) && i+1 <= maxSnap(n) {
		return suffix[i+1:]
	}
	return suffix
}

// cutUTF8 returns the longest prefix of s of at most n bytes that does not
// end inside a multi-byte sequence.
func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
