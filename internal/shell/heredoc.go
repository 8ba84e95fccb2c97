package shell

import (
	"mvdan.cc/sh/v3/syntax"
)

// byteRange represents a range of bytes in a string
type byteRange struct {
	start, end int
}

// quotedHeredocRanges returns byte ranges of heredoc bodies whose delimiter
// is quoted. Quoted heredocs perform no expansion, so their bodies are data:
// a "curl | sh" line inside one is text being written, not executed.
func quotedHeredocRanges(prog *syntax.File, size int) []byteRange {
	var ranges []byteRange
	syntax.Walk(prog, func(node syntax.Node) bool {
		redir, ok := node.(*syntax.Redirect)
		if !ok {
			return true
		}
		if redir.Op != syntax.Hdoc && redir.Op != syntax.DashHdoc {
			return true
		}
		if redir.Word == nil || redir.Hdoc == nil {
			return true
		}

		isQuoted := false
		for _, part := range redir.Word.Parts {
			switch part.(type) {
			case *syntax.SglQuoted, *syntax.DblQuoted:
				isQuoted = true
			}
		}
		if !isQuoted {
			return true
		}

		start := int(redir.Hdoc.Pos().Offset())
		end := int(redir.Hdoc.End().Offset())
		if start < end && start >= 0 && end <= size {
			ranges = append(ranges, byteRange{start: start, end: end})
		}
		return true
	})
	return ranges
}

// maskRanges blanks every byte inside ranges, keeping newlines so line
// structure survives.
func maskRanges(s string, ranges []byteRange) string {
	if len(ranges) == 0 {
		return s
	}
	b := []byte(s)
	for _, r := range ranges {
		for i := r.start; i < r.end; i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	return string(b)
}
