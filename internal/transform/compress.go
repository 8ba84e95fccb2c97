package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// CompressMarker starts every compressed task result.
const CompressMarker = "[compressed:"

const (
	leadSentenceMax = 200
	fenceLinesMax   = 20
)

var (
	headingLine  = regexp.MustCompile(`^#{1,6}\s`)
	listLine     = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s`)
	tableLine    = regexp.MustCompile(`^\s*\|`)
	fenceLine    = regexp.MustCompile("^\\s*(?:```|~~~)")
	sentenceStop = regexp.MustCompile(`[.!?](?:\s|$)`)
)

// CompressTask condenses a subagent's report: structure (headings, list
// items, table rows) is kept, each prose paragraph shrinks to its lead
// sentence, and code fences are capped. Results at or under threshold bytes
// and results already compressed come back unchanged.
func CompressTask(text string, threshold int) (string, bool) {
	if threshold <= 0 || len(text) <= threshold || strings.HasPrefix(text, CompressMarker) {
		return text, false
	}

	var body strings.Builder
	var para []string
	flush := func() {
		if len(para) == 0 {
			return
		}
		body.WriteString("- ")
		body.WriteString(leadSentence(strings.Join(para, " ")))
		body.WriteByte('\n')
		para = para[:0]
	}

	lines := strings.Split(text, "\n")
	inFence, fenceKept, fenceDropped := false, 0, 0
	blank := false
	for _, line := range lines {
		if inFence {
			if fenceLine.MatchString(line) {
				if fenceDropped > 0 {
					fmt.Fprintf(&body, "… %d more lines\n", fenceDropped)
				}
				body.WriteString(line)
				body.WriteByte('\n')
				inFence = false
				continue
			}
			if fenceKept < fenceLinesMax {
				body.WriteString(line)
				body.WriteByte('\n')
				fenceKept++
			} else {
				fenceDropped++
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
			if !blank && body.Len() > 0 {
				body.WriteByte('\n')
			}
			blank = true
			continue
		case fenceLine.MatchString(line):
			flush()
			inFence, fenceKept, fenceDropped = true, 0, 0
			body.WriteString(line)
			body.WriteByte('\n')
		case headingLine.MatchString(trimmed), listLine.MatchString(line), tableLine.MatchString(line):
			flush()
			body.WriteString(strings.TrimRight(line, " \t\r"))
			body.WriteByte('\n')
		default:
			para = append(para, trimmed)
		}
		blank = false
	}
	flush()
	if inFence && fenceDropped > 0 {
		fmt.Fprintf(&body, "… %d more lines\n", fenceDropped)
	}

	compressed := strings.TrimRight(body.String(), "\n")
	out := fmt.Sprintf("%s task output %s → %s; prose reduced to lead sentences, code blocks capped at %d lines]\n%s",
		CompressMarker, humanize.IBytes(uint64(len(text))), humanize.IBytes(uint64(len(compressed))),
		fenceLinesMax, compressed)
	if len(out) >= len(text) {
		return text, false
	}
	return out, true
}

func leadSentence(p string) string {
	if loc := sentenceStop.FindStringIndex(p); loc != nil {
		p = strings.TrimSpace(p[:loc[0]+1])
	}
	if len(p) > leadSentenceMax {
		p = cutUTF8(p, leadSentenceMax) + "…"
	}
	return p
}
