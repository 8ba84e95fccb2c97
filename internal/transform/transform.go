// Package transform rewrites tool output before it reaches the model.
//
// Stages run in a fixed order and each one is idempotent: it recognises its
// own output (by marker or by size) and leaves it alone, and it returns
// input it has nothing to do with unchanged.
package transform

import (
	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/tokens"
)

// Stage names.
const (
	StageStrip    = "strip_reminders"
	StageOutline  = "outline"
	StageCompress = "compress_task"
	StageTruncate = "truncate"
	StageSuppress = "suppress"
)

// Change records one stage that fired.
type Change struct {
	Stage  string
	Before int
	After  int
}

// Saved is the byte reduction.
func (c Change) Saved() int { return c.Before - c.After }

// Result is the outcome of Apply.
type Result struct {
	Text    string
	Changes []Change
}

// Modified reports whether any stage fired.
func (r Result) Modified() bool { return len(r.Changes) > 0 }

// Before is the input size in bytes.
func (r Result) Before() int {
	if len(r.Changes) == 0 {
		return len(r.Text)
	}
	return r.Changes[0].Before
}

// EstimatedTokensSaved converts the total byte reduction to tokens at the
// fixed bytes-per-token ratio.
func (r Result) EstimatedTokensSaved() int {
	return tokens.Estimate(r.Before() - len(r.Text))
}

// Options selects the stages that apply to one output.
type Options struct {
	Tool string
	// Subagent lowers the outline threshold.
	Subagent bool
	Limits   config.Transform
}

// Apply runs every applicable stage in order.
func Apply(text string, opts Options) Result {
	res := Result{Text: text}
	step := func(stage string, fn func(string) (string, bool)) {
		before := len(res.Text)
		out, changed := fn(res.Text)
		if !changed {
			return
		}
		if stage == StageTruncate && len(out) < before && before > opts.Limits.SuppressCeilingBytes {
			stage = StageSuppress
		}
		res.Text = out
		res.Changes = append(res.Changes, Change{Stage: stage, Before: before, After: len(out)})
	}

	step(StageStrip, StripReminders)

	if opts.Tool == event.ToolRead {
		threshold := opts.Limits.OutlineMainLines
		if opts.Subagent {
			threshold = opts.Limits.OutlineSubagentLines
		}
		step(StageOutline, func(s string) (string, bool) { return Outline(s, threshold) })
	}

	if opts.Tool == event.ToolTask || opts.Tool == event.ToolAgent {
		step(StageCompress, func(s string) (string, bool) { return CompressTask(s, opts.Limits.TaskCompressBytes) })
	}

	if opts.Tool == event.ToolBash {
		step(StageTruncate, func(s string) (string, bool) { return Truncate(s, opts.Limits) })
	}

	return res
}
