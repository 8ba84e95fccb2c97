package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dgerlanc/tokenguard/internal/background"
	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/decision"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/state"
	"github.com/dgerlanc/tokenguard/internal/tokens"
	"github.com/dgerlanc/tokenguard/internal/trace"
	"github.com/dgerlanc/tokenguard/internal/transform"
)

// labelMax bounds the largest-output label.
const labelMax = 60

func postToolUse(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	tool := env.ToolName()
	in := env.Input()
	text := env.ResponseText()
	now := rt.Now()

	sid, ok := session(env)
	var rec state.Record
	if ok {
		rec = rt.current(sid)
	}
	// read before a finishing Task or Agent call decrements the count
	subagent := env.AgentID() != "" || (ok && rt.Store.Subagents() > 0)

	if ok {
		if d, found := rt.Store.ConsumeToolLatency(tool, markerKey(rt, env)); found {
			rt.record(rec, eventlog.Record{
				Session:    sid,
				Event:      eventlog.KindToolLatency,
				Tool:       tool,
				Command:    subject(in),
				DurationMs: float64(d.Microseconds()) / 1000,
			})
			if rt.Tracer.Enabled() {
				rt.Background.Span(trace.Span{
					Tool:        tool,
					ToolUseID:   env.ToolUseID(),
					SessionID:   sid,
					Command:     subject(in),
					OutputBytes: len(text),
					Start:       now.Add(-d),
					End:         now,
				})
			}
		}

		rt.record(rec, eventlog.Record{
			Session:     sid,
			Event:       eventlog.KindToolOutputSize,
			Tool:        tool,
			Command:     subject(in),
			BytesBefore: len(text),
		})
		if _, err := rt.Store.RecordOutputSize(sid, int64(len(text)), outputLabel(tool, in)); err != nil {
			rt.Log.Debug("largest output not saved", "error", err)
		}
		if isSubagentTool(tool) {
			if _, err := rt.Store.SubagentFinished(); err != nil {
				rt.Log.Debug("subagent count not saved", "error", err)
			}
		}
	}

	res := transform.Apply(text, transform.Options{
		Tool:     tool,
		Subagent: subagent,
		Limits:   rt.Config.Transform,
	})
	if res.Modified() {
		stages := make([]string, 0, len(res.Changes))
		steps := make([]string, 0, len(res.Changes))
		for _, c := range res.Changes {
			stages = append(stages, c.Stage)
			steps = append(steps, fmt.Sprintf("%s %s→%s", c.Stage,
				humanize.IBytes(uint64(c.Before)), humanize.IBytes(uint64(c.After))))
		}
		estimate := res.EstimatedTokensSaved()
		logged := rt.record(rec, eventlog.Record{
			Session:     sessionField(sid, ok),
			Event:       eventlog.KindTruncated,
			Tool:        tool,
			Command:     subject(in),
			Rule:        strings.Join(stages, "+"),
			Detail:      strings.Join(steps, ", "),
			TokensSaved: estimate,
			BytesBefore: res.Before(),
			BytesAfter:  len(res.Text),
		})
		if ok && tokens.Exact(rt.Config.Tokens) && logged.ID != "" {
			err := rt.Background.CountTokens(background.Count{
				SessionID: sid,
				Tool:      tool,
				Stage:     logged.Rule,
				Ref:       logged.ID,
				Estimate:  estimate,
				T:         logged.T,
			}, text, res.Text)
			if err != nil {
				rt.Log.Debug("exact count not queued", "error", err)
			}
		}
	}

	if ok {
		rt.observe(sid, env.TranscriptPath())
		rt.exportMetrics(sid)
	}

	if res.Modified() {
		return decision.Modify(res.Text, rt.Log)
	}
	return decision.Allow()
}

// postOversize suppresses output whose event was too large to read. Only
// the flat fields in the bounded prefix are available.
func postOversize(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	tool := env.ToolName()
	text := transform.Oversized(tool, rt.MaxInput)

	sid, ok := session(env)
	var rec state.Record
	if ok {
		rec = rt.current(sid)
	}
	rt.record(rec, eventlog.Record{
		Session:     sessionField(sid, ok),
		Event:       eventlog.KindTruncated,
		Tool:        tool,
		Rule:        transform.StageSuppress,
		Detail:      "event above input ceiling",
		TokensSaved: (env.Size() - len(text)) / constants.BytesPerToken,
		BytesBefore: env.Size(),
		BytesAfter:  len(text),
	})
	return decision.Modify(text, rt.Log)
}

// outputLabel names a tool call in the largest-output record.
func outputLabel(tool string, in event.ToolInput) string {
	s := subject(in)
	if s == "" {
		return tool
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > labelMax {
		s = string(r[:labelMax]) + "…"
	}
	return tool + ": " + s
}
