package filter

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/dgerlanc/tokenguard/internal/decision"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/metrics"
	"github.com/dgerlanc/tokenguard/internal/state"
	"github.com/dgerlanc/tokenguard/internal/transcript"
)

func sessionStart(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	sid, ok := session(env)
	if !ok {
		return decision.Pass()
	}
	if _, observed := rt.observe(sid, env.TranscriptPath()); !observed {
		out, err := rt.Store.Observe(state.Observation{SessionID: sid})
		if err != nil {
			rt.Log.Debug("session not recorded", "error", err)
		} else {
			rt.logReset(out)
		}
	}
	if n, err := rt.Store.SweepMarkers(); err != nil {
		rt.Log.Debug("marker sweep failed", "error", err)
	} else if n > 0 {
		rt.Log.Debug("swept stale markers", "count", n)
	}
	rt.exportMetrics(sid)
	return decision.Pass()
}

func stop(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	if ev, err := env.Event(); err == nil && ev.StopHookActive {
		return decision.Pass()
	}
	sid, ok := session(env)
	if !ok {
		return decision.Pass()
	}
	rt.observe(sid, env.TranscriptPath())

	rec := rt.current(sid)
	if rec.Empty() {
		return decision.Pass()
	}
	ledger, _ := rt.Store.Ledger(sid)
	rt.record(rec, eventlog.Record{
		Session: sid,
		Event:   eventlog.KindCompleted,
		Detail: fmt.Sprintf("%d tools, %s tokens, $%.4f, %d clears",
			rec.ToolCount, humanize.Comma(rec.Tokens()), float64(rec.CostMicros)/1e6, ledger.Clears),
	})
	rt.exportMetrics(sid)
	return decision.Pass()
}

// observe folds transcript usage appended since the last observation into
// the session record. It reports false when there was nothing to read.
func (rt *Runtime) observe(sessionID, path string) (state.Outcome, bool) {
	if path == "" {
		return state.Outcome{}, false
	}
	prev := rt.current(sessionID)
	res, err := rt.Transcript.ReadFrom(path, prev.TranscriptOffset, prev.LastMessageID)
	if err != nil {
		rt.Log.Debug("transcript unreadable", "path", path, "error", err)
		return state.Outcome{}, false
	}
	if !prev.Empty() && res.Messages == 0 && !res.Restarted {
		return state.Outcome{}, false
	}

	base := state.Usage{
		InputTokens:        prev.InputTokens,
		OutputTokens:       prev.OutputTokens,
		Context:            prev.Context,
		ObservedCostMicros: prev.ObservedCostMicros,
	}
	if res.Restarted {
		base = state.Usage{}
	}
	u := state.Usage{
		InputTokens:        base.InputTokens + res.Usage.InputTotal(),
		OutputTokens:       base.OutputTokens + res.Usage.Output,
		Context:            base.Context,
		ObservedCostMicros: base.ObservedCostMicros + transcript.CostMicros(rt.Config.Pricing, res.Usage),
		TranscriptOffset:   res.Offset,
		LastMessageID:      res.LastMessageID,
	}
	if res.HasContext {
		u.Context = res.Context
	}

	out, err := rt.Store.Observe(state.Observation{SessionID: sessionID, Usage: &u})
	if err != nil {
		rt.Log.Debug("observation not fully saved", "error", err)
	}
	rt.logReset(out)
	return out, true
}

func (rt *Runtime) logReset(out state.Outcome) {
	if !out.Reset() || out.Record.Empty() {
		return
	}
	rt.record(out.Record, eventlog.Record{
		Session: out.Record.SessionID,
		Event:   eventlog.KindReset,
		Rule:    string(out.Reason),
		Detail:  fmt.Sprintf("%s context tokens lost", humanize.Comma(out.TokensLost)),
	})
}

// exportMetrics rewrites the metrics textfile when one is configured.
func (rt *Runtime) exportMetrics(sessionID string) {
	path := rt.Config.Metrics.Textfile
	if path == "" {
		return
	}
	rec := rt.current(sessionID)
	if rec.Empty() {
		return
	}
	snap := metrics.Snapshot{Record: rec, Subagents: rt.Store.Subagents()}
	snap.Ledger, _ = rt.Store.Ledger(sessionID)
	snap.Peak, _ = rt.Store.Peak(sessionID, rec.CostMicros)
	snap.Largest, _ = rt.Store.Largest(sessionID)
	if err := metrics.Export(path, snap); err != nil {
		rt.Log.Debug("metrics export failed", "error", err)
	}
}
