package filter

import (
	"context"

	"github.com/dgerlanc/tokenguard/internal/decision"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/rules"
	"github.com/dgerlanc/tokenguard/internal/state"
)

func preToolUse(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	tool := env.ToolName()
	in := env.Input()
	res := rt.PreExec.Evaluate(tool, in)

	sid, ok := session(env)
	var rec state.Record
	if ok {
		rec = rt.current(sid)
	}

	if res.Verdict == rules.Deny {
		rt.record(rec, eventlog.Record{
			Session:     sessionField(sid, ok),
			Event:       eventlog.KindBlocked,
			Tool:        tool,
			Command:     subject(in),
			Rule:        res.Rule,
			Detail:      res.Category,
			TokensSaved: res.Savings,
		})
		return decision.Deny(res.Reason, rt.Log)
	}

	if ok {
		if r, err := rt.Store.TouchTool(sid); err != nil {
			rt.Log.Debug("tool count not saved", "error", err)
		} else {
			rec = r
		}
		if err := rt.Store.RecordToolStart(tool, markerKey(rt, env)); err != nil {
			rt.Log.Debug("tool start marker not written", "tool", tool, "error", err)
		}
		if isSubagentTool(tool) {
			if _, err := rt.Store.SubagentStarted(sid); err != nil {
				rt.Log.Debug("subagent count not saved", "error", err)
			}
		}
	}
	rt.record(rec, eventlog.Record{
		Session: sessionField(sid, ok),
		Event:   eventlog.KindAllowed,
		Tool:    tool,
		Command: subject(in),
	})
	return decision.Allow()
}

func permissionRequest(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	tool := env.ToolName()
	in := env.Input()
	res := rt.Permission.Evaluate(tool, in.Command)

	sid, ok := session(env)
	var rec state.Record
	if ok {
		rec = rt.current(sid)
	}

	switch res.Verdict {
	case rules.Deny:
		rt.record(rec, eventlog.Record{
			Session: sessionField(sid, ok), Event: eventlog.KindBlocked, Tool: tool,
			Command: in.Command, Rule: res.Rule, Detail: "permission", TokensSaved: res.Savings,
		})
		return decision.Permission(decision.BehaviorDeny, res.Reason, rt.Log)
	case rules.Allow:
		rt.record(rec, eventlog.Record{
			Session: sessionField(sid, ok), Event: eventlog.KindAllowed, Tool: tool,
			Command: in.Command, Rule: res.Rule, Detail: "permission",
		})
		return decision.Permission(decision.BehaviorAllow, "", rt.Log)
	}
	return decision.Ask()
}

func readGuard(_ context.Context, rt *Runtime, env *event.Envelope) decision.Decision {
	if env.ToolName() != event.ToolRead {
		return decision.Pass()
	}
	in := env.Input()
	res := rt.ReadGuard.Evaluate(in)
	if res.Verdict != rules.Deny {
		return decision.Pass()
	}

	sid, ok := session(env)
	var rec state.Record
	if ok {
		rec = rt.current(sid)
	}
	rt.record(rec, eventlog.Record{
		Session:     sessionField(sid, ok),
		Event:       eventlog.KindBlocked,
		Tool:        event.ToolRead,
		Command:     in.FilePath,
		Rule:        res.Rule,
		TokensSaved: res.Savings,
	})
	return decision.Block(res.Reason)
}

// sessionField keeps invalid ids out of the log.
func sessionField(id string, ok bool) string {
	if !ok {
		return ""
	}
	return id
}
