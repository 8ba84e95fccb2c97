// Package filter implements one handler per host lifecycle event.
//
// A Runtime is assembled once per process from the Config and handed to the
// handler; handlers read the event, consult the rules, transforms and
// session store, and return a decision. Nothing they do can make the host
// wait or fail: every error is logged and degrades to the handler's
// fallback.
package filter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dgerlanc/tokenguard/internal/background"
	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/decision"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/rules"
	"github.com/dgerlanc/tokenguard/internal/state"
	"github.com/dgerlanc/tokenguard/internal/trace"
	"github.com/dgerlanc/tokenguard/internal/transcript"
)

// Runtime carries everything a filter needs.
type Runtime struct {
	Config     *config.Config
	Log        *slog.Logger
	Store      *state.Store
	Events     *eventlog.Log
	Transcript *transcript.Reader
	Tracer     *trace.Emitter

	PreExec    *rules.PreExec
	Permission *rules.Permission
	ReadGuard  *rules.ReadGuard

	// Background collects jobs; Dispatcher starts them once the decision
	// is made. A nil Dispatcher drops them.
	Background *background.Queue
	Dispatcher background.Dispatcher

	Now func() time.Time
	// MaxInput is the ceiling on one inbound event.
	MaxInput int64
	// PPID identifies the host process that invoked the filter.
	PPID int
}

// New assembles a Runtime from cfg.
func New(cfg *config.Config, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	rt := &Runtime{
		Config: cfg,
		Log:    log,
		Store: state.New(cfg.Paths.StateDir, state.Options{
			ContextShrinkDelta: cfg.Session.ContextShrinkDelta,
			MarkerTTL:          cfg.Session.MarkerTTL.Duration,
		}),
		Transcript: transcript.NewReader(),
		Tracer:     trace.NewEmitter(cfg.Trace.Endpoint, cfg.Timeouts.Network.Duration),
		Permission: rules.NewPermission(),
		ReadGuard:  rules.NewReadGuard(cfg.Limits),
		Background: background.NewQueue(cfg.Paths.StateDir),
		Now:        time.Now,
		MaxInput:   constants.MaxInputBytes,
		PPID:       os.Getppid(),
	}
	rt.Events = eventlog.New(cfg.Paths.EventLog, eventlog.Options{
		MaxBytes: cfg.EventLog.MaxBytes,
		OnRotate: rt.Background.Archive,
		Logger:   log,
	})

	pre, err := rules.NewPreExec(cfg)
	if err != nil {
		log.Error("ignoring user deny rules", "error", err)
		stripped := *cfg
		stripped.Rules.Deny = nil
		pre, _ = rules.NewPreExec(&stripped)
	}
	rt.PreExec = pre
	return rt
}

// Handler decides one event.
type Handler func(ctx context.Context, rt *Runtime, env *event.Envelope) decision.Decision

// Filter binds a handler to the decision emitted when it cannot finish.
type Filter struct {
	Name     string
	Fallback decision.Decision
	Handle   Handler
	// Oversize decides an event above the input ceiling from the fields
	// readable in its prefix. Nil means Fallback.
	Oversize Handler
}

// Filters by hook event.
var (
	PreToolUse        = Filter{Name: "pre-tool-use", Fallback: decision.Allow(), Handle: preToolUse}
	PostToolUse       = Filter{Name: "post-tool-use", Fallback: decision.Allow(), Handle: postToolUse, Oversize: postOversize}
	PermissionRequest = Filter{Name: "permission-request", Fallback: decision.Ask(), Handle: permissionRequest}
	ReadGuard         = Filter{Name: "read-guard", Fallback: decision.Pass(), Handle: readGuard}
	SessionStart      = Filter{Name: "session-start", Fallback: decision.Pass(), Handle: sessionStart}
	Stop              = Filter{Name: "stop", Fallback: decision.Pass(), Handle: stop}
)

// All lists every filter.
func All() []Filter {
	return []Filter{PreToolUse, PostToolUse, PermissionRequest, ReadGuard, SessionStart, Stop}
}

// Run reads one event from stdin, runs f within the filter budget and
// starts any background jobs it queued.
func (rt *Runtime) Run(ctx context.Context, f Filter, stdin io.Reader) decision.Decision {
	limit := rt.MaxInput
	if limit <= 0 {
		limit = constants.MaxInputBytes
	}
	raw, err := event.ReadInput(ctx, stdin, rt.Config.Timeouts.Input.Duration, limit)
	handle := f.Handle
	switch {
	case errors.Is(err, event.ErrInputTooLarge) && f.Oversize != nil:
		rt.Log.Debug("event over input ceiling", "filter", f.Name, "limit", limit)
		handle = f.Oversize
	case err != nil:
		rt.Log.Debug("no event", "filter", f.Name, "error", err)
		return f.Fallback
	}
	env := event.NewEnvelope(raw)

	d, finished := Guard(ctx, rt.Config.Timeouts.Filter.Duration, f.Fallback, rt.Log, func(ctx context.Context) decision.Decision {
		return handle(ctx, rt, env)
	})
	// an unfinished handler may still be queueing
	if finished {
		if err := rt.Background.Flush(ctx, rt.Dispatcher); err != nil {
			rt.Log.Debug("background dispatch failed", "error", err)
		}
	}
	return d
}

// Guard runs fn with panic recovery and a time budget. When fn panics or
// overruns, fallback is returned and finished is false.
func Guard(ctx context.Context, budget time.Duration, fallback decision.Decision, log *slog.Logger,
	fn func(context.Context) decision.Decision) (d decision.Decision, finished bool) {
	if budget <= 0 {
		budget = constants.DefaultFilterBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		d  decision.Decision
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("filter panicked", "panic", r)
				done <- result{d: fallback}
			}
		}()
		done <- result{d: fn(ctx), ok: true}
	}()

	select {
	case r := <-done:
		return r.d, r.ok
	case <-ctx.Done():
		log.Debug("filter over budget", "budget", budget)
		return fallback, false
	}
}

// session returns the event's session id and whether session-scoped work
// may use it.
func session(env *event.Envelope) (string, bool) {
	id := env.SessionID()
	return id, event.ValidSessionID(id)
}

// current loads the session record if it belongs to sessionID.
func (rt *Runtime) current(sessionID string) state.Record {
	rec, err := rt.Store.Load()
	if err != nil {
		rt.Log.Debug("session record unreadable", "error", err)
	}
	if rec.SessionID != sessionID {
		return state.Record{}
	}
	return rec
}

// record appends to the event log, stamping the session-relative time.
func (rt *Runtime) record(rec state.Record, r eventlog.Record) eventlog.Record {
	if r.Session == "" {
		r.Session = rec.SessionID
	}
	r.T = eventlog.Since(rec.StartedAt, rt.Now())
	out, err := rt.Events.Append(r)
	if err != nil {
		rt.Log.Debug("event log append failed", "event", r.Event, "error", err)
	}
	return out
}

func markerKey(rt *Runtime, env *event.Envelope) state.MarkerKey {
	return state.MarkerKey{ToolUseID: env.ToolUseID(), PID: rt.PPID}
}

// subject is what the event log shows for a tool call.
func subject(in event.ToolInput) string {
	if in.Command != "" {
		return in.Command
	}
	return in.FilePath
}

func isSubagentTool(tool string) bool {
	return tool == event.ToolTask || tool == event.ToolAgent
}
