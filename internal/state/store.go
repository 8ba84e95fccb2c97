// Package state is the flat-file session store shared by every filter
// process.
//
// Each concern lives in its own small pipe-delimited file and every write is
// an atomic whole-file replace. There are no locks: concurrent writers to
// the same file race and the last rename wins, which is acceptable for
// advisory telemetry.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/event"
	"github.com/dgerlanc/tokenguard/internal/fsutil"
)

// File names under the state directory.
const (
	SessionFile   = "session.rec"
	SubagentsFile = "subagents.rec"
	MarkersDir    = "markers"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultContextShrinkDelta = 2000
	DefaultMarkerTTL          = time.Hour
)

// Options tunes a Store.
type Options struct {
	// ContextShrinkDelta is the drop in context size that counts as a
	// context reset.
	ContextShrinkDelta int64
	// MarkerTTL ages out tool-start markers and a stale subagent count.
	MarkerTTL time.Duration
	Now       func() time.Time
}

// Store reads and writes session state under one directory.
type Store struct {
	dir          string
	contextDelta int64
	markerTTL    time.Duration
	now          func() time.Time
}

// New returns a Store rooted at dir. The directory is created lazily on
// first write.
func New(dir string, opts Options) *Store {
	s := &Store{
		dir:          dir,
		contextDelta: opts.ContextShrinkDelta,
		markerTTL:    opts.MarkerTTL,
		now:          opts.Now,
	}
	if s.contextDelta <= 0 {
		s.contextDelta = DefaultContextShrinkDelta
	}
	if s.markerTTL <= 0 {
		s.markerTTL = DefaultMarkerTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Dir is the state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func companion(kind, sessionID string) string {
	return kind + "-" + sessionID + ".rec"
}

// Load returns the current session record. A missing file yields the zero
// record and no error; a corrupt one yields the zero record and an error
// wrapping ErrCorruptRecord, which callers may log and otherwise ignore.
func (s *Store) Load() (Record, error) {
	data, err := fsutil.ReadFileIfExists(s.path(SessionFile))
	if err != nil {
		return Record{}, fmt.Errorf("read session record: %w", err)
	}
	if data == nil {
		return Record{}, nil
	}
	return UnmarshalRecord(string(data))
}

// Save atomically replaces the session record.
func (s *Store) Save(r Record) error {
	if !event.ValidSessionID(r.SessionID) {
		return ErrInvalidSession
	}
	r.UpdatedAt = s.now().UnixNano()
	return fsutil.WriteFileAtomic(s.path(SessionFile), []byte(MarshalRecord(r)), constants.StateFileMode)
}

// Usage is a cumulative observation of one session's transcript.
type Usage struct {
	InputTokens        int64
	OutputTokens       int64
	Context            int64
	ObservedCostMicros int64
	TranscriptOffset   int64
	LastMessageID      string
}

// Observation is what a filter learned about the session in one event.
// Usage is nil when no transcript numbers are available; only a session
// change can then be detected.
type Observation struct {
	SessionID string
	Usage     *Usage
}

// Outcome describes the effect of one Observe call.
type Outcome struct {
	Record Record
	// Previous is the record as loaded, before this observation.
	Previous Record
	Reason   Reason
	// TokensLost is the context discarded by a reset or context shrink.
	TokensLost int64
	// CostDelta is the cost added by this observation.
	CostDelta int64
}

// Reset reports whether any reset was detected.
func (o Outcome) Reset() bool { return o.Reason != ReasonNone }

// Observe folds obs into the session record and the per-session ledger and
// peak files. Reset reasons are tried in order: session change, token
// rewind, context shrink.
func (s *Store) Observe(obs Observation) (Outcome, error) {
	if !event.ValidSessionID(obs.SessionID) {
		return Outcome{}, ErrInvalidSession
	}
	// a corrupt record is replaced as if absent
	prev, _ := s.Load()
	now := s.now().UnixNano()

	out := Outcome{Previous: prev}
	rec := prev

	if prev.SessionID != obs.SessionID {
		if !prev.Empty() {
			s.dropSession(prev.SessionID)
		}
		rec = Record{SessionID: obs.SessionID, StartedAt: now}
		out.Reason = ReasonSession
	}

	if u := obs.Usage; u != nil {
		if out.Reason == ReasonNone {
			switch {
			case u.InputTokens+u.OutputTokens < prev.Tokens():
				out.Reason = ReasonReset
				out.TokensLost = prev.Context
			case prev.Context-u.Context >= s.contextDelta:
				out.Reason = ReasonContext
				out.TokensLost = prev.Context - u.Context
			}
		}

		if delta := u.ObservedCostMicros - rec.ObservedCostMicros; delta > 0 {
			out.CostDelta = delta
			rec.CostMicros += delta
		}
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
		rec.Context = u.Context
		rec.ObservedCostMicros = u.ObservedCostMicros
		rec.TranscriptOffset = u.TranscriptOffset
		rec.LastMessageID = u.LastMessageID
	}

	if out.Reason != ReasonNone {
		rec.ResetReason = out.Reason
		if now > rec.ResetAt {
			rec.ResetAt = now
		}
	}

	if err := s.Save(rec); err != nil {
		return out, err
	}
	out.Record = rec

	var errs []error
	if out.Reason == ReasonReset || out.Reason == ReasonContext {
		errs = append(errs, s.recordClear(rec.SessionID, out.TokensLost, prev.CostMicros))
	}
	if out.CostDelta > 0 {
		errs = append(errs, s.recordTurnCost(rec.SessionID, out.CostDelta, rec.CostMicros))
	}
	return out, errors.Join(errs...)
}

// Update applies fn to the record for sessionID, starting a new record if
// the stored one belongs to another session, and saves the result.
func (s *Store) Update(sessionID string, fn func(*Record)) (Record, error) {
	if !event.ValidSessionID(sessionID) {
		return Record{}, ErrInvalidSession
	}
	rec, _ := s.Load()
	if rec.SessionID != sessionID {
		out, err := s.Observe(Observation{SessionID: sessionID})
		if err != nil {
			return Record{}, err
		}
		rec = out.Record
	}
	fn(&rec)
	if err := s.Save(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// TouchTool counts one tool invocation.
func (s *Store) TouchTool(sessionID string) (Record, error) {
	return s.Update(sessionID, func(r *Record) { r.ToolCount++ })
}

// dropSession removes a superseded session's companion files and clears the
// subagent count.
func (s *Store) dropSession(sessionID string) {
	for _, kind := range []string{"largest", "clears", "peak"} {
		_ = os.Remove(s.path(companion(kind, sessionID)))
	}
	_ = os.Remove(s.path(SubagentsFile))
}

// Ledger returns the session's clear ledger.
func (s *Store) Ledger(sessionID string) (Ledger, error) {
	if !event.ValidSessionID(sessionID) {
		return Ledger{}, ErrInvalidSession
	}
	data, err := fsutil.ReadFileIfExists(s.path(companion("clears", sessionID)))
	if err != nil || data == nil {
		return Ledger{}, err
	}
	return unmarshalLedger(string(data))
}

func (s *Store) recordClear(sessionID string, tokensLost, costMicros int64) error {
	l, _ := s.Ledger(sessionID)
	l.Clears++
	l.TokensLost += tokensLost
	l.CostAtLastClearMicro = costMicros
	return fsutil.WriteFileAtomic(s.path(companion("clears", sessionID)), []byte(marshalLedger(l)), constants.StateFileMode)
}

// Peak returns the session's peak turn cost. A peak above totalMicros is
// corrupt and reads as zero.
func (s *Store) Peak(sessionID string, totalMicros int64) (Peak, error) {
	if !event.ValidSessionID(sessionID) {
		return Peak{}, ErrInvalidSession
	}
	data, err := fsutil.ReadFileIfExists(s.path(companion("peak", sessionID)))
	if err != nil || data == nil {
		return Peak{}, err
	}
	p, err := unmarshalPeak(string(data))
	if err != nil {
		return Peak{}, err
	}
	if p.PeakMicros > totalMicros {
		return Peak{}, fmt.Errorf("%w: peak %d above total %d", ErrCorruptRecord, p.PeakMicros, totalMicros)
	}
	return p, nil
}

func (s *Store) recordTurnCost(sessionID string, delta, totalMicros int64) error {
	p, _ := s.Peak(sessionID, totalMicros)
	p.Turns++
	if delta > p.PeakMicros && delta <= totalMicros {
		p.PeakMicros = delta
	}
	return fsutil.WriteFileAtomic(s.path(companion("peak", sessionID)), []byte(marshalPeak(p)), constants.StateFileMode)
}

// Largest returns the session's largest tool output.
func (s *Store) Largest(sessionID string) (Largest, error) {
	if !event.ValidSessionID(sessionID) {
		return Largest{}, ErrInvalidSession
	}
	data, err := fsutil.ReadFileIfExists(s.path(companion("largest", sessionID)))
	if err != nil || data == nil {
		return Largest{}, err
	}
	return unmarshalLargest(string(data))
}

// RecordOutputSize keeps size and label if they beat the session's largest
// output so far. It reports whether the record changed.
func (s *Store) RecordOutputSize(sessionID string, size int64, label string) (bool, error) {
	cur, err := s.Largest(sessionID)
	if errors.Is(err, ErrInvalidSession) {
		return false, err
	}
	if size <= cur.Size {
		return false, nil
	}
	data := marshalLargest(Largest{Size: size, Label: label})
	if err := fsutil.WriteFileAtomic(s.path(companion("largest", sessionID)), []byte(data), constants.StateFileMode); err != nil {
		return false, err
	}
	return true, nil
}

// Subagents returns the number of subagents currently running. A count not
// touched within the marker TTL is stale and reads as zero.
func (s *Store) Subagents() int64 {
	c, _ := s.loadSubagents()
	return c.Count
}

func (s *Store) loadSubagents() (subagentCount, error) {
	data, err := fsutil.ReadFileIfExists(s.path(SubagentsFile))
	if err != nil || data == nil {
		return subagentCount{}, err
	}
	c, err := unmarshalSubagents(string(data))
	if err != nil {
		return subagentCount{}, err
	}
	if s.now().Sub(time.Unix(0, c.UpdatedAt)) > s.markerTTL {
		return subagentCount{}, nil
	}
	return c, nil
}

// AddSubagents adjusts the running subagent count by delta, never going
// below zero, and returns the new count.
func (s *Store) AddSubagents(delta int64) (int64, error) {
	c, _ := s.loadSubagents()
	c.Count += delta
	if c.Count < 0 {
		c.Count = 0
	}
	c.UpdatedAt = s.now().UnixNano()
	if err := fsutil.WriteFileAtomic(s.path(SubagentsFile), []byte(marshalSubagents(c)), constants.StateFileMode); err != nil {
		return 0, err
	}
	return c.Count, nil
}

// SubagentStarted increments the running count and the session's spawn
// count.
func (s *Store) SubagentStarted(sessionID string) (int64, error) {
	// a session change inside Update resets the running count, so it goes
	// first
	var errs []error
	if event.ValidSessionID(sessionID) {
		_, err := s.Update(sessionID, func(r *Record) { r.Subagents++ })
		errs = append(errs, err)
	}
	n, err := s.AddSubagents(1)
	errs = append(errs, err)
	return n, errors.Join(errs...)
}

// SubagentFinished decrements the running count.
func (s *Store) SubagentFinished() (int64, error) {
	return s.AddSubagents(-1)
}
