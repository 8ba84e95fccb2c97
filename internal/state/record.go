package state

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dgerlanc/tokenguard/internal/event"
)

var (
	// ErrInvalidSession is returned for session ids outside [A-Za-z0-9_-].
	ErrInvalidSession = errors.New("invalid session id")
	// ErrCorruptRecord is returned when a persisted record cannot be parsed.
	// Callers treat it as "no prior state".
	ErrCorruptRecord = errors.New("corrupt record")
)

// Reason says why a session's context was reset.
type Reason string

// Reset reasons, in detection precedence order.
const (
	ReasonNone    Reason = ""
	ReasonSession Reason = "session"
	ReasonReset   Reason = "reset"
	ReasonContext Reason = "context"
)

func (r Reason) valid() bool {
	switch r {
	case ReasonNone, ReasonSession, ReasonReset, ReasonContext:
		return true
	}
	return false
}

const (
	recordVersion = "2"
	fieldsV2      = 15
	fieldsLegacy  = 5
	sep           = "|"
)

// Record is the current session's totals. One record exists per state
// directory; a new session id supersedes it.
type Record struct {
	SessionID    string
	InputTokens  int64
	OutputTokens int64
	// CostMicros is the accumulated cost in millionths of a dollar. It never
	// decreases within a session.
	CostMicros  int64
	Context     int64
	ResetAt     int64 // unix ns
	ResetReason Reason
	StartedAt   int64 // unix ns
	ToolCount   int64
	// Subagents counts subagents spawned during the session.
	Subagents        int64
	TranscriptOffset int64
	LastMessageID    string
	// ObservedCostMicros is the transcript-derived cost at the last read.
	// It rewinds with the transcript; CostMicros does not.
	ObservedCostMicros int64
	UpdatedAt          int64 // unix ns
}

// Tokens is input plus output.
func (r Record) Tokens() int64 { return r.InputTokens + r.OutputTokens }

// Empty reports whether the record carries no session.
func (r Record) Empty() bool { return r.SessionID == "" }

// MarshalRecord serializes r in the current layout.
func MarshalRecord(r Record) string {
	return strings.Join([]string{
		recordVersion,
		r.SessionID,
		itoa(r.InputTokens),
		itoa(r.OutputTokens),
		itoa(r.CostMicros),
		itoa(r.Context),
		itoa(r.ResetAt),
		string(r.ResetReason),
		itoa(r.StartedAt),
		itoa(r.ToolCount),
		itoa(r.Subagents),
		itoa(r.TranscriptOffset),
		cleanField(r.LastMessageID),
		itoa(r.ObservedCostMicros),
		itoa(r.UpdatedAt),
	}, sep) + "\n"
}

// UnmarshalRecord parses a record in either the current or the legacy
// five-field layout (session|input|output|cost_micros|context).
func UnmarshalRecord(line string) (Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), sep)

	var r Record
	switch {
	case len(fields) == fieldsV2 && fields[0] == recordVersion:
		r.SessionID = fields[1]
		r.ResetReason = Reason(fields[7])
		r.LastMessageID = fields[12]
		ints := []struct {
			dst *int64
			idx int
		}{
			{&r.InputTokens, 2}, {&r.OutputTokens, 3}, {&r.CostMicros, 4}, {&r.Context, 5},
			{&r.ResetAt, 6}, {&r.StartedAt, 8}, {&r.ToolCount, 9}, {&r.Subagents, 10},
			{&r.TranscriptOffset, 11}, {&r.ObservedCostMicros, 13}, {&r.UpdatedAt, 14},
		}
		for _, f := range ints {
			v, err := parseField(fields[f.idx])
			if err != nil {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, f.idx, err)
			}
			*f.dst = v
		}
	case len(fields) == fieldsLegacy:
		r.SessionID = fields[0]
		for i, dst := range []*int64{&r.InputTokens, &r.OutputTokens, &r.CostMicros, &r.Context} {
			v, err := parseField(fields[i+1])
			if err != nil {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, i+1, err)
			}
			*dst = v
		}
	default:
		return Record{}, fmt.Errorf("%w: %d fields", ErrCorruptRecord, len(fields))
	}

	if !event.ValidSessionID(r.SessionID) {
		return Record{}, fmt.Errorf("%w: session id %q", ErrCorruptRecord, r.SessionID)
	}
	if !r.ResetReason.valid() {
		return Record{}, fmt.Errorf("%w: reset reason %q", ErrCorruptRecord, r.ResetReason)
	}
	return r, nil
}

// Ledger counts involuntary context clears within one session.
type Ledger struct {
	Clears               int64
	TokensLost           int64
	CostAtLastClearMicro int64
}

func marshalLedger(l Ledger) string {
	return joinInts(l.Clears, l.TokensLost, l.CostAtLastClearMicro)
}

func unmarshalLedger(line string) (Ledger, error) {
	v, err := splitInts(line, 3)
	if err != nil {
		return Ledger{}, err
	}
	return Ledger{Clears: v[0], TokensLost: v[1], CostAtLastClearMicro: v[2]}, nil
}

// Peak is the largest single cost increase seen between two consecutive
// observations, and how many increases were seen.
type Peak struct {
	PeakMicros int64
	Turns      int64
}

func marshalPeak(p Peak) string { return joinInts(p.PeakMicros, p.Turns) }

func unmarshalPeak(line string) (Peak, error) {
	v, err := splitInts(line, 2)
	if err != nil {
		return Peak{}, err
	}
	return Peak{PeakMicros: v[0], Turns: v[1]}, nil
}

// Largest is the biggest single tool output of the session.
type Largest struct {
	Size  int64
	Label string
}

func marshalLargest(l Largest) string {
	return itoa(l.Size) + sep + cleanField(l.Label) + "\n"
}

func unmarshalLargest(line string) (Largest, error) {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), sep, 2)
	if len(fields) != 2 {
		return Largest{}, fmt.Errorf("%w: %d fields", ErrCorruptRecord, len(fields))
	}
	size, err := parseField(fields[0])
	if err != nil {
		return Largest{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return Largest{Size: size, Label: fields[1]}, nil
}

type subagentCount struct {
	Count     int64
	UpdatedAt int64
}

func marshalSubagents(s subagentCount) string { return joinInts(s.Count, s.UpdatedAt) }

func unmarshalSubagents(line string) (subagentCount, error) {
	v, err := splitInts(line, 2)
	if err != nil {
		return subagentCount{}, err
	}
	return subagentCount{Count: v[0], UpdatedAt: v[1]}, nil
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func parseField(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return v, nil
}

func joinInts(vs ...int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = itoa(v)
	}
	return strings.Join(parts, sep) + "\n"
}

func splitInts(line string, n int) ([]int64, error) {
	fields := strings.Split(strings.TrimRight(line, "\r\n"), sep)
	if len(fields) != n {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrCorruptRecord, n, len(fields))
	}
	out := make([]int64, n)
	for i, f := range fields {
		v, err := parseField(f)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrCorruptRecord, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// cleanField keeps free text from breaking the single-line layout.
func cleanField(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|':
			return '/'
		case '\n', '\r':
			return ' '
		}
		return r
	}, s)
}
