// Package event decodes the JSON event a host sends to a filter on stdin.
//
// Flat top-level string fields are read with a single gjson scan, without
// building a document tree. That fast path assumes well-formed,
// machine-generated JSON. Anything nested or typed goes through one full
// encoding/json parse that is cached on the Envelope, so asking for several
// nested fields never parses twice.
package event

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Tool names the filters care about.
const (
	ToolBash         = "Bash"
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
	ToolTask         = "Task"
	ToolAgent        = "Agent"
)

// Hook event names.
const (
	HookPreToolUse        = "PreToolUse"
	HookPostToolUse       = "PostToolUse"
	HookPermissionRequest = "PermissionRequest"
	HookSessionStart      = "SessionStart"
	HookStop              = "Stop"
)

// flatPaths lists the fields served by the fast path, in Flat field order.
var flatPaths = []string{
	"tool_name",
	"session_id",
	"transcript_path",
	"hook_event_name",
	"tool_use_id",
	"cwd",
	"agent_id",
}

// Flat holds the top-level string fields.
type Flat struct {
	ToolName       string
	SessionID      string
	TranscriptPath string
	HookEventName  string
	ToolUseID      string
	Cwd            string
	AgentID        string
}

// ToolInput is the union of tool_input fields the filters read.
type ToolInput struct {
	Command   string `json:"command"`
	FilePath  string `json:"file_path"`
	Content   string `json:"content"`
	NewString string `json:"new_string"`
	NewSource string `json:"new_source"`
	Prompt    string `json:"prompt"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
}

// Event is the fully parsed inbound record.
type Event struct {
	ToolName       string          `json:"tool_name"`
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path"`
	HookEventName  string          `json:"hook_event_name"`
	ToolUseID      string          `json:"tool_use_id"`
	Cwd            string          `json:"cwd"`
	AgentID        string          `json:"agent_id"`
	ToolInput      ToolInput       `json:"tool_input"`
	ToolResponse   json.RawMessage `json:"tool_response,omitempty"`
	StopHookActive bool            `json:"stop_hook_active"`
	Source         string          `json:"source"`
}

// Flat returns the top-level strings of a fully parsed event.
func (e *Event) Flat() Flat {
	return Flat{
		ToolName:       e.ToolName,
		SessionID:      e.SessionID,
		TranscriptPath: e.TranscriptPath,
		HookEventName:  e.HookEventName,
		ToolUseID:      e.ToolUseID,
		Cwd:            e.Cwd,
		AgentID:        e.AgentID,
	}
}

// Decoder extracts fields from raw event bytes.
type Decoder interface {
	Flat(raw []byte) Flat
	Full(raw []byte) (*Event, error)
}

// FastDecoder serves flat fields from a gjson scan.
type FastDecoder struct{}

// Flat implements Decoder.
func (FastDecoder) Flat(raw []byte) Flat {
	res := gjson.GetManyBytes(raw, flatPaths...)
	str := func(i int) string {
		if res[i].Type != gjson.String {
			return ""
		}
		return res[i].Str
	}
	return Flat{
		ToolName:       str(0),
		SessionID:      str(1),
		TranscriptPath: str(2),
		HookEventName:  str(3),
		ToolUseID:      str(4),
		Cwd:            str(5),
		AgentID:        str(6),
	}
}

// Full implements Decoder.
func (FastDecoder) Full(raw []byte) (*Event, error) {
	return FullDecoder{}.Full(raw)
}

// FullDecoder always performs a structured parse.
type FullDecoder struct{}

// Flat implements Decoder.
func (d FullDecoder) Flat(raw []byte) Flat {
	ev, err := d.Full(raw)
	if err != nil {
		return Flat{}
	}
	return ev.Flat()
}

// Full implements Decoder.
func (FullDecoder) Full(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Envelope wraps one inbound event. Flat fields are decoded eagerly with the
// fast path; the full parse happens at most once, on first use.
type Envelope struct {
	raw     []byte
	decoder Decoder
	flat    Flat

	once    sync.Once
	full    *Event
	fullErr error
}

// NewEnvelope decodes raw with the fast decoder.
func NewEnvelope(raw []byte) *Envelope {
	return NewEnvelopeWith(raw, FastDecoder{})
}

// NewEnvelopeWith decodes raw with d.
func NewEnvelopeWith(raw []byte, d Decoder) *Envelope {
	return &Envelope{raw: raw, decoder: d, flat: d.Flat(raw)}
}

// Raw returns the original bytes.
func (e *Envelope) Raw() []byte { return e.raw }

// Size is the byte length of the event.
func (e *Envelope) Size() int { return len(e.raw) }

// ToolName returns tool_name.
func (e *Envelope) ToolName() string { return e.flat.ToolName }

// SessionID returns session_id as sent, which may be unsafe.
func (e *Envelope) SessionID() string { return e.flat.SessionID }

// TranscriptPath returns transcript_path.
func (e *Envelope) TranscriptPath() string { return e.flat.TranscriptPath }

// HookEventName returns hook_event_name.
func (e *Envelope) HookEventName() string { return e.flat.HookEventName }

// ToolUseID returns tool_use_id.
func (e *Envelope) ToolUseID() string { return e.flat.ToolUseID }

// AgentID returns agent_id, set when a subagent originated the call.
func (e *Envelope) AgentID() string { return e.flat.AgentID }

// Event returns the fully parsed event.
func (e *Envelope) Event() (*Event, error) {
	e.once.Do(func() {
		e.full, e.fullErr = e.decoder.Full(e.raw)
	})
	return e.full, e.fullErr
}

// Input returns tool_input, or a zero value when the event does not parse.
func (e *Envelope) Input() ToolInput {
	ev, err := e.Event()
	if err != nil {
		return ToolInput{}
	}
	return ev.ToolInput
}

// ResponseText returns the textual tool output of a post-execution event.
func (e *Envelope) ResponseText() string {
	ev, err := e.Event()
	if err != nil || len(ev.ToolResponse) == 0 {
		return ""
	}
	return ResponseText(ev.ToolResponse)
}

// ResponseText flattens the shapes tool_response takes across tools:
// content[].text, stdout/stderr, file.content, or a bare string.
func ResponseText(raw json.RawMessage) string {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.Str
	}
	if content := res.Get("content"); content.IsArray() {
		var parts []string
		content.ForEach(func(_, item gjson.Result) bool {
			if t := item.Get("text"); t.Type == gjson.String {
				parts = append(parts, t.Str)
			} else if item.Type == gjson.String {
				parts = append(parts, item.Str)
			}
			return true
		})
		return strings.Join(parts, "\n")
	} else if content.Type == gjson.String {
		return content.Str
	}
	if stdout := res.Get("stdout"); stdout.Exists() {
		out := stdout.String()
		if stderr := res.Get("stderr").String(); stderr != "" {
			if out != "" {
				out += "\n"
			}
			out += stderr
		}
		return out
	}
	if fc := res.Get("file.content"); fc.Type == gjson.String {
		return fc.Str
	}
	return ""
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSessionID reports whether id is safe to use in file names. Events
// with an invalid id get no session-scoped processing.
func ValidSessionID(id string) bool {
	return len(id) <= 128 && sessionIDPattern.MatchString(id)
}
