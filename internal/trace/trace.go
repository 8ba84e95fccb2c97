// Package trace emits one OpenTelemetry span per tool call.
//
// Invocations are separate processes, so spans of one session are tied
// together by ids derived from the session id rather than by an in-memory
// provider.
package trace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
)

const tracerName = "github.com/dgerlanc/tokenguard/internal/trace"

// Attribute keys.
var (
	AttrToolName    = attribute.Key("tool.name")
	AttrToolUseID   = attribute.Key("tool.use_id")
	AttrSessionID   = attribute.Key("session.id")
	AttrCommand     = attribute.Key("tool.command")
	AttrOutputBytes = attribute.Key("tool.output_bytes")
	AttrDurationMs  = attribute.Key("tool.duration_ms")
)

// IDs derives the trace id and parent span id for a session: the first 16
// bytes of sha256(sessionID) and the next 8.
func IDs(sessionID string) (oteltrace.TraceID, oteltrace.SpanID) {
	sum := sha256.Sum256([]byte(sessionID))
	var tid oteltrace.TraceID
	var sid oteltrace.SpanID
	copy(tid[:], sum[0:16])
	copy(sid[:], sum[16:24])
	return tid, sid
}

// Span describes one finished tool call.
type Span struct {
	Tool        string    `json:"tool"`
	ToolUseID   string    `json:"tool_use_id,omitempty"`
	SessionID   string    `json:"session_id"`
	Command     string    `json:"command,omitempty"`
	OutputBytes int       `json:"output_bytes"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Emitter posts spans to a collector.
type Emitter struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

// NewEmitter returns an Emitter for endpoint. An empty endpoint disables
// emission.
func NewEmitter(endpoint string, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = constants.DefaultNetworkTimeout
	}
	return &Emitter{Endpoint: endpoint, Timeout: timeout}
}

// Enabled reports whether spans are sent anywhere.
func (e *Emitter) Enabled() bool { return e != nil && e.Endpoint != "" }

// Emit builds the span under the session's parent context and posts the
// exported JSON. It runs synchronously; callers run it in a background job.
func (e *Emitter) Emit(ctx context.Context, s Span) error {
	if !e.Enabled() {
		return nil
	}
	body, err := Render(ctx, s)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: e.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post span: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post span: %s", resp.Status)
	}
	return nil
}

// Render returns the span as exported by the stdout exporter.
func Render(ctx context.Context, s Span) ([]byte, error) {
	var buf bytes.Buffer
	exp, err := stdouttrace.New(stdouttrace.WithWriter(&buf))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", constants.AppName),
		)),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	tid, parent := IDs(s.SessionID)
	ctx = oteltrace.ContextWithRemoteSpanContext(ctx, oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     parent,
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	}))

	end := s.End
	if end.Before(s.Start) {
		end = s.Start
	}
	_, span := tp.Tracer(tracerName).Start(ctx, "tool "+s.Tool,
		oteltrace.WithTimestamp(s.Start),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			AttrToolName.String(s.Tool),
			AttrToolUseID.String(s.ToolUseID),
			AttrSessionID.String(s.SessionID),
			AttrCommand.String(eventlog.Redact(s.Command)),
			AttrOutputBytes.Int(s.OutputBytes),
			AttrDurationMs.Float64(float64(end.Sub(s.Start).Microseconds())/1000),
		),
	)
	span.End(oteltrace.WithTimestamp(end))

	if err := tp.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("flush span: %w", err)
	}
	return buf.Bytes(), nil
}
