package trace

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSpan() Span {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return Span{
		Tool:        "Bash",
		ToolUseID:   "toolu_1",
		SessionID:   "sess-1",
		Command:     "TOKEN=abc make test",
		OutputBytes: 2048,
		Start:       start,
		End:         start.Add(1500 * time.Millisecond),
	}
}

func TestIDsDeterministic(t *testing.T) {
	t1, s1 := IDs("sess-1")
	t2, s2 := IDs("sess-1")
	t3, s3 := IDs("sess-2")

	assert.Equal(t, t1, t2)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, t1, t3)
	assert.NotEqual(t, s1, s3)
	assert.True(t, t1.IsValid())
	assert.True(t, s1.IsValid())
	// sha256("sess-1") prefix
	assert.Len(t, t1.String(), 32)
	assert.Len(t, s1.String(), 16)
}

type exported struct {
	Name        string
	SpanContext struct {
		TraceID string
		SpanID  string
	}
	Parent struct {
		TraceID string
		SpanID  string
		Remote  bool
	}
	StartTime  time.Time
	EndTime    time.Time
	Attributes []struct {
		Key   string
		Value struct {
			Type  string
			Value any
		}
	}
}

func TestRender(t *testing.T) {
	s := sampleSpan()
	data, err := Render(context.Background(), s)
	require.NoError(t, err)

	var got exported
	require.NoError(t, json.Unmarshal(data, &got))

	tid, parent := IDs(s.SessionID)
	assert.Equal(t, "tool Bash", got.Name)
	assert.Equal(t, tid.String(), got.SpanContext.TraceID)
	assert.Equal(t, tid.String(), got.Parent.TraceID)
	assert.Equal(t, parent.String(), got.Parent.SpanID)
	assert.True(t, got.Parent.Remote)
	assert.NotEqual(t, parent.String(), got.SpanContext.SpanID)
	assert.True(t, got.StartTime.Equal(s.Start))
	assert.True(t, got.EndTime.Equal(s.End))

	attrs := map[string]any{}
	for _, a := range got.Attributes {
		attrs[a.Key] = a.Value.Value
	}
	assert.Equal(t, "Bash", attrs["tool.name"])
	assert.Equal(t, "TOKEN=*** make test", attrs["tool.command"])
	assert.EqualValues(t, 1500, attrs["tool.duration_ms"])
}

func TestRenderFreshSpanIDs(t *testing.T) {
	var a, b exported
	d1, err := Render(context.Background(), sampleSpan())
	require.NoError(t, err)
	d2, err := Render(context.Background(), sampleSpan())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(d1, &a))
	require.NoError(t, json.Unmarshal(d2, &b))
	assert.Equal(t, a.SpanContext.TraceID, b.SpanContext.TraceID)
	assert.NotEqual(t, a.SpanContext.SpanID, b.SpanContext.SpanID)
}

func TestEmitPosts(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, time.Second)
	require.NoError(t, e.Emit(context.Background(), sampleSpan()))
	tid, _ := IDs("sess-1")
	assert.Contains(t, string(body), tid.String())
}

func TestEmitFailures(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		assert.NoError(t, NewEmitter("", 0).Emit(context.Background(), sampleSpan()))
		var nilEmitter *Emitter
		assert.False(t, nilEmitter.Enabled())
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		assert.Error(t, NewEmitter(srv.URL, time.Second).Emit(context.Background(), sampleSpan()))
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()
		start := time.Now()
		err := NewEmitter(srv.URL, 50*time.Millisecond).Emit(context.Background(), sampleSpan())
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("unreachable", func(t *testing.T) {
		assert.Error(t, NewEmitter("http://127.0.0.1:1/spans", 200*time.Millisecond).Emit(context.Background(), sampleSpan()))
	})
}
