// Package tokens counts tokens in text removed from tool output.
//
// The filters always work with Estimate. Exact counts are only computed in
// background jobs, by the configured counting service or by a local BPE
// encoder, and are recorded as corrections.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/constants"
)

// Encoding is the BPE vocabulary used for local exact counts.
const Encoding = "cl100k_base"

// Counter counts the tokens in a text.
type Counter interface {
	Count(ctx context.Context, text string) (int, error)
	Name() string
}

// Estimate converts a byte count to tokens at the fixed ratio.
func Estimate(bytes int) int {
	if bytes <= 0 {
		return 0
	}
	return bytes / constants.BytesPerToken
}

// Estimator is the byte-ratio Counter. It never fails.
type Estimator struct{}

// Count implements Counter.
func (Estimator) Count(_ context.Context, text string) (int, error) { return Estimate(len(text)), nil }

// Name implements Counter.
func (Estimator) Name() string { return constants.TokenModeEstimate }

// Tiktoken counts with a local BPE encoder, loaded on first use.
type Tiktoken struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	err      error
}

// NewTiktoken returns a counter for the named encoding.
func NewTiktoken(encoding string) *Tiktoken {
	return &Tiktoken{encoding: encoding}
}

// Count implements Counter.
func (t *Tiktoken) Count(ctx context.Context, text string) (int, error) {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(t.encoding)
	})
	if t.err != nil {
		return 0, fmt.Errorf("load %s encoding: %w", t.encoding, t.err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

// Name implements Counter.
func (t *Tiktoken) Name() string { return "tiktoken" }

// HTTPCounter asks a counting service. The request is
// {"model": ..., "text": ...}; the response carries the count as "tokens"
// or "input_tokens".
type HTTPCounter struct {
	Endpoint string
	Model    string
	Client   *http.Client
}

type countRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type countResponse struct {
	Tokens      *int `json:"tokens"`
	InputTokens *int `json:"input_tokens"`
}

// ErrNoCount is returned when a counting service answers without a count.
var ErrNoCount = errors.New("response has no token count")

// Count implements Counter.
func (h *HTTPCounter) Count(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(countRequest{Model: h.Model, Text: text})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, fmt.Errorf("count service: %s", resp.Status)
	}
	var cr countResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&cr); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	switch {
	case cr.Tokens != nil:
		return *cr.Tokens, nil
	case cr.InputTokens != nil:
		return *cr.InputTokens, nil
	}
	return 0, ErrNoCount
}

// Name implements Counter.
func (h *HTTPCounter) Name() string { return "service" }

// Chain tries each counter in order and returns the first success.
type Chain []Counter

// Count implements Counter.
func (c Chain) Count(ctx context.Context, text string) (int, error) {
	var errs []error
	for _, counter := range c {
		n, err := counter.Count(ctx, text)
		if err == nil {
			return n, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", counter.Name(), err))
	}
	if len(errs) == 0 {
		return 0, errors.New("no counters")
	}
	return 0, errors.Join(errs...)
}

// Name implements Counter.
func (c Chain) Name() string { return "chain" }

// Exact reports whether cfg asks for exact counting.
func Exact(cfg config.Tokens) bool { return cfg.Mode == constants.TokenModeExact }

// NewCounter builds the counter for cfg. In exact mode it prefers the
// counting service when one is configured and falls back to the local
// encoder; otherwise it is the Estimator.
func NewCounter(cfg config.Tokens, timeout time.Duration) Counter {
	if !Exact(cfg) {
		return Estimator{}
	}
	var chain Chain
	if cfg.CountEndpoint != "" {
		chain = append(chain, &HTTPCounter{
			Endpoint: cfg.CountEndpoint,
			Model:    cfg.Model,
			Client:   &http.Client{Timeout: timeout},
		})
	}
	return append(chain, NewTiktoken(Encoding))
}
