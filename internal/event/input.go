package event

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// ErrEmptyInput means no event arrived: stdin was empty, interactive, or
// too slow. Callers fail open.
var ErrEmptyInput = errors.New("empty input")

// ErrInputTooLarge means the event exceeded the hard ceiling.
var ErrInputTooLarge = errors.New("input exceeds size ceiling")

// ReadInput reads one event from r, giving up after timeout. At most limit
// bytes are accepted; a longer event returns its first limit bytes along
// with ErrInputTooLarge.
func ReadInput(ctx context.Context, r io.Reader, timeout time.Duration, limit int64) ([]byte, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return nil, ErrEmptyInput
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		ch <- result{data, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return nil, ErrEmptyInput
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if int64(len(res.data)) > limit {
			return res.data[:limit], ErrInputTooLarge
		}
		if len(trimSpace(res.data)) == 0 {
			return nil, ErrEmptyInput
		}
		return res.data, nil
	}
}

func trimSpace(b []byte) []byte {
	for len(b) > 0 && isSpace(b[0]) {
		b = b[1:]
	}
	for len(b) > 0 && isSpace(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
