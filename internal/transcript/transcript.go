// Package transcript reads token usage from the host's JSONL session
// transcript, incrementally from a stored byte offset.
package transcript

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/tidwall/gjson"

	"github.com/dgerlanc/tokenguard/internal/config"
)

// DefaultMaxRead bounds the bytes consumed by one ReadFrom call. The rest
// is picked up by the next call.
const DefaultMaxRead = 16 << 20

// usagePaths are read from each assistant row in one scan.
var usagePaths = []string{
	"type",
	"isApiErrorMessage",
	"message.id",
	"message.usage",
}

// Usage is a sum of token counts by billing category.
type Usage struct {
	Input       int64
	Output      int64
	CacheRead   int64
	CacheCreate int64
}

// InputTotal is every input token the model processed.
func (u Usage) InputTotal() int64 { return u.Input + u.CacheRead + u.CacheCreate }

// Add returns u + o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Input:       u.Input + o.Input,
		Output:      u.Output + o.Output,
		CacheRead:   u.CacheRead + o.CacheRead,
		CacheCreate: u.CacheCreate + o.CacheCreate,
	}
}

// CostMicros prices u in millionths of a dollar. Prices are per million
// tokens, so a token costs exactly its price in micro-dollars.
func CostMicros(p config.Pricing, u Usage) int64 {
	c := float64(u.Input)*p.InputPerMTok +
		float64(u.Output)*p.OutputPerMTok +
		float64(u.CacheRead)*p.CacheReadPerMTok +
		float64(u.CacheCreate)*p.CacheWritePerMTok
	return int64(math.Round(c))
}

// Result is what one ReadFrom call found.
type Result struct {
	// Usage sums the new assistant messages.
	Usage Usage
	// Context is the context window size at the newest message; valid when
	// HasContext is set.
	Context    int64
	HasContext bool
	// Offset is where the next read should start.
	Offset        int64
	LastMessageID string
	// Restarted is set when the file was shorter than the stored offset and
	// was read from the beginning.
	Restarted bool
	Messages  int
}

// Reader reads transcript usage.
type Reader struct {
	MaxRead int64
}

// NewReader returns a Reader with the default read bound.
func NewReader() *Reader {
	return &Reader{MaxRead: DefaultMaxRead}
}

// ReadFrom reads complete lines appended after offset. Assistant rows are
// counted once per message id; lastMessageID carries deduplication across
// calls. A trailing partial line is left for the next call.
func (r *Reader) ReadFrom(path string, offset int64, lastMessageID string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{Offset: offset, LastMessageID: lastMessageID}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Offset: offset, LastMessageID: lastMessageID}, err
	}

	res := Result{Offset: offset, LastMessageID: lastMessageID}
	if info.Size() < offset {
		res.Offset, res.LastMessageID, res.Restarted = 0, "", true
	}
	if _, err := f.Seek(res.Offset, io.SeekStart); err != nil {
		return res, fmt.Errorf("seek transcript: %w", err)
	}

	limit := r.MaxRead
	if limit <= 0 {
		limit = DefaultMaxRead
	}
	br := bufio.NewReaderSize(io.LimitReader(f, limit), 64<<10)
	seen := map[string]bool{}
	if res.LastMessageID != "" {
		seen[res.LastMessageID] = true
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			res.Offset += int64(len(line))
			res.consume(line, seen)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read transcript: %w", err)
		}
	}
	return res, nil
}

func (res *Result) consume(line []byte, seen map[string]bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.Contains(line, []byte(`"usage"`)) || !gjson.ValidBytes(line) {
		return
	}
	f := gjson.GetManyBytes(line, usagePaths...)
	if f[0].String() != "assistant" || !f[3].IsObject() || f[1].Bool() {
		return
	}

	usage := f[3]
	u := Usage{
		Input:       usage.Get("input_tokens").Int(),
		Output:      usage.Get("output_tokens").Int(),
		CacheRead:   usage.Get("cache_read_input_tokens").Int(),
		CacheCreate: usage.Get("cache_creation_input_tokens").Int(),
	}
	res.Context = u.InputTotal()
	res.HasContext = true

	if id := f[2].String(); id != "" {
		if seen[id] {
			return
		}
		seen[id] = true
		res.LastMessageID = id
	}
	res.Messages++
	res.Usage = res.Usage.Add(u)
}
