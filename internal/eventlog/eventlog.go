// Package eventlog writes the append-only JSON-lines log of filter
// decisions.
package eventlog

import (
	"bufio"
	"cmp"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"

	"github.com/dgerlanc/tokenguard/internal/constants"
)

// Kind is the event type of a record.
type Kind string

// Event kinds.
const (
	KindAllowed        Kind = "allowed"
	KindBlocked        Kind = "blocked"
	KindTruncated      Kind = "truncated"
	KindToolLatency    Kind = "tool_latency"
	KindToolOutputSize Kind = "tool_output_size"
	KindCompleted      Kind = "completed"
	// KindReset records a detected context reset.
	KindReset Kind = "reset"
	// KindCorrection carries an exact token count for an earlier estimate.
	KindCorrection Kind = "token_correction"
)

// Version is the record format version.
const Version = 1

// DefaultMaxBytes is the rotation threshold.
const DefaultMaxBytes = 10 << 20

// Record is one line of the event log.
type Record struct {
	Version int    `json:"v"`
	ID      string `json:"id"`
	// T is seconds since the session started, 0 when unknown.
	T           float64 `json:"t"`
	Session     string  `json:"session,omitempty"`
	Event       Kind    `json:"event"`
	Tool        string  `json:"tool,omitempty"`
	Command     string  `json:"command,omitempty"`
	Rule        string  `json:"rule,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	TokensSaved int     `json:"tokens_saved"`
	BytesBefore int     `json:"bytes_before,omitempty"`
	BytesAfter  int     `json:"bytes_after,omitempty"`
	DurationMs  float64 `json:"duration_ms,omitempty"`
	Exact       bool    `json:"exact,omitempty"`
	// Ref is the id of the record a correction applies to.
	Ref string `json:"ref,omitempty"`
}

// Since returns seconds elapsed since startedNs, or 0 if it is unset.
func Since(startedNs int64, now time.Time) float64 {
	if startedNs <= 0 {
		return 0
	}
	d := now.Sub(time.Unix(0, startedNs)).Seconds()
	if d < 0 {
		return 0
	}
	return float64(int64(d*10)) / 10
}

// Options configures a Log.
type Options struct {
	// MaxBytes triggers rotation; zero uses DefaultMaxBytes.
	MaxBytes int64
	// OnRotate receives the renamed file. When nil the file is compressed
	// inline.
	OnRotate func(path string)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Log appends records to one file.
type Log struct {
	path     string
	maxBytes int64
	onRotate func(string)
	now      func() time.Time
	log      *slog.Logger

	mu      sync.Mutex
	entropy io.Reader
}

// New returns a Log writing to path. The file is opened per append, so an
// unused Log costs nothing.
func New(path string, opts Options) *Log {
	l := &Log{
		path:     path,
		maxBytes: opts.MaxBytes,
		onRotate: opts.OnRotate,
		now:      opts.Now,
		log:      opts.Logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	if l.maxBytes <= 0 {
		l.maxBytes = DefaultMaxBytes
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Path is the log file.
func (l *Log) Path() string { return l.path }

// Append stamps rec with an id and version, redacts its command and writes
// it as one line with a single write. It returns the stored record.
func (l *Log) Append(rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	id, err := ulid.New(ulid.Timestamp(now), l.entropy)
	if err != nil {
		return rec, fmt.Errorf("event id: %w", err)
	}
	rec.ID = id.String()
	rec.Version = Version
	rec.Command = Redact(rec.Command)

	data, err := json.Marshal(rec)
	if err != nil {
		l.log.Debug("failed to marshal event", "error", err)
		return rec, err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), constants.DirMode); err != nil {
		return rec, err
	}
	l.rotateIfNeeded(now)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, constants.StateFileMode)
	if err != nil {
		l.log.Debug("failed to open event log", "path", l.path, "error", err)
		return rec, err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.log.Debug("failed to write event", "error", err)
		return rec, err
	}
	return rec, nil
}

func (l *Log) rotateIfNeeded(now time.Time) {
	info, err := os.Stat(l.path)
	if err != nil || info.Size() < l.maxBytes {
		return
	}
	archive, err := Rotate(l.path, now)
	if err != nil {
		// another process rotated first
		l.log.Debug("rotate event log", "error", err)
		return
	}
	l.log.Debug("rotated event log", "archive", archive)
	if l.onRotate != nil {
		l.onRotate(archive)
		return
	}
	if _, err := Compress(archive); err != nil {
		l.log.Debug("compress event log archive", "archive", archive, "error", err)
	}
}

// Rotate renames path to events-<unixnano>.jsonl beside it.
func Rotate(path string, now time.Time) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	archive := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s-%d%s", base, now.UnixNano(), ext))
	if err := os.Rename(path, archive); err != nil {
		return "", err
	}
	return archive, nil
}

// ArchiveSuffix is appended to compressed archives.
const ArchiveSuffix = ".zst"

// Archives lists the rotated archives of path, compressed or not, oldest
// first.
func Archives(path string) ([]string, error) {
	ext := filepath.Ext(path)
	prefix := filepath.Join(filepath.Dir(path), strings.TrimSuffix(filepath.Base(path), ext)+"-")
	var out []string
	for _, pattern := range []string{prefix + "*" + ext, prefix + "*" + ext + ArchiveSuffix} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	// a plain archive whose compressed copy is complete is about to go
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p] = true
	}
	out = slices.DeleteFunc(out, func(p string) bool {
		return seen[p+ArchiveSuffix]
	})
	slices.SortFunc(out, func(a, b string) int {
		return cmp.Compare(strings.TrimSuffix(a, ArchiveSuffix), strings.TrimSuffix(b, ArchiveSuffix))
	})
	return out, nil
}

// Compress writes path+".zst" and removes path once the compressed copy is
// complete. On failure the uncompressed archive is kept.
func Compress(path string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dstPath := path + ArchiveSuffix
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(dstPath)+"-")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fail(fmt.Errorf("compress: %w", err))
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("compress: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	_ = src.Close()
	if err := os.Remove(path); err != nil {
		return dstPath, err
	}
	return dstPath, nil
}

// OpenArchive returns a reader over a log file, decompressing .zst
// archives.
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ArchiveSuffix) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}

// Summary aggregates records.
type Summary struct {
	Records     int          `json:"records" yaml:"records"`
	ByKind      map[Kind]int `json:"by_kind" yaml:"by_kind"`
	TokensSaved int          `json:"tokens_saved" yaml:"tokens_saved"`
	Skipped     int          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Summarize reads records from r, counting only those for session when it
// is non-empty. Malformed lines are skipped and counted. An exact
// correction replaces the estimate of the record it refers to.
func Summarize(r io.Reader, session string) (Summary, error) {
	s := Summary{ByKind: map[Kind]int{}}
	saved := map[string]int{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.Skipped++
			continue
		}
		if session != "" && rec.Session != session {
			continue
		}
		s.Records++
		s.ByKind[rec.Event]++
		switch {
		case rec.Event == KindCorrection && rec.Ref != "":
			if _, ok := saved[rec.Ref]; ok {
				saved[rec.Ref] = rec.TokensSaved
			}
		case rec.TokensSaved > 0 && rec.ID == "":
			s.TokensSaved += rec.TokensSaved
		case rec.TokensSaved > 0:
			saved[rec.ID] = rec.TokensSaved
		}
	}
	for _, n := range saved {
		s.TokensSaved += n
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return s, err
	}
	return s, nil
}
