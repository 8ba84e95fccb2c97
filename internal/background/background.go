// Package background runs work a filter must not wait for: span emission,
// exact token counts and event log archiving.
//
// A filter collects jobs in a Queue and flushes it through a Dispatcher just
// before it answers the host. ExecDispatcher starts a detached child process
// and returns at once; the child decodes the jobs and runs them with a
// Runner. Nothing flows back into the filter's decision.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/fsutil"
	"github.com/dgerlanc/tokenguard/internal/tokens"
	"github.com/dgerlanc/tokenguard/internal/trace"
)

// Kind names a job type.
type Kind string

// Job kinds.
const (
	KindSpan        Kind = "span"
	KindCountTokens Kind = "count_tokens"
	KindArchive     Kind = "archive"
)

// JobsDir holds job files and large payloads under the state directory.
const JobsDir = "jobs"

// inlineTextMax is the largest text carried inside the job file itself.
const inlineTextMax = 4 << 10

// Count asks for an exact count of the tokens a transform removed: the
// tokens of Text (the output before) less those of After.
type Count struct {
	SessionID string  `json:"session_id"`
	Tool      string  `json:"tool"`
	Stage     string  `json:"stage,omitempty"`
	Ref       string  `json:"ref,omitempty"`
	Estimate  int     `json:"estimate"`
	T         float64 `json:"t"`
	Text      string  `json:"text,omitempty"`
	TextFile  string  `json:"text_file,omitempty"`
	After     string  `json:"after,omitempty"`
	AfterFile string  `json:"after_file,omitempty"`
}

// Job is one unit of background work.
type Job struct {
	Kind    Kind        `json:"kind"`
	Span    *trace.Span `json:"span,omitempty"`
	Count   *Count      `json:"count,omitempty"`
	Archive string      `json:"archive,omitempty"`
}

// Queue collects jobs during one filter invocation.
type Queue struct {
	dir  string
	jobs []Job
}

// NewQueue returns a queue that spills large payloads under stateDir.
func NewQueue(stateDir string) *Queue {
	return &Queue{dir: filepath.Join(stateDir, JobsDir)}
}

// Len is the number of queued jobs.
func (q *Queue) Len() int { return len(q.jobs) }

// Jobs returns the queued jobs.
func (q *Queue) Jobs() []Job { return q.jobs }

// Span queues a span for emission.
func (q *Queue) Span(s trace.Span) {
	q.jobs = append(q.jobs, Job{Kind: KindSpan, Span: &s})
}

// Archive queues compression of a rotated event log.
func (q *Queue) Archive(path string) {
	q.jobs = append(q.jobs, Job{Kind: KindArchive, Archive: path})
}

// CountTokens queues an exact count of the tokens between before and
// after. Text above a few KiB is written to a file beside the job rather
// than carried inline.
func (q *Queue) CountTokens(c Count, before, after string) error {
	var err error
	if c.Text, c.TextFile, err = q.spill(before); err != nil {
		return err
	}
	if c.After, c.AfterFile, err = q.spill(after); err != nil {
		if c.TextFile != "" {
			os.Remove(c.TextFile)
		}
		return err
	}
	q.jobs = append(q.jobs, Job{Kind: KindCountTokens, Count: &c})
	return nil
}

// spill returns text itself when it is small, or the name of a file
// holding it.
func (q *Queue) spill(text string) (string, string, error) {
	if len(text) <= inlineTextMax {
		return text, "", nil
	}
	f, err := os.CreateTemp(q.dir, "text-*.txt")
	if errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(q.dir, constants.DirMode); err == nil {
			f, err = os.CreateTemp(q.dir, "text-*.txt")
		}
	}
	if err != nil {
		return "", "", fmt.Errorf("spill text: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", "", fmt.Errorf("spill text: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", fmt.Errorf("spill text: %w", err)
	}
	return "", f.Name(), nil
}

// Flush hands the queued jobs to d and empties the queue.
func (q *Queue) Flush(ctx context.Context, d Dispatcher) error {
	if len(q.jobs) == 0 || d == nil {
		return nil
	}
	jobs := q.jobs
	q.jobs = nil
	return d.Dispatch(ctx, jobs)
}

// WriteJobs stores jobs as a file under dir for a child process.
func WriteJobs(dir string, jobs []Job) (string, error) {
	data, err := json.Marshal(jobs)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("jobs-%d-%d.json", os.Getpid(), time.Now().UnixNano())
	path := filepath.Join(dir, name)
	if err := fsutil.WriteFileAtomic(path, data, constants.StateFileMode); err != nil {
		return "", err
	}
	return path, nil
}

// ReadJobs loads and removes a job file.
func ReadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	return jobs, nil
}

// Runner executes jobs.
type Runner struct {
	Emitter *trace.Emitter
	Counter tokens.Counter
	Events  *eventlog.Log
	Timeout time.Duration
	Log     *slog.Logger
}

// Run executes jobs concurrently under the runner's timeout and returns the
// combined errors. Job failures never affect each other.
func (r *Runner) Run(ctx context.Context, jobs []Job) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var g errgroup.Group
	errs := make([]error, len(jobs))
	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = r.run(ctx, job)
			if errs[i] != nil {
				r.logger().Debug("background job failed", "kind", job.Kind, "error", errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Runner) logger() *slog.Logger {
	if r.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Log
}

func (r *Runner) run(ctx context.Context, job Job) error {
	switch job.Kind {
	case KindSpan:
		if job.Span == nil {
			return errors.New("span job without span")
		}
		return r.Emitter.Emit(ctx, *job.Span)
	case KindCountTokens:
		if job.Count == nil {
			return errors.New("count job without request")
		}
		return r.count(ctx, *job.Count)
	case KindArchive:
		_, err := eventlog.Compress(job.Archive)
		return err
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}

func (r *Runner) count(ctx context.Context, c Count) error {
	before, err := loadText(c.Text, c.TextFile)
	if err != nil {
		return err
	}
	after, err := loadText(c.After, c.AfterFile)
	if err != nil {
		return err
	}
	if r.Counter == nil || r.Events == nil {
		return errors.New("counting not configured")
	}
	nb, err := r.Counter.Count(ctx, before)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	na, err := r.Counter.Count(ctx, after)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	_, err = r.Events.Append(eventlog.Record{
		T:           c.T,
		Session:     c.SessionID,
		Event:       eventlog.KindCorrection,
		Tool:        c.Tool,
		Rule:        c.Stage,
		Detail:      fmt.Sprintf("estimate %d via %s", c.Estimate, r.Counter.Name()),
		TokensSaved: max(nb-na, 0),
		Exact:       true,
		Ref:         c.Ref,
	})
	return err
}

// loadText returns inline, or the contents of file, which is removed.
func loadText(inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	data, err := os.ReadFile(file)
	_ = os.Remove(file)
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(data), nil
}
