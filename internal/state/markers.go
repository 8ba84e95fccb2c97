package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dgerlanc/tokenguard/internal/constants"
	"github.com/dgerlanc/tokenguard/internal/fsutil"
)

const markerSuffix = ".start"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// MarkerKey identifies one tool call. ToolUseID pairs start and end exactly;
// without it the invoking process id is used and the most recent marker for
// the tool is the fallback.
type MarkerKey struct {
	ToolUseID string
	PID       int
}

func (k MarkerKey) name() string {
	if k.ToolUseID != "" {
		return "id-" + unsafeName.ReplaceAllString(k.ToolUseID, "_")
	}
	return "pid-" + strconv.Itoa(k.PID)
}

func markerName(tool string, key MarkerKey) string {
	return unsafeName.ReplaceAllString(tool, "_") + "." + key.name() + markerSuffix
}

func (s *Store) markersDir() string { return s.path(MarkersDir) }

// RecordToolStart writes the start marker for a tool call.
func (s *Store) RecordToolStart(tool string, key MarkerKey) error {
	data := strconv.FormatInt(s.now().UnixNano(), 10) + "\n"
	path := filepath.Join(s.markersDir(), markerName(tool, key))
	return fsutil.WriteFileAtomic(path, []byte(data), constants.StateFileMode)
}

// ConsumeToolLatency reads and removes the start marker for a tool call and
// returns the elapsed time. It reports false when no marker was found, for
// instance because a concurrent call consumed it first.
func (s *Store) ConsumeToolLatency(tool string, key MarkerKey) (time.Duration, bool) {
	path := filepath.Join(s.markersDir(), markerName(tool, key))
	start, err := s.claimMarker(path)
	if err != nil && key.ToolUseID == "" {
		start, err = s.claimLatest(tool)
	}
	if err != nil {
		return 0, false
	}
	d := s.now().Sub(time.Unix(0, start))
	if d < 0 {
		d = 0
	}
	return d, true
}

// claimMarker takes ownership of a marker by renaming it to a private name,
// so two consumers can never both read it.
func (s *Store) claimMarker(path string) (int64, error) {
	claimed := fmt.Sprintf("%s.claimed-%d-%d", path, os.Getpid(), s.now().UnixNano())
	if err := os.Rename(path, claimed); err != nil {
		return 0, err
	}
	defer os.Remove(claimed)

	data, err := os.ReadFile(claimed)
	if err != nil {
		return 0, err
	}
	v, err := parseField(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: marker: %v", ErrCorruptRecord, err)
	}
	return v, nil
}

var errNoMarker = errors.New("no marker")

// claimLatest consumes the most recently written pid-keyed marker for tool.
func (s *Store) claimLatest(tool string) (int64, error) {
	prefix := unsafeName.ReplaceAllString(tool, "_") + ".pid-"
	entries, err := os.ReadDir(s.markersDir())
	if err != nil {
		return 0, err
	}

	var best string
	var bestTime time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, markerSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = name, info.ModTime()
		}
	}
	if best == "" {
		return 0, errNoMarker
	}
	return s.claimMarker(filepath.Join(s.markersDir(), best))
}

// SweepMarkers removes markers older than the marker TTL, along with
// leftovers of interrupted claims. It returns how many files were removed.
func (s *Store) SweepMarkers() (int, error) {
	entries, err := os.ReadDir(s.markersDir())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.markerTTL)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(s.markersDir(), e.Name())) == nil {
			removed++
		}
	}
	return removed, nil
}
