package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dgerlanc/tokenguard/internal/config"
	"github.com/dgerlanc/tokenguard/internal/eventlog"
	"github.com/dgerlanc/tokenguard/internal/state"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session's totals",
	Long: `Status prints the current session record, its clear ledger and peak turn
cost, and a summary of the session's event log records.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFormat, "output", "o", "yaml", "Output format: yaml or json")
}

// Status is the report printed by the status command.
type Status struct {
	Session          string           `yaml:"session" json:"session"`
	Started          string           `yaml:"started,omitempty" json:"started,omitempty"`
	ToolCalls        int64            `yaml:"tool_calls" json:"tool_calls"`
	InputTokens      int64            `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens     int64            `yaml:"output_tokens" json:"output_tokens"`
	ContextTokens    int64            `yaml:"context_tokens" json:"context_tokens"`
	CostUSD          float64          `yaml:"cost_usd" json:"cost_usd"`
	LastReset        string           `yaml:"last_reset,omitempty" json:"last_reset,omitempty"`
	ResetReason      string           `yaml:"reset_reason,omitempty" json:"reset_reason,omitempty"`
	Clears           int64            `yaml:"clears" json:"clears"`
	TokensLost       int64            `yaml:"tokens_lost" json:"tokens_lost"`
	PeakTurnCostUSD  float64          `yaml:"peak_turn_cost_usd" json:"peak_turn_cost_usd"`
	SubagentsRunning int64            `yaml:"subagents_running" json:"subagents_running"`
	SubagentsSpawned int64            `yaml:"subagents_spawned" json:"subagents_spawned"`
	LargestOutput    *LargestOutput   `yaml:"largest_output,omitempty" json:"largest_output,omitempty"`
	Events           eventlog.Summary `yaml:"events" json:"events"`
	Warnings         []string         `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// LargestOutput is the biggest single tool output of the session.
type LargestOutput struct {
	Bytes int64  `yaml:"bytes" json:"bytes"`
	Label string `yaml:"label" json:"label"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusFormat {
	case "yaml", "json":
	default:
		return fmt.Errorf("unknown output format %q (want yaml or json)", statusFormat)
	}
	cfg := loadConfig()
	log := commandLogger(cmd, cfg)
	st, err := BuildStatus(cfg)
	if err != nil {
		return err
	}
	log.Debug("status built", "session", st.Session, "warnings", len(st.Warnings))
	return writeStatus(cmd.OutOrStdout(), st, statusFormat)
}

// BuildStatus collects the status report from the state directory and the
// event log.
func BuildStatus(cfg *config.Config) (Status, error) {
	store := state.New(cfg.Paths.StateDir, state.Options{
		ContextShrinkDelta: cfg.Session.ContextShrinkDelta,
		MarkerTTL:          cfg.Session.MarkerTTL.Duration,
	})
	var st Status
	if cfg.LoadError != nil {
		st.Warnings = append(st.Warnings, "config ignored: "+cfg.LoadError.Error())
	}

	rec, err := store.Load()
	if err != nil {
		st.Warnings = append(st.Warnings, "session record unreadable: "+err.Error())
	}
	st.SubagentsRunning = store.Subagents()
	if rec.Empty() {
		st.Events.ByKind = map[eventlog.Kind]int{}
		return st, nil
	}

	st.Session = rec.SessionID
	st.Started = timestamp(rec.StartedAt)
	st.ToolCalls = rec.ToolCount
	st.InputTokens = rec.InputTokens
	st.OutputTokens = rec.OutputTokens
	st.ContextTokens = rec.Context
	st.CostUSD = dollars(rec.CostMicros)
	st.LastReset = timestamp(rec.ResetAt)
	st.ResetReason = string(rec.ResetReason)
	st.SubagentsSpawned = rec.Subagents

	if l, err := store.Ledger(rec.SessionID); err == nil {
		st.Clears, st.TokensLost = l.Clears, l.TokensLost
	}
	if p, err := store.Peak(rec.SessionID, rec.CostMicros); err == nil {
		st.PeakTurnCostUSD = dollars(p.PeakMicros)
	} else {
		st.Warnings = append(st.Warnings, "peak record discarded: "+err.Error())
	}
	if l, err := store.Largest(rec.SessionID); err == nil && l.Size > 0 {
		st.LargestOutput = &LargestOutput{Bytes: l.Size, Label: l.Label}
	}

	st.Events, err = summarizeEvents(cfg.Paths.EventLog, rec.SessionID)
	if err != nil {
		st.Warnings = append(st.Warnings, "event log: "+err.Error())
	}
	return st, nil
}

// summarizeEvents reads the rotated archives of the event log, oldest
// first, followed by the live file.
func summarizeEvents(path, session string) (eventlog.Summary, error) {
	empty := eventlog.Summary{ByKind: map[eventlog.Kind]int{}}
	files, err := eventlog.Archives(path)
	if err != nil {
		return empty, err
	}
	files = append(files, path)

	var readers []io.Reader
	for _, name := range files {
		rc, err := eventlog.OpenArchive(name)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return empty, fmt.Errorf("open %s: %w", filepath.Base(name), err)
		}
		defer rc.Close()
		readers = append(readers, rc, strings.NewReader("\n"))
	}
	if len(readers) == 0 {
		return empty, nil
	}
	return eventlog.Summarize(io.MultiReader(readers...), session)
}

func writeStatus(w io.Writer, st Status, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return err
	}
	return enc.Close()
}

func timestamp(ns int64) string {
	if ns <= 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339)
}

func dollars(micros int64) float64 { return float64(micros) / 1e6 }
