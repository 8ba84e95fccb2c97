// Package metrics exports the current session's gauges as a Prometheus
// textfile for node_exporter's textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dgerlanc/tokenguard/internal/state"
)

const namespace = "tokenguard"

// Snapshot is the session state worth exporting.
type Snapshot struct {
	Record    state.Record
	Ledger    state.Ledger
	Peak      state.Peak
	Largest   state.Largest
	Subagents int64
}

// Gauges holds one registry's session gauges.
type Gauges struct {
	registry *prometheus.Registry

	tokens     *prometheus.GaugeVec
	cost       prometheus.Gauge
	context    prometheus.Gauge
	toolCalls  prometheus.Gauge
	subagents  prometheus.Gauge
	spawned    prometheus.Gauge
	clears     prometheus.Gauge
	tokensLost prometheus.Gauge
	peakCost   prometheus.Gauge
	largest    prometheus.Gauge
	started    prometheus.Gauge
}

// New registers the gauges for sessionID in a fresh registry.
func New(sessionID string) *Gauges {
	labels := prometheus.Labels{"session": sessionID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		})
	}
	g := &Gauges{
		registry: prometheus.NewRegistry(),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_tokens", Help: "Cumulative tokens observed in the transcript.",
			ConstLabels: labels,
		}, []string{"direction"}),
		cost:       gauge("session_cost_dollars", "Accumulated session cost."),
		context:    gauge("session_context_tokens", "Context window size at the last observation."),
		toolCalls:  gauge("session_tool_calls", "Tool calls seen in the session."),
		subagents:  gauge("subagents_active", "Subagents currently running."),
		spawned:    gauge("session_subagents_spawned", "Subagents started in the session."),
		clears:     gauge("session_context_clears", "Involuntary context clears."),
		tokensLost: gauge("session_tokens_lost", "Context tokens lost to clears."),
		peakCost:   gauge("session_peak_turn_cost_dollars", "Largest cost increase between two observations."),
		largest:    gauge("session_largest_output_bytes", "Largest single tool output."),
		started:    gauge("session_start_timestamp_seconds", "Session start time."),
	}
	g.registry.MustRegister(g.tokens, g.cost, g.context, g.toolCalls, g.subagents, g.spawned,
		g.clears, g.tokensLost, g.peakCost, g.largest, g.started)
	return g
}

// Registry exposes the underlying registry.
func (g *Gauges) Registry() *prometheus.Registry { return g.registry }

// Set loads s into the gauges.
func (g *Gauges) Set(s Snapshot) {
	r := s.Record
	g.tokens.WithLabelValues("input").Set(float64(r.InputTokens))
	g.tokens.WithLabelValues("output").Set(float64(r.OutputTokens))
	g.cost.Set(microsToDollars(r.CostMicros))
	g.context.Set(float64(r.Context))
	g.toolCalls.Set(float64(r.ToolCount))
	g.subagents.Set(float64(s.Subagents))
	g.spawned.Set(float64(r.Subagents))
	g.clears.Set(float64(s.Ledger.Clears))
	g.tokensLost.Set(float64(s.Ledger.TokensLost))
	g.peakCost.Set(microsToDollars(s.Peak.PeakMicros))
	g.largest.Set(float64(s.Largest.Size))
	g.started.Set(float64(r.StartedAt) / 1e9)
}

// WriteTextfile atomically writes the gauges to path.
func (g *Gauges) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, g.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Export writes s to path. An empty path disables export.
func Export(path string, s Snapshot) error {
	if path == "" || s.Record.Empty() {
		return nil
	}
	g := New(s.Record.SessionID)
	g.Set(s)
	return g.WriteTextfile(path)
}

func microsToDollars(m int64) float64 { return float64(m) / 1e6 }
