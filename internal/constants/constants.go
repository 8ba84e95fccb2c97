// Package constants defines shared constants used across the tokenguard codebase.
package constants

import (
	"os"
	"time"
)

// File permissions
const (
	DirMode  os.FileMode = 0755
	FileMode os.FileMode = 0644
	// StateFileMode is used for session-scoped records, which may carry
	// command fragments.
	StateFileMode os.FileMode = 0600
)

// Environment variables
const (
	EnvConfigDir     = "TOKENGUARD_CONFIG"
	EnvStateDir      = "TOKENGUARD_STATE_DIR"
	EnvEventLog      = "TOKENGUARD_EVENT_LOG"
	EnvTraceEndpoint = "TOKENGUARD_TRACE_ENDPOINT"
	EnvTokenMode     = "TOKENGUARD_TOKEN_MODE"
	EnvCountEndpoint = "TOKENGUARD_COUNT_ENDPOINT"
	EnvMetricsFile   = "TOKENGUARD_METRICS_FILE"
	EnvVerbose       = "TOKENGUARD_VERBOSE"
)

// Application paths
const (
	AppName            = "tokenguard"
	XDGConfigSubdir    = ".config"
	XDGDataSubdir      = ".local/share"
	ClaudeConfigDir    = ".claude"
	ClaudeSettingsFile = "settings.json"
	ConfigFileName     = "config.toml"
	EventLogFileName   = "events.jsonl"
	DebugLogFileName   = "tokenguard.log"
)

// Token accounting modes
const (
	TokenModeEstimate = "estimate"
	TokenModeExact    = "exact"
)

// BytesPerToken is the fixed average used for every token estimate.
const BytesPerToken = 4

// Timeouts
const (
	DefaultInputTimeout   = 3 * time.Second
	DefaultFilterBudget   = 5 * time.Second
	DefaultNetworkTimeout = 2 * time.Second
	DefaultJobTimeout     = 10 * time.Second
)

// MaxInputBytes is the hard ceiling on a single inbound event.
const MaxInputBytes = 32 << 20
