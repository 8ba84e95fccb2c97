// Package config handles configuration loading for tokenguard.
//
// A Config is built once per invocation: embedded defaults, then the user's
// config.toml layered on top, then environment overrides. It is passed to
// every component explicitly.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dgerlanc/tokenguard/internal/constants"
)

//go:embed config.toml
var defaultConfig []byte

// ErrInvalidConfig is returned when a config file or override is rejected.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that decodes from strings like "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Paths locates persisted state.
type Paths struct {
	StateDir string `toml:"state_dir"`
	EventLog string `toml:"event_log"`
}

// Limits are the size ceilings enforced before a tool runs.
type Limits struct {
	WriteContentBytes    int   `toml:"write_content_bytes"`
	NotebookContentBytes int   `toml:"notebook_content_bytes"`
	EditContentBytes     int   `toml:"edit_content_bytes"`
	ReadFileBytes        int64 `toml:"read_file_bytes"`
}

// Transform holds output transform thresholds.
type Transform struct {
	TruncateThresholdBytes int `toml:"truncate_threshold_bytes"`
	TruncateHeadBytes      int `toml:"truncate_head_bytes"`
	TruncateTailBytes      int `toml:"truncate_tail_bytes"`
	SuppressCeilingBytes   int `toml:"suppress_ceiling_bytes"`
	OutlineMainLines       int `toml:"outline_main_lines"`
	OutlineSubagentLines   int `toml:"outline_subagent_lines"`
	TaskCompressBytes      int `toml:"task_compress_bytes"`
}

// Session tunes reset detection and marker cleanup.
type Session struct {
	ContextShrinkDelta int64    `toml:"context_shrink_delta"`
	MarkerTTL          Duration `toml:"marker_ttl"`
}

// Timeouts bound every blocking operation.
type Timeouts struct {
	Input   Duration `toml:"input"`
	Filter  Duration `toml:"filter"`
	Network Duration `toml:"network"`
	Job     Duration `toml:"job"`
}

// EventLog configures the append-only event log.
type EventLog struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// Tokens selects estimated or exact token accounting.
type Tokens struct {
	Mode          string `toml:"mode"`
	Model         string `toml:"model"`
	CountEndpoint string `toml:"count_endpoint"`
}

// Trace configures span emission.
type Trace struct {
	Endpoint string `toml:"endpoint"`
}

// Metrics configures the Prometheus textfile export.
type Metrics struct {
	Textfile string `toml:"textfile"`
}

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMTok      float64 `toml:"input_per_mtok"`
	OutputPerMTok     float64 `toml:"output_per_mtok"`
	CacheReadPerMTok  float64 `toml:"cache_read_per_mtok"`
	CacheWritePerMTok float64 `toml:"cache_write_per_mtok"`
}

// VerbosityRule requires a quiet flag for a binary.
type VerbosityRule struct {
	Name        string   `toml:"name"`
	Binary      string   `toml:"binary"`
	Subcommands []string `toml:"subcommands"`
	// ValueFlags are options that consume the next argument, skipped when
	// looking for the subcommand.
	ValueFlags []string `toml:"value_flags"`
	Quiet      []string `toml:"quiet"`
	Savings    int      `toml:"savings"`
}

// DenyRule is a user supplied pre-execution deny pattern.
type DenyRule struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
	Reason  string `toml:"reason"`
}

// Rules holds the configurable parts of the rule tables.
type Rules struct {
	Verbosity []VerbosityRule `toml:"verbosity"`
	Deny      []DenyRule      `toml:"deny"`
}

// Config is the effective configuration of one invocation.
type Config struct {
	Paths     Paths     `toml:"paths"`
	Limits    Limits    `toml:"limits"`
	Transform Transform `toml:"transform"`
	Session   Session   `toml:"session"`
	Timeouts  Timeouts  `toml:"timeouts"`
	EventLog  EventLog  `toml:"event_log"`
	Tokens    Tokens    `toml:"tokens"`
	Trace     Trace     `toml:"trace"`
	Metrics   Metrics   `toml:"metrics"`
	Pricing   Pricing   `toml:"pricing"`
	Rules     Rules     `toml:"rules"`

	// Verbose enables debug logging.
	Verbose bool `toml:"-"`
	// ConfigPath is the user file that was consulted, if any.
	ConfigPath string `toml:"-"`
	// LoadError records why the user file was ignored.
	LoadError error `toml:"-"`
}

// Options controls where Load looks.
type Options struct {
	// ConfigDir overrides TOKENGUARD_CONFIG and the XDG default.
	ConfigDir string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Home defaults to os.UserHomeDir.
	Home string
}

// Parse decodes TOML data over the embedded defaults.
func Parse(data []byte) (*Config, error) {
	cfg, err := parseDefaults()
	if err != nil {
		return nil, err
	}
	// Decoding into a populated slice reuses its elements, so a user table
	// list must start empty to replace the defaults cleanly.
	var probe Config
	md, err := toml.Decode(string(data), &probe)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse TOML: %w", ErrInvalidConfig, err)
	}
	if md.IsDefined("rules", "verbosity") {
		cfg.Rules.Verbosity = nil
	}
	if md.IsDefined("rules", "deny") {
		cfg.Rules.Deny = nil
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse TOML: %w", ErrInvalidConfig, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseDefaults() (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(string(defaultConfig), cfg); err != nil {
		return nil, fmt.Errorf("embedded config: %w", err)
	}
	return cfg, nil
}

// Default returns the embedded configuration with paths resolved under home.
func Default(home string) *Config {
	cfg, err := parseDefaults()
	if err != nil {
		panic(err)
	}
	cfg.resolvePaths(home)
	return cfg
}

// room for the elision marker, so truncated output stays under the threshold
const truncateMarkerReserve = 256

func (c *Config) validate() error {
	switch c.Tokens.Mode {
	case constants.TokenModeEstimate, constants.TokenModeExact:
	default:
		return fmt.Errorf("%w: tokens.mode must be %q or %q, got %q",
			ErrInvalidConfig, constants.TokenModeEstimate, constants.TokenModeExact, c.Tokens.Mode)
	}
	if c.Limits.WriteContentBytes <= 0 || c.Limits.NotebookContentBytes <= 0 || c.Limits.EditContentBytes <= 0 {
		return fmt.Errorf("%w: content limits must be positive", ErrInvalidConfig)
	}
	t := c.Transform
	if t.TruncateHeadBytes <= 0 || t.TruncateTailBytes < 0 ||
		t.TruncateHeadBytes+t.TruncateTailBytes+truncateMarkerReserve >= t.TruncateThresholdBytes {
		return fmt.Errorf("%w: truncate head+tail must leave %d bytes below the threshold",
			ErrInvalidConfig, truncateMarkerReserve)
	}
	if t.SuppressCeilingBytes <= t.TruncateThresholdBytes {
		return fmt.Errorf("%w: suppress ceiling must exceed the truncate threshold", ErrInvalidConfig)
	}
	for _, r := range c.Rules.Verbosity {
		if r.Binary == "" || len(r.Quiet) == 0 {
			return fmt.Errorf("%w: verbosity rule %q needs binary and quiet", ErrInvalidConfig, r.Name)
		}
	}
	for _, r := range c.Rules.Deny {
		if r.Pattern == "" {
			return fmt.Errorf("%w: deny rule %q has no pattern", ErrInvalidConfig, r.Name)
		}
	}
	return nil
}

// GetConfigDir returns the config directory path.
// Uses TOKENGUARD_CONFIG if set, otherwise ~/.config/tokenguard.
func GetConfigDir(getenv func(string) string, home string) string {
	if dir := getenv(constants.EnvConfigDir); dir != "" {
		return dir
	}
	return filepath.Join(home, constants.XDGConfigSubdir, constants.AppName)
}

// Load builds the effective Config. A missing user file is not an error; an
// unreadable or invalid one falls back to the embedded defaults and is
// reported through Config.LoadError.
func Load(opts Options) *Config {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	home := opts.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	configDir := opts.ConfigDir
	if configDir == "" {
		configDir = GetConfigDir(getenv, home)
	}
	configPath := filepath.Join(configDir, constants.ConfigFileName)

	cfg := Default(home)
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		parsed, perr := Parse(data)
		if perr != nil {
			cfg.LoadError = perr
		} else {
			cfg = parsed
			cfg.resolvePaths(home)
		}
	case !os.IsNotExist(err):
		cfg.LoadError = fmt.Errorf("failed to read %s: %w", configPath, err)
	}
	cfg.ConfigPath = configPath

	cfg.applyEnv(getenv, home)
	return cfg
}

func (c *Config) applyEnv(getenv func(string) string, home string) {
	if v := getenv(constants.EnvStateDir); v != "" {
		c.Paths.StateDir = expandHome(v, home)
		if getenv(constants.EnvEventLog) == "" {
			c.Paths.EventLog = filepath.Join(c.Paths.StateDir, constants.EventLogFileName)
		}
	}
	if v := getenv(constants.EnvEventLog); v != "" {
		c.Paths.EventLog = expandHome(v, home)
	}
	if v := getenv(constants.EnvTraceEndpoint); v != "" {
		c.Trace.Endpoint = v
	}
	if v := getenv(constants.EnvCountEndpoint); v != "" {
		c.Tokens.CountEndpoint = v
	}
	if v := getenv(constants.EnvMetricsFile); v != "" {
		c.Metrics.Textfile = expandHome(v, home)
	}
	if v := strings.ToLower(getenv(constants.EnvTokenMode)); v != "" {
		if v == constants.TokenModeEstimate || v == constants.TokenModeExact {
			c.Tokens.Mode = v
		} else if c.LoadError == nil {
			c.LoadError = fmt.Errorf("%w: %s=%q", ErrInvalidConfig, constants.EnvTokenMode, v)
		}
	}
	if v := getenv(constants.EnvVerbose); v != "" {
		c.Verbose, _ = strconv.ParseBool(v)
	}
}

func (c *Config) resolvePaths(home string) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(home, constants.XDGDataSubdir, constants.AppName)
	}
	c.Paths.StateDir = expandHome(c.Paths.StateDir, home)
	if c.Paths.EventLog == "" {
		c.Paths.EventLog = filepath.Join(c.Paths.StateDir, constants.EventLogFileName)
	}
	c.Paths.EventLog = expandHome(c.Paths.EventLog, home)
	c.Metrics.Textfile = expandHome(c.Metrics.Textfile, home)
}

func expandHome(p, home string) string {
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

// EnsureConfigFile writes the default config.toml into configDir unless one
// exists and force is false. It reports whether a file was written.
func EnsureConfigFile(configDir string, force bool) (string, bool, error) {
	if err := os.MkdirAll(configDir, constants.DirMode); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, constants.ConfigFileName)
	if _, err := os.Stat(configPath); err == nil && !force {
		return configPath, false, nil
	}
	if err := os.WriteFile(configPath, defaultConfig, constants.FileMode); err != nil {
		return "", false, fmt.Errorf("failed to write config.toml: %w", err)
	}
	return configPath, true, nil
}

// GetDefaultConfig returns the embedded default configuration.
func GetDefaultConfig() []byte {
	return defaultConfig
}
