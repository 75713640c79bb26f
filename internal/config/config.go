// Package config manages quicmig configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/quicmig/internal/addralloc"
	"github.com/dantte-lp/quicmig/internal/scenario"
	"github.com/dantte-lp/quicmig/internal/simnet"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete quicmig configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Stack    StackConfig    `koanf:"stack"`
	Timeouts TimeoutsConfig `koanf:"timeouts"`
	Retry    RetryConfig    `koanf:"retry"`
	Suite    SuiteConfig    `koanf:"suite"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address (e.g., ":9100"). Empty disables the
	// endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// Stack names.
const (
	StackSimnet = "simnet"
	StackQUICGo = "quicgo"
)

// StackConfig selects the transport the scenarios run against.
type StackConfig struct {
	// Kind is "simnet" or "quicgo".
	Kind string `koanf:"kind"`

	// Platform is the socket sharing model the simulated network emulates:
	// "host", "posix" or "windows".
	Platform string `koanf:"platform"`

	// Tick is the simulated connection timer resolution.
	Tick time.Duration `koanf:"tick"`

	// ProbeInterval is the simulated PATH_CHALLENGE retransmission interval.
	ProbeInterval time.Duration `koanf:"probe_interval"`

	// MaxProbeAttempts is how many challenges the simulated network sends
	// before a path fails.
	MaxProbeAttempts int `koanf:"max_probe_attempts"`
}

// TimeoutsConfig bounds the scenario waits. See scenario.Timeouts.
type TimeoutsConfig struct {
	Base                time.Duration `koanf:"base"`
	PeerAddressChange   time.Duration `koanf:"peer_address_change"`
	ProbeMultiplier     int           `koanf:"probe_multiplier"`
	MultiPathMultiplier int           `koanf:"multipath_multiplier"`
	FailedProbeWindow   time.Duration `koanf:"failed_probe_window"`
	ConfirmationDelay   time.Duration `koanf:"confirmation_delay"`
	StreamCount         time.Duration `koanf:"stream_count"`
}

// Scenario converts the section to scenario timeouts.
func (tc TimeoutsConfig) Scenario() scenario.Timeouts {
	return scenario.Timeouts{
		Base:                tc.Base,
		PeerAddressChange:   tc.PeerAddressChange,
		ProbeMultiplier:     tc.ProbeMultiplier,
		MultiPathMultiplier: tc.MultiPathMultiplier,
		FailedProbeWindow:   tc.FailedProbeWindow,
		ConfirmationDelay:   tc.ConfirmationDelay,
		StreamCount:         tc.StreamCount,
	}
}

// RetryConfig holds the address collision retry policy.
type RetryConfig struct {
	// MaxAttempts bounds each collision retry loop, first attempt included.
	MaxAttempts int `koanf:"max_attempts"`
}

// SuiteConfig selects and parameterizes the scenarios to run.
type SuiteConfig struct {
	// Families lists the address families to run: "v4", "v6".
	Families []string `koanf:"families"`

	// Scenarios lists scenario kinds to run. Empty runs all of them.
	Scenarios []string `koanf:"scenarios"`

	// Iterations is the number of rebindings of LocalPathChanges.
	Iterations int `koanf:"iterations"`

	// KeepAlive is the keep-alive interval of the migration scenarios.
	KeepAlive time.Duration `koanf:"keep_alive"`

	// Parallel is the number of cases run concurrently.
	Parallel int `koanf:"parallel"`
}

// ParsedFamilies returns the configured families.
func (sc SuiteConfig) ParsedFamilies() ([]transport.Family, error) {
	out := make([]transport.Family, 0, len(sc.Families))
	for _, s := range sc.Families {
		f, err := transport.ParseFamily(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFamily, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// ParsedScenarios returns the configured scenario kinds.
func (sc SuiteConfig) ParsedScenarios() ([]scenario.Kind, error) {
	out := make([]scenario.Kind, 0, len(sc.Scenarios))
	for _, s := range sc.Scenarios {
		k, err := scenario.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	t := scenario.DefaultTimeouts()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Stack: StackConfig{
			Kind:             StackSimnet,
			Platform:         "host",
			Tick:             simnet.DefaultTick,
			ProbeInterval:    simnet.DefaultProbeInterval,
			MaxProbeAttempts: simnet.DefaultMaxProbeAttempts,
		},
		Timeouts: TimeoutsConfig{
			Base:                t.Base,
			PeerAddressChange:   t.PeerAddressChange,
			ProbeMultiplier:     t.ProbeMultiplier,
			MultiPathMultiplier: t.MultiPathMultiplier,
			FailedProbeWindow:   t.FailedProbeWindow,
			ConfirmationDelay:   t.ConfirmationDelay,
			StreamCount:         t.StreamCount,
		},
		Retry: RetryConfig{
			MaxAttempts: addralloc.DefaultMaxAttempts,
		},
		Suite: SuiteConfig{
			Families:   []string{"v4", "v6"},
			Iterations: scenario.DefaultIterations,
			KeepAlive:  scenario.DefaultKeepAlive,
			Parallel:   1,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for quicmig configuration.
// Variables are named QUICMIG_<section>_<key>, e.g., QUICMIG_LOG_LEVEL.
const envPrefix = "QUICMIG_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (QUICMIG_ prefix), and merges on top of
// DefaultConfig(). An empty path skips the file layer.
//
// Environment variable mapping:
//
//	QUICMIG_LOG_LEVEL           -> log.level
//	QUICMIG_METRICS_ADDR        -> metrics.addr
//	QUICMIG_STACK_KIND          -> stack.kind
//	QUICMIG_TIMEOUTS_BASE       -> timeouts.base
//	QUICMIG_RETRY_MAX_ATTEMPTS  -> retry.max_attempts
//	QUICMIG_SUITE_ITERATIONS    -> suite.iterations
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms QUICMIG_RETRY_MAX_ATTEMPTS -> retry.max_attempts.
// The first underscore separates the section; the rest belong to the key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"stack.kind":                    defaults.Stack.Kind,
		"stack.platform":                defaults.Stack.Platform,
		"stack.tick":                    defaults.Stack.Tick.String(),
		"stack.probe_interval":          defaults.Stack.ProbeInterval.String(),
		"stack.max_probe_attempts":      defaults.Stack.MaxProbeAttempts,
		"timeouts.base":                 defaults.Timeouts.Base.String(),
		"timeouts.peer_address_change":  defaults.Timeouts.PeerAddressChange.String(),
		"timeouts.probe_multiplier":     defaults.Timeouts.ProbeMultiplier,
		"timeouts.multipath_multiplier": defaults.Timeouts.MultiPathMultiplier,
		"timeouts.failed_probe_window":  defaults.Timeouts.FailedProbeWindow.String(),
		"timeouts.confirmation_delay":   defaults.Timeouts.ConfirmationDelay.String(),
		"timeouts.stream_count":         defaults.Timeouts.StreamCount.String(),
		"retry.max_attempts":            defaults.Retry.MaxAttempts,
		"suite.families":                defaults.Suite.Families,
		"suite.iterations":              defaults.Suite.Iterations,
		"suite.keep_alive":              defaults.Suite.KeepAlive.String(),
		"suite.parallel":                defaults.Suite.Parallel,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrInvalidStackKind indicates an unrecognized stack.
	ErrInvalidStackKind = errors.New("stack.kind must be simnet or quicgo")

	// ErrInvalidPlatform indicates an unrecognized platform.
	ErrInvalidPlatform = errors.New("stack.platform must be host, posix or windows")

	// ErrInvalidStackTiming indicates a non-positive simulated timer.
	ErrInvalidStackTiming = errors.New("stack.tick, stack.probe_interval and stack.max_probe_attempts must be > 0")

	// ErrInvalidTimeout indicates a non-positive scenario timeout.
	ErrInvalidTimeout = errors.New("timeouts must be > 0")

	// ErrInvalidMaxAttempts indicates a retry bound below one.
	ErrInvalidMaxAttempts = errors.New("retry.max_attempts must be >= 1")

	// ErrInvalidFamily indicates an unrecognized address family.
	ErrInvalidFamily = errors.New("suite.families entries must be v4 or v6")

	// ErrNoFamilies indicates an empty family list.
	ErrNoFamilies = errors.New("suite.families must not be empty")

	// ErrInvalidScenario indicates an unrecognized scenario kind.
	ErrInvalidScenario = errors.New("suite.scenarios entry is not a scenario kind")

	// ErrInvalidIterations indicates a non-positive iteration count.
	ErrInvalidIterations = errors.New("suite.iterations must be >= 1")

	// ErrInvalidParallel indicates a non-positive parallelism.
	ErrInvalidParallel = errors.New("suite.parallel must be >= 1")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if f := strings.ToLower(cfg.Log.Format); f != "json" && f != "text" {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if err := validateStack(cfg.Stack); err != nil {
		return err
	}

	if err := validateTimeouts(cfg.Timeouts); err != nil {
		return err
	}

	if cfg.Retry.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}

	return validateSuite(cfg.Suite)
}

func validateStack(sc StackConfig) error {
	if sc.Kind != StackSimnet && sc.Kind != StackQUICGo {
		return fmt.Errorf("stack.kind %q: %w", sc.Kind, ErrInvalidStackKind)
	}
	if _, err := transport.ParsePlatform(sc.Platform); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlatform, err)
	}
	if sc.Tick <= 0 || sc.ProbeInterval <= 0 || sc.MaxProbeAttempts <= 0 {
		return ErrInvalidStackTiming
	}
	return nil
}

func validateTimeouts(tc TimeoutsConfig) error {
	durations := map[string]time.Duration{
		"base":                tc.Base,
		"peer_address_change": tc.PeerAddressChange,
		"failed_probe_window": tc.FailedProbeWindow,
		"confirmation_delay":  tc.ConfirmationDelay,
		"stream_count":        tc.StreamCount,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s = %s: %w", name, d, ErrInvalidTimeout)
		}
	}
	if tc.ProbeMultiplier < 1 || tc.MultiPathMultiplier < 1 {
		return fmt.Errorf("timeouts multipliers: %w", ErrInvalidTimeout)
	}
	return nil
}

func validateSuite(sc SuiteConfig) error {
	if len(sc.Families) == 0 {
		return ErrNoFamilies
	}
	if _, err := sc.ParsedFamilies(); err != nil {
		return err
	}
	if _, err := sc.ParsedScenarios(); err != nil {
		return err
	}
	if sc.Iterations < 1 {
		return ErrInvalidIterations
	}
	if sc.KeepAlive <= 0 {
		return fmt.Errorf("suite.keep_alive = %s: %w", sc.KeepAlive, ErrInvalidTimeout)
	}
	if sc.Parallel < 1 {
		return ErrInvalidParallel
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
