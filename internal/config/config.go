// Package config manages ristdispatchd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
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

	"github.com/rist-bonding/dispatcherd/internal/dispatcher"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete ristdispatchd configuration.
type Config struct {
	Control ControlConfig `koanf:"control"`
	Metrics MetricsConfig `koanf:"metrics"`
	Ingest  IngestConfig  `koanf:"ingest"`
	Log     LogConfig     `koanf:"log"`
	Tuning  TuningConfig  `koanf:"tuning"`
	RateCtl RateCtlConfig `koanf:"ratectl"`
	Links   []LinkConfig  `koanf:"links"`
}

// IngestConfig holds the compound source's inbound UDP listening address:
// the local application delivering packets to be bonded across Links,
// analogous to the upstream producer driving the reference dispatcher's
// sink pad chain function.
type IngestConfig struct {
	// Addr is the local UDP listen address, e.g. "127.0.0.1:6000".
	Addr string `koanf:"addr"`
}

// ControlConfig holds the HTTP control-API server configuration.
type ControlConfig struct {
	// Addr is the control API listen address (e.g., ":7600").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// TuningConfig mirrors dispatcher.Tuning with koanf tags matching every
// spec.md §6 property name, so it can be loaded from YAML/env and handed
// to dispatcher.WithTuning after parsing.
type TuningConfig struct {
	RebalanceIntervalMS int64   `koanf:"rebalance_interval_ms"`
	Strategy            string  `koanf:"strategy"`
	Scheduler           string  `koanf:"scheduler"`
	QuantumBytes        int64   `koanf:"quantum_bytes"`
	MinHoldMS           int64   `koanf:"min_hold_ms"`
	SwitchThreshold     float64 `koanf:"switch_threshold"`
	HealthWarmupMS      int64   `koanf:"health_warmup_ms"`
	DuplicateKeyframe   bool    `koanf:"duplicate_keyframes"`
	DupBudgetPPS        int     `koanf:"dup_budget_pps"`
	AutoBalance         bool    `koanf:"auto_balance"`
	MetricsIntervalMS   int64   `koanf:"metrics_export_interval_ms"`
	EWMARtxPenalty      float64 `koanf:"ewma_rtx_penalty"`
	EWMARttPenalty      float64 `koanf:"ewma_rtt_penalty"`
	AIMDRtxThreshold    float64 `koanf:"aimd_rtx_threshold"`
	ProbeRatio          float64 `koanf:"probe_ratio"`
	MaxLinkShare        float64 `koanf:"max_link_share"`
	ProbeBoost          float64 `koanf:"probe_boost"`
	ProbePeriodMS       int64   `koanf:"probe_period_ms"`
}

// ToTuning converts the loaded configuration into a dispatcher.Tuning,
// parsing the strategy/scheduler strings.
func (tc TuningConfig) ToTuning() (dispatcher.Tuning, error) {
	strategy, err := dispatcher.ParseStrategy(tc.Strategy)
	if err != nil {
		return dispatcher.Tuning{}, err
	}
	scheduler, err := dispatcher.ParseScheduler(tc.Scheduler)
	if err != nil {
		return dispatcher.Tuning{}, err
	}
	return dispatcher.Tuning{
		RebalanceInterval: time.Duration(tc.RebalanceIntervalMS) * time.Millisecond,
		Strategy:          strategy,
		Scheduler:         scheduler,
		QuantumBytes:      tc.QuantumBytes,
		MinHold:           time.Duration(tc.MinHoldMS) * time.Millisecond,
		SwitchThreshold:   tc.SwitchThreshold,
		HealthWarmup:      time.Duration(tc.HealthWarmupMS) * time.Millisecond,
		DuplicateKeyframe: tc.DuplicateKeyframe,
		DupBudgetPPS:      tc.DupBudgetPPS,
		AutoBalance:       tc.AutoBalance,
		MetricsInterval:   time.Duration(tc.MetricsIntervalMS) * time.Millisecond,
		EWMARtxPenalty:    tc.EWMARtxPenalty,
		EWMARttPenalty:    tc.EWMARttPenalty,
		AIMDRtxThreshold:  tc.AIMDRtxThreshold,
		ProbeRatio:        tc.ProbeRatio,
		MaxLinkShare:      tc.MaxLinkShare,
		ProbeBoost:        tc.ProbeBoost,
		ProbePeriod:       time.Duration(tc.ProbePeriodMS) * time.Millisecond,
	}, nil
}

// tuningFromDefault seeds a TuningConfig from dispatcher.DefaultTuning(),
// used as the base layer koanf loads YAML/env on top of.
func tuningFromDefault() TuningConfig {
	d := dispatcher.DefaultTuning()
	return TuningConfig{
		RebalanceIntervalMS: d.RebalanceInterval.Milliseconds(),
		Strategy:            d.Strategy.String(),
		Scheduler:           d.Scheduler.String(),
		QuantumBytes:        d.QuantumBytes,
		MinHoldMS:           d.MinHold.Milliseconds(),
		SwitchThreshold:     d.SwitchThreshold,
		HealthWarmupMS:      d.HealthWarmup.Milliseconds(),
		DuplicateKeyframe:   d.DuplicateKeyframe,
		DupBudgetPPS:        d.DupBudgetPPS,
		AutoBalance:         d.AutoBalance,
		MetricsIntervalMS:   d.MetricsInterval.Milliseconds(),
		EWMARtxPenalty:      d.EWMARtxPenalty,
		EWMARttPenalty:      d.EWMARttPenalty,
		AIMDRtxThreshold:    d.AIMDRtxThreshold,
		ProbeRatio:          d.ProbeRatio,
		MaxLinkShare:        d.MaxLinkShare,
		ProbeBoost:          d.ProbeBoost,
		ProbePeriodMS:       d.ProbePeriod.Milliseconds(),
	}
}

// RateCtlConfig mirrors ratectl.Config with koanf tags.
type RateCtlConfig struct {
	MinKbps          uint32  `koanf:"min_kbps"`
	MaxKbps          uint32  `koanf:"max_kbps"`
	StepKbps         uint32  `koanf:"step_kbps"`
	TargetLossPct    float64 `koanf:"target_loss_pct"`
	RTTFloorMS       uint64  `koanf:"rtt_floor_ms"`
	DownscaleKeyunit bool    `koanf:"downscale_keyunit"`
	TickIntervalMS   int64   `koanf:"tick_interval_ms"`
	RateLimitMS      int64   `koanf:"rate_limit_ms"`
	EncoderProperty  string  `koanf:"encoder_property"`
	Enabled          bool    `koanf:"enabled"`
}

// LinkConfig describes one declarative bonded output link from the
// configuration file. Each entry creates an output link on daemon startup.
type LinkConfig struct {
	// ID is a stable identifier (e.g. "primary", "lte0").
	ID string `koanf:"id"`
	// LocalAddr is the address to bind the sending socket to.
	LocalAddr string `koanf:"local_addr"`
	// RemoteAddr and RemotePort address the RIST receiver for this link.
	RemoteAddr string `koanf:"remote_addr"`
	RemotePort uint16 `koanf:"remote_port"`
	// Interface, if non-empty, binds the socket to this egress NIC via
	// SO_BINDTODEVICE.
	Interface string `koanf:"interface"`
	// DFBit sets the Don't Fragment bit.
	DFBit bool `koanf:"df_bit"`
	// InitialWeight seeds the link's share before the first rebalance.
	InitialWeight float64 `koanf:"initial_weight"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Addr: ":7600",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Ingest: IngestConfig{
			Addr: "127.0.0.1:6000",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tuning:  tuningFromDefault(),
		RateCtl: defaultRateCtl(),
	}
}

func defaultRateCtl() RateCtlConfig {
	return RateCtlConfig{
		MinKbps:          500,
		MaxKbps:          8000,
		StepKbps:         250,
		TargetLossPct:    0.5,
		RTTFloorMS:       40,
		DownscaleKeyunit: false,
		TickIntervalMS:   750,
		RateLimitMS:      1200,
		EncoderProperty:  "bitrate",
		Enabled:          false,
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for ristdispatchd
// configuration. Variables are named RISTD_<section>__<key>, e.g.
// RISTD_CONTROL__ADDR; the double underscore is the nesting delimiter that
// envKeyMapper rewrites to ".".
const envPrefix = "RISTD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RISTD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms RISTD_CONTROL__ADDR -> control.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.addr":                      defaults.Control.Addr,
		"metrics.addr":                      defaults.Metrics.Addr,
		"metrics.path":                      defaults.Metrics.Path,
		"ingest.addr":                       defaults.Ingest.Addr,
		"log.level":                         defaults.Log.Level,
		"log.format":                        defaults.Log.Format,
		"tuning.rebalance_interval_ms":      defaults.Tuning.RebalanceIntervalMS,
		"tuning.strategy":                   defaults.Tuning.Strategy,
		"tuning.scheduler":                  defaults.Tuning.Scheduler,
		"tuning.quantum_bytes":              defaults.Tuning.QuantumBytes,
		"tuning.min_hold_ms":                defaults.Tuning.MinHoldMS,
		"tuning.switch_threshold":           defaults.Tuning.SwitchThreshold,
		"tuning.health_warmup_ms":           defaults.Tuning.HealthWarmupMS,
		"tuning.duplicate_keyframes":        defaults.Tuning.DuplicateKeyframe,
		"tuning.dup_budget_pps":             defaults.Tuning.DupBudgetPPS,
		"tuning.auto_balance":               defaults.Tuning.AutoBalance,
		"tuning.metrics_export_interval_ms": defaults.Tuning.MetricsIntervalMS,
		"tuning.ewma_rtx_penalty":           defaults.Tuning.EWMARtxPenalty,
		"tuning.ewma_rtt_penalty":           defaults.Tuning.EWMARttPenalty,
		"tuning.aimd_rtx_threshold":         defaults.Tuning.AIMDRtxThreshold,
		"tuning.probe_ratio":                defaults.Tuning.ProbeRatio,
		"tuning.max_link_share":             defaults.Tuning.MaxLinkShare,
		"tuning.probe_boost":                defaults.Tuning.ProbeBoost,
		"tuning.probe_period_ms":            defaults.Tuning.ProbePeriodMS,
		"ratectl.min_kbps":                  defaults.RateCtl.MinKbps,
		"ratectl.max_kbps":                  defaults.RateCtl.MaxKbps,
		"ratectl.step_kbps":                 defaults.RateCtl.StepKbps,
		"ratectl.target_loss_pct":           defaults.RateCtl.TargetLossPct,
		"ratectl.rtt_floor_ms":              defaults.RateCtl.RTTFloorMS,
		"ratectl.downscale_keyunit":         defaults.RateCtl.DownscaleKeyunit,
		"ratectl.tick_interval_ms":          defaults.RateCtl.TickIntervalMS,
		"ratectl.rate_limit_ms":             defaults.RateCtl.RateLimitMS,
		"ratectl.encoder_property":          defaults.RateCtl.EncoderProperty,
		"ratectl.enabled":                   defaults.RateCtl.Enabled,
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
	// ErrEmptyControlAddr indicates the control API listen address is empty.
	ErrEmptyControlAddr = errors.New("control.addr must not be empty")

	// ErrEmptyIngestAddr indicates the inbound packet-ingest listen address
	// is empty.
	ErrEmptyIngestAddr = errors.New("ingest.addr must not be empty")

	// ErrNoLinks indicates no output links were declared.
	ErrNoLinks = errors.New("at least one link must be configured")

	// ErrInvalidLinkID indicates a link has an empty or duplicate id.
	ErrInvalidLinkID = errors.New("link id must be non-empty and unique")

	// ErrInvalidRemoteAddr indicates a link has no remote address configured.
	ErrInvalidRemoteAddr = errors.New("link remote_addr must not be empty")

	// ErrInvalidMaxLinkShare indicates max_link_share is out of (0, 1].
	ErrInvalidMaxLinkShare = errors.New("tuning.max_link_share must be in (0, 1]")

	// ErrInvalidQuantumBytes indicates quantum_bytes is not positive.
	ErrInvalidQuantumBytes = errors.New("tuning.quantum_bytes must be > 0")

	// ErrInvalidRateCtlBounds indicates ratectl min/max/step are inconsistent.
	ErrInvalidRateCtlBounds = errors.New("ratectl.min_kbps must be < max_kbps and step_kbps must be > 0")
)

// Validate checks the configuration for logical errors, clamping where the
// spec.md §6 property table defines a valid range rather than rejecting.
func Validate(cfg *Config) error {
	if cfg.Control.Addr == "" {
		return ErrEmptyControlAddr
	}
	if cfg.Ingest.Addr == "" {
		return ErrEmptyIngestAddr
	}

	if len(cfg.Links) == 0 {
		return ErrNoLinks
	}
	if err := validateLinks(cfg.Links); err != nil {
		return err
	}

	if _, err := cfg.Tuning.ToTuning(); err != nil {
		return err
	}
	if cfg.Tuning.MaxLinkShare <= 0 || cfg.Tuning.MaxLinkShare > 1 {
		return ErrInvalidMaxLinkShare
	}
	if cfg.Tuning.QuantumBytes <= 0 {
		return ErrInvalidQuantumBytes
	}
	clampTuning(&cfg.Tuning)

	if cfg.RateCtl.Enabled {
		if cfg.RateCtl.MinKbps >= cfg.RateCtl.MaxKbps || cfg.RateCtl.StepKbps == 0 {
			return ErrInvalidRateCtlBounds
		}
	}

	return nil
}

// clampTuning bounds percentage-like knobs into their spec.md §6 ranges
// rather than rejecting a slightly out-of-range value outright.
func clampTuning(t *TuningConfig) {
	t.ProbeRatio = clampMax(clamp01(t.ProbeRatio), 0.5)
	t.ProbeBoost = clamp01(t.ProbeBoost)
	t.EWMARtxPenalty = clampMax(clampMin(t.EWMARtxPenalty, 0), 10)
	t.EWMARttPenalty = clampMax(clampMin(t.EWMARttPenalty, 0), 10)
	t.AIMDRtxThreshold = clamp01(t.AIMDRtxThreshold)
}

func clampMax(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampMin(v, min float64) float64 {
	if v < min {
		return min
	}
	return v
}

// validateLinks checks each declarative output link for correctness.
func validateLinks(links []LinkConfig) error {
	seen := make(map[string]struct{}, len(links))
	for i, lc := range links {
		if lc.ID == "" {
			return fmt.Errorf("links[%d]: %w", i, ErrInvalidLinkID)
		}
		if _, dup := seen[lc.ID]; dup {
			return fmt.Errorf("links[%d] id %q: %w", i, lc.ID, ErrInvalidLinkID)
		}
		seen[lc.ID] = struct{}{}

		if lc.RemoteAddr == "" {
			return fmt.Errorf("links[%d] %q: %w", i, lc.ID, ErrInvalidRemoteAddr)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
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
