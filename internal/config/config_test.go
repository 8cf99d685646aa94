package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"log/slog"

	"github.com/rist-bonding/dispatcherd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Control.Addr != ":7600" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, ":7600")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Ingest.Addr != "127.0.0.1:6000" {
		t.Errorf("Ingest.Addr = %q, want %q", cfg.Ingest.Addr, "127.0.0.1:6000")
	}
	if cfg.Tuning.Strategy != "ewma" {
		t.Errorf("Tuning.Strategy = %q, want %q", cfg.Tuning.Strategy, "ewma")
	}
	if cfg.Tuning.Scheduler != "swrr" {
		t.Errorf("Tuning.Scheduler = %q, want %q", cfg.Tuning.Scheduler, "swrr")
	}
	if cfg.Tuning.QuantumBytes != 1500 {
		t.Errorf("Tuning.QuantumBytes = %d, want 1500", cfg.Tuning.QuantumBytes)
	}
	if cfg.RateCtl.Enabled {
		t.Error("RateCtl.Enabled should default false")
	}
}

func TestTuningConfigRoundTrip(t *testing.T) {
	t.Parallel()

	tc := config.DefaultConfig().Tuning
	tuning, err := tc.ToTuning()
	if err != nil {
		t.Fatalf("ToTuning: %v", err)
	}
	if tuning.Strategy.String() != "ewma" {
		t.Errorf("Strategy = %v, want ewma", tuning.Strategy)
	}
	if tuning.Scheduler.String() != "swrr" {
		t.Errorf("Scheduler = %v, want swrr", tuning.Scheduler)
	}
}

func TestTuningConfigInvalidStrategy(t *testing.T) {
	t.Parallel()

	tc := config.DefaultConfig().Tuning
	tc.Strategy = "bogus"
	if _, err := tc.ToTuning(); err == nil {
		t.Fatal("ToTuning: expected error for unknown strategy, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	validLinks := []config.LinkConfig{{ID: "primary", RemoteAddr: "198.51.100.1", RemotePort: 5000}}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "valid",
			mutate:  func(c *config.Config) { c.Links = validLinks },
			wantErr: nil,
		},
		{
			name:    "empty control addr",
			mutate:  func(c *config.Config) { c.Links = validLinks; c.Control.Addr = "" },
			wantErr: config.ErrEmptyControlAddr,
		},
		{
			name:    "no links",
			mutate:  func(c *config.Config) {},
			wantErr: config.ErrNoLinks,
		},
		{
			name: "duplicate link id",
			mutate: func(c *config.Config) {
				c.Links = []config.LinkConfig{
					{ID: "a", RemoteAddr: "198.51.100.1"},
					{ID: "a", RemoteAddr: "198.51.100.2"},
				}
			},
			wantErr: config.ErrInvalidLinkID,
		},
		{
			name: "empty remote addr",
			mutate: func(c *config.Config) {
				c.Links = []config.LinkConfig{{ID: "a", RemoteAddr: ""}}
			},
			wantErr: config.ErrInvalidRemoteAddr,
		},
		{
			name: "max link share out of range",
			mutate: func(c *config.Config) {
				c.Links = validLinks
				c.Tuning.MaxLinkShare = 1.5
			},
			wantErr: config.ErrInvalidMaxLinkShare,
		},
		{
			name: "quantum not positive",
			mutate: func(c *config.Config) {
				c.Links = validLinks
				c.Tuning.QuantumBytes = 0
			},
			wantErr: config.ErrInvalidQuantumBytes,
		},
		{
			name: "ratectl bounds inverted",
			mutate: func(c *config.Config) {
				c.Links = validLinks
				c.RateCtl.Enabled = true
				c.RateCtl.MinKbps = 9000
				c.RateCtl.MaxKbps = 1000
			},
			wantErr: config.ErrInvalidRateCtlBounds,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := config.Validate(cfg)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want %v", tt.wantErr)
			}
		})
	}
}

func TestValidateClampsOutOfRangeTuning(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Links = []config.LinkConfig{{ID: "primary", RemoteAddr: "198.51.100.1"}}
	cfg.Tuning.ProbeRatio = 5
	cfg.Tuning.EWMARtxPenalty = -1

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() = %v, want nil (clamped, not rejected)", err)
	}
	if cfg.Tuning.ProbeRatio != 0.5 {
		t.Errorf("ProbeRatio = %v, want clamped to 0.5", cfg.Tuning.ProbeRatio)
	}
	if cfg.Tuning.EWMARtxPenalty != 0 {
		t.Errorf("EWMARtxPenalty = %v, want clamped to 0", cfg.Tuning.EWMARtxPenalty)
	}
}

func TestLoadFromYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ristdispatchd.yaml")

	yamlBody := `
control:
  addr: ":7700"
tuning:
  strategy: "aimd"
links:
  - id: primary
    remote_addr: "198.51.100.1"
    remote_port: 5000
  - id: backup
    remote_addr: "198.51.100.2"
    remote_port: 5001
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	t.Setenv("RISTD_TUNING__MIN_HOLD_MS", "250")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Control.Addr != ":7700" {
		t.Errorf("Control.Addr = %q, want %q (from file)", cfg.Control.Addr, ":7700")
	}
	if cfg.Tuning.Strategy != "aimd" {
		t.Errorf("Tuning.Strategy = %q, want %q (from file)", cfg.Tuning.Strategy, "aimd")
	}
	if cfg.Tuning.MinHoldMS != 250 {
		t.Errorf("Tuning.MinHoldMS = %d, want 250 (from env)", cfg.Tuning.MinHoldMS)
	}
	if len(cfg.Links) != 2 {
		t.Fatalf("len(Links) = %d, want 2", len(cfg.Links))
	}
	// Untouched fields should still carry their defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/ristdispatchd.yaml"); err == nil {
		t.Fatal("Load: expected error for missing file, got nil")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
