package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"zhype/native/timelock"
)

// Config is the daemon configuration loaded from toml.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`

	// OwnerAddress is the bech32 address allowed to use the privileged
	// operations (emergency withdraw, rate updates, pause).
	OwnerAddress string `toml:"OwnerAddress"`

	// UnstakingDelaySeconds overrides the seven-day queue maturation. Zero
	// keeps the default; it exists for test networks only.
	UnstakingDelaySeconds uint64 `toml:"UnstakingDelaySeconds"`

	TreasuryRateBps uint64 `toml:"TreasuryRateBps"`
	StakingRateBps  uint64 `toml:"StakingRateBps"`

	Oracle OracleConfig `toml:"Oracle"`
	Log    LogConfig    `toml:"Log"`
	Otel   OtelConfig   `toml:"Otel"`
}

// OracleConfig selects the display price source.
type OracleConfig struct {
	FeedURL     string `toml:"FeedURL"`
	StaticPrice string `toml:"StaticPrice"`
	CacheTTL    string `toml:"CacheTTL"`
}

// LogConfig configures the optional rotated log file.
type LogConfig struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// OtelConfig configures the OTLP exporters.
type OtelConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// Load loads the configuration from the given path, creating a commented
// default file on first run.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, cfg)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddress:         "127.0.0.1:8651",
		DataDir:               "./zhype-data",
		Environment:           "local",
		UnstakingDelaySeconds: timelock.DefaultUnstakingDelay,
		TreasuryRateBps:       500,
		StakingRateBps:        1_200,
		Oracle: OracleConfig{
			StaticPrice: "1.0",
			CacheTTL:    "30s",
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Otel: OtelConfig{
			Insecure: true,
		},
	}
}

func createDefault(path string, cfg *Config) (*Config, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("config: create directory for %s: %w", path, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	return cfg, nil
}
