package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures the synced account, remote API tuning, sync cadence, and where things are stored.
type Config struct {
	Account     AccountConfig     `yaml:"account"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Remote      RemoteConfig      `yaml:"remote"`
	Sync        SyncConfig        `yaml:"sync"`
	Aggregate   AggregateConfig   `yaml:"aggregate"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Web         WebConfig         `yaml:"web"`
}

type AccountConfig struct {
	// Handle or DID of the account to sync
	Identity string `yaml:"identity"`
}

type CredentialsConfig struct {
	// XRPC access token. If empty, read from env DRIFTWIRE_ACCESS_TOKEN
	AccessToken string `yaml:"accessToken"`
}

// ClassLimit is the token bucket for one endpoint class.
type ClassLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type RemoteConfig struct {
	BaseURL       string     `yaml:"baseURL"`
	Profile       ClassLimit `yaml:"profile"`
	Feed          ClassLimit `yaml:"feed"`
	Interaction   ClassLimit `yaml:"interaction"`
	MaxAttempts   int        `yaml:"maxAttempts"`
	BaseBackoffMs int        `yaml:"baseBackoffMs"`
}

type SyncConfig struct {
	PageSize             int           `yaml:"pageSize"`
	PageDelay            time.Duration `yaml:"pageDelay"`
	FlushEvery           int           `yaml:"flushEvery"`
	EngagementWindowDays int           `yaml:"engagementWindowDays"`
	TopPosts             int           `yaml:"topPosts"`
	EngagerCap           int           `yaml:"engagerCap"`
	Interval             time.Duration `yaml:"interval"`
	StaleMinutes         int           `yaml:"staleMinutes"`
}

type AggregateConfig struct {
	Window time.Duration `yaml:"window"`
}

type StorageConfig struct {
	DBPath string `yaml:"dbPath"`
	// Flat JSON cache from older versions, imported once then removed
	LegacyPath string `yaml:"legacyPath"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type WebConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Remote: RemoteConfig{
			BaseURL:       "https://public.api.bsky.app/xrpc",
			Profile:       ClassLimit{RPS: 1, Burst: 5},
			Feed:          ClassLimit{RPS: 2, Burst: 10},
			Interaction:   ClassLimit{RPS: 3, Burst: 10},
			MaxAttempts:   5,
			BaseBackoffMs: 500,
		},
		Sync: SyncConfig{
			PageSize:             100,
			PageDelay:            250 * time.Millisecond,
			FlushEvery:           500,
			EngagementWindowDays: 30,
			TopPosts:             20,
			EngagerCap:           100,
			Interval:             15 * time.Minute,
			StaleMinutes:         5,
		},
		Aggregate: AggregateConfig{Window: 5 * time.Minute},
		Storage:   StorageConfig{DBPath: "./driftwire.db", LegacyPath: "./driftwire-cache.json"},
		Logging:   LoggingConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3},
		Web:       WebConfig{Addr: "127.0.0.1:8787"},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Credentials.AccessToken == "" {
		c.Credentials.AccessToken = os.Getenv("DRIFTWIRE_ACCESS_TOKEN")
	}
	if c.Account.Identity == "" {
		c.Account.Identity = os.Getenv("DRIFTWIRE_IDENTITY")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("DRIFTWIRE_METRICS_ADDR")
	}
}

// Validate rejects settings the sync engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.dbPath is empty"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.pageSize must be positive, got %d", c.Sync.PageSize))
	}
	if c.Sync.FlushEvery <= 0 {
		errs = append(errs, fmt.Errorf("sync.flushEvery must be positive, got %d", c.Sync.FlushEvery))
	}
	if c.Sync.EngagementWindowDays < 0 || c.Sync.TopPosts < 0 || c.Sync.EngagerCap < 0 {
		errs = append(errs, errors.New("sync window, topPosts and engagerCap must not be negative"))
	}
	return errors.Join(errs...)
}

// Load reads YAML config from path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
