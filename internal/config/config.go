package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds runtime settings for the engine.
type Config struct {
	RelayURL  string
	AuthToken string

	CacheDir      string
	QuarantineDir string
	ConfigDir     string
	IndexDSN      string
	SentinelName  string

	DownloadSlots       int
	BandwidthLimit      int64
	DownloadParallelism int
	UploadParallelism   int

	DelayedActivation bool
	SafetyIdle        time.Duration
	SafetyQuietPeriod time.Duration
	ZoneChangeOnly    bool
	TickInterval      time.Duration
	ActivationBatch   int

	RequestTimeout time.Duration
	RetryBase      time.Duration

	MetricsAddr string
	LogLevel    string
}

// LoadDefaults populates c with sensible defaults rooted at the user cache
// and config directories.
func (c *Config) LoadDefaults() {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	confBase, err := os.UserConfigDir()
	if err != nil {
		confBase = base
	}

	c.RelayURL = "http://127.0.0.1:8080"
	c.CacheDir = filepath.Join(base, "blobsync", "cache")
	c.QuarantineDir = filepath.Join(base, "blobsync", "quarantine")
	c.ConfigDir = filepath.Join(confBase, "blobsync")
	c.IndexDSN = ""
	c.SentinelName = "running.sentinel"

	c.DownloadSlots = 0
	c.BandwidthLimit = 0
	c.DownloadParallelism = 0
	c.UploadParallelism = 0

	c.DelayedActivation = true
	c.SafetyIdle = 500 * time.Millisecond
	c.SafetyQuietPeriod = 2 * time.Second
	c.ZoneChangeOnly = false
	c.TickInterval = 100 * time.Millisecond
	c.ActivationBatch = 2

	c.RequestTimeout = 30 * time.Second
	c.RetryBase = 500 * time.Millisecond

	c.MetricsAddr = ""
	c.LogLevel = "info"
}

// IndexPath returns the SQLite DSN for the cache index, defaulting to a file
// in ConfigDir.
func (c *Config) IndexPath() string {
	if c.IndexDSN != "" {
		return c.IndexDSN
	}
	return filepath.Join(c.ConfigDir, "index.db")
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg, args)
	parseFlags(cfg, args)
	return cfg
}
