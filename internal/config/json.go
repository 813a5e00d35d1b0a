package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/blobsync/internal/flagx"
	"github.com/dmitrijs2005/blobsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer fields
// distinguish "absent" from zero so a partial file only overrides what it names.
type JsonConfig struct {
	RelayURL            *string         `json:"relay_url"`
	AuthToken           *string         `json:"auth_token"`
	CacheDir            *string         `json:"cache_dir"`
	QuarantineDir       *string         `json:"quarantine_dir"`
	ConfigDir           *string         `json:"config_dir"`
	IndexDSN            *string         `json:"index_dsn"`
	DownloadSlots       *int            `json:"download_slots"`
	BandwidthLimit      *int64          `json:"bandwidth_limit"`
	DownloadParallelism *int            `json:"download_parallelism"`
	UploadParallelism   *int            `json:"upload_parallelism"`
	DelayedActivation   *bool           `json:"delayed_activation"`
	SafetyIdle          *timex.Duration `json:"safety_idle"`
	SafetyQuietPeriod   *timex.Duration `json:"safety_quiet_period"`
	ZoneChangeOnly      *bool           `json:"zone_change_only"`
	TickInterval        *timex.Duration `json:"tick_interval"`
	RequestTimeout      *timex.Duration `json:"request_timeout"`
	MetricsAddr         *string         `json:"metrics_addr"`
	LogLevel            *string         `json:"log_level"`
}

// parseJson overlays cfg with values from the JSON file named by -c/-config.
// Panics on read or unmarshal errors.
func parseJson(cfg *Config, args []string) {
	jsonConfigFile := flagx.JsonConfigFlags(args)
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.RelayURL, jc.RelayURL)
	setString(&cfg.AuthToken, jc.AuthToken)
	setString(&cfg.CacheDir, jc.CacheDir)
	setString(&cfg.QuarantineDir, jc.QuarantineDir)
	setString(&cfg.ConfigDir, jc.ConfigDir)
	setString(&cfg.IndexDSN, jc.IndexDSN)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)
	setString(&cfg.LogLevel, jc.LogLevel)

	if jc.DownloadSlots != nil {
		cfg.DownloadSlots = *jc.DownloadSlots
	}
	if jc.BandwidthLimit != nil {
		cfg.BandwidthLimit = *jc.BandwidthLimit
	}
	if jc.DownloadParallelism != nil {
		cfg.DownloadParallelism = *jc.DownloadParallelism
	}
	if jc.UploadParallelism != nil {
		cfg.UploadParallelism = *jc.UploadParallelism
	}
	if jc.DelayedActivation != nil {
		cfg.DelayedActivation = *jc.DelayedActivation
	}
	if jc.ZoneChangeOnly != nil {
		cfg.ZoneChangeOnly = *jc.ZoneChangeOnly
	}
	if jc.SafetyIdle != nil {
		cfg.SafetyIdle = jc.SafetyIdle.Duration
	}
	if jc.SafetyQuietPeriod != nil {
		cfg.SafetyQuietPeriod = jc.SafetyQuietPeriod.Duration
	}
	if jc.TickInterval != nil {
		cfg.TickInterval = jc.TickInterval.Duration
	}
	if jc.RequestTimeout != nil {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
