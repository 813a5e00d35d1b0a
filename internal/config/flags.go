package config

import (
	"flag"

	"github.com/dmitrijs2005/blobsync/internal/flagx"
)

// ValueFlags and BoolFlags are the flags owned by this package; the CLI uses
// them to find its positional arguments.
var (
	engineFlags = []string{"-r", "-t", "-d", "-q", "-s", "-b", "-p", "-u", "-m", "-l"}
	ValueFlags  = append(append([]string{}, engineFlags...), "-c", "-config")
	BoolFlags   = []string{"-delayed"}
)

// parseFlags populates selected Config fields from command-line flags.
// Panics on malformed values.
func parseFlags(cfg *Config, args []string) {
	filtered := flagx.FilterArgsWithBools(args, engineFlags, BoolFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.RelayURL, "r", cfg.RelayURL, "relay base URL")
	fs.StringVar(&cfg.AuthToken, "t", cfg.AuthToken, "relay bearer token")
	fs.StringVar(&cfg.CacheDir, "d", cfg.CacheDir, "cache root directory")
	fs.StringVar(&cfg.QuarantineDir, "q", cfg.QuarantineDir, "quarantine root directory")
	fs.IntVar(&cfg.DownloadSlots, "s", cfg.DownloadSlots, "download slots (0 = auto)")
	fs.Int64Var(&cfg.BandwidthLimit, "b", cfg.BandwidthLimit, "total download bandwidth limit in bytes/s (0 = unlimited)")
	fs.IntVar(&cfg.DownloadParallelism, "p", cfg.DownloadParallelism, "fixed download parallelism (0 = adaptive)")
	fs.IntVar(&cfg.UploadParallelism, "u", cfg.UploadParallelism, "maximum upload parallelism (0 = auto)")
	fs.StringVar(&cfg.MetricsAddr, "m", cfg.MetricsAddr, "metrics listen address")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.DelayedActivation, "delayed", cfg.DelayedActivation, "delay soft-delayed files until the host is safe")

	if err := fs.Parse(filtered); err != nil {
		panic(err)
	}
}
