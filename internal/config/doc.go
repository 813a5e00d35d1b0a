// Package config loads runtime configuration for the blobsync engine and CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c or -config.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-r string   relay base URL
//	-t string   bearer token for the relay
//	-d string   cache root directory
//	-q string   quarantine root directory
//	-s int      download slots (0 = derived from CPU count)
//	-b int      total download bandwidth limit, bytes/s (0 = unlimited)
//	-p int      fixed download parallelism (0 = adaptive)
//	-u int      maximum upload parallelism (0 = derived from CPU count)
//	-m string   address for the /metrics endpoint ("" = disabled)
//	-l string   log level
//	-delayed    enable delayed activation for soft-delayed files
//
// # JSON schema
//
// Durations accept strings like "3s" or integer nanoseconds:
//
//	{
//	  "relay_url": "https://relay.example",
//	  "cache_dir": "/var/cache/blobsync",
//	  "tick_interval": "100ms",
//	  "safety_quiet_period": "2s"
//	}
package config
