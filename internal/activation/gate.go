package activation

import (
	"time"

	"github.com/dmitrijs2005/blobsync/internal/host"
)

// SafetyGate decides whether quarantined files may be promoted on this tick:
// the host must report safe, and must have done so continuously for at
// least the quiet period.
type SafetyGate struct {
	host           host.Host
	idle           time.Duration
	zoneChangeOnly bool
	quiet          time.Duration
	lastUnsafe     time.Time
}

func NewSafetyGate(h host.Host, idle time.Duration, zoneChangeOnly bool, quiet time.Duration) *SafetyGate {
	return &SafetyGate{host: h, idle: idle, zoneChangeOnly: zoneChangeOnly, quiet: quiet}
}

// Allow is called once per tick.
func (g *SafetyGate) Allow(now time.Time) bool {
	if !g.host.IsSafe(g.idle, g.zoneChangeOnly) {
		g.lastUnsafe = now
		return false
	}
	if !g.lastUnsafe.IsZero() && now.Sub(g.lastUnsafe) < g.quiet {
		return false
	}
	return true
}
