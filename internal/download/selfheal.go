package download

import (
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	cache "github.com/patrickmn/go-cache"
)

// SelfHealPolicy tunes when a 404 is treated as a stale edge cache entry.
type SelfHealPolicy struct {
	// MissWindow is how long a 404 is remembered; a second one inside the
	// window triggers a bust.
	MissWindow time.Duration
	// Cooldown is the minimum time between two busts of the same hash.
	Cooldown time.Duration
}

func DefaultSelfHealPolicy() SelfHealPolicy {
	return SelfHealPolicy{MissWindow: 5 * time.Minute, Cooldown: 2 * time.Minute}
}

var edgeHeaders = []string{"CF-Cache-Status", "X-Cache", "Age"}

type selfHeal struct {
	mu     sync.Mutex
	misses *cache.Cache
	busts  *cache.Cache
}

func newSelfHeal(p SelfHealPolicy) *selfHeal {
	return &selfHeal{
		misses: cache.New(p.MissWindow, p.MissWindow),
		busts:  cache.New(p.Cooldown, p.Cooldown),
	}
}

// looksEdgeCached reports whether a 404 came from a CDN cache rather than
// from origin.
func looksEdgeCached(h http.Header) bool {
	for _, name := range edgeHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

// shouldBust records a 404 for h and reports whether it deserves a
// cache-busting retry.
func (s *selfHeal) shouldBust(h contenthash.Hash, hdr http.Header) bool {
	key := h.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, seen := s.misses.Get(key)
	s.misses.SetDefault(key, struct{}{})

	if _, cooling := s.busts.Get(key); cooling {
		return false
	}
	if !seen && !looksEdgeCached(hdr) {
		return false
	}
	s.busts.SetDefault(key, struct{}{})
	return true
}
