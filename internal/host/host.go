// Package host describes what the engine needs from the application it is
// embedded in: a safe-to-mutate signal, the set of live entities and a way
// to ask an entity to redraw.
package host

import (
	"context"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/logging"
)

// EntityID identifies a live entity. It is opaque to the engine.
type EntityID string

type Host interface {
	// IsSafe reports whether files the consumer may have open can be
	// replaced now. idle is how long the host must have been idle;
	// zoneChangeOnly restricts mutations to zone transitions.
	IsSafe(idle time.Duration, zoneChangeOnly bool) bool
	// LiveEntities returns the entities currently alive.
	LiveEntities() []EntityID
	// Redraw asks an entity to reload its assets.
	Redraw(ctx context.Context, id EntityID)
}

// Headless is a Host without a consumer: it is always safe and has no
// entities.
type Headless struct {
	Log logging.Logger
}

func (Headless) IsSafe(time.Duration, bool) bool { return true }

func (Headless) LiveEntities() []EntityID { return nil }

func (h Headless) Redraw(ctx context.Context, id EntityID) {
	if h.Log != nil {
		h.Log.Debug(ctx, "redraw requested", "entity", id)
	}
}
