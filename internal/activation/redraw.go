package activation

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/host"
)

const (
	FirstRedrawDelay = 250 * time.Millisecond
	RedrawInterval   = 900 * time.Millisecond
	RedrawQuiet      = 1200 * time.Millisecond
	RedrawForget     = 30 * time.Second
)

type redrawState struct {
	firstTouch      time.Time
	lastTouch       time.Time
	lastRedraw      time.Time
	nextRedraw      time.Time
	firstRedrawDone bool
}

// RedrawDebouncer coalesces "your files changed" touches per entity into a
// small number of redraws.
type RedrawDebouncer struct {
	mu     sync.Mutex
	states map[host.EntityID]*redrawState
}

func NewRedrawDebouncer() *RedrawDebouncer {
	return &RedrawDebouncer{states: make(map[host.EntityID]*redrawState)}
}

// Touch records that id had a file promoted at now.
func (d *RedrawDebouncer) Touch(id host.EntityID, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[id]; ok {
		st.lastTouch = now
		return
	}
	d.states[id] = &redrawState{
		firstTouch: now,
		lastTouch:  now,
		nextRedraw: now.Add(FirstRedrawDelay),
	}
}

// Flush returns the entities that should redraw at now. Only live entities
// are redrawn; anything untouched for RedrawForget is dropped silently.
func (d *RedrawDebouncer) Flush(now time.Time, live []host.EntityID) []host.EntityID {
	alive := make(map[host.EntityID]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []host.EntityID
	for id, st := range d.states {
		quietFor := now.Sub(st.lastTouch)
		if quietFor >= RedrawForget {
			delete(d.states, id)
			continue
		}
		if _, ok := alive[id]; !ok {
			continue
		}

		if st.firstRedrawDone && quietFor >= RedrawQuiet {
			out = append(out, id)
			delete(d.states, id)
			continue
		}

		dirty := !st.firstRedrawDone || st.lastTouch.After(st.lastRedraw)
		if dirty && !now.Before(st.nextRedraw) {
			out = append(out, id)
			st.firstRedrawDone = true
			st.lastRedraw = now
			st.nextRedraw = now.Add(RedrawInterval)
		}
	}
	return out
}

// Tracked returns how many entities have pending redraw state.
func (d *RedrawDebouncer) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}
