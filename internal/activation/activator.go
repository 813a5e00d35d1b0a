// Package activation promotes quarantined files into the live cache only
// when the host says it is safe to do so, and tells affected entities to
// redraw afterwards.
//
// A file moves Pending -> Applying -> Applied, or ends Rejected. All
// promotion work happens inside Tick, which the host calls from a single
// goroutine.
package activation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/host"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/metrics"
	"github.com/dmitrijs2005/blobsync/internal/syncmap"
)

const (
	DefaultBatch = 2
	copyBufSize  = 1 << 20
)

type State int

const (
	Pending State = iota
	Applying
	Applied
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Applying:
		return "applying"
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PendingFile is a verified file parked in quarantine, waiting to replace
// FinalPath.
type PendingFile struct {
	QuarantinePath string
	FinalPath      string
	Hash           contenthash.Hash
	HardDelay      bool
	SoftDelay      bool
	// Owner is the entity that asked for the file, if any.
	Owner host.EntityID
}

type Options struct {
	Batch          int
	Idle           time.Duration
	ZoneChangeOnly bool
	QuietPeriod    time.Duration
}

// TickResult counts what a single Tick did.
type TickResult struct {
	Applied  int
	Rejected int
	Requeued int
	Redrawn  int
}

type Activator struct {
	cache      *contentcache.Cache
	host       host.Host
	quarantine string
	batch      int
	gate       *SafetyGate
	redraw     *RedrawDebouncer

	mu      sync.Mutex
	queue   []PendingFile
	pending *syncmap.Map[contenthash.Hash, PendingFile]
	states  *syncmap.Map[contenthash.Hash, State]

	recoverOnce sync.Once

	// copyFile is swapped in tests to simulate a busy destination.
	copyFile func(src, dst string) error

	sink    events.Sink
	metrics *metrics.Metrics
	log     logging.Logger
}

func New(cache *contentcache.Cache, h host.Host, quarantineRoot string, opts Options, sink events.Sink, m *metrics.Metrics, log logging.Logger) (*Activator, error) {
	root, err := filex.EnsureDir(quarantineRoot)
	if err != nil {
		return nil, fmt.Errorf("quarantine root: %w", err)
	}
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Activator{
		cache:      cache,
		host:       h,
		quarantine: root,
		batch:      opts.Batch,
		gate:       NewSafetyGate(h, opts.Idle, opts.ZoneChangeOnly, opts.QuietPeriod),
		redraw:     NewRedrawDebouncer(),
		pending:    syncmap.New[contenthash.Hash, PendingFile](),
		states:     syncmap.New[contenthash.Hash, State](),
		copyFile: func(src, dst string) error {
			_, err := filex.CopyAtomic(src, dst, copyBufSize)
			return err
		},
		sink:    sink,
		metrics: m,
		log:     log.With("component", "activation"),
	}, nil
}

func (a *Activator) QuarantineRoot() string { return a.quarantine }

// QuarantinePathFor is where a downloaded h with extension ext is parked.
func (a *Activator) QuarantinePathFor(h contenthash.Hash, ext string) string {
	name := h.String()
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(a.quarantine, name)
}

// Enqueue adds pf to the queue and stages its hash. It reports false if the
// hash is already pending.
func (a *Activator) Enqueue(ctx context.Context, pf PendingFile) bool {
	if !a.pending.TryInsert(pf.Hash, pf) {
		return false
	}
	a.cache.Stage(pf.Hash, pf.FinalPath)
	a.states.Put(pf.Hash, Pending)

	a.mu.Lock()
	a.queue = append(a.queue, pf)
	n := len(a.queue)
	a.mu.Unlock()

	a.metrics.Pending(n)
	a.log.Debug(ctx, "file quarantined", "hash", pf.Hash, "final", pf.FinalPath, "hard", pf.HardDelay, "soft", pf.SoftDelay)
	return true
}

func (a *Activator) IsPending(h contenthash.Hash) bool { return a.pending.Has(h) }

// Pending returns the queue in promotion order.
func (a *Activator) Pending() []PendingFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PendingFile(nil), a.queue...)
}

// State returns the last known state of h.
func (a *Activator) State(h contenthash.Hash) (State, bool) {
	return a.states.Get(h)
}

// Touch schedules a redraw for id without going through quarantine, for
// files that landed directly in the cache.
func (a *Activator) Touch(id host.EntityID, now time.Time) {
	if id != "" {
		a.redraw.Touch(id, now)
	}
}

// Tick runs one host tick: due redraws first, then up to Batch promotions if
// the Safety Gate allows.
func (a *Activator) Tick(ctx context.Context, now time.Time) TickResult {
	var res TickResult

	for _, id := range a.redraw.Flush(now, a.host.LiveEntities()) {
		a.host.Redraw(ctx, id)
		res.Redrawn++
	}

	if !a.gate.Allow(now) {
		return res
	}

	for _, pf := range a.dequeue(a.batch) {
		if ctx.Err() != nil {
			a.requeue(pf)
			res.Requeued++
			continue
		}
		switch a.apply(ctx, pf, now) {
		case Applied:
			res.Applied++
		case Rejected:
			res.Rejected++
		case Pending:
			res.Requeued++
		}
	}

	a.mu.Lock()
	n := len(a.queue)
	a.mu.Unlock()
	a.metrics.Pending(n)

	if res.Rejected > 0 {
		a.sink.Emit(events.Event{Kind: events.Notification, Message: "files failed activation", Count: res.Rejected})
	}
	return res
}

func (a *Activator) dequeue(n int) []PendingFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.queue) {
		n = len(a.queue)
	}
	out := append([]PendingFile(nil), a.queue[:n]...)
	a.queue = a.queue[n:]
	return out
}

func (a *Activator) requeue(pf PendingFile) {
	a.states.Put(pf.Hash, Pending)
	a.mu.Lock()
	a.queue = append(a.queue, pf)
	a.mu.Unlock()
}

func (a *Activator) apply(ctx context.Context, pf PendingFile, now time.Time) State {
	a.states.Put(pf.Hash, Applying)
	log := a.log.With("hash", pf.Hash, "final", pf.FinalPath)

	if _, ok := filex.Exists(pf.QuarantinePath); !ok {
		if got, n, err := contenthash.FromFile(pf.FinalPath); err == nil && got.Equal(pf.Hash) {
			a.cache.Adopt(ctx, pf.Hash, pf.FinalPath, n)
			return a.applied(ctx, pf, now)
		}
		log.Warn(ctx, "quarantine file missing")
		return a.reject(ctx, pf, false)
	}

	got, _, err := contenthash.FromFile(pf.QuarantinePath)
	if err != nil || !got.Equal(pf.Hash) {
		log.Warn(ctx, "quarantine file failed verification", "got", got, "err", err)
		return a.reject(ctx, pf, false)
	}

	if err := a.copyFile(pf.QuarantinePath, pf.FinalPath); err != nil {
		if filex.IsBusy(err) {
			log.Debug(ctx, "destination busy, requeued")
			a.requeue(pf)
			a.metrics.Activation(metrics.ResultRequeued)
			return Pending
		}
		log.Error(ctx, "promotion copy failed", "err", err)
		return a.reject(ctx, pf, false)
	}

	final, n, err := contenthash.FromFile(pf.FinalPath)
	if err != nil || !final.Equal(pf.Hash) {
		log.Error(ctx, "promoted file failed verification", "got", final, "err", err)
		return a.reject(ctx, pf, true)
	}

	a.cache.Adopt(ctx, pf.Hash, pf.FinalPath, n)
	return a.applied(ctx, pf, now)
}

func (a *Activator) applied(ctx context.Context, pf PendingFile, now time.Time) State {
	if err := filex.RemoveIfExists(pf.QuarantinePath); err != nil {
		a.log.Warn(ctx, "remove quarantine file failed", "path", pf.QuarantinePath, "err", err)
	}
	a.release(pf, Applied)
	a.Touch(pf.Owner, now)
	a.metrics.Activation(metrics.ResultOK)
	a.log.Info(ctx, "file activated", "hash", pf.Hash, "path", pf.FinalPath)
	return Applied
}

func (a *Activator) reject(ctx context.Context, pf PendingFile, removeFinal bool) State {
	if err := filex.RemoveIfExists(pf.QuarantinePath); err != nil {
		a.log.Warn(ctx, "remove quarantine file failed", "path", pf.QuarantinePath, "err", err)
	}
	if removeFinal {
		if err := a.cache.Remove(ctx, pf.Hash); err != nil {
			a.log.Warn(ctx, "remove rejected file failed", "path", pf.FinalPath, "err", err)
		}
		_ = filex.RemoveIfExists(pf.FinalPath)
	}
	a.release(pf, Rejected)
	a.metrics.Activation(metrics.ResultRejected)
	return Rejected
}

func (a *Activator) release(pf PendingFile, st State) {
	a.states.Put(pf.Hash, st)
	a.pending.TryRemove(pf.Hash)
	a.cache.Unstage(pf.Hash)
}
