// Package download fetches content-addressed blobs from the relay, verifies
// them and lands them either directly in the cache or in quarantine for
// delayed activation.
//
// Per hash the order is strict: fetch, decode and verify, classify, place.
// A hash is in the inflight set from the moment it is returned by
// InitiateDownloadList until its transfer reaches a terminal state, so it
// is never fetched twice at once.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/activation"
	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/host"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/metrics"
	"github.com/dmitrijs2005/blobsync/internal/policy"
	"github.com/dmitrijs2005/blobsync/internal/syncmap"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
	"github.com/dmitrijs2005/blobsync/internal/validate"
	"github.com/dmitrijs2005/blobsync/internal/workers"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts = 3

	progressEvery  = 256 << 10
	prewarmTimeout = 3 * time.Second
)

// Want is a request for one blob.
type Want struct {
	Hash  contenthash.Hash
	Ext   string
	Owner host.EntityID
}

// Transfer is a blob the relay confirmed and that is now marked inflight.
type Transfer struct {
	Hash           contenthash.Hash
	ExpectedSize   int64
	Forbidden      bool
	DestinationURI string
	Ext            string
	Owner          host.EntityID
}

// Relay is the part of the relay client the engine needs.
type Relay interface {
	Sizes(ctx context.Context, hashes []contenthash.Hash) ([]transfer.SizeInfo, error)
	FetchBlob(ctx context.Context, dest string, h contenthash.Hash, opts transfer.FetchOptions) (*http.Response, transfer.Attempt, error)
	Prewarm(ctx context.Context, dest string, h contenthash.Hash) error
}

// Quarantine receives files that must wait for a safe moment.
type Quarantine interface {
	QuarantinePathFor(h contenthash.Hash, ext string) string
	Enqueue(ctx context.Context, pf activation.PendingFile) bool
	IsPending(h contenthash.Hash) bool
	Touch(id host.EntityID, now time.Time)
}

type Options struct {
	// Parallelism fixes the per-group parallelism; 0 means adaptive.
	Parallelism       int
	DelayedActivation bool
	MaxAttempts       int
	SelfHeal          SelfHealPolicy
	Prewarm           bool
}

type Engine struct {
	relay      Relay
	orch       *transfer.Orchestrator
	cache      *contentcache.Cache
	quarantine Quarantine
	pool       *workers.Pool
	opts       Options

	estimator *Estimator
	heal      *selfHeal
	inflight  *syncmap.Map[contenthash.Hash, struct{}]
	prewarmed *syncmap.Map[contenthash.Hash, struct{}]

	sink    events.Sink
	metrics *metrics.Metrics
	log     logging.Logger
}

func New(relay Relay, orch *transfer.Orchestrator, cache *contentcache.Cache, q Quarantine, pool *workers.Pool, opts Options, sink events.Sink, m *metrics.Metrics, log logging.Logger) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SelfHeal == (SelfHealPolicy{}) {
		opts.SelfHeal = DefaultSelfHealPolicy()
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		relay:      relay,
		orch:       orch,
		cache:      cache,
		quarantine: q,
		pool:       pool,
		opts:       opts,
		estimator:  NewEstimator(opts.Parallelism),
		heal:       newSelfHeal(opts.SelfHeal),
		inflight:   syncmap.New[contenthash.Hash, struct{}](),
		prewarmed:  syncmap.New[contenthash.Hash, struct{}](),
		sink:       sink,
		metrics:    m,
		log:        log.With("component", "download"),
	}
}

func (e *Engine) Estimator() *Estimator { return e.estimator }

// IsInflight reports whether h is being transferred.
func (e *Engine) IsInflight(h contenthash.Hash) bool { return e.inflight.Has(h) }

// SetBurst toggles session burst mode.
func (e *Engine) SetBurst(on bool) { e.estimator.SetBurst(on) }

// InitiateDownloadList resolves wants into transfers. Duplicates, hashes
// already staged, pending activation, inflight or present and valid in the
// cache are dropped, as are hashes the relay does not have or forbids. The
// returned hashes are marked inflight; the caller must pass them to
// Download (or Release them).
func (e *Engine) InitiateDownloadList(ctx context.Context, wants []Want) ([]Transfer, error) {
	seen := make(map[contenthash.Hash]Want, len(wants))
	order := make([]contenthash.Hash, 0, len(wants))
	for _, w := range wants {
		if _, dup := seen[w.Hash]; dup {
			continue
		}
		w.Ext = strings.ToLower(strings.TrimPrefix(w.Ext, "."))
		seen[w.Hash] = w
		if e.cache.IsStaged(w.Hash) || e.quarantine.IsPending(w.Hash) || e.inflight.Has(w.Hash) {
			continue
		}
		order = append(order, w.Hash)
	}
	if len(order) == 0 {
		return nil, nil
	}

	infos, err := e.relay.Sizes(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("initiate downloads: %w", err)
	}

	out := make([]Transfer, 0, len(infos))
	for _, info := range infos {
		w, ok := seen[info.Hash]
		if !ok {
			continue
		}
		if !info.Exists || info.Forbidden {
			e.log.Debug(ctx, "relay cannot serve hash", "hash", info.Hash, "exists", info.Exists, "forbidden", info.Forbidden)
			continue
		}
		// Claim before validating so a download finishing in between is
		// either still inflight here or already visible to Validate.
		if !e.inflight.TryInsert(info.Hash, struct{}{}) {
			continue
		}
		if e.cache.Validate(ctx, info.Hash, w.Ext, info.Size) {
			e.inflight.TryRemove(info.Hash)
			e.metrics.Download(metrics.ResultSkipped)
			continue
		}
		out = append(out, Transfer{
			Hash:           info.Hash,
			ExpectedSize:   info.Size,
			DestinationURI: info.URL,
			Ext:            w.Ext,
			Owner:          w.Owner,
		})
	}
	return out, nil
}

// Release drops the inflight marks of transfers that will not be downloaded.
func (e *Engine) Release(transfers []Transfer) {
	for _, t := range transfers {
		e.inflight.TryRemove(t.Hash)
	}
}

// Download fetches transfers group by group (one group per destination).
// Every transfer leaves the inflight set before Download returns. The error
// reports how many files failed after their retries.
func (e *Engine) Download(ctx context.Context, transfers []Transfer) error {
	var failed []error
	for _, group := range groupByDestination(transfers) {
		if err := e.runGroup(ctx, group); err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return errors.Join(failed...)
	}
	return nil
}

func groupByDestination(transfers []Transfer) [][]Transfer {
	idx := make(map[string]int)
	var groups [][]Transfer
	for _, t := range transfers {
		i, ok := idx[t.DestinationURI]
		if !ok {
			i = len(groups)
			idx[t.DestinationURI] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}

// groupStats is shared by the goroutines of one group.
type groupStats struct {
	running atomic.Int32
	peak    atomic.Int32
	bytes   atomic.Int64
	backoff atomic.Bool
}

func (s *groupStats) enter() {
	n := s.running.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (s *groupStats) leave() { s.running.Add(-1) }

func (e *Engine) runGroup(ctx context.Context, group []Transfer) error {
	par := e.estimator.For(len(group))
	e.metrics.DownloadParallelism(par)
	dest := group[0].DestinationURI
	log := e.log.With("dest", dest)
	log.Info(ctx, "download group started", "files", len(group), "parallelism", par)

	if e.opts.Prewarm {
		e.prewarm(ctx, dest, group, par)
	}

	var (
		stats  groupStats
		mu     sync.Mutex
		errs   []error
		g      errgroup.Group
		starts = time.Now()
	)
	g.SetLimit(par)
	for _, t := range group {
		g.Go(func() error {
			stats.enter()
			defer stats.leave()
			if err := e.downloadOne(ctx, t, &stats); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	_ = g.Wait()

	res := GroupResult{
		Parallelism: par,
		Peak:        int(stats.peak.Load()),
		Failed:      len(errs) > 0,
		Backoff:     stats.backoff.Load(),
		Bytes:       stats.bytes.Load(),
		Elapsed:     time.Since(starts),
	}
	if ctx.Err() == nil {
		e.estimator.Observe(res)
	}
	log.Info(ctx, "download group finished", "files", len(group), "failed", len(errs),
		"bytes", res.Bytes, "elapsed", res.Elapsed, "next_parallelism", e.estimator.Current())

	if len(errs) > 0 {
		e.sink.Emit(events.Event{Kind: events.Notification, Message: "downloads failed", Count: len(errs)})
		return fmt.Errorf("%d of %d downloads from %s failed: %w", len(errs), len(group), dest, errors.Join(errs...))
	}
	return nil
}

// prewarm probes each hash not yet probed by this engine, best effort.
func (e *Engine) prewarm(ctx context.Context, dest string, group []Transfer, par int) {
	pctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(par)
	for _, t := range group {
		if !e.prewarmed.TryInsert(t.Hash, struct{}{}) {
			continue
		}
		g.Go(func() error {
			if err := e.relay.Prewarm(pctx, dest, t.Hash); err != nil {
				e.log.Debug(ctx, "prewarm failed", "hash", t.Hash, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) downloadOne(ctx context.Context, t Transfer, stats *groupStats) error {
	defer e.inflight.TryRemove(t.Hash)
	log := e.log.With("hash", t.Hash)

	e.sink.Emit(events.Event{Kind: events.DownloadStarted, Hash: t.Hash, Total: t.ExpectedSize})

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %w", common.ErrCancelled, err)
			break
		}
		if attempt > 1 {
			stats.backoff.Store(true)
		}
		err := e.attempt(ctx, t, stats)
		if err == nil {
			e.sink.Emit(events.Event{Kind: events.DownloadFinished, Hash: t.Hash, Total: t.ExpectedSize})
			return nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		log.Warn(ctx, "download attempt failed", "attempt", attempt, "err", err)
	}

	log.Error(ctx, "download failed", "err", lastErr)
	e.metrics.Download(metrics.ResultFailed)
	e.sink.Emit(events.Event{Kind: events.DownloadFinished, Hash: t.Hash, Total: t.ExpectedSize, Err: lastErr})
	return fmt.Errorf("download %s: %w", t.Hash, lastErr)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, common.ErrForbidden),
		errors.Is(err, common.ErrNotFoundStale),
		errors.Is(err, common.ErrStructuralInvalid),
		errors.Is(err, common.ErrFatal):
		return false
	}
	return true
}

// attempt runs one full fetch/decode/place cycle. All temp files it creates
// are gone when it returns.
func (e *Engine) attempt(ctx context.Context, t Transfer, stats *groupStats) error {
	final := e.cache.PathFor(t.Hash, t.Ext)
	compTmp := filex.TempName(final)
	defer func() { _ = filex.RemoveIfExists(compTmp) }()

	if err := e.fetchToFile(ctx, t, compTmp, stats); err != nil {
		return err
	}

	return e.pool.Do(ctx, func(ctx context.Context) error {
		return e.decodeAndPlace(ctx, t, compTmp, final)
	})
}

func (e *Engine) fetchToFile(ctx context.Context, t Transfer, path string, stats *groupStats) error {
	release, err := e.orch.Slots().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	defer release()

	resp, err := e.fetch(ctx, t, stats)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrFatal, err)
	}
	pw := &progressWriter{w: out, hash: t.Hash, total: t.ExpectedSize, sink: e.sink}
	n, err := io.Copy(pw, e.orch.Throttle(ctx, resp.Body))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	stats.bytes.Add(n)
	e.metrics.BytesDownloaded(n)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: body: %v", common.ErrTransientNetwork, err)
	}
	return nil
}

// fetch GETs the blob, retrying once with a cache-busting parameter when a
// 404 looks like a stale edge entry.
func (e *Engine) fetch(ctx context.Context, t Transfer, stats *groupStats) (*http.Response, error) {
	resp, att, err := e.relay.FetchBlob(ctx, t.DestinationURI, t.Hash, transfer.FetchOptions{})
	if att.Retried || att.TimedOut {
		stats.backoff.Store(true)
	}
	if err == nil {
		return resp, nil
	}

	var se *transfer.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		return nil, err
	}
	if !e.heal.shouldBust(t.Hash, se.Header) {
		return nil, err
	}

	e.metrics.SelfHeal()
	e.log.Info(ctx, "stale 404, refetching with cache bust", "hash", t.Hash)
	resp, att, err = e.relay.FetchBlob(ctx, t.DestinationURI, t.Hash, transfer.FetchOptions{Bust: uuid.NewString()})
	if att.Retried || att.TimedOut {
		stats.backoff.Store(true)
	}
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", common.ErrNotFoundStale, err)
		}
		return nil, err
	}
	return resp, nil
}

func (e *Engine) decodeAndPlace(ctx context.Context, t Transfer, compTmp, final string) error {
	rawTmp := filex.TempName(final)
	defer func() { _ = filex.RemoveIfExists(rawTmp) }()

	got, err := decodeBlob(ctx, compTmp, rawTmp, t)
	if err != nil {
		return err
	}
	if !got.Equal(t.Hash) {
		return fmt.Errorf("%w: decoded %s", common.ErrHashMismatch, got)
	}
	if err := validate.File(rawTmp, t.Ext); err != nil {
		return err
	}
	return e.place(ctx, t, rawTmp, final)
}

// place moves a verified file to its destination: straight into the cache
// for immediate files, into quarantine for delayed ones or when the final
// path is busy.
func (e *Engine) place(ctx context.Context, t Transfer, rawTmp, final string) error {
	class := policy.Classify(final)
	delayed := class == policy.HardDelayed || (class == policy.SoftDelayed && e.opts.DelayedActivation)

	if !delayed {
		err := os.Rename(rawTmp, final)
		if err == nil {
			e.cache.Adopt(ctx, t.Hash, final, t.ExpectedSize)
			e.quarantine.Touch(t.Owner, time.Now())
			e.metrics.Download(metrics.ResultOK)
			e.log.Debug(ctx, "file landed in cache", "hash", t.Hash, "path", final)
			return nil
		}
		if !filex.IsBusy(err) {
			return fmt.Errorf("%w: place %s: %v", common.ErrFatal, final, err)
		}
		e.log.Info(ctx, "destination busy, quarantining", "hash", t.Hash, "path", final)
	}

	qpath := e.quarantine.QuarantinePathFor(t.Hash, t.Ext)
	if err := os.Rename(rawTmp, qpath); err != nil {
		if _, cerr := filex.CopyAtomic(rawTmp, qpath, readBufSize); cerr != nil {
			return fmt.Errorf("%w: quarantine %s: %v", common.ErrFatal, qpath, cerr)
		}
	}
	e.quarantine.Enqueue(ctx, activation.PendingFile{
		QuarantinePath: qpath,
		FinalPath:      final,
		Hash:           t.Hash,
		HardDelay:      class == policy.HardDelayed,
		SoftDelay:      class == policy.SoftDelayed,
		Owner:          t.Owner,
	})
	e.metrics.Download(metrics.ResultQuarantined)
	return nil
}

type progressWriter struct {
	w       io.Writer
	hash    contenthash.Hash
	total   int64
	written int64
	last    int64
	sink    events.Sink
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written-p.last >= progressEvery {
		p.last = p.written
		p.sink.Emit(events.Event{Kind: events.DownloadProgress, Hash: p.hash, Bytes: p.written, Total: p.total})
	}
	return n, err
}
