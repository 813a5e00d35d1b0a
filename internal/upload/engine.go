// Package upload pushes locally cached blobs to the relay: ask for a ticket,
// compress to a temp LZ4 file, stream it to the ticket's target, confirm.
// Parallelism follows the engine's own measured throughput.
package upload

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/blobfmt"
	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/metrics"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
	cache "github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts = 4
	RetryStep          = 250 * time.Millisecond
	VerifiedTTL        = 12 * time.Hour

	cancelTimeout = 5 * time.Second
)

// Relay is the ticket side of the relay client.
type Relay interface {
	RequestTicket(ctx context.Context, in transfer.TicketRequest) (transfer.UploadTicket, error)
	CompleteUpload(ctx context.Context, in transfer.UploadComplete) error
	CancelUpload(ctx context.Context, in transfer.UploadCancel) error
}

type Options struct {
	// MaxParallelism caps the worker count; 0 derives it from the CPU count.
	MaxParallelism int
	MaxAttempts    int
	// TempDir holds compressed staging files; defaults to the cache root.
	TempDir string
}

type Engine struct {
	relay   Relay
	cache   *contentcache.Cache
	putters map[string]Putter
	opts    Options

	verified *cache.Cache

	sink    events.Sink
	metrics *metrics.Metrics
	log     logging.Logger
}

func New(relay Relay, orch *transfer.Orchestrator, c *contentcache.Cache, opts Options, sink events.Sink, m *metrics.Metrics, log logging.Logger) (*Engine, error) {
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = transfer.DefaultSlots()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.TempDir == "" {
		opts.TempDir = c.Root()
	}
	dir, err := filex.EnsureDir(opts.TempDir)
	if err != nil {
		return nil, fmt.Errorf("upload temp dir: %w", err)
	}
	opts.TempDir = dir
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		relay: relay,
		cache: c,
		putters: map[string]Putter{
			transfer.TicketModePut: httpPutter{orch: orch},
			transfer.TicketModeS3:  s3Putter{client: orch.Client()},
		},
		opts:     opts,
		verified: cache.New(VerifiedTTL, time.Hour),
		sink:     sink,
		metrics:  m,
		log:      log.With("component", "upload"),
	}, nil
}

// IsVerified reports whether h was confirmed present on the relay within
// VerifiedTTL.
func (e *Engine) IsVerified(h contenthash.Hash) bool {
	_, ok := e.verified.Get(h.String())
	return ok
}

func (e *Engine) markVerified(h contenthash.Hash) {
	e.verified.SetDefault(h.String(), struct{}{})
}

// Upload sends every hash to the relay for recipients and returns the ones
// that could not be uploaded. The error is non-nil only when ctx ended.
func (e *Engine) Upload(ctx context.Context, hashes []contenthash.Hash, recipients []string) ([]contenthash.Hash, error) {
	var (
		mu     sync.Mutex
		failed []contenthash.Hash
	)
	fail := func(h contenthash.Hash) {
		mu.Lock()
		failed = append(failed, h)
		mu.Unlock()
	}

	var todo []contentcache.Entry
	seen := make(map[contenthash.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if e.IsVerified(h) {
			e.metrics.Upload(metrics.ResultSkipped)
			continue
		}
		entry, ok := e.cache.Lookup(ctx, h)
		if !ok {
			e.log.Warn(ctx, "upload of a blob not in cache", "hash", h)
			fail(h)
			continue
		}
		todo = append(todo, entry)
	}

	if len(todo) > 0 {
		e.run(ctx, todo, recipients, fail)
	}

	if len(failed) > 0 {
		e.sink.Emit(events.Event{Kind: events.Notification, Message: "uploads failed", Count: len(failed)})
	}
	if err := ctx.Err(); err != nil {
		return failed, fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	return failed, nil
}

func (e *Engine) run(ctx context.Context, todo []contentcache.Entry, recipients []string, fail func(contenthash.Hash)) {
	sizes := make([]int64, len(todo))
	for i, entry := range todo {
		sizes[i] = entry.Size
	}
	ctl := NewController(e.opts.MaxParallelism, SmallFileFloorFor(sizes), time.Now())
	slots := transfer.NewSlots(ctl.Current())
	e.metrics.UploadParallelism(ctl.Current())

	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		ticker := time.NewTicker(SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				before := slots.Capacity()
				if n := ctl.Sample(now); n != before {
					slots.Resize(n)
					e.metrics.UploadParallelism(n)
					e.log.Debug(ctx, "upload parallelism changed", "from", before, "to", n)
				}
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(e.opts.MaxParallelism)
	for _, entry := range todo {
		g.Go(func() error {
			release, err := slots.Acquire(ctx)
			if err != nil {
				fail(entry.Hash)
				return nil
			}
			defer release()
			if err := e.uploadOne(ctx, entry, recipients, ctl); err != nil {
				e.log.Error(ctx, "upload failed", "hash", entry.Hash, "err", err)
				e.metrics.Upload(metrics.ResultFailed)
				fail(entry.Hash)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(stop)
	sampler.Wait()
}

func (e *Engine) uploadOne(ctx context.Context, entry contentcache.Entry, recipients []string, ctl *Controller) error {
	attempt := 0
	b := retry.WithMaxRetries(uint64(e.opts.MaxAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		return RetryStep * time.Duration(attempt), false
	}))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := e.attempt(ctx, entry, recipients, ctl)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt < e.opts.MaxAttempts {
			e.log.Warn(ctx, "upload attempt failed", "hash", entry.Hash, "attempt", attempt, "err", err)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, common.ErrCancelled) {
			return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
		}
		return err
	}

	e.markVerified(entry.Hash)
	e.metrics.Upload(metrics.ResultOK)
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, common.ErrForbidden) &&
		!errors.Is(err, common.ErrHashMismatch) &&
		!errors.Is(err, common.ErrNotLocal) &&
		!errors.Is(err, common.ErrCancelled) &&
		!errors.Is(err, context.Canceled)
}

func (e *Engine) attempt(ctx context.Context, entry contentcache.Entry, recipients []string, ctl *Controller) (err error) {
	h := entry.Hash
	ticket, err := e.relay.RequestTicket(ctx, transfer.TicketRequest{
		Hash:       h,
		Size:       entry.Size,
		Ext:        entry.Ext,
		Recipients: recipients,
	})
	if err != nil {
		return err
	}
	if !ticket.UploadRequired {
		e.log.Debug(ctx, "relay already has blob", "hash", h)
		return nil
	}

	// Anything that fails after the ticket was issued is reported to the
	// relay so it can drop the reservation.
	defer func() {
		if err != nil {
			e.cancelRemote(ctx, h, ticket.UploadID, err)
		}
	}()

	putter, ok := e.putters[ticket.Mode]
	if !ok {
		return fmt.Errorf("%w: unknown ticket mode %q", common.ErrFatal, ticket.Mode)
	}

	tmp := filex.TempName(filepath.Join(e.opts.TempDir, h.String()+".lz4"))
	defer func() { _ = filex.RemoveIfExists(tmp) }()

	raw, compressed, sum, err := e.compress(ctx, entry, tmp)
	if err != nil {
		return err
	}

	f, err := os.Open(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	body := &progressReader{rs: f, hash: h, total: compressed, ctl: ctl, sink: e.sink, metrics: e.metrics}
	if err := putter.Put(ctx, ticket, body, compressed, sum); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", common.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: put: %w", common.ErrTransport, err)
	}

	err = e.relay.CompleteUpload(ctx, transfer.UploadComplete{
		Hash:           h,
		UploadID:       ticket.UploadID,
		RawSize:        raw,
		CompressedSize: compressed,
		MD5:            sum,
		Recipients:     recipients,
	})
	if err != nil {
		return err
	}
	e.sink.Emit(events.Event{Kind: events.UploadFinished, Hash: h, Bytes: compressed, Total: compressed})
	e.log.Info(ctx, "blob uploaded", "hash", h, "raw", raw, "compressed", compressed)
	return nil
}

// compress writes entry as LZ4 to tmp while re-hashing the source, and
// returns raw size, compressed size and the base64 MD5 of the compressed
// bytes.
func (e *Engine) compress(ctx context.Context, entry contentcache.Entry, tmp string) (int64, int64, string, error) {
	in, err := os.Open(entry.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.cache.Forget(ctx, entry.Hash)
			return 0, 0, "", fmt.Errorf("%w: %s", common.ErrNotLocal, entry.Path)
		}
		return 0, 0, "", err
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return 0, 0, "", err
	}

	md := md5.New()
	cw := &countingWriter{w: io.MultiWriter(out, md)}
	src := sha1.New()
	progress := func(n int64) {
		e.sink.Emit(events.Event{Kind: events.UploadProgress, Hash: entry.Hash, Bytes: n, Total: entry.Size, Message: "compressing"})
	}

	raw, err := blobfmt.Compress(ctx, cw, io.TeeReader(in, src), throttleProgress(progress))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, 0, "", err
	}

	if got := contenthash.FromSum(src.Sum(nil)); !got.Equal(entry.Hash) {
		e.cache.Forget(ctx, entry.Hash)
		return 0, 0, "", fmt.Errorf("%w: cached %s now hashes to %s", common.ErrHashMismatch, entry.Hash, got)
	}
	return raw, cw.n, base64.StdEncoding.EncodeToString(md.Sum(nil)), nil
}

func (e *Engine) cancelRemote(ctx context.Context, h contenthash.Hash, uploadID string, cause error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	reason := "failed"
	if ctx.Err() != nil {
		reason = "cancelled"
	}
	if err := e.relay.CancelUpload(cctx, transfer.UploadCancel{Hash: h, UploadID: uploadID, Reason: reason}); err != nil {
		e.log.Warn(ctx, "upload cancel failed", "hash", h, "err", err, "cause", cause)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// throttleProgress forwards at most one update per progressStep bytes.
func throttleProgress(fn func(int64)) func(int64) {
	var last int64
	return func(n int64) {
		if n-last >= progressStep {
			last = n
			fn(n)
		}
	}
}

const progressStep = 256 << 10

// progressReader feeds the controller and progress events while the body
// is sent. Seeking back to the start (SDK retries) resets the count.
type progressReader struct {
	rs      io.ReadSeeker
	hash    contenthash.Hash
	total   int64
	sent    int64
	last    int64
	ctl     *Controller
	sink    events.Sink
	metrics *metrics.Metrics
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.rs.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.ctl.Add(int64(n))
		p.metrics.BytesUploaded(int64(n))
		if p.sent-p.last >= progressStep || p.sent == p.total {
			p.last = p.sent
			p.sink.Emit(events.Event{Kind: events.UploadProgress, Hash: p.hash, Bytes: p.sent, Total: p.total})
		}
	}
	return n, err
}

func (p *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.rs.Seek(offset, whence)
	if err == nil {
		p.sent = pos
		p.last = pos
	}
	return pos, err
}
