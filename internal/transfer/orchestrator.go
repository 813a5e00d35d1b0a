package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/netx"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	DefaultRetryBase  = 500 * time.Millisecond
	DefaultMaxRetries = 4
	jitterPercent     = 25

	minAutoSlots = 2
	maxAutoSlots = 12
)

// RequestBuilder creates a fresh request for one attempt. token is the
// bearer token fetched for that attempt and may be empty.
type RequestBuilder func(ctx context.Context, token string) (*http.Request, error)

// Attempt summarizes how a Do call went, for callers that adapt their
// concurrency to network health.
type Attempt struct {
	Attempts int
	Retried  bool
	TimedOut bool
}

type Options struct {
	// Slots is the download slot capacity; 0 derives it from the CPU count.
	Slots int
	// BandwidthLimit is the total download rate in bytes/s; 0 is unlimited.
	BandwidthLimit int64
	RetryBase      time.Duration
	MaxRetries     uint64
	// RequestTimeout bounds the wait for response headers.
	RequestTimeout time.Duration
}

type Orchestrator struct {
	client     *http.Client
	tokens     TokenSource
	slots      *Slots
	limit      int64
	retryBase  time.Duration
	maxRetries uint64
	log        logging.Logger
}

// DefaultSlots derives the slot capacity from the logical CPU count.
func DefaultSlots() int {
	n := runtime.NumCPU()
	if n < minAutoSlots {
		return minAutoSlots
	}
	if n > maxAutoSlots {
		return maxAutoSlots
	}
	return n
}

// NewHTTPClient returns a client suitable for long streamed transfers: no
// overall timeout, only a bound on time to first response byte.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = maxAutoSlots
	if headerTimeout > 0 {
		tr.ResponseHeaderTimeout = headerTimeout
	}
	return &http.Client{Transport: tr}
}

// New wires an Orchestrator. client may be nil, tokens may be nil (no auth).
func New(client *http.Client, tokens TokenSource, opts Options, log logging.Logger) *Orchestrator {
	if client == nil {
		client = NewHTTPClient(opts.RequestTimeout)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if log == nil {
		log = logging.Nop()
	}
	slots := opts.Slots
	if slots <= 0 {
		slots = DefaultSlots()
	}
	base := opts.RetryBase
	if base <= 0 {
		base = DefaultRetryBase
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	return &Orchestrator{
		client:     client,
		tokens:     tokens,
		slots:      NewSlots(slots),
		limit:      opts.BandwidthLimit,
		retryBase:  base,
		maxRetries: retries,
		log:        log.With("component", "transfer"),
	}
}

func (o *Orchestrator) Client() *http.Client { return o.client }

func (o *Orchestrator) Slots() *Slots { return o.slots }

// PerSlotLimit is the total bandwidth limit divided by the slots in use.
func (o *Orchestrator) PerSlotLimit() rate.Limit {
	if o.limit <= 0 {
		return rate.Inf
	}
	used := o.slots.Used()
	if used < 1 {
		used = 1
	}
	return rate.Limit(float64(o.limit) / float64(used))
}

// Throttle wraps r with the per-slot bandwidth cap. Without a configured
// limit r is returned as is.
func (o *Orchestrator) Throttle(ctx context.Context, r io.Reader) io.Reader {
	if o.limit <= 0 {
		return r
	}
	return NewThrottledReader(ctx, r, o.PerSlotLimit)
}

func (o *Orchestrator) backoff(replayable bool) retry.Backoff {
	b := retry.NewExponential(o.retryBase)
	b = retry.WithJitterPercent(jitterPercent, b)
	if !replayable {
		return retry.WithMaxRetries(0, b)
	}
	return retry.WithMaxRetries(o.maxRetries, b)
}

// Do runs build+send under the retry envelope. Replayable requests are
// retried on timeouts, connection failures and 408/429/5xx; others get
// exactly one attempt. Every attempt rebuilds the request with a freshly
// fetched token. A 2xx response is returned with its body open; any other
// outcome is an error wrapping common.ErrTransport (and a *StatusError for
// HTTP failures).
func (o *Orchestrator) Do(ctx context.Context, build RequestBuilder, replayable bool) (*http.Response, Attempt, error) {
	var stats Attempt
	var resp *http.Response

	err := retry.Do(ctx, o.backoff(replayable), func(ctx context.Context) error {
		stats.Attempts++
		if stats.Attempts > 1 {
			stats.Retried = true
		}

		token, err := o.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("token: %w", err)
		}
		req, err := build(ctx, token)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}

		r, err := o.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if netx.IsTimeout(err) {
				stats.TimedOut = true
			}
			if netx.IsTransient(err) {
				o.log.Debug(ctx, "transient request failure", "url", req.URL.Redacted(), "attempt", stats.Attempts, "err", err)
				return retry.RetryableError(fmt.Errorf("%w: %v", common.ErrTransientNetwork, err))
			}
			return err
		}

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			resp = r
			return nil
		}

		serr := newStatusError(r)
		netx.DrainClose(r)
		if serr.Transient() {
			if serr.Code == http.StatusRequestTimeout {
				stats.TimedOut = true
			}
			o.log.Debug(ctx, "transient relay status", "url", req.URL.Redacted(), "status", serr.Code, "attempt", stats.Attempts)
			return retry.RetryableError(serr)
		}
		return serr
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, stats, fmt.Errorf("%w: %w", common.ErrCancelled, ctxErr)
		}
		if errors.Is(err, common.ErrTransport) {
			return nil, stats, err
		}
		return nil, stats, fmt.Errorf("%w: %w", common.ErrTransport, err)
	}
	return resp, stats, nil
}

// Put streams size bytes from body to url with the current bearer token.
// The body is consumed once, so the request is never retried here.
func (o *Orchestrator) Put(ctx context.Context, url string, body io.Reader, size int64, contentMD5 string) error {
	resp, _, err := o.Do(ctx, func(ctx context.Context, token string) (*http.Request, error) {
		req, err := netx.NewPutRequest(ctx, url, body, size, contentMD5)
		if err != nil {
			return nil, err
		}
		setAuth(req, token)
		return req, nil
	}, false)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	netx.DrainClose(resp)
	return nil
}
