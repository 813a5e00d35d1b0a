package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// throttleChunk bounds a single read so the limiter can pace it.
const throttleChunk = 32 << 10

// ThrottledReader paces reads through a token bucket whose rate is
// re-evaluated on every read.
type ThrottledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	limit   func() rate.Limit
}

// NewThrottledReader wraps r. limit is consulted before each read; returning
// rate.Inf disables pacing.
func NewThrottledReader(ctx context.Context, r io.Reader, limit func() rate.Limit) *ThrottledReader {
	return &ThrottledReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(limit(), throttleChunk),
		limit:   limit,
	}
}

func (t *ThrottledReader) Read(p []byte) (int, error) {
	t.limiter.SetLimit(t.limit())
	if len(p) > throttleChunk {
		p = p[:throttleChunk]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
