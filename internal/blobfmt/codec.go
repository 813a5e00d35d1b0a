package blobfmt

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/pierrec/lz4/v4"
)

// YieldEvery is how many decompressed bytes are copied between cooperative
// yields to the scheduler.
const YieldEvery = 2 << 20

const copyBufSize = 64 << 10

// Decode decompresses the LZ4 stream src into dst while hashing it. The
// decompressed length must equal expected exactly; one byte more or less is
// ErrContentMismatch. The loop yields every YieldEvery bytes and honors ctx.
func Decode(ctx context.Context, src io.Reader, dst io.Writer, expected int64) (contenthash.Hash, int64, error) {
	zr := lz4.NewReader(src)
	h := sha1.New()
	buf := make([]byte, copyBufSize)

	var total, sinceYield int64
	for {
		n, rerr := zr.Read(buf)
		if n > 0 {
			if total+int64(n) > expected {
				return "", total, fmt.Errorf("%w: more than %d bytes", common.ErrContentMismatch, expected)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", total, err
			}
			h.Write(buf[:n])
			total += int64(n)
			sinceYield += int64(n)

			if sinceYield >= YieldEvery {
				sinceYield = 0
				runtime.Gosched()
				if err := ctx.Err(); err != nil {
					return "", total, err
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", total, fmt.Errorf("%w: lz4: %v", common.ErrContentMismatch, rerr)
		}
	}

	if total != expected {
		return "", total, fmt.Errorf("%w: got %d bytes, expected %d", common.ErrContentMismatch, total, expected)
	}
	return contenthash.FromSum(h.Sum(nil)), total, nil
}

// Compress writes src to dst as an LZ4 stream and returns the number of raw
// bytes consumed. progress, if set, receives the running raw byte count.
func Compress(ctx context.Context, dst io.Writer, src io.Reader, progress func(int64)) (int64, error) {
	zw := lz4.NewWriter(dst)
	buf := make([]byte, copyBufSize)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := zw.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return total, rerr
		}
	}
	if err := zw.Close(); err != nil {
		return total, err
	}
	return total, nil
}
