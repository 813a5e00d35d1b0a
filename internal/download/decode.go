package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/blobsync/internal/blobfmt"
	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/filex"
)

const readBufSize = 256 << 10

// decodeBlob turns the downloaded body at compPath into the raw file at
// rawPath and returns its hash. A body with a header is decoded once, the
// header says whether it is obfuscated. A headerless body is decoded plain
// first and, if that fails, once more as XOR-obfuscated.
func decodeBlob(ctx context.Context, compPath, rawPath string, t Transfer) (contenthash.Hash, error) {
	h, hadHeader, err := decodeOnce(ctx, compPath, rawPath, t, false)
	if err == nil || hadHeader || !errors.Is(err, common.ErrContentMismatch) || ctx.Err() != nil {
		return h, err
	}
	h, _, xerr := decodeOnce(ctx, compPath, rawPath, t, true)
	if xerr != nil {
		return "", fmt.Errorf("plain: %v; xor: %w", err, xerr)
	}
	return h, nil
}

func decodeOnce(ctx context.Context, compPath, rawPath string, t Transfer, forceXOR bool) (contenthash.Hash, bool, error) {
	in, err := os.Open(compPath)
	if err != nil {
		return "", false, err
	}
	defer in.Close()

	br := bufio.NewReaderSize(in, readBufSize)
	hdr, hadHeader, err := blobfmt.ReadHeader(br)
	if err != nil {
		return "", false, err
	}

	var payload io.Reader = br
	if hadHeader {
		if !hdr.Hash.Equal(t.Hash) {
			return "", true, fmt.Errorf("%w: header says %s", common.ErrHashMismatch, hdr.Hash)
		}
		if hdr.Length != t.ExpectedSize {
			return "", true, fmt.Errorf("%w: header length %d, expected %d", common.ErrContentMismatch, hdr.Length, t.ExpectedSize)
		}
		if hdr.Obfuscated {
			payload = blobfmt.NewXORReader(br)
		}
	} else if forceXOR {
		payload = blobfmt.NewXORReader(br)
	}

	out, err := os.OpenFile(rawPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return "", hadHeader, err
	}
	bw := bufio.NewWriterSize(out, readBufSize)

	sum, _, err := blobfmt.Decode(ctx, payload, bw, t.ExpectedSize)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = filex.RemoveIfExists(rawPath)
		return "", hadHeader, err
	}
	return sum, hadHeader, nil
}
