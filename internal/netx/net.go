// Package netx contains small HTTP helpers shared by the relay client and
// the upload path.
package netx

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/dmitrijs2005/blobsync/internal/common"
)

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// NewPutRequest builds a streamed PUT of size bytes from body to url. When
// contentMD5 is non-empty it is sent as the Content-MD5 header (base64).
func NewPutRequest(ctx context.Context, url string, body io.Reader, size int64, contentMD5 string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if contentMD5 != "" {
		req.Header.Set(common.ContentMD5HeaderName, contentMD5)
	}
	return req, nil
}

// ReadErrorBody returns a bounded prefix of resp's body for error messages.
func ReadErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return string(b)
}

// DrainClose discards what is left of the body so the connection can be
// reused, then closes it.
func DrainClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsTransient reports whether err is a connection-level failure worth
// retrying: timeouts, resets and truncated responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

// IsTimeout reports whether err is a network or context deadline timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
