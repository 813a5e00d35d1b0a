package transfer

import (
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/netx"
)

// StatusError is a non-2xx relay reply. It unwraps to the matching sentinel
// in common so callers can use errors.Is.
type StatusError struct {
	Code   int
	Status string
	Header http.Header
	Body   string
}

func newStatusError(resp *http.Response) *StatusError {
	return &StatusError{
		Code:   resp.StatusCode,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Body:   netx.ReadErrorBody(resp),
	}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay replied %s", e.Status)
	}
	return fmt.Sprintf("relay replied %s: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return common.ErrNotFound
	case e.Code == http.StatusForbidden || e.Code == http.StatusUnauthorized:
		return common.ErrForbidden
	case e.Transient():
		return common.ErrTransientNetwork
	default:
		return common.ErrTransport
	}
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}
