package netx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dmitrijs2005/blobsync/internal/common"
)

func TestNewPutRequest(t *testing.T) {
	file := []byte("hello, relay")

	req, err := NewPutRequest(context.Background(), "http://relay/put?sig=abc", bytes.NewReader(file), int64(len(file)), "bWQ1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Method != http.MethodPut {
		t.Fatalf("method = %q, want PUT", req.Method)
	}
	if got := req.Header.Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("Content-Type = %q, want application/octet-stream", got)
	}
	if got := req.Header.Get(common.ContentMD5HeaderName); got != "bWQ1" {
		t.Fatalf("Content-MD5 = %q, want bWQ1", got)
	}
	if req.ContentLength != int64(len(file)) {
		t.Fatalf("Content-Length = %d, want %d", req.ContentLength, len(file))
	}

	req, err = NewPutRequest(context.Background(), "http://relay/put", strings.NewReader(""), 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := req.Header[common.ContentMD5HeaderName]; ok {
		t.Fatal("empty checksum must not set Content-MD5")
	}
}

func TestReadErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer DrainClose(resp)
	if got := ReadErrorBody(resp); got != "denied" {
		t.Fatalf("body = %q, want denied", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be a timeout")
	}
	if !IsTimeout(&net.OpError{Op: "read", Err: timeoutErr{}}) {
		t.Fatal("net timeout should be a timeout")
	}
	if IsTimeout(errors.New("plain")) {
		t.Fatal("plain error is not a timeout")
	}
}

func TestDrainClose_NilSafe(t *testing.T) {
	DrainClose(nil)
	DrainClose(&http.Response{})
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&net.OpError{Op: "dial", Err: errors.New("connection refused")}) {
		t.Fatal("dial error should be transient")
	}
	if !IsTransient(io.ErrUnexpectedEOF) {
		t.Fatal("unexpected EOF should be transient")
	}
	if IsTransient(errors.New("unsupported protocol scheme")) {
		t.Fatal("plain error is not transient")
	}
	if IsTransient(nil) {
		t.Fatal("nil is not transient")
	}
}
