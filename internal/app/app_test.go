package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/blobfmt"
	"github.com/dmitrijs2005/blobsync/internal/config"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/download"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay is a minimal in-memory relay: sizes, blob GETs and ticketed PUTs.
type relay struct {
	t *testing.T

	mu       sync.Mutex
	blobs    map[contenthash.Hash][]byte
	uploaded map[contenthash.Hash]int
}

func newRelay(t *testing.T) (*relay, *httptest.Server) {
	r := &relay{t: t, blobs: map[contenthash.Hash][]byte{}, uploaded: map[contenthash.Hash]int{}}
	ts := httptest.NewServer(r.handler())
	t.Cleanup(ts.Close)
	return r, ts
}

func (r *relay) add(raw []byte) contenthash.Hash {
	h := contenthash.FromBytes(raw)
	r.mu.Lock()
	r.blobs[h] = raw
	r.mu.Unlock()
	return h
}

func (r *relay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sizes", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()
		var out []transfer.SizeInfo
		for _, s := range req.URL.Query()["hash"] {
			h := contenthash.MustParse(s)
			raw, ok := r.blobs[h]
			out = append(out, transfer.SizeInfo{Hash: h, Size: int64(len(raw)), Exists: ok})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /{hash}", func(w http.ResponseWriter, req *http.Request) {
		h, err := contenthash.Parse(req.PathValue("hash"))
		if err != nil {
			http.NotFound(w, req)
			return
		}
		r.mu.Lock()
		raw, ok := r.blobs[h]
		r.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		if req.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusPartialContent)
			return
		}
		var buf bytes.Buffer
		_, err = blobfmt.Compress(context.Background(), &buf, bytes.NewReader(raw), nil)
		require.NoError(r.t, err)
		_, _ = w.Write(blobfmt.Header{Hash: h, Length: int64(len(raw))}.Encode())
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("POST /upload-ticket", func(w http.ResponseWriter, req *http.Request) {
		var in transfer.TicketRequest
		require.NoError(r.t, json.NewDecoder(req.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(transfer.UploadTicket{
			UploadRequired: true,
			UploadURL:      "http://" + req.Host + "/put/" + in.Hash.String(),
			UploadID:       "u1",
		})
	})
	mux.HandleFunc("PUT /put/{hash}", func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.Copy(io.Discard, req.Body)
		r.mu.Lock()
		r.uploaded[contenthash.MustParse(req.PathValue("hash"))]++
		r.mu.Unlock()
	})
	mux.HandleFunc("POST /upload-complete", func(w http.ResponseWriter, req *http.Request) {})
	mux.HandleFunc("POST /upload-cancel", func(w http.ResponseWriter, req *http.Request) {})
	return mux
}

func testConfig(t *testing.T, relayURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := &config.Config{}
	c.LoadDefaults()
	c.RelayURL = relayURL
	c.CacheDir = filepath.Join(dir, "cache")
	c.QuarantineDir = filepath.Join(dir, "quarantine")
	c.ConfigDir = filepath.Join(dir, "config")
	c.RetryBase = time.Millisecond
	c.TickInterval = 5 * time.Millisecond
	c.SafetyIdle = 0
	c.SafetyQuietPeriod = 0
	c.LogLevel = "error"
	return c
}

func newApp(t *testing.T, c *config.Config, sink events.Sink) *App {
	t.Helper()
	a, err := NewApp(context.Background(), c, nil, sink, io.Discard)
	require.NoError(t, err)
	return a
}

func TestApp_DownloadActivatesDelayedFiles(t *testing.T) {
	r, ts := newRelay(t)
	c := testConfig(t, ts.URL)
	a := newApp(t, c, nil)
	defer a.Close()

	immediate := r.add([]byte(strings.Repeat("plain data ", 100)))
	delayed := r.add([]byte(strings.Repeat("material ", 100)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Run(ctx, func(ctx context.Context) error {
		return a.Download(ctx, []download.Want{
			{Hash: immediate, Ext: "bin"},
			{Hash: delayed, Ext: "mtrl"},
		})
	})
	require.NoError(t, err)

	for _, h := range []contenthash.Hash{immediate, delayed} {
		e, ok := a.Cache().Lookup(context.Background(), h)
		require.True(t, ok, h)
		got, _, err := contenthash.FromFile(e.Path)
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}
	assert.Empty(t, a.Pending())
}

func TestApp_UploadRegistersAndPushes(t *testing.T) {
	r, ts := newRelay(t)
	c := testConfig(t, ts.URL)
	a := newApp(t, c, nil)
	defer a.Close()

	local := filepath.Join(t.TempDir(), "mine.tex")
	require.NoError(t, os.WriteFile(local, []byte("my texture bytes"), 0o600))
	missing := filepath.Join(t.TempDir(), "nope.tex")

	failed, err := a.Upload(context.Background(), []string{local, missing}, []string{"friend"})
	require.Error(t, err, "the missing file is reported")
	assert.Empty(t, failed)

	h := contenthash.FromBytes([]byte("my texture bytes"))
	assert.Equal(t, 1, r.uploaded[h])
	e, ok := a.Cache().Lookup(context.Background(), h)
	require.True(t, ok)
	assert.Equal(t, local, e.Path)
}

func TestApp_CrashRecoveryAndCleanClose(t *testing.T) {
	_, ts := newRelay(t)
	c := testConfig(t, ts.URL)

	// A previous process that never closed.
	crashed := newApp(t, c, nil)
	crashed.pool.Close()
	require.NoError(t, crashed.db.Close())
	require.NoError(t, os.WriteFile(filepath.Join(c.CacheDir, "ABC.tex"), []byte("cut"), 0o600))

	rec := &events.Recorder{}
	a := newApp(t, c, rec)
	rep := a.Recovery()
	assert.True(t, rep.Recovered)
	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 0, rep.Failed)
	assert.Len(t, rec.OfKind(events.Notification), 1)
	a.Close()

	b := newApp(t, c, nil)
	defer b.Close()
	assert.False(t, b.Recovery().Recovered, "a clean close leaves no sentinel")
}

func TestApp_CacheSurvivesRestart(t *testing.T) {
	r, ts := newRelay(t)
	c := testConfig(t, ts.URL)
	h := r.add([]byte(strings.Repeat("persist me ", 50)))

	a := newApp(t, c, nil)
	require.NoError(t, a.Download(context.Background(), []download.Want{{Hash: h, Ext: "bin"}}))
	a.Close()

	b := newApp(t, c, nil)
	defer b.Close()
	_, ok := b.Cache().Lookup(context.Background(), h)
	assert.True(t, ok, "the index restores entries")
}

func TestNewApp_BadRelayURL(t *testing.T) {
	c := testConfig(t, "not a url")
	_, err := NewApp(context.Background(), c, nil, nil, io.Discard)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(c.ConfigDir, c.SentinelName))
	assert.True(t, os.IsNotExist(statErr), "a failed start cleans up its sentinel")
}
