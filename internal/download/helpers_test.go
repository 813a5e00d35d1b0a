package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/blobsync/internal/activation"
	"github.com/dmitrijs2005/blobsync/internal/blobfmt"
	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contentcache"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/events"
	"github.com/dmitrijs2005/blobsync/internal/filex"
	"github.com/dmitrijs2005/blobsync/internal/host"
	"github.com/dmitrijs2005/blobsync/internal/transfer"
	"github.com/dmitrijs2005/blobsync/internal/workers"
	"github.com/stretchr/testify/require"
)

type bodyStyle int

const (
	plainHeader bodyStyle = iota
	obfuscatedHeader
	headerless
	headerlessXOR
)

type blob struct {
	raw       []byte
	style     bodyStyle
	forbidden bool
	// staleMisses is how many plain GETs answer an edge-cached 404.
	staleMisses int
	// plainMisses is how many GETs answer a 404 without edge headers.
	plainMisses int
	// cuts is how many GETs drop the connection halfway through the body.
	cuts int
}

// fakeRelay serves /sizes and blob GETs from memory.
type fakeRelay struct {
	t *testing.T

	mu       sync.Mutex
	blobs    map[contenthash.Hash]*blob
	gets     map[contenthash.Hash]int
	busted   map[contenthash.Hash]int
	prewarms map[contenthash.Hash]int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	return &fakeRelay{
		t:        t,
		blobs:    map[contenthash.Hash]*blob{},
		gets:     map[contenthash.Hash]int{},
		busted:   map[contenthash.Hash]int{},
		prewarms: map[contenthash.Hash]int{},
	}
}

// add registers raw under its own hash and returns the hash.
func (f *fakeRelay) add(raw []byte, style bodyStyle) contenthash.Hash {
	h := contenthash.FromBytes(raw)
	f.put(h, &blob{raw: raw, style: style})
	return h
}

func (f *fakeRelay) put(h contenthash.Hash, b *blob) {
	f.mu.Lock()
	f.blobs[h] = b
	f.mu.Unlock()
}

func (f *fakeRelay) count(m map[contenthash.Hash]int, h contenthash.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[h]
}

func (f *fakeRelay) body(h contenthash.Hash, b *blob) []byte {
	var buf bytes.Buffer
	_, err := blobfmt.Compress(context.Background(), &buf, bytes.NewReader(b.raw), nil)
	require.NoError(f.t, err)
	payload := buf.Bytes()

	switch b.style {
	case plainHeader:
		return append(blobfmt.Header{Hash: h, Length: int64(len(b.raw))}.Encode(), payload...)
	case obfuscatedHeader:
		return append(blobfmt.Header{Hash: h, Length: int64(len(b.raw)), Obfuscated: true}.Encode(), xored(payload)...)
	case headerlessXOR:
		return xored(payload)
	default:
		return payload
	}
}

func xored(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c ^ common.XORKey
	}
	return out
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/sizes" {
		f.serveSizes(w, r)
		return
	}
	h, err := contenthash.Parse(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	b, ok := f.blobs[h]
	if r.Header.Get("Range") != "" {
		f.prewarms[h]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0})
		return
	}
	f.gets[h]++
	bust := r.URL.Query().Get(common.CacheBustParam) != ""
	if bust {
		f.busted[h]++
	}
	stale, plain, cut := false, false, false
	if ok && !bust && b.staleMisses > 0 {
		b.staleMisses--
		stale = true
	}
	if ok && b.plainMisses > 0 {
		b.plainMisses--
		plain = true
	}
	if ok && b.cuts > 0 {
		b.cuts--
		cut = true
	}
	f.mu.Unlock()

	switch {
	case !ok || plain:
		http.NotFound(w, r)
	case stale:
		w.Header().Set("CF-Cache-Status", "HIT")
		http.NotFound(w, r)
	case cut:
		f.cutBody(w, f.body(h, b))
	default:
		_, _ = w.Write(f.body(h, b))
	}
}

// cutBody promises the full body, sends half of it and closes the connection.
func (f *fakeRelay) cutBody(w http.ResponseWriter, body []byte) {
	conn, buf, err := w.(http.Hijacker).Hijack()
	require.NoError(f.t, err)
	defer conn.Close()
	_, _ = fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body))
	_, _ = buf.Write(body[:len(body)/2])
	_ = buf.Flush()
}

func (f *fakeRelay) serveSizes(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transfer.SizeInfo
	for _, s := range r.URL.Query()["hash"] {
		h := contenthash.MustParse(s)
		b, ok := f.blobs[h]
		if !ok {
			out = append(out, transfer.SizeInfo{Hash: h})
			continue
		}
		out = append(out, transfer.SizeInfo{Hash: h, Size: int64(len(b.raw)), Exists: true, Forbidden: b.forbidden})
	}
	_ = json.NewEncoder(w).Encode(out)
}

type alwaysSafe struct{}

func (alwaysSafe) IsSafe(time.Duration, bool) bool       { return true }
func (alwaysSafe) LiveEntities() []host.EntityID         { return nil }
func (alwaysSafe) Redraw(context.Context, host.EntityID) {}

type fixture struct {
	relay  *fakeRelay
	engine *Engine
	cache  *contentcache.Cache
	act    *activation.Activator
	rec    *events.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	fr := newFakeRelay(t)
	ts := httptest.NewServer(fr)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	cache, err := contentcache.New(filepath.Join(dir, "cache"), nil, nil)
	require.NoError(t, err)
	act, err := activation.New(cache, alwaysSafe{}, filepath.Join(dir, "quarantine"), activation.Options{}, nil, nil, nil)
	require.NoError(t, err)

	orch := transfer.New(ts.Client(), nil, transfer.Options{Slots: 4, RetryBase: time.Millisecond}, nil)
	relay, err := transfer.NewRelay(ts.URL, orch, nil)
	require.NoError(t, err)

	pool := workers.New(2)
	t.Cleanup(pool.Close)

	rec := &events.Recorder{}
	eng := New(relay, orch, cache, act, pool, opts, rec, nil, nil)
	return &fixture{relay: fr, engine: eng, cache: cache, act: act, rec: rec}
}

// want builds a Want for h with ext.
func want(h contenthash.Hash, ext string) Want { return Want{Hash: h, Ext: ext} }

// run initiates and downloads wants in one go.
func (f *fixture) run(t *testing.T, wants ...Want) ([]Transfer, error) {
	t.Helper()
	ctx := context.Background()
	ts, err := f.engine.InitiateDownloadList(ctx, wants)
	require.NoError(t, err)
	return ts, f.engine.Download(ctx, ts)
}

// tempLeftovers lists staging files under root.
func tempLeftovers(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		if filex.IsTempName(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}
