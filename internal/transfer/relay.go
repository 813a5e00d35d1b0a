package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/blobsync/internal/common"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/logging"
	"github.com/dmitrijs2005/blobsync/internal/netx"
)

// sizesBatch bounds how many hashes go into one /sizes query string.
const sizesBatch = 64

const (
	TicketModePut = "put"
	TicketModeS3  = "s3"
)

// SizeInfo is the relay's answer for one hash.
type SizeInfo struct {
	Hash      contenthash.Hash `json:"hash"`
	Size      int64            `json:"size"`
	Forbidden bool             `json:"forbidden"`
	Exists    bool             `json:"exists"`
	// URL is the endpoint the blob is served from; empty means the relay.
	URL string `json:"url,omitempty"`
}

type TicketRequest struct {
	Hash       contenthash.Hash `json:"hash"`
	Size       int64            `json:"size"`
	Ext        string           `json:"ext,omitempty"`
	Recipients []string         `json:"recipients,omitempty"`
}

// S3Target carries a direct object-storage destination with temporary
// credentials.
type S3Target struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

type UploadTicket struct {
	Mode           string    `json:"mode"`
	UploadRequired bool      `json:"upload_required"`
	UploadURL      string    `json:"upload_url,omitempty"`
	UploadID       string    `json:"upload_id,omitempty"`
	S3             *S3Target `json:"s3,omitempty"`
}

type UploadComplete struct {
	Hash           contenthash.Hash `json:"hash"`
	UploadID       string           `json:"upload_id,omitempty"`
	RawSize        int64            `json:"raw_size"`
	CompressedSize int64            `json:"compressed_size"`
	MD5            string           `json:"md5"`
	Recipients     []string         `json:"recipients,omitempty"`
}

type UploadCancel struct {
	Hash     contenthash.Hash `json:"hash"`
	UploadID string           `json:"upload_id,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// FetchOptions tune a single blob GET.
type FetchOptions struct {
	// Bust, when set, is sent as the cache-busting query parameter.
	Bust string
	// Range is sent verbatim as the Range header.
	Range string
	// Once disables retries.
	Once bool
}

// Relay is the HTTP client for the relay service.
type Relay struct {
	base *url.URL
	orch *Orchestrator
	log  logging.Logger
}

func NewRelay(baseURL string, orch *Orchestrator, log logging.Logger) (*Relay, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("relay url %q: scheme and host required", baseURL)
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Relay{base: u, orch: orch, log: log.With("component", "relay")}, nil
}

func (r *Relay) BaseURL() string { return r.base.String() }

func (r *Relay) Orchestrator() *Orchestrator { return r.orch }

func (r *Relay) endpoint(path string) string {
	return r.base.String() + path
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set(common.AuthorizationHeaderName, "Bearer "+token)
	}
}

// Sizes asks the relay for size, existence and forbidden status of hashes.
// Entries whose hash does not parse are dropped.
func (r *Relay) Sizes(ctx context.Context, hashes []contenthash.Hash) ([]SizeInfo, error) {
	out := make([]SizeInfo, 0, len(hashes))
	for start := 0; start < len(hashes); start += sizesBatch {
		end := min(start+sizesBatch, len(hashes))

		q := url.Values{}
		for _, h := range hashes[start:end] {
			q.Add("hash", h.String())
		}
		u := r.endpoint("/sizes") + "?" + q.Encode()

		var batch []SizeInfo
		if err := r.getJSON(ctx, u, &batch); err != nil {
			return nil, fmt.Errorf("sizes: %w", err)
		}
		for _, info := range batch {
			h, err := contenthash.Parse(info.Hash.String())
			if err != nil {
				r.log.Warn(ctx, "relay returned bad hash", "hash", info.Hash)
				continue
			}
			info.Hash = h
			if info.URL == "" {
				info.URL = r.base.String()
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// BlobURL is where hash h is served from under dest.
func BlobURL(dest string, h contenthash.Hash, bust string) string {
	u := strings.TrimRight(dest, "/") + "/" + h.String()
	if bust != "" {
		u += "?" + url.Values{common.CacheBustParam: {bust}}.Encode()
	}
	return u
}

// FetchBlob starts a GET of h from dest. The caller owns the response body.
func (r *Relay) FetchBlob(ctx context.Context, dest string, h contenthash.Hash, opts FetchOptions) (*http.Response, Attempt, error) {
	u := BlobURL(dest, h, opts.Bust)
	build := func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		setAuth(req, token)
		if opts.Range != "" {
			req.Header.Set("Range", opts.Range)
		}
		if opts.Bust != "" {
			req.Header.Set("Cache-Control", "no-cache")
		}
		return req, nil
	}
	return r.orch.Do(ctx, build, !opts.Once)
}

// Prewarm asks the edge for the first byte of h so the CDN pulls it from
// origin before the real fetch.
func (r *Relay) Prewarm(ctx context.Context, dest string, h contenthash.Hash) error {
	resp, _, err := r.FetchBlob(ctx, dest, h, FetchOptions{Range: "bytes=0-0", Once: true})
	if err != nil {
		return err
	}
	netx.DrainClose(resp)
	return nil
}

func (r *Relay) RequestTicket(ctx context.Context, in TicketRequest) (UploadTicket, error) {
	var t UploadTicket
	if err := r.postJSON(ctx, "/upload-ticket", in, &t); err != nil {
		return UploadTicket{}, fmt.Errorf("upload ticket %s: %w", in.Hash, err)
	}
	if t.Mode == "" {
		t.Mode = TicketModePut
	}
	return t, nil
}

func (r *Relay) CompleteUpload(ctx context.Context, in UploadComplete) error {
	if err := r.postJSON(ctx, "/upload-complete", in, nil); err != nil {
		return fmt.Errorf("upload complete %s: %w", in.Hash, err)
	}
	return nil
}

func (r *Relay) CancelUpload(ctx context.Context, in UploadCancel) error {
	if err := r.postJSON(ctx, "/upload-cancel", in, nil); err != nil {
		return fmt.Errorf("upload cancel %s: %w", in.Hash, err)
	}
	return nil
}

// Renew exchanges current for a fresh token. It bypasses the retry envelope
// because the envelope itself asks the token source for tokens.
func (r *Relay) Renew(ctx context.Context, current string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint("/auth/renew"), nil)
	if err != nil {
		return "", err
	}
	setAuth(req, current)
	resp, err := r.orch.Client().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: renew: %v", common.ErrTransport, err)
	}
	defer netx.DrainClose(resp)
	if resp.StatusCode != http.StatusOK {
		return "", newStatusError(resp)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("renew: decode: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("renew: empty token")
	}
	return body.Token, nil
}

func (r *Relay) getJSON(ctx context.Context, u string, out any) error {
	build := func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		setAuth(req, token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
	resp, _, err := r.orch.Do(ctx, build, true)
	if err != nil {
		return err
	}
	defer netx.DrainClose(resp)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (r *Relay) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u := r.endpoint(path)
	build := func(ctx context.Context, token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		setAuth(req, token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	resp, _, err := r.orch.Do(ctx, build, true)
	if err != nil {
		return err
	}
	defer netx.DrainClose(resp)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
