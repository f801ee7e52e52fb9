package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rogers-f/goalflow/internal/domain"
)

// DefaultMaxBytes caps a single download.
const DefaultMaxBytes = 25 << 20

// Fetcher downloads http(s) URLs and, when AllowLocal is set, reads local
// files referenced by absolute path or file:// URL.
type Fetcher struct {
	Client     *http.Client
	MaxBytes   int64
	AllowLocal bool
}

// NewFetcher returns a Fetcher whose client is traced with otelhttp.
func NewFetcher(timeout time.Duration, maxBytes int64, allowLocal bool) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		MaxBytes:   maxBytes,
		AllowLocal: allowLocal,
	}
}

// Get returns the bytes and content type behind ref.
func (f *Fetcher) Get(ctx context.Context, ref string) ([]byte, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, "", fmt.Errorf("parse %q: %w", ref, err)
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return f.getHTTP(ctx, ref)
	case u.Scheme == "file":
		return f.getLocal(u.Path)
	case u.Scheme == "" && filepath.IsAbs(ref):
		return f.getLocal(ref)
	}
	return nil, "", fmt.Errorf("unsupported reference %q", ref)
}

func (f *Fetcher) getHTTP(ctx context.Context, ref string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("get %s: status %d", ref, resp.StatusCode)
	}
	data, err := f.readLimited(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", ref, err)
	}
	ct := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if ct == "" || ct == "application/octet-stream" {
		ct = sniff(data)
	}
	return data, ct, nil
}

func (f *Fetcher) getLocal(path string) ([]byte, string, error) {
	if !f.AllowLocal {
		return nil, "", fmt.Errorf("local file access is disabled")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	data, err := f.readLimited(file)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, sniff(data), nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("larger than %d bytes", limit)
	}
	return data, nil
}

// Fetch loads ref as an image attachment.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*domain.Attachment, error) {
	data, ct, err := f.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(ct, "image/") {
		return nil, errors.New("not an image: " + ct)
	}
	return &domain.Attachment{MediaType: ct, Data: data, Source: ref}, nil
}

func sniff(data []byte) string {
	ct := http.DetectContentType(data)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}
