package action

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Blob describes a stored object.
type Blob struct {
	Name        string
	Path        string
	URL         string
	ContentType string
	Size        int64
}

// BlobStore keeps generated or downloaded assets.
type BlobStore interface {
	Put(ctx context.Context, name, contentType string, r io.Reader) (*Blob, error)
}

// LocalBlobStore writes blobs under Dir. URLs are BaseURL/name when BaseURL
// is set and file:// URLs otherwise.
type LocalBlobStore struct {
	Dir     string
	BaseURL string
}

// Put writes r to Dir/name atomically. Existing blobs are replaced.
func (s *LocalBlobStore) Put(ctx context.Context, name, contentType string, r io.Reader) (*Blob, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		return nil, fmt.Errorf("invalid blob name")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, "."+name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close blob: %w", err)
	}

	path := filepath.Join(s.Dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("rename blob: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Blob{
		Name:        name,
		Path:        abs,
		URL:         s.urlFor(name, abs),
		ContentType: contentType,
		Size:        n,
	}, nil
}

func (s *LocalBlobStore) urlFor(name, abs string) string {
	if s.BaseURL != "" {
		return strings.TrimRight(s.BaseURL, "/") + "/" + url.PathEscape(name)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
