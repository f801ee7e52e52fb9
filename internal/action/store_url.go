package action

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rogers-f/goalflow/internal/domain"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoreURLHandler downloads params.url and writes it to the blob store.
func StoreURLHandler(blobs BlobStore, fetcher *Fetcher) Handler {
	return func(ctx context.Context, params map[string]any) (*domain.ActionResult, error) {
		raw, _ := params["url"].(string)
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, domain.NewEngineError(domain.ErrInvalidInput.Code,
				fmt.Sprintf("store_url: %q is not an http(s) URL", raw))
		}

		data, ct, err := fetcher.Get(ctx, raw)
		if err != nil {
			return nil, err
		}

		name, _ := params["name"].(string)
		blob, err := blobs.Put(ctx, blobName(name, u, ct), ct, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}

		return &domain.ActionResult{
			Output: fmt.Sprintf("Stored %s as %s", raw, blob.URL),
			Data: map[string]any{
				"url":          raw,
				"blob_url":     blob.URL,
				"path":         blob.Path,
				"content_type": ct,
				"size":         blob.Size,
			},
		}, nil
	}
}

// blobName picks a unique, filesystem-safe name that keeps a sensible
// extension.
func blobName(requested string, u *url.URL, contentType string) string {
	base := requested
	if base == "" {
		base = path.Base(u.Path)
	}
	base = strings.Trim(unsafeName.ReplaceAllString(base, "-"), "-.")
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if stem == "" {
		stem = "blob"
	}
	if len(stem) > 60 {
		stem = stem[:60]
	}
	return stem + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8] + ext
}
