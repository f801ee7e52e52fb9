// Package action holds the catalog of deterministic operations plan steps
// can run without a worker, plus the blob store and fetcher they use.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rogers-f/goalflow/internal/domain"
)

// Action names known to the catalog.
const (
	StoreURL       = "store_url"
	GenerateImage  = "generate_image"
	GenerateSpeech = "generate_speech"
)

// Handler runs one action with already-resolved params.
type Handler func(ctx context.Context, params map[string]any) (*domain.ActionResult, error)

type entry struct {
	info    domain.ActionInfo
	handler Handler
}

// Catalog maps action names to handlers.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]entry)}
}

// NewDefaultCatalog registers store_url and the disabled media actions.
// Media generation is left to created worker agents.
func NewDefaultCatalog(blobs BlobStore, fetcher *Fetcher) *Catalog {
	c := NewCatalog()
	_ = c.Register(domain.ActionInfo{
		Name:        StoreURL,
		Description: "download a URL and keep a copy in blob storage",
		Params:      []string{"url", "name (optional)"},
		Enabled:     true,
	}, StoreURLHandler(blobs, fetcher))
	_ = c.Register(domain.ActionInfo{
		Name:        GenerateImage,
		Description: "generate an image (disabled: create an image agent instead)",
		Params:      []string{"prompt"},
	}, nil)
	_ = c.Register(domain.ActionInfo{
		Name:        GenerateSpeech,
		Description: "synthesize speech (disabled: create a voice agent instead)",
		Params:      []string{"text"},
	}, nil)
	return c
}

// Register adds an action. A nil handler is only allowed for disabled actions.
func (c *Catalog) Register(info domain.ActionInfo, h Handler) error {
	if info.Name == "" {
		return errors.New("action name is required")
	}
	if info.Enabled && h == nil {
		return fmt.Errorf("action %q: enabled action needs a handler", info.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[info.Name]; exists {
		return fmt.Errorf("action %q already registered", info.Name)
	}
	c.entries[info.Name] = entry{info: info, handler: h}
	return nil
}

// Dispatch runs the named action.
func (c *Catalog) Dispatch(ctx context.Context, name string, params map[string]any) (*domain.ActionResult, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownAction.Code, fmt.Sprintf("unknown action %q", name))
	}
	if !e.info.Enabled {
		return nil, domain.NewEngineError(domain.ErrActionDisabled.Code,
			fmt.Sprintf("action %q is disabled; delegate to a worker agent instead", name))
	}
	if params == nil {
		params = map[string]any{}
	}
	res, err := e.handler(ctx, params)
	if err != nil {
		var ee *domain.EngineError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, domain.WrapEngineError(domain.ErrActionFailed.Code, fmt.Sprintf("action %s", name), err)
	}
	return res, nil
}

// Catalog lists every registered action sorted by name.
func (c *Catalog) Catalog() []domain.ActionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.ActionInfo, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
