package inspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/xiaowucn/scriber-inspector/internal/document"
)

// ErrUnknownDocument is returned when a document id has no parsed document.
var ErrUnknownDocument = errors.New("unknown document")

// DocumentSource fetches parsed documents by id.
type DocumentSource interface {
	Fetch(ctx context.Context, id string) (*document.Document, error)
}

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// DirDocumentSource reads <Dir>/<id>.json.
type DirDocumentSource struct {
	Dir string
}

var _ DocumentSource = DirDocumentSource{}

func (d DirDocumentSource) Fetch(ctx context.Context, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !documentIDPattern.MatchString(id) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: invalid id %q", ErrUnknownDocument, id)
	}
	f, err := os.Open(filepath.Join(d.Dir, id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", id, err)
	}
	defer f.Close()

	doc, err := document.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return doc, nil
}

// MemoryDocumentSource serves documents from a map.
type MemoryDocumentSource map[string]*document.Document

var _ DocumentSource = MemoryDocumentSource{}

func (m MemoryDocumentSource) Fetch(ctx context.Context, id string) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, id)
	}
	return doc, nil
}

// DocumentCache keeps the most recently used document views. Views are
// read-only, so one cached view is shared by every run on that document.
// Concurrent misses for the same id fetch once.
type DocumentCache struct {
	source DocumentSource
	views  *lru.Cache[string, *document.View]
	group  singleflight.Group
}

// NewDocumentCache caches up to size views fetched from source.
func NewDocumentCache(source DocumentSource, size int) (*DocumentCache, error) {
	if source == nil {
		return nil, errors.New("document source is required")
	}
	views, err := lru.New[string, *document.View](size)
	if err != nil {
		return nil, fmt.Errorf("create document cache: %w", err)
	}
	return &DocumentCache{source: source, views: views}, nil
}

// View returns the view of document id, fetching and projecting it on a miss.
// Concurrent misses share one fetch, which is detached from any caller's
// cancellation; each caller stops waiting when its own ctx is done.
func (c *DocumentCache) View(ctx context.Context, id string) (*document.View, error) {
	if v, ok := c.views.Get(id); ok {
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		if v, ok := c.views.Get(id); ok {
			return v, nil
		}
		doc, err := c.source.Fetch(fetchCtx, id)
		if err != nil {
			return nil, err
		}
		v, err := document.NewView(doc)
		if err != nil {
			return nil, fmt.Errorf("project document %s: %w", id, err)
		}
		c.views.Add(id, v)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*document.View), nil
	}
}

// Invalidate drops the cached view of id, e.g. after the document is reparsed.
func (c *DocumentCache) Invalidate(id string) {
	c.views.Remove(id)
}

// Len returns the number of cached views.
func (c *DocumentCache) Len() int {
	return c.views.Len()
}
