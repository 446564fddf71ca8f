package scope

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/louisbranch/storyloom/internal/services/story/domain/graph"
)

// DefaultCacheSize bounds the scope cache when no size is configured.
const DefaultCacheSize = 256

type cacheKey struct {
	graph          string
	anchor         string
	graphVersion   uint64
	catalogVersion uint64
}

// Cache memoizes scopes by anchor, graph version and catalog version, so any
// mutation or domain change yields a fresh scope.
type Cache struct {
	entries *lru.Cache[cacheKey, *Scope]
}

// NewCache creates a cache holding at most size scopes.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[cacheKey, *Scope](size)
	if err != nil {
		return nil, fmt.Errorf("create scope cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the scope at anchor, building it on a miss.
func (c *Cache) Get(g *graph.Graph, catalog *Catalog, anchor string) (*Scope, error) {
	key := cacheKey{graph: g.ID(), anchor: anchor, graphVersion: g.Version(), catalogVersion: catalog.Version()}
	if s, ok := c.entries.Get(key); ok {
		return s, nil
	}
	s, err := Build(g, catalog, anchor)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, s)
	return s, nil
}

// Len returns the number of cached scopes.
func (c *Cache) Len() int { return c.entries.Len() }
