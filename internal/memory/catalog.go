package memory

import (
	"sync"

	"github.com/dgjiede/alispider/internal/crawler"
	"github.com/dgjiede/alispider/internal/storage"
)

// Catalog holds the product set in memory for fast keyword joins during
// report generation, instead of re-querying the database per keyword.
type Catalog struct {
	byID      map[int64]*storage.Product
	byKeyword map[string][]*storage.Product
	mu        sync.RWMutex
}

// NewCatalog creates an empty product catalog
func NewCatalog() *Catalog {
	return &Catalog{
		byID:      make(map[int64]*storage.Product),
		byKeyword: make(map[string][]*storage.Product),
	}
}

// Load replaces the cached product set.
func (c *Catalog) Load(products []*storage.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID = make(map[int64]*storage.Product, len(products))
	c.byKeyword = make(map[string][]*storage.Product)

	for _, p := range products {
		c.byID[p.ID] = p
		for _, kw := range p.Keywords {
			key := crawler.Normalize(kw)
			c.byKeyword[key] = append(c.byKeyword[key], p)
		}
	}
}

// ProductByID returns the cached product with the given platform id, nil if
// unknown.
func (c *Catalog) ProductByID(id int64) *storage.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// ProductsForKeyword returns every cached product that carries the keyword.
// The lookup normalizes, so platform-cased keywords match too.
func (c *Catalog) ProductsForKeyword(keyword string) []*storage.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKeyword[crawler.Normalize(keyword)]
}

// Size returns the number of cached products.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
