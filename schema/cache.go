package schema

import (
	"database/sql"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// DefaultCacheSize bounds the number of cached table descriptors.
const DefaultCacheSize = 512

// Cache provides thread-safe, bounded caching of table descriptors.
// Entries are loaded on demand and must be invalidated after DDL.
type Cache struct {
	db    *sql.DB
	cache *lru.Cache[string, *Table]
}

// NewCache creates a descriptor cache over the given database handle.
func NewCache(db *sql.DB) (*Cache, error) {
	c, err := lru.New[string, *Table](DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, cache: c}, nil
}

// Get returns the descriptor for a table, loading it on a miss.
func (c *Cache) Get(table string) (*Table, error) {
	if t, ok := c.cache.Get(table); ok {
		return t, nil
	}

	t, err := Load(c.db, table)
	if err != nil {
		return nil, err
	}

	c.cache.Add(table, t)
	return t, nil
}

// Invalidate drops the cached descriptor for one table.
// Called after any DDL touching the table.
func (c *Cache) Invalidate(table string) {
	c.cache.Remove(table)
}

// Clear drops all cached descriptors.
func (c *Cache) Clear() {
	c.cache.Purge()
	log.Debug().Msg("Schema cache cleared")
}
