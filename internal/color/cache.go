package color

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/smilemakc/styleforge/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is a content-addressed palette cache: repeated extraction or
// critique passes over the same reference/candidate image bytes skip
// recomputation. Entries are msgpack-encoded so the cache can later be
// backed by an external store without changing its call shape.
type Cache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewCache returns an empty in-process palette cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

// GetOrExtract returns the cached palette for data's digest, extracting and
// caching it on a miss.
func (c *Cache) GetOrExtract(data []byte) (*domain.Palette, error) {
	key := digest(data)

	c.mu.RLock()
	raw, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		var p domain.Palette
		if err := msgpack.Unmarshal(raw, &p); err == nil {
			return &p, nil
		}
	}

	palette, err := ExtractPalette(data)
	if err != nil {
		return nil, err
	}

	encoded, err := msgpack.Marshal(palette)
	if err == nil {
		c.mu.Lock()
		c.entries[key] = encoded
		c.mu.Unlock()
	}
	return palette, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
