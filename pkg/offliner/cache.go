// Package offliner caches offliner definitions, which change only when an
// operator publishes a new one.
package offliner

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/offlinefarm/dispatcher/pkg/storage"
	"github.com/offlinefarm/dispatcher/pkg/types"
)

const (
	// DefaultTTL is how long a cached definition is served before it is
	// reloaded from the store
	DefaultTTL = 30 * time.Second

	// Size bounds the number of cached definitions
	Size = 256
)

type entry struct {
	offliner *types.Offliner
	loadedAt time.Time
}

// Cache is a read-through cache of offliner definitions. Misses are loaded
// through the caller's transaction, so a lookup never opens a second one.
// Writes from this process invalidate the entry at once; writes from other
// processes sharing the store are picked up when the entry expires.
type Cache struct {
	entries *lru.Cache
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates an empty cache whose entries live for ttl. A ttl of zero
// or less keeps entries until they are invalidated or evicted.
func NewCache(ttl time.Duration) *Cache {
	entries, err := lru.New(Size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Cache{entries: entries, ttl: ttl, now: time.Now}
}

// Get returns the definition of id, loading it through tx on a miss or
// when the cached copy expired
func (c *Cache) Get(tx storage.Tx, id string) (*types.Offliner, error) {
	if v, ok := c.entries.Get(id); ok {
		e := v.(entry)
		if !c.expired(e) {
			return e.offliner, nil
		}
	}

	o, err := tx.GetOffliner(id)
	if err != nil {
		return nil, err
	}
	c.entries.Add(id, entry{offliner: o, loadedAt: c.now()})
	return o, nil
}

func (c *Cache) expired(e entry) bool {
	return c.ttl > 0 && c.now().Sub(e.loadedAt) >= c.ttl
}

// Invalidate drops a single entry
func (c *Cache) Invalidate(id string) {
	c.entries.Remove(id)
}

// Reset drops every entry
func (c *Cache) Reset() {
	c.entries.Purge()
}

// Len returns the number of cached definitions
func (c *Cache) Len() int {
	return c.entries.Len()
}
