// Package answercache provides a TTL cache for synthesized answers. Two
// identical questions asked within the TTL window return the cached answer
// without re-running retrieval or generation.
package answercache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmorav1/convoqa/internal/kb"
	"github.com/dmorav1/convoqa/internal/retrieval"
)

// DefaultTTL is how long a cached answer stays valid. Five minutes covers
// repeated queries within a session without serving stale answers after
// re-ingestion.
const DefaultTTL = 5 * time.Minute

// entry holds a cached answer and its expiry time.
type entry struct {
	answer    kb.Answer
	expiresAt time.Time
}

// Cache is an in-process TTL answer cache. Expired entries are swept by a
// background goroutine so the map does not grow unboundedly between hits.
type Cache struct {
	// mu protects entries.
	mu sync.Mutex
	// entries maps Key output to cached answers.
	entries map[string]entry
	// ttl is the validity window for new entries.
	ttl time.Duration
}

// New constructs a Cache and starts the background sweep goroutine. The
// goroutine exits when the returned stop function is called. ttl <= 0 uses
// DefaultTTL.
func New(ttl time.Duration) (*Cache, func()) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{entries: make(map[string]entry), ttl: ttl}

	stopCh := make(chan struct{})
	go c.sweepLoop(stopCh)

	return c, func() { close(stopCh) }
}

// Key derives the cache key from the sanitized question and the retrieval
// parameters that shape the answer. Two calls differing in any parameter must
// never share a key.
func Key(question string, opts retrieval.Options) string {
	canonical := fmt.Sprintf("q=%s|k=%d|min=%g|author=%s|atype=%s|after=%d|before=%d",
		strings.TrimSpace(question),
		opts.TopK,
		opts.MinSimilarity,
		opts.Author,
		opts.AuthorType,
		opts.After.Unix(),
		opts.Before.Unix(),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached answer for key and whether it was present and
// unexpired.
func (c *Cache) Get(key string) (kb.Answer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return kb.Answer{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return kb.Answer{}, false
	}
	return e.answer, true
}

// Put stores an answer under key with the cache's TTL.
func (c *Cache) Put(key string, answer kb.Answer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{answer: answer, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate discards all cached answers. Called after ingestion so answers
// reflect newly indexed conversations.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of live entries, counting expired-but-unswept ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweepLoop removes expired entries once per minute. It runs in a background
// goroutine and exits when stopCh is closed.
func (c *Cache) sweepLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes entries past their expiry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}
