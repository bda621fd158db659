package classifier

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes classification results in an expiring LRU.
// Results are deterministic, so a cache hit is indistinguishable from a fresh call.
type Cached struct {
	inner  *Classifier
	cache  *lru.LRU[string, Result]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// NewCached wraps c with an LRU of at most size entries. A zero ttl keeps
// entries until evicted.
func NewCached(c *Classifier, size int, ttl time.Duration) *Cached {
	if size < 1 {
		size = 1
	}
	return &Cached{
		inner: c,
		cache: lru.NewLRU[string, Result](size, nil, ttl),
	}
}

// Classify returns the cached result for text and history, classifying on a miss
func (c *Cached) Classify(text string, history []string) Result {
	key := cacheKey(text, history)
	if result, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return cloneResult(result)
	}

	c.misses.Add(1)
	result := c.inner.Classify(text, history)
	c.cache.Add(key, result)
	return cloneResult(result)
}

// Stats returns hit, miss and size counters
func (c *Cached) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.Len(),
	}
}

// cacheKey length-prefixes every part so no two inputs share a key
func cacheKey(text string, history []string) string {
	var b strings.Builder
	for _, part := range append([]string{text}, history...) {
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

func cloneResult(r Result) Result {
	if r.Families != nil {
		r.Families = append([]Family(nil), r.Families...)
	}
	return r
}
