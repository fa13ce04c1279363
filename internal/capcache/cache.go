// Package capcache holds upstream capability payloads (tool lists,
// schemas, resource and prompt lists) in a bounded in-memory cache.
// Entries are evicted LRU on overflow and expire per-entry by TTL;
// expired entries count as misses. The cache is strictly local and is
// never persisted.
package capcache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"junction/pkg/logging"
)

// Kind classifies what a cache entry holds.
type Kind string

const (
	KindToolList     Kind = "tool-list"
	KindResourceList Kind = "resource-list"
	KindPromptList   Kind = "prompt-list"
	KindToolSchema   Kind = "tool-schema"
)

// DefaultMaxEntries bounds the cache when the caller passes 0.
const DefaultMaxEntries = 1000

// DefaultTTL applies to entries stored without an explicit TTL.
const DefaultTTL = 5 * time.Minute

type cacheKey struct {
	server string
	kind   Kind
	item   string
}

type entry struct {
	key     cacheKey
	value   any
	expires time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	TotalRequests  uint64  `json:"totalRequests"`
	HitRatio       float64 `json:"hitRatio"`
	Size           int     `json:"size"`
	ValidEntries   int     `json:"validEntries"`
	ExpiredEntries int     `json:"expiredEntries"`
	MaxSize        int     `json:"maxSize"`
}

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	defaultTTL time.Duration

	entries map[cacheKey]*list.Element
	lru     *list.List // front = most recently used

	hits   uint64
	misses uint64

	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

// New creates a cache bounded to maxEntries with the given default TTL.
// Zero values select the package defaults.
func New(maxEntries int, defaultTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		maxEntries:  maxEntries,
		defaultTTL:  defaultTTL,
		entries:     make(map[cacheKey]*list.Element),
		lru:         list.New(),
		stopSweeper: make(chan struct{}),
	}
}

// Fingerprint derives a stable key component from a server selection so
// cross-session list results can be shared between sessions that admit
// the same servers. Order-insensitive.
func Fingerprint(servers []string) string {
	sorted := make([]string, len(servers))
	copy(sorted, servers)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Get returns the cached value for (server, kind, item). An expired
// entry is removed and reported as a miss.
func (c *Cache) Get(server string, kind Kind, item string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{server: server, kind: kind, item: item}
	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	ent := elem.Value.(*entry)
	if time.Now().After(ent.expires) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return ent.value, true
}

// Put stores a value under the default TTL.
func (c *Cache) Put(server string, kind Kind, item string, value any) {
	c.PutWithTTL(server, kind, item, value, c.defaultTTL)
}

// PutWithTTL stores a value with an explicit TTL, evicting the least
// recently used entry if the cache is full.
func (c *Cache) PutWithTTL(server string, kind Kind, item string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{server: server, kind: kind, item: item}
	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expires = time.Now().Add(ttl)
		c.lru.MoveToFront(elem)
		return
	}

	for c.lru.Len() >= c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}

	ent := &entry{key: key, value: value, expires: time.Now().Add(ttl)}
	c.entries[key] = c.lru.PushFront(ent)
}

// InvalidateServer drops every entry belonging to the server. Used when
// an outbound client leaves Ready or its spec is removed.
func (c *Cache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeMatching(func(k cacheKey) bool { return k.server == server })
}

// InvalidateLists drops the server's list entries but keeps schemas.
// Used on a list-changed notification that names no specific items.
func (c *Cache) InvalidateLists(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeMatching(func(k cacheKey) bool {
		return k.server == server && k.kind != KindToolSchema
	})
}

// InvalidateItem drops a single entry.
func (c *Cache) InvalidateItem(server string, kind Kind, item string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[cacheKey{server: server, kind: kind, item: item}]; ok {
		c.removeElement(elem)
	}
}

// InvalidateFingerprints drops all cross-session list entries. Cheaper
// than tracking which fingerprints cover which servers.
func (c *Cache) InvalidateFingerprints() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeMatching(func(k cacheKey) bool { return k.server == "" })
}

// Flush drops everything and resets counters.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]*list.Element)
	c.lru.Init()
	c.hits = 0
	c.misses = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for _, elem := range c.entries {
		if now.After(elem.Value.(*entry).expires) {
			expired++
		}
	}

	total := c.hits + c.misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}

	size := len(c.entries)
	return Stats{
		Hits:           c.hits,
		Misses:         c.misses,
		TotalRequests:  total,
		HitRatio:       ratio,
		Size:           size,
		ValidEntries:   size - expired,
		ExpiredEntries: expired,
		MaxSize:        c.maxEntries,
	}
}

// StartSweeper runs a background loop that removes expired entries
// every interval until Close is called.
func (c *Cache) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopSweeper:
				return
			}
		}
	}()
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.sweeperOnce.Do(func() { close(c.stopSweeper) })
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	c.removeMatchingEntry(func(e *entry) bool {
		if now.After(e.expires) {
			removed++
			return true
		}
		return false
	})
	if removed > 0 {
		logging.Debug("CapCache", "Sweeper removed %d expired entries", removed)
	}
}

// removeMatching removes entries whose key matches. Caller holds mu.
func (c *Cache) removeMatching(match func(cacheKey) bool) {
	c.removeMatchingEntry(func(e *entry) bool { return match(e.key) })
}

func (c *Cache) removeMatchingEntry(match func(*entry) bool) {
	var doomed []*list.Element
	for _, elem := range c.entries {
		if match(elem.Value.(*entry)) {
			doomed = append(doomed, elem)
		}
	}
	for _, elem := range doomed {
		c.removeElement(elem)
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	delete(c.entries, ent.key)
	c.lru.Remove(elem)
}
