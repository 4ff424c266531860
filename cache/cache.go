package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-auth-client/storage"
)

const (
	DefaultMaxSize       = 100
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Entry is one cached response. An entry is logically absent once
// now - Timestamp exceeds TTL, whether or not it still sits in the table.
type Entry struct {
	Data         []byte
	Timestamp    time.Time
	LastAccessed time.Time
	TTL          time.Duration
	Size         int
}

func (e Entry) expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

// persistedEntry is the mirror record written to the external store.
type persistedEntry struct {
	Data      []byte        `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Stats are the cache's running counters plus derived figures.
type Stats struct {
	Hits        int     `json:"hits"`
	Misses      int     `json:"misses"`
	Sets        int     `json:"sets"`
	Deletes     int     `json:"deletes"`
	Clears      int     `json:"clears"`
	Entries     int     `json:"entries"`
	HitRate     float64 `json:"hit_rate"`
	MemoryBytes int     `json:"memory_bytes"`
}

// ResponseCache is a TTL-bounded, size-bounded cache of response payloads.
// Expiry is checked lazily on Get and reclaimed by a background sweep; at
// capacity the least-recently-accessed entry is evicted. Writes may
// optionally be mirrored into an external store under a namespace.
type ResponseCache struct {
	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	persistRepo   storage.Store
	namespace     string
	nowFunc       func() time.Time
	logger        zerolog.Logger

	lock    sync.Mutex
	entries map[string]Entry
	hits    int
	misses  int
	sets    int
	deletes int
	clears  int

	stopSweep chan struct{}
	stopOnce  sync.Once
}

type Option func(*ResponseCache)

// WithMaxSize bounds the number of resident entries (default 100).
func WithMaxSize(n int) Option {
	return func(c *ResponseCache) {
		c.maxSize = n
	}
}

// WithDefaultTTL sets the TTL applied when Set is called without one.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *ResponseCache) {
		c.defaultTTL = d
	}
}

// WithSweepInterval sets the background reclaim cadence. Zero disables the
// sweep goroutine entirely.
func WithSweepInterval(d time.Duration) Option {
	return func(c *ResponseCache) {
		c.sweepInterval = d
	}
}

// WithPersistence mirrors every mutation into repo under namespace and
// reloads surviving entries on construction.
func WithPersistence(repo storage.Store, namespace string) Option {
	return func(c *ResponseCache) {
		c.persistRepo = repo
		c.namespace = namespace
	}
}

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(c *ResponseCache) {
		c.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// NewResponseCache builds the cache, reloads persisted entries when
// persistence is configured, and starts the sweep goroutine.
func NewResponseCache(options ...Option) *ResponseCache {
	c := &ResponseCache{
		maxSize:       DefaultMaxSize,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		nowFunc:       time.Now,
		logger:        zerolog.Nop(),
		entries:       make(map[string]Entry),
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.persistRepo != nil {
		c.reload(context.Background())
	}
	if c.sweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached payload for key, or nil on a miss. An expired
// entry is deleted and counted as a miss.
func (c *ResponseCache) Get(ctx context.Context, key string) []byte {
	c.lock.Lock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		c.lock.Unlock()
		return nil
	}

	now := c.nowFunc()
	if entry.expired(now) {
		delete(c.entries, key)
		c.misses++
		c.lock.Unlock()
		c.unpersist(ctx, key)
		return nil
	}

	entry.LastAccessed = now
	c.entries[key] = entry
	c.hits++
	c.lock.Unlock()
	return entry.Data
}

// Set stores data under key. A non-positive ttl uses the default. At
// capacity the entry with the oldest LastAccessed is evicted first.
func (c *ResponseCache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.lock.Lock()
	now := c.nowFunc()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked(ctx)
	}

	c.entries[key] = Entry{
		Data:         data,
		Timestamp:    now,
		LastAccessed: now,
		TTL:          ttl,
		Size:         len(data),
	}
	c.sets++
	c.lock.Unlock()

	c.persist(ctx, key, data, now, ttl)
}

// Delete removes key from the cache and its mirror.
func (c *ResponseCache) Delete(ctx context.Context, key string) {
	c.lock.Lock()
	delete(c.entries, key)
	c.deletes++
	c.lock.Unlock()

	c.unpersist(ctx, key)
}

// Clear drops every entry, resident and mirrored.
func (c *ResponseCache) Clear(ctx context.Context) {
	c.lock.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = make(map[string]Entry)
	c.clears++
	c.lock.Unlock()

	for _, k := range keys {
		c.unpersist(ctx, k)
	}
}

// Len returns the number of resident entries, expired or not.
func (c *ResponseCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Keys returns a snapshot of resident keys.
func (c *ResponseCache) Keys() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// GetStats returns the counters and derived hit rate / memory estimate.
func (c *ResponseCache) GetStats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	mem := 0
	for _, e := range c.entries {
		mem += e.Size
	}
	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Sets:        c.sets,
		Deletes:     c.deletes,
		Clears:      c.clears,
		Entries:     len(c.entries),
		MemoryBytes: mem,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}

func (c *ResponseCache) evictOldestLocked(ctx context.Context) {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.LastAccessed.Before(oldest) {
			oldestKey = k
			oldest = e.LastAccessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		go c.unpersist(ctx, oldestKey)
	}
}

func (c *ResponseCache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(context.Background())
		case <-c.stopSweep:
			return
		}
	}
}

// Sweep reclaims expired entries that were never read again.
func (c *ResponseCache) Sweep(ctx context.Context) {
	c.lock.Lock()
	now := c.nowFunc()
	var expired []string
	for k, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, k)
			delete(c.entries, k)
		}
	}
	c.lock.Unlock()

	for _, k := range expired {
		c.unpersist(ctx, k)
	}
	if len(expired) > 0 {
		c.logger.Debug().Int("reclaimed", len(expired)).Msg("cache sweep")
	}
}

func (c *ResponseCache) persist(ctx context.Context, key string, data []byte, ts time.Time, ttl time.Duration) {
	if c.persistRepo == nil {
		return
	}
	record, err := json.Marshal(persistedEntry{Data: data, Timestamp: ts, TTL: ttl})
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache persist marshal failed")
		return
	}
	if err := c.persistRepo.Set(ctx, c.namespace+key, record); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache persist failed")
	}
}

func (c *ResponseCache) unpersist(ctx context.Context, key string) {
	if c.persistRepo == nil {
		return
	}
	if err := c.persistRepo.Remove(ctx, c.namespace+key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache unpersist failed")
	}
}

// reload pulls surviving mirrored entries back into memory. Requires the
// store to implement storage.Lister; stores that cannot enumerate keys
// simply start cold.
func (c *ResponseCache) reload(ctx context.Context) {
	lister, ok := c.persistRepo.(storage.Lister)
	if !ok {
		c.logger.Debug().Msg("persistence store cannot list keys, starting cold")
		return
	}

	keys, err := lister.Keys(ctx, c.namespace)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache reload listing failed")
		return
	}

	now := c.nowFunc()
	for _, storeKey := range keys {
		record, err := c.persistRepo.Get(ctx, storeKey)
		if err != nil {
			continue
		}
		var pe persistedEntry
		if err := json.Unmarshal(record, &pe); err != nil {
			continue
		}
		key := storeKey[len(c.namespace):]
		entry := Entry{
			Data:         pe.Data,
			Timestamp:    pe.Timestamp,
			LastAccessed: pe.Timestamp,
			TTL:          pe.TTL,
			Size:         len(pe.Data),
		}
		if entry.expired(now) {
			c.unpersist(ctx, key)
			continue
		}
		c.entries[key] = entry
	}
	if len(c.entries) > 0 {
		c.logger.Debug().Int("entries", len(c.entries)).Msg("cache reloaded from store")
	}
}
