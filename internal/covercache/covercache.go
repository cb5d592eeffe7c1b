// Package covercache holds rendered album covers between the cover
// step and the final save. Entries are keyed by song id and expire
// after a TTL so covers for abandoned songs cannot pin memory.
package covercache

import (
	"strings"
	"sync"
	"time"

	"github.com/infinitune/infinitune/internal/log"
)

// Cover is a rendered album cover.
type Cover struct {
	Bytes  []byte `json:"bytes"`
	Format string `json:"format"`
}

// Cache stores covers by song id. Implementations are safe for
// concurrent use and treat storage failures as misses: the save step
// re-fetches the cover from its URL when the cache comes up empty.
type Cache interface {
	Put(songID string, cover Cover)
	Get(songID string) (Cover, bool)
	Delete(songID string)
	Stats() Stats
	Close() error
}

// Stats holds cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Puts        int64
	Evictions   int64
	CurrentSize int
}

// DefaultTTL bounds how long an unconsumed cover survives. A song
// normally saves within a few minutes of its cover landing.
const DefaultTTL = 30 * time.Minute

const cleanupInterval = 5 * time.Minute

// New selects the backing store: Redis when an address is configured,
// process memory otherwise. An unreachable Redis logs a warning and
// falls back to memory so the cover flow keeps working.
func New(cfg RedisConfig, ttl time.Duration) Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return NewMemory(ttl)
	}
	r, err := NewRedis(cfg, ttl)
	if err != nil {
		logger := log.WithComponent("covercache")
		logger.Warn().Err(err).Str("addr", cfg.Addr).
			Msg("redis unavailable, covers cached in memory")
		return NewMemory(ttl)
	}
	return r
}

type memoryEntry struct {
	cover   Cover
	expires time.Time
}

// Memory is an in-process Cache with TTL eviction.
type Memory struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-memory cover cache. Expired entries are
// dropped lazily on Get and swept periodically in the background.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	interval := cleanupInterval
	if m.ttl < interval {
		interval = m.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}

// Put stores a cover. Empty covers and empty ids are ignored.
func (m *Memory) Put(songID string, cover Cover) {
	if songID == "" || len(cover.Bytes) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[songID] = memoryEntry{cover: cover, expires: time.Now().Add(m.ttl)}
	m.stats.Puts++
}

// Get returns the cover for the song, if present and fresh.
func (m *Memory) Get(songID string) (Cover, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[songID]
	if !ok || time.Now().After(e.expires) {
		m.stats.Misses++
		return Cover{}, false
	}
	m.stats.Hits++
	return e.cover, true
}

// Delete removes the cover for the song.
func (m *Memory) Delete(songID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, songID)
}

// Stats returns cache counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.CurrentSize = len(m.entries)
	return s
}

func (m *Memory) deleteExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
			removed++
		}
	}
	m.stats.Evictions += int64(removed)
	return removed
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
