// Package cache provides a TTL key/value store used for fleet lists and
// peer-to-server mappings. Entries written with the default TTL live in a
// size-capped store; entries with an explicit TTL are tracked separately so
// one default does not have to fit every use case.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const janitorInterval = 10 * time.Second

type entry struct {
	value     interface{}
	expiresAt time.Time
}

type Stats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Size     int     `json:"size"`
	HitRatio float64 `json:"hit_ratio"`
}

type Store struct {
	mu         sync.Mutex
	entries    map[string]entry
	custom     map[string]entry
	maxSize    int
	defaultTTL time.Duration
	hits       int64
	misses     int64
	now        func() time.Time
	log        zerolog.Logger
}

func New(maxSize int, defaultTTL time.Duration, log zerolog.Logger) *Store {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Store{
		entries:    make(map[string]entry),
		custom:     make(map[string]entry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
		log:        log.With().Str("component", "cache").Logger(),
	}
}

// Get returns the cached value for key, or false on a miss. An entry read
// after its expiry is purged and counts as a miss.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok {
		if now.Before(e.expiresAt) {
			s.hits++
			return e.value, true
		}
		delete(s.entries, key)
	}
	if e, ok := s.custom[key]; ok {
		if now.Before(e.expiresAt) {
			s.hits++
			return e.value, true
		}
		delete(s.custom, key)
	}
	s.misses++
	return nil, false
}

// Set stores value under key. A ttl of zero (or less) uses the store's
// default TTL; an explicit ttl puts the entry in the custom-TTL overlay.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if ttl > 0 {
		delete(s.entries, key)
		s.custom[key] = entry{value: value, expiresAt: now.Add(ttl)}
		return
	}
	delete(s.custom, key)
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictOldestLocked()
	}
	s.entries[key] = entry{value: value, expiresAt: now.Add(s.defaultTTL)}
}

// evictOldestLocked drops the entry closest to expiry. Caller holds the lock.
func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey = k
			oldest = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.custom, key)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	s.custom = make(map[string]entry)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Hits:   s.hits,
		Misses: s.misses,
		Size:   len(s.entries) + len(s.custom),
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRatio = float64(s.hits) / float64(total) * 100
	}
	return st
}

// RunJanitor periodically purges expired custom-TTL entries until ctx is
// cancelled.
func (s *Store) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *Store) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	purged := 0
	for k, e := range s.custom {
		if !now.Before(e.expiresAt) {
			delete(s.custom, k)
			purged++
		}
	}
	if purged > 0 {
		s.log.Debug().Int("purged", purged).Msg("expired custom-ttl entries removed")
	}
}
