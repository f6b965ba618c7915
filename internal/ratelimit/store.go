package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCapacity is returned by a Store that cannot admit a new key.
// MemoryStore never returns it; it evicts instead.
var ErrCapacity = errors.New("ratelimit: store at capacity")

// Window is the counting state for one key.
type Window struct {
	Count   int
	ResetAt time.Time
	// Evicted is set on the returned copy when another live window was
	// dropped to make room for this key.
	Evicted bool
}

// Store holds windows. Hit must perform the read-modify-write for a key
// atomically: expire the window if now is past ResetAt, create it if missing,
// increment and return the updated copy.
type Store interface {
	Hit(key string, now time.Time, window time.Duration) (Window, error)
	// Sweep drops expired windows and reports how many were removed.
	Sweep(now time.Time) int
	Len() int
}

const (
	DefaultMaxKeys = 100_000
	defaultShards  = 16
)

type shard struct {
	mu      sync.Mutex
	windows map[string]*Window
	max     int
}

// MemoryStore is a sharded in-process Store bounded by a maximum key count.
// When a shard is full a new key triggers a sweep of that shard; if nothing
// has expired the live window closest to its reset is evicted, so a new
// sender is always counted from one.
type MemoryStore struct {
	shards []*shard
}

// NewMemoryStore returns a store holding at most maxKeys windows.
// maxKeys <= 0 selects DefaultMaxKeys.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	n := min(defaultShards, maxKeys)
	s := &MemoryStore{shards: make([]*shard, n)}
	for i := range s.shards {
		// spread the remainder so the shard caps sum to exactly maxKeys
		limit := maxKeys / n
		if i < maxKeys%n {
			limit++
		}
		s.shards[i] = &shard{windows: make(map[string]*Window), max: limit}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *MemoryStore) Hit(key string, now time.Time, window time.Duration) (Window, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	evicted := false
	if !ok {
		if len(sh.windows) >= sh.max {
			sh.sweepLocked(now)
			if len(sh.windows) >= sh.max {
				sh.evictOldestLocked()
				evicted = true
			}
		}
		w = &Window{ResetAt: now.Add(window)}
		sh.windows[key] = w
	} else if now.After(w.ResetAt) {
		w.Count = 0
		w.ResetAt = now.Add(window)
	}
	w.Count++
	out := *w
	out.Evicted = evicted
	return out, nil
}

// evictOldestLocked drops the window with the earliest ResetAt.
func (sh *shard) evictOldestLocked() {
	var oldest string
	var at time.Time
	first := true
	for k, w := range sh.windows {
		if first || w.ResetAt.Before(at) {
			oldest, at, first = k, w.ResetAt, false
		}
	}
	if !first {
		delete(sh.windows, oldest)
	}
}

func (sh *shard) sweepLocked(now time.Time) int {
	n := 0
	for k, w := range sh.windows {
		if now.After(w.ResetAt) {
			delete(sh.windows, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Sweep(now time.Time) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.sweepLocked(now)
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
