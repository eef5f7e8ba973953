package authz

import (
	"sync"
	"time"

	"github.com/cyclopcam/wardwatch/pkg/vecmath"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// StrangerCache remembers the coarse embeddings of recently seen unauthorized people,
// so that somebody who walks out of view and back in does not raise a fresh
// "unauthorized person" alert. It is never used to authorize anybody.
type StrangerCache struct {
	threshold float32
	lock      sync.Mutex // Makes the compare-then-insert in Observe atomic
	entries   *cache.Cache
}

// NewStrangerCache creates a cache whose entries expire 'retention' after they were last seen.
// Expired entries are removed by Purge. There is no janitor goroutine.
func NewStrangerCache(retention time.Duration, threshold float32) *StrangerCache {
	return &StrangerCache{
		threshold: threshold,
		entries:   cache.New(retention, 0),
	}
}

// Observe compares the embedding against all remembered strangers.
// If one of them has cosine similarity above the threshold, its expiry is refreshed,
// and Observe returns true (a returning stranger).
// Otherwise the embedding is remembered as a new stranger, and Observe returns false.
func (s *StrangerCache) Observe(embedding []float32) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	bestKey := ""
	bestSim := float32(-1)
	for key, item := range s.entries.Items() {
		stored := item.Object.([]float32)
		sim := vecmath.Cosine(embedding, stored)
		if sim > bestSim {
			bestSim = sim
			bestKey = key
		}
	}
	if bestKey != "" && bestSim > s.threshold {
		if v, ok := s.entries.Get(bestKey); ok {
			s.entries.SetDefault(bestKey, v)
		}
		return true
	}

	stored := make([]float32, len(embedding))
	copy(stored, embedding)
	s.entries.SetDefault(uuid.NewString(), stored)
	return false
}

// Purge removes expired entries
func (s *StrangerCache) Purge() {
	s.entries.DeleteExpired()
}

// Len returns the number of entries, including expired entries that have not yet been purged
func (s *StrangerCache) Len() int {
	return s.entries.ItemCount()
}

func (s *StrangerCache) Clear() {
	s.entries.Flush()
}
