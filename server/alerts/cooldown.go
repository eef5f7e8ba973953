package alerts

import (
	"sync"
	"time"
)

// Windows are the default cooldown windows per alert category
type Windows struct {
	Person   time.Duration
	Vehicle  time.Duration
	Behavior time.Duration
	Crowd    time.Duration
	Stranger time.Duration
}

func DefaultWindows() Windows {
	return Windows{
		Person:   30 * time.Second,
		Vehicle:  60 * time.Second,
		Behavior: 30 * time.Second,
		Crowd:    60 * time.Second,
		Stranger: 30 * time.Second,
	}
}

type cooldownKey struct {
	subject string
	typ     Type
}

// Cooldowns suppresses repeated emission of the same alert type for the same subject.
// The call sites own the windows, so that each rule controls its own re-arm semantics.
type Cooldowns struct {
	lock sync.Mutex
	last map[cooldownKey]time.Time
}

func NewCooldowns() *Cooldowns {
	return &Cooldowns{
		last: map[cooldownKey]time.Time{},
	}
}

// Allow returns true if (subject, t) has not been allowed within the last 'window'.
// If it returns true, then the emission is recorded.
// An empty subject means SubjectGlobal.
func (c *Cooldowns) Allow(subject string, t Type, window time.Duration, now time.Time) bool {
	if subject == "" {
		subject = SubjectGlobal
	}
	key := cooldownKey{subject, t}
	c.lock.Lock()
	defer c.lock.Unlock()
	if last, ok := c.last[key]; ok && now.Sub(last) < window {
		return false
	}
	c.last[key] = now
	return true
}

// Forget drops all keys of a subject
func (c *Cooldowns) Forget(subject string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for k := range c.last {
		if k.subject == subject {
			delete(c.last, k)
		}
	}
}

// Purge drops keys older than maxAge, and returns the number of keys dropped
func (c *Cooldowns) Purge(now time.Time, maxAge time.Duration) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for k, t := range c.last {
		if now.Sub(t) > maxAge {
			delete(c.last, k)
			n++
		}
	}
	return n
}

func (c *Cooldowns) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.last)
}
