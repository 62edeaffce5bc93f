// session_cache.go: process-wide store of evaluation contexts and key sets
//
// A Session is immutable once published. Set swaps whole sessions under a
// lock and Get hands out the published pointer, so a compute that read a
// session keeps using that exact key set until it returns, even if a later
// setup replaces it (snapshot-on-read).

package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Session is the {context, keys} pair produced by setup.
type Session struct {
	ID        string
	Context   *EvalContext
	Keys      *KeySet
	CreatedAt time.Time
}

// NewSession builds a session with a fresh identifier.
func NewSession(ec *EvalContext, keys *KeySet) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Context:   ec,
		Keys:      keys,
		CreatedAt: time.Now(),
	}
}

// SessionCache holds at most capacity sessions. The zero value is not usable;
// call NewSessionCache.
type SessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // insertion order, oldest first
	current  string
	capacity int
}

func NewSessionCache(capacity int) *SessionCache {
	if capacity < 1 {
		capacity = 1
	}
	return &SessionCache{
		sessions: make(map[string]*Session),
		capacity: capacity,
	}
}

// Set publishes s and makes it the current session. Setting an id that is
// already present replaces it wholesale.
func (c *SessionCache) Set(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[s.ID]; ok {
		c.removeOrder(s.ID)
	}
	c.sessions[s.ID] = s
	c.order = append(c.order, s.ID)
	c.current = s.ID

	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.sessions, oldest)
	}
}

// Get returns the session registered under id. An empty id means the current
// session.
func (c *SessionCache) Get(id string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id == "" {
		id = c.current
	}
	if id == "" {
		return nil, newError(KindNotConfigured, nil, "no evaluation keys have been set up")
	}
	s, ok := c.sessions[id]
	if !ok {
		return nil, newError(KindNotConfigured, nil, "unknown session %q", id)
	}
	return s, nil
}

// Current returns the most recently set session.
func (c *SessionCache) Current() (*Session, error) {
	return c.Get("")
}

// Delete drops a session. It reports whether the session existed.
func (c *SessionCache) Delete(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[id]; !ok {
		return false
	}
	delete(c.sessions, id)
	c.removeOrder(id)
	if c.current == id {
		c.current = ""
		if n := len(c.order); n > 0 {
			c.current = c.order[n-1]
		}
	}
	return true
}

func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// IDs returns the cached session ids in sorted order.
func (c *SessionCache) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

func (c *SessionCache) removeOrder(id string) {
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
