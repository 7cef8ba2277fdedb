package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP sessions an actor is connected on. An
// actor joins when it calls calflow.approve with its name; one actor may
// hold several sessions at once.
type SessionRegistry struct {
	mu      sync.RWMutex
	byActor map[string]map[string]struct{}
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{byActor: make(map[string]map[string]struct{})}
}

// Register binds sessionID to actor.
func (r *SessionRegistry) Register(actor, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byActor[actor]
	if !ok {
		set = make(map[string]struct{})
		r.byActor[actor] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the actor's session IDs in sorted order.
func (r *SessionRegistry) SessionsFor(actor string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byActor[actor]))
	for sid := range r.byActor[actor] {
		ids = append(ids, sid)
	}
	slices.Sort(ids)
	return ids
}

// Remove forgets a session for every actor bound to it.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, set := range r.byActor {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byActor, actor)
		}
	}
}
