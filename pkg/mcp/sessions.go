package mcp

import "sync"

// SessionRegistry maps run IDs to the MCP sessions watching them.
type SessionRegistry struct {
	mu    sync.RWMutex
	watch map[string]map[string]struct{} // runID → sessionIDs
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watch: make(map[string]map[string]struct{})}
}

// Watch subscribes a session to a run's events.
func (r *SessionRegistry) Watch(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watch[runID]
	if !ok {
		set = make(map[string]struct{})
		r.watch[runID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching runID.
func (r *SessionRegistry) SessionsFor(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watch[runID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Forget drops every watcher of a run.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watch, runID)
}

// Remove drops a session from every run it watches.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, set := range r.watch {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watch, runID)
		}
	}
}

// Watched returns the number of runs with at least one watcher.
func (r *SessionRegistry) Watched() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watch)
}
