package alert

import (
	"sync"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// Registry is the in-memory view of every user's watch preferences, keyed
// by user ID. The KV store remains the durable copy.
type Registry struct {
	mu    sync.RWMutex
	prefs map[string]store.WatchPrefs
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		prefs: make(map[string]store.WatchPrefs),
	}
}

// Set installs or replaces a user's preferences.
func (r *Registry) Set(p store.WatchPrefs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[p.UserID] = p
}

// Get returns a user's preferences.
func (r *Registry) Get(userID string) (store.WatchPrefs, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, found := r.prefs[userID]
	return p, found
}

// Remove drops a user's preferences.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prefs, userID)
}

// All returns a snapshot of every registered preference. Safe to iterate
// while other goroutines mutate the registry.
func (r *Registry) All() []store.WatchPrefs {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]store.WatchPrefs, 0, len(r.prefs))
	for _, p := range r.prefs {
		out = append(out, p)
	}
	return out
}
