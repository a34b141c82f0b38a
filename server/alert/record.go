// Package alert decides which users get notified about a report and makes
// sure each user hears about each report only once.
package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi"
)

const (
	// RecordTTL is how long a delivered alert stays in the record. It
	// matches the window after which a report drops out of the expired
	// bucket and can no longer trigger alerts anyway.
	RecordTTL = 24 * time.Hour

	// RecordCleanupInterval is how often expired entries are swept.
	RecordCleanupInterval = 10 * time.Minute
)

// Record tracks which user/report pairs have already been alerted during
// this session. It is in-memory only; a plugin restart starts a fresh
// session and may re-alert, which beats silently losing alerts.
type Record struct {
	api         *pluginapi.Client
	delivered   map[string]time.Time
	mu          sync.Mutex
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewRecord creates an alert record and starts the cleanup loop.
func NewRecord(api *pluginapi.Client) *Record {
	r := &Record{
		api:         api,
		delivered:   make(map[string]time.Time),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// MarkDelivered atomically checks whether the user has already been alerted
// about the report and records the delivery if not. Returns true when the
// caller should send the alert, false when it is a duplicate.
func (r *Record) MarkDelivered(userID, reportID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := r.deliveryKey(userID, reportID)

	if _, exists := r.delivered[key]; exists {
		return false
	}

	r.delivered[key] = time.Now()
	return true
}

// deliveryKey namespaces the report ID by user so two users alerting on the
// same report never collide.
func (r *Record) deliveryKey(userID, reportID string) string {
	return fmt.Sprintf("%s:%s", userID, reportID)
}

// cleanupLoop periodically removes expired entries.
func (r *Record) cleanupLoop() {
	ticker := time.NewTicker(RecordCleanupInterval)
	defer ticker.Stop()
	defer close(r.cleanupDone)

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

// cleanup removes entries older than RecordTTL.
func (r *Record) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	expired := 0

	for key, deliveredAt := range r.delivered {
		if now.Sub(deliveredAt) > RecordTTL {
			delete(r.delivered, key)
			expired++
		}
	}

	if expired > 0 {
		r.api.Log.Debug("Cleaned up expired alert record entries",
			"expired", expired,
			"remaining", len(r.delivered))
	}
}

// Stop stops the cleanup goroutine and waits for it to finish.
func (r *Record) Stop() {
	close(r.stopCleanup)
	<-r.cleanupDone
}
