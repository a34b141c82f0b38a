// Package store persists the report snapshot and per-user watch preferences
// in the Mattermost KV store, so a restart without connectivity still shows
// the last known state.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// Fixed KV key layout. The snapshot is one record holding the full report
// collection, newest-first; watch preferences are one record per user.
const (
	snapshotKey     = "grid_snapshot"
	sessionTokenKey = "grid_session_token"
	lastPollKey     = "grid_last_poll"
	lastSuccessKey  = "grid_last_success"
	failuresKey     = "grid_failures"
	lastErrorKey    = "grid_last_error"

	watchKeyPrefix = "watch_"
	postKeyPrefix  = "post_"

	kvListPerPage = 100
)

// Store wraps the plugin KV store with typed accessors.
type Store struct {
	api plugin.API
}

// New creates a store backed by the given plugin API.
func New(api plugin.API) *Store {
	return &Store{api: api}
}

// SaveSnapshot persists the full report collection. Callers are expected to
// pass the newest-first ordering produced by merge/ingest.
func (s *Store) SaveSnapshot(reports []report.Report) error {
	data, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if appErr := s.api.KVSet(snapshotKey, data); appErr != nil {
		return fmt.Errorf("failed to save snapshot: %w", appErr)
	}

	return nil
}

// LoadSnapshot retrieves the last persisted report collection. Returns an
// empty slice if nothing has been persisted yet.
func (s *Store) LoadSnapshot() ([]report.Report, error) {
	data, appErr := s.api.KVGet(snapshotKey)
	if appErr != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", appErr)
	}

	if data == nil {
		return []report.Report{}, nil
	}

	var reports []report.Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return reports, nil
}

// WatchPrefs holds one user's geofence configuration. RadiusMiles is
// persisted configuration; the location fields are the last position the
// user shared, used to seed evaluation after a restart.
type WatchPrefs struct {
	UserID      string    `json:"userId"`
	RadiusMiles float64   `json:"radiusMiles"`
	HasLocation bool      `json:"hasLocation"`
	Lat         float64   `json:"lat,omitempty"`
	Lng         float64   `json:"lng,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SaveWatchPrefs persists one user's watch preferences.
func (s *Store) SaveWatchPrefs(prefs WatchPrefs) error {
	if prefs.UserID == "" {
		return fmt.Errorf("watch prefs missing user id")
	}

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal watch prefs: %w", err)
	}

	if appErr := s.api.KVSet(watchKeyPrefix+prefs.UserID, data); appErr != nil {
		return fmt.Errorf("failed to save watch prefs: %w", appErr)
	}

	return nil
}

// GetWatchPrefs retrieves one user's watch preferences. Returns found=false
// if the user has never configured a watch.
func (s *Store) GetWatchPrefs(userID string) (WatchPrefs, bool, error) {
	data, appErr := s.api.KVGet(watchKeyPrefix + userID)
	if appErr != nil {
		return WatchPrefs{}, false, fmt.Errorf("failed to get watch prefs: %w", appErr)
	}

	if data == nil {
		return WatchPrefs{}, false, nil
	}

	var prefs WatchPrefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		return WatchPrefs{}, false, fmt.Errorf("failed to unmarshal watch prefs: %w", err)
	}

	return prefs, true, nil
}

// DeleteWatchPrefs removes one user's watch preferences.
func (s *Store) DeleteWatchPrefs(userID string) error {
	if appErr := s.api.KVDelete(watchKeyPrefix + userID); appErr != nil {
		return fmt.Errorf("failed to delete watch prefs: %w", appErr)
	}
	return nil
}

// ListWatchPrefs enumerates every stored watch preference record, used to
// hydrate the in-memory watcher registry at session start.
func (s *Store) ListWatchPrefs() ([]WatchPrefs, error) {
	var out []WatchPrefs

	for page := 0; ; page++ {
		keys, appErr := s.api.KVList(page, kvListPerPage)
		if appErr != nil {
			return nil, fmt.Errorf("failed to list kv keys: %w", appErr)
		}

		for _, key := range keys {
			if len(key) <= len(watchKeyPrefix) || key[:len(watchKeyPrefix)] != watchKeyPrefix {
				continue
			}

			prefs, found, err := s.GetWatchPrefs(key[len(watchKeyPrefix):])
			if err != nil {
				return nil, err
			}
			if found {
				out = append(out, prefs)
			}
		}

		if len(keys) < kvListPerPage {
			break
		}
	}

	return out, nil
}

// SavePostID records the channel post created for a report, so comment
// threads and duplicate dispatch attempts can find it.
func (s *Store) SavePostID(reportID, postID string) error {
	if appErr := s.api.KVSet(postKeyPrefix+reportID, []byte(postID)); appErr != nil {
		return fmt.Errorf("failed to save post mapping: %w", appErr)
	}
	return nil
}

// GetPostID returns the channel post recorded for a report, or empty string
// if the report was never mirrored.
func (s *Store) GetPostID(reportID string) (string, error) {
	data, appErr := s.api.KVGet(postKeyPrefix + reportID)
	if appErr != nil {
		return "", fmt.Errorf("failed to get post mapping: %w", appErr)
	}
	return string(data), nil
}

// SessionToken is a cached grid session credential.
type SessionToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// SaveSessionToken stores the grid session token and its expiry.
func (s *Store) SaveSessionToken(token string, expiry time.Time) error {
	state := SessionToken{Token: token, Expiry: expiry}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session token: %w", err)
	}

	if appErr := s.api.KVSet(sessionTokenKey, data); appErr != nil {
		return fmt.Errorf("failed to save session token: %w", appErr)
	}

	return nil
}

// GetSessionToken retrieves the cached grid session token. Returns the zero
// value if no token is stored.
func (s *Store) GetSessionToken() (string, time.Time, error) {
	data, appErr := s.api.KVGet(sessionTokenKey)
	if appErr != nil {
		return "", time.Time{}, fmt.Errorf("failed to get session token: %w", appErr)
	}

	if data == nil {
		return "", time.Time{}, nil
	}

	var state SessionToken
	if err := json.Unmarshal(data, &state); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to unmarshal session token: %w", err)
	}

	return state.Token, state.Expiry, nil
}

// SaveLastPoll stores the timestamp of the last poll attempt.
func (s *Store) SaveLastPoll(t time.Time) error {
	return s.saveTime(lastPollKey, t)
}

// GetLastPoll retrieves the timestamp of the last poll attempt.
func (s *Store) GetLastPoll() (time.Time, error) {
	return s.getTime(lastPollKey)
}

// SaveLastSuccess stores the timestamp of the last successful poll.
func (s *Store) SaveLastSuccess(t time.Time) error {
	return s.saveTime(lastSuccessKey, t)
}

// GetLastSuccess retrieves the timestamp of the last successful poll.
func (s *Store) GetLastSuccess() (time.Time, error) {
	return s.getTime(lastSuccessKey)
}

// IncrementFailures increments the consecutive poll failure counter and
// returns the new count.
func (s *Store) IncrementFailures() (int, error) {
	count, err := s.GetFailures()
	if err != nil {
		return 0, err
	}

	count++

	data, err := json.Marshal(count)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal failure count: %w", err)
	}

	if appErr := s.api.KVSet(failuresKey, data); appErr != nil {
		return 0, fmt.Errorf("failed to save failure count: %w", appErr)
	}

	return count, nil
}

// ResetFailures resets the consecutive poll failure counter to zero.
func (s *Store) ResetFailures() error {
	data, err := json.Marshal(0)
	if err != nil {
		return fmt.Errorf("failed to marshal failure count: %w", err)
	}

	if appErr := s.api.KVSet(failuresKey, data); appErr != nil {
		return fmt.Errorf("failed to reset failure count: %w", appErr)
	}

	return nil
}

// GetFailures retrieves the current consecutive poll failure count.
func (s *Store) GetFailures() (int, error) {
	data, appErr := s.api.KVGet(failuresKey)
	if appErr != nil {
		return 0, fmt.Errorf("failed to get failure count: %w", appErr)
	}

	if data == nil {
		return 0, nil
	}

	var count int
	if err := json.Unmarshal(data, &count); err != nil {
		return 0, fmt.Errorf("failed to unmarshal failure count: %w", err)
	}

	return count, nil
}

// SaveLastError stores the error message from the most recent poll failure.
// Saving an empty string clears it.
func (s *Store) SaveLastError(errMsg string) error {
	if appErr := s.api.KVSet(lastErrorKey, []byte(errMsg)); appErr != nil {
		return fmt.Errorf("failed to save last error: %w", appErr)
	}
	return nil
}

// GetLastError retrieves the error message from the most recent poll
// failure, or empty string.
func (s *Store) GetLastError() (string, error) {
	data, appErr := s.api.KVGet(lastErrorKey)
	if appErr != nil {
		return "", fmt.Errorf("failed to get last error: %w", appErr)
	}
	return string(data), nil
}

func (s *Store) saveTime(key string, t time.Time) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal time for %s: %w", key, err)
	}

	if appErr := s.api.KVSet(key, data); appErr != nil {
		return fmt.Errorf("failed to save %s: %w", key, appErr)
	}

	return nil
}

func (s *Store) getTime(key string) (time.Time, error) {
	data, appErr := s.api.KVGet(key)
	if appErr != nil {
		return time.Time{}, fmt.Errorf("failed to get %s: %w", key, appErr)
	}

	if data == nil {
		return time.Time{}, nil
	}

	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return time.Time{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return t, nil
}
