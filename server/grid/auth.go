package grid

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// SessionRefreshBuffer is how long before expiry a session token is
// considered stale and proactively replaced.
const SessionRefreshBuffer = 5 * time.Minute

// SessionManager exchanges the configured API key for a grid session token,
// caching it in the KV store and refreshing it before expiry.
type SessionManager struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      *store.Store
	logger     pluginapi.LogService
}

// NewSessionManager creates a session manager for the grid at baseURL.
func NewSessionManager(baseURL, apiKey string, kv *store.Store, logger pluginapi.LogService) *SessionManager {
	return &SessionManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		store:  kv,
		logger: logger,
	}
}

// GetValidToken returns a usable session token, opening a new session when
// the cached one is missing or about to expire.
func (m *SessionManager) GetValidToken() (string, error) {
	cached, expiry, err := m.store.GetSessionToken()
	if err != nil {
		m.logger.Warn("Failed to load cached grid session token", "error", err)
	}

	if cached != "" && m.isTokenValid(expiry) {
		return cached, nil
	}

	m.logger.Info("Opening new grid session")
	return m.openSession()
}

// openSession performs the session exchange with the grid.
func (m *SessionManager) openSession() (string, error) {
	authURL := fmt.Sprintf("%s/auth/v1/session", m.baseURL)

	formData := url.Values{}
	formData.Set("grant_type", "api_key")
	formData.Set("api_key", m.apiKey)

	req, err := http.NewRequest(http.MethodPost, authURL, strings.NewReader(formData.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create session request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var authErr AuthError
		if err := json.NewDecoder(resp.Body).Decode(&authErr); err == nil && authErr.Code != "" {
			return "", fmt.Errorf("session refused (HTTP %d): %s - %s", resp.StatusCode, authErr.Code, authErr.Description)
		}
		return "", fmt.Errorf("session refused with HTTP %d", resp.StatusCode)
	}

	var authResp AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}

	if authResp.SessionToken == "" {
		return "", fmt.Errorf("session response missing token")
	}

	expiry := time.Unix(0, authResp.ExpiresAt*int64(time.Millisecond)).UTC()
	if err := m.store.SaveSessionToken(authResp.SessionToken, expiry); err != nil {
		m.logger.Warn("Failed to cache grid session token", "error", err)
	}

	m.logger.Info("Grid session established", "expiry", expiry.Format(time.RFC3339))
	return authResp.SessionToken, nil
}

// isTokenValid checks that a token will still be accepted long enough to be
// worth using.
func (m *SessionManager) isTokenValid(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return time.Until(expiry) > SessionRefreshBuffer
}
