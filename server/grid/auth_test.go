package grid

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// mockLogs registers catch-all expectations for every log level at any
// arity, so fixtures do not break when a log line gains a field.
func mockLogs(api *plugintest.API) {
	for _, method := range []string{"LogDebug", "LogInfo", "LogWarn", "LogError"} {
		for arity := 1; arity <= 11; arity++ {
			args := make([]interface{}, arity)
			for i := range args {
				args[i] = mock.Anything
			}
			api.On(method, args...).Maybe()
		}
	}
}

// newTestSessionManager wires a session manager against a mocked KV store
// with no cached token.
func newTestSessionManager(t *testing.T, serverURL string) *SessionManager {
	t.Helper()

	api := &plugintest.API{}
	mockLogs(api)
	api.On("KVGet", mock.Anything).Return(nil, nil).Maybe()
	api.On("KVSet", mock.Anything, mock.Anything).Return(nil).Maybe()

	client := pluginapi.NewClient(api, &plugintest.Driver{})
	return NewSessionManager(serverURL, "test-api-key", store.New(api), client.Log)
}

func TestSessionManager_GetValidToken_OpensSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/session", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "api_key", r.PostForm.Get("grant_type"))
		assert.Equal(t, "test-api-key", r.PostForm.Get("api_key"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(AuthResponse{
			SessionToken: "session-token-1",
			ExpiresAt:    time.Now().Add(1 * time.Hour).UnixMilli(),
		})
	}))
	defer server.Close()

	manager := newTestSessionManager(t, server.URL)

	token, err := manager.GetValidToken()

	require.NoError(t, err)
	assert.Equal(t, "session-token-1", token)
}

func TestSessionManager_GetValidToken_UsesCachedToken(t *testing.T) {
	authCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(AuthResponse{
			SessionToken: "cached-token",
			ExpiresAt:    time.Now().Add(1 * time.Hour).UnixMilli(),
		})
	}))
	defer server.Close()

	// Back the store with a real map so the first session's token survives
	// to the second call.
	kvData := make(map[string][]byte)
	api := &plugintest.API{}
	mockLogs(api)
	api.On("KVSet", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		kvData[args.String(0)] = args.Get(1).([]byte)
	}).Return(nil).Maybe()
	api.On("KVGet", mock.Anything).Return(func(key string) []byte {
		return kvData[key]
	}, nil).Maybe()

	client := pluginapi.NewClient(api, &plugintest.Driver{})
	manager := NewSessionManager(server.URL, "test-api-key", store.New(api), client.Log)

	first, err := manager.GetValidToken()
	require.NoError(t, err)

	second, err := manager.GetValidToken()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, authCalls, "second call should reuse the cached token")
}

func TestSessionManager_GetValidToken_RefusedKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(AuthError{
			Code:        "invalid_api_key",
			Description: "The provided API key was not recognized",
		})
	}))
	defer server.Close()

	manager := newTestSessionManager(t, server.URL)

	token, err := manager.GetValidToken()

	require.Error(t, err)
	assert.Empty(t, token)
	assert.Contains(t, err.Error(), "invalid_api_key")
	assert.Contains(t, err.Error(), "401")
}

func TestSessionManager_GetValidToken_MissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(AuthResponse{})
	}))
	defer server.Close()

	manager := newTestSessionManager(t, server.URL)

	token, err := manager.GetValidToken()

	require.Error(t, err)
	assert.Empty(t, token)
	assert.Contains(t, err.Error(), "missing token")
}

func TestSessionManager_IsTokenValid(t *testing.T) {
	manager := &SessionManager{}

	t.Run("token expiring well in the future is valid", func(t *testing.T) {
		assert.True(t, manager.isTokenValid(time.Now().Add(1*time.Hour)))
	})

	t.Run("token inside the refresh buffer is stale", func(t *testing.T) {
		assert.False(t, manager.isTokenValid(time.Now().Add(2*time.Minute)))
	})

	t.Run("expired token is stale", func(t *testing.T) {
		assert.False(t, manager.isTokenValid(time.Now().Add(-1*time.Minute)))
	})

	t.Run("zero expiry is stale", func(t *testing.T) {
		assert.False(t, manager.isTokenValid(time.Time{}))
	})
}
