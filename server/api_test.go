package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/alert"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/grid"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/gridsync"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
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

// stubSource is a scriptable grid backend for HTTP handler tests.
type stubSource struct {
	listFn   func() ([]report.Report, error)
	createFn func(r report.Report, media *grid.MediaUpload) (report.Report, error)
}

func (s *stubSource) ListReports() ([]report.Report, error) {
	if s.listFn != nil {
		return s.listFn()
	}
	return nil, nil
}

func (s *stubSource) CreateReport(r report.Report, media *grid.MediaUpload) (report.Report, error) {
	if s.createFn != nil {
		return s.createFn(r, media)
	}
	return r, nil
}

func (s *stubSource) ListComments(reportID string) ([]report.Comment, error) { return nil, nil }
func (s *stubSource) AddComment(reportID string, c report.Comment) error     { return nil }

// stubStream is a no-op realtime source.
type stubStream struct{}

func (stubStream) Start() error { return nil }
func (stubStream) Stop()        {}
func (stubStream) SubscribeReports(onInsert func(report.Report)) func() {
	return func() {}
}
func (stubStream) SubscribeComments(reportID string, onInsert func(report.Comment)) func() {
	return func() {}
}

// stubMirror swallows channel posts.
type stubMirror struct{}

func (stubMirror) PostReport(r report.Report) (string, error) { return "post-" + r.ID, nil }
func (stubMirror) PostComment(rootPostID string, r report.Report, c report.Comment) error {
	return nil
}

type stubScheduler struct{}

type stubJob struct{}

func (stubJob) Close() error { return nil }

func (stubScheduler) Schedule(jobID string, next cluster.NextWaitInterval, callback func()) (gridsync.Job, error) {
	return stubJob{}, nil
}

type stubNotifier struct{}

func (stubNotifier) SendAlert(userID string, r report.Report, distanceMiles float64) error {
	return nil
}

type apiFixture struct {
	plugin *Plugin
	source *stubSource
	stop   func()
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	kvData := make(map[string][]byte)
	api := &plugintest.API{}
	mockLogs(api)
	api.On("KVSet", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		kvData[args.String(0)] = args.Get(1).([]byte)
	}).Return(nil).Maybe()
	api.On("KVGet", mock.Anything).Return(func(key string) []byte {
		return kvData[key]
	}, nil).Maybe()
	api.On("KVDelete", mock.Anything).Run(func(args mock.Arguments) {
		delete(kvData, args.String(0))
	}).Return(nil).Maybe()
	api.On("KVList", mock.Anything, mock.Anything).Return(func(page, perPage int) []string {
		if page > 0 {
			return nil
		}
		keys := make([]string, 0, len(kvData))
		for k := range kvData {
			keys = append(keys, k)
		}
		return keys
	}, nil).Maybe()

	client := pluginapi.NewClient(api, &plugintest.Driver{})
	kv := store.New(api)
	record := alert.NewRecord(client)
	dispatcher := alert.NewDispatcher(client, kv, record, stubNotifier{})

	source := &stubSource{}
	coordinator := gridsync.NewCoordinator(client, api, kv, source, stubStream{}, dispatcher, stubMirror{}, 30*time.Second)
	coordinator.SetScheduler(stubScheduler{})
	require.NoError(t, coordinator.Start())

	p := &Plugin{
		client:      client,
		store:       kv,
		record:      record,
		dispatcher:  dispatcher,
		coordinator: coordinator,
	}
	p.SetAPI(api)
	p.setConfiguration(&configuration{
		GridURL:    "https://grid.example.com",
		GridAPIKey: "test-key",
		ChannelID:  "channel-1",
	})

	return &apiFixture{
		plugin: p,
		source: source,
		stop: func() {
			coordinator.Stop()
			record.Stop()
		},
	}
}

// newLocalAPIFixture stands the plugin up without grid settings, the way
// startSession does when the configuration is incomplete. The snapshot is
// seeded before the detached session loads it.
func newLocalAPIFixture(t *testing.T, snapshot []report.Report) *apiFixture {
	t.Helper()

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
	kv := store.New(api)
	require.NoError(t, kv.SaveSnapshot(snapshot))

	record := alert.NewRecord(client)
	dispatcher := alert.NewDispatcher(client, kv, record, stubNotifier{})

	coordinator := gridsync.NewLocalCoordinator(client, kv, dispatcher)
	require.NoError(t, coordinator.Start())

	p := &Plugin{
		client:      client,
		store:       kv,
		record:      record,
		dispatcher:  dispatcher,
		coordinator: coordinator,
	}
	p.SetAPI(api)
	p.setConfiguration(&configuration{})

	return &apiFixture{
		plugin: p,
		stop: func() {
			coordinator.Stop()
			record.Stop()
		},
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Mattermost-User-ID", "user-1")
	w := httptest.NewRecorder()
	f.plugin.ServeHTTP(&plugin.Context{}, w, req)
	return w
}

func TestServeHTTP_RequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	w := httptest.NewRecorder()
	f.plugin.ServeHTTP(&plugin.Context{}, w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleListReports_FiltersByBucket(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	fresh := report.Report{
		ID:          "a7f8b2c1-0000-0000-0000-000000000001",
		Timestamp:   time.Now().Add(-30 * time.Minute).UnixMilli(),
		Type:        report.TypeCheckpoint,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7, Lng: -74.0},
		Description: "Checkpoint at the intersection",
	}
	stale := fresh
	stale.ID = "a7f8b2c1-0000-0000-0000-000000000002"
	stale.Timestamp = time.Now().Add(-5 * time.Hour).UnixMilli()

	f.source.listFn = func() ([]report.Report, error) {
		return []report.Report{fresh, stale}, nil
	}
	require.NoError(t, f.plugin.coordinator.Refresh())

	w := f.request(t, http.MethodGet, "/api/v1/reports?bucket=active", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Mode    string          `json:"mode"`
		Reports []report.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "live", resp.Mode)
	require.Len(t, resp.Reports, 1)
	assert.Equal(t, fresh.ID, resp.Reports[0].ID)
}

func TestHandleListReports_TypeAndSeverityFilters(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	checkpoint := report.Report{
		ID:          "a7f8b2c1-0000-0000-0000-000000000010",
		Timestamp:   time.Now().UnixMilli(),
		Type:        report.TypeCheckpoint,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7, Lng: -74.0},
		Description: "Checkpoint",
	}
	raid := checkpoint
	raid.ID = "a7f8b2c1-0000-0000-0000-000000000011"
	raid.Type = report.TypeWorkplace
	raid.Severity = report.SeverityLow

	f.source.listFn = func() ([]report.Report, error) {
		return []report.Report{checkpoint, raid}, nil
	}
	require.NoError(t, f.plugin.coordinator.Refresh())

	query := url.Values{}
	query.Set("bucket", "all")
	query.Set("types", "Checkpoint,Workplace Raid")
	query.Set("severities", "high")

	w := f.request(t, http.MethodGet, "/api/v1/reports?"+query.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reports []report.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Reports, 1)
	assert.Equal(t, checkpoint.ID, resp.Reports[0].ID)
}

func TestHandleListReports_RejectsUnknownBucket(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	w := f.request(t, http.MethodGet, "/api/v1/reports?bucket=stale", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitReport_RemoteFailureQueuesLocally(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	f.source.createFn = func(r report.Report, media *grid.MediaUpload) (report.Report, error) {
		return r, errors.New("grid unreachable")
	}

	body, err := json.Marshal(report.Report{
		Type:        report.TypeWorkplace,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7, Lng: -74.0, Address: "123 Main St"},
		Description: "Vans outside the warehouse",
	})
	require.NoError(t, err)

	w := f.request(t, http.MethodPost, "/api/v1/reports", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.LocalOnly)
	assert.NotEmpty(t, resp.Report.ID)
}

func TestHandleSubmitReport_InvalidPayload(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	w := f.request(t, http.MethodPost, "/api/v1/reports", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatchLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	body := []byte(`{"radiusMiles": 3, "lat": 40.7359, "lng": -73.9911}`)
	w := f.request(t, http.MethodPut, "/api/v1/watch", body)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/watch", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var prefs store.WatchPrefs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prefs))
	assert.Equal(t, "user-1", prefs.UserID)
	assert.Equal(t, 3.0, prefs.RadiusMiles)
	assert.True(t, prefs.HasLocation)

	w = f.request(t, http.MethodDelete, "/api/v1/watch", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = f.request(t, http.MethodGet, "/api/v1/watch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlePutWatch_DefaultRadiusApplied(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	w := f.request(t, http.MethodPut, "/api/v1/watch", []byte(`{"lat": 40.7, "lng": -74.0}`))
	require.Equal(t, http.StatusOK, w.Code)

	var prefs store.WatchPrefs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prefs))
	assert.Equal(t, defaultRadiusMiles, prefs.RadiusMiles)
}

func TestHandlePutWatchLocation_UpdatesPositionOnly(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	w := f.request(t, http.MethodPut, "/api/v1/watch", []byte(`{"radiusMiles": 8}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodPut, "/api/v1/watch/location", []byte(`{"lat": 40.7359, "lng": -73.9911}`))
	require.Equal(t, http.StatusOK, w.Code)

	var prefs store.WatchPrefs
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prefs))
	assert.Equal(t, 8.0, prefs.RadiusMiles)
	assert.True(t, prefs.HasLocation)
	assert.Equal(t, 40.7359, prefs.Lat)
}

func TestHandleRefresh_GridError(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	f.source.listFn = func() ([]report.Report, error) {
		return nil, errors.New("grid unreachable")
	}

	w := f.request(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleListReports_UnconfiguredServesSnapshot(t *testing.T) {
	cached := report.Report{
		ID:          "a7f8b2c1-0000-0000-0000-000000000030",
		Timestamp:   time.Now().Add(-30 * time.Minute).UnixMilli(),
		Type:        report.TypeCheckpoint,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7, Lng: -74.0},
		Description: "Checkpoint at the intersection",
	}
	f := newLocalAPIFixture(t, []report.Report{cached})
	defer f.stop()

	w := f.request(t, http.MethodGet, "/api/v1/reports?bucket=all", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Mode    string          `json:"mode"`
		Reports []report.Report `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "local_only", resp.Mode)
	require.Len(t, resp.Reports, 1)
	assert.Equal(t, cached.ID, resp.Reports[0].ID)
}

func TestHandleSubmitReport_UnconfiguredQueuesLocally(t *testing.T) {
	f := newLocalAPIFixture(t, nil)
	defer f.stop()

	body, err := json.Marshal(report.Report{
		Type:        report.TypeCheckpoint,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7, Lng: -74.0},
		Description: "Checkpoint at the intersection",
	})
	require.NoError(t, err)

	w := f.request(t, http.MethodPost, "/api/v1/reports", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.LocalOnly)
	assert.NotEmpty(t, resp.Report.ID)
}

func TestHandleStatus_Unconfigured(t *testing.T) {
	f := newLocalAPIFixture(t, nil)
	defer f.stop()

	w := f.request(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gridsync.ModeLocalOnly, resp.Mode)
}

func TestHandleStatus_BeforeActivation(t *testing.T) {
	p := &Plugin{}
	api := &plugintest.API{}
	mockLogs(api)
	p.SetAPI(api)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Mattermost-User-ID", "user-1")
	w := httptest.NewRecorder()
	p.ServeHTTP(&plugin.Context{}, w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gridsync.ModeUninitialized, resp.Mode)
}

func TestHandleGetReport_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	defer f.stop()

	w := f.request(t, http.MethodGet, "/api/v1/reports/missing-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
