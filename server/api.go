package main

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/plugin"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/grid"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/gridsync"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// ServeHTTP handles HTTP requests for the plugin.
// The root URL is currently <siteUrl>/plugins/com.mattermost.plugin-sectorwatch/api/v1/.
func (p *Plugin) ServeHTTP(c *plugin.Context, w http.ResponseWriter, r *http.Request) {
	router := mux.NewRouter()

	// Middleware to require that the user is logged in
	router.Use(p.MattermostAuthorizationRequired)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	apiRouter.HandleFunc("/reports", p.handleListReports).Methods(http.MethodGet)
	apiRouter.HandleFunc("/reports", p.handleSubmitReport).Methods(http.MethodPost)
	apiRouter.HandleFunc("/reports/{id}", p.handleGetReport).Methods(http.MethodGet)
	apiRouter.HandleFunc("/reports/{id}/comments", p.handleListComments).Methods(http.MethodGet)
	apiRouter.HandleFunc("/reports/{id}/comments", p.handleAddComment).Methods(http.MethodPost)

	apiRouter.HandleFunc("/watch", p.handleGetWatch).Methods(http.MethodGet)
	apiRouter.HandleFunc("/watch", p.handlePutWatch).Methods(http.MethodPut)
	apiRouter.HandleFunc("/watch", p.handleDeleteWatch).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/watch/location", p.handlePutWatchLocation).Methods(http.MethodPut)

	apiRouter.HandleFunc("/refresh", p.handleRefresh).Methods(http.MethodPost)
	apiRouter.HandleFunc("/status", p.handleStatus).Methods(http.MethodGet)

	router.ServeHTTP(w, r)
}

func (p *Plugin) MattermostAuthorizationRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("Mattermost-User-ID")
		if userID == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON serializes a response body. Encoding failures are logged, not
// surfaced; the status line has already been written.
func (p *Plugin) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.API.LogWarn("Failed to write API response", "error", err.Error())
	}
}

func (p *Plugin) writeError(w http.ResponseWriter, status int, message string) {
	p.writeJSON(w, status, map[string]string{"error": message})
}

// handleListReports serves the local replica, filtered by temporal bucket
// plus optional type and severity sets. Query parameters: bucket (active,
// expired, past, all), type (repeatable), severity (repeatable).
func (p *Plugin) handleListReports(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	query := r.URL.Query()

	filter := report.Filter{Bucket: report.BucketAll}
	if raw := query.Get("bucket"); raw != "" {
		bucket, err := report.ParseBucket(raw)
		if err != nil {
			p.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Bucket = bucket
	}

	for _, raw := range append(splitParams(query["type"]), splitParams(query["types"])...) {
		t := report.Type(raw)
		if !t.IsValid() {
			p.writeError(w, http.StatusBadRequest, "unknown report type: "+raw)
			return
		}
		filter.Types = append(filter.Types, t)
	}

	for _, raw := range append(splitParams(query["severity"]), splitParams(query["severities"])...) {
		s := report.Severity(raw)
		if !s.IsValid() {
			p.writeError(w, http.StatusBadRequest, "unknown severity: "+raw)
			return
		}
		filter.Severities = append(filter.Severities, s)
	}

	reports := coordinator.Reports(filter, time.Now())
	p.writeJSON(w, http.StatusOK, map[string]any{
		"mode":    coordinator.Mode(),
		"reports": reports,
	})
}

// splitParams flattens repeated and comma-separated query values into one
// list.
func splitParams(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// submitResponse echoes the accepted report along with whether it reached
// the grid or is queued locally for the next reconciliation.
type submitResponse struct {
	Report    report.Report `json:"report"`
	LocalOnly bool          `json:"localOnly"`
}

// handleSubmitReport accepts either a JSON report body or a multipart form
// with a "report" JSON field and an optional "media" file.
func (p *Plugin) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	config := p.getConfiguration()

	var incoming report.Report
	var media *grid.MediaUpload

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, config.maxMediaBytes()+1<<20)
		if err := r.ParseMultipartForm(config.maxMediaBytes()); err != nil {
			p.writeError(w, http.StatusRequestEntityTooLarge, "media exceeds the upload limit")
			return
		}

		if err := json.Unmarshal([]byte(r.FormValue("report")), &incoming); err != nil {
			p.writeError(w, http.StatusBadRequest, "invalid report payload")
			return
		}

		file, header, err := r.FormFile("media")
		if err == nil {
			defer file.Close()
			if header.Size > config.maxMediaBytes() {
				p.writeError(w, http.StatusRequestEntityTooLarge, "media exceeds the upload limit")
				return
			}
			media = &grid.MediaUpload{
				Filename: header.Filename,
				Kind:     mediaKind(header),
				Data:     file,
			}
		} else if err != http.ErrMissingFile {
			p.writeError(w, http.StatusBadRequest, "invalid media attachment")
			return
		}
	} else {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&incoming); err != nil {
			p.writeError(w, http.StatusBadRequest, "invalid report payload")
			return
		}
	}

	p.classify(r, &incoming)

	accepted, remoteSaved, err := coordinator.Submit(incoming, media)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	if !remoteSaved {
		status = http.StatusAccepted
	}
	p.writeJSON(w, status, submitResponse{Report: accepted, LocalOnly: !remoteSaved})
}

// classify fills in missing category, severity, and analysis fields from
// the description when the classifier is configured.
func (p *Plugin) classify(r *http.Request, incoming *report.Report) {
	c := p.getClassifier()
	if c == nil || !c.Enabled() || incoming.Description == "" {
		return
	}

	result := c.Classify(r.Context(), incoming.Description)
	if !incoming.Type.IsValid() {
		incoming.Type = result.Category
	}
	if !incoming.Severity.IsValid() {
		incoming.Severity = result.Severity
	}
	if incoming.Analysis == "" {
		incoming.Analysis = result.Summary
	}
}

func mediaKind(header *multipart.FileHeader) string {
	if strings.HasPrefix(header.Header.Get("Content-Type"), "video/") {
		return "video"
	}
	return "image"
}

func (p *Plugin) handleGetReport(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	reportID := mux.Vars(r)["id"]
	found, ok := coordinator.Report(reportID)
	if !ok {
		p.writeError(w, http.StatusNotFound, "report not found")
		return
	}

	p.writeJSON(w, http.StatusOK, map[string]any{
		"report":    found,
		"localOnly": coordinator.IsLocalOnly(reportID),
	})
}

func (p *Plugin) handleListComments(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	reportID := mux.Vars(r)["id"]
	if _, ok := coordinator.Report(reportID); !ok {
		p.writeError(w, http.StatusNotFound, "report not found")
		return
	}

	comments, err := coordinator.Comments(reportID)
	if err != nil {
		p.API.LogWarn("Failed to fetch comments from grid, serving replica", "reportId", reportID, "error", err.Error())
	}

	p.writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (p *Plugin) handleAddComment(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	reportID := mux.Vars(r)["id"]
	if _, ok := coordinator.Report(reportID); !ok {
		p.writeError(w, http.StatusNotFound, "report not found")
		return
	}

	var comment report.Comment
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&comment); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid comment payload")
		return
	}
	if strings.TrimSpace(comment.Text) == "" {
		p.writeError(w, http.StatusBadRequest, "comment text is required")
		return
	}

	saved, remoteSaved, err := coordinator.AddComment(reportID, comment)
	if err != nil {
		p.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	if !remoteSaved {
		status = http.StatusAccepted
	}
	p.writeJSON(w, status, map[string]any{
		"comment":   saved,
		"localOnly": !remoteSaved,
	})
}

// watchRequest is the body for PUT /watch. Lat and Lng are optional; users
// who only set a radius start alerting once they share a location.
type watchRequest struct {
	RadiusMiles float64  `json:"radiusMiles"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
}

func (p *Plugin) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	prefs, found := p.dispatcher.GetPrefs(userID)
	if !found {
		p.writeError(w, http.StatusNotFound, "no watch configured")
		return
	}

	p.writeJSON(w, http.StatusOK, prefs)
}

func (p *Plugin) handlePutWatch(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	var body watchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&body); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid watch payload")
		return
	}

	config := p.getConfiguration()
	radius := body.RadiusMiles
	if radius == 0 {
		radius = config.radiusMiles()
	}
	if radius < 0 || radius > maxRadiusMiles {
		p.writeError(w, http.StatusBadRequest, "radius out of range")
		return
	}

	prefs, _ := p.dispatcher.GetPrefs(userID)
	prefs.UserID = userID
	prefs.RadiusMiles = radius
	if body.Lat != nil && body.Lng != nil {
		prefs.HasLocation = true
		prefs.Lat = *body.Lat
		prefs.Lng = *body.Lng
	}
	prefs.UpdatedAt = time.Now()

	if err := p.store.SaveWatchPrefs(prefs); err != nil {
		p.API.LogError("Failed to persist watch preferences", "userId", userID, "error", err.Error())
		p.writeError(w, http.StatusInternalServerError, "failed to save watch preferences")
		return
	}
	p.dispatcher.UpdatePrefs(prefs)

	p.writeJSON(w, http.StatusOK, prefs)
}

func (p *Plugin) handleDeleteWatch(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	if err := p.store.DeleteWatchPrefs(userID); err != nil {
		p.API.LogError("Failed to delete watch preferences", "userId", userID, "error", err.Error())
		p.writeError(w, http.StatusInternalServerError, "failed to delete watch preferences")
		return
	}
	p.dispatcher.RemovePrefs(userID)

	w.WriteHeader(http.StatusNoContent)
}

// handlePutWatchLocation updates only the user's position. Clients are
// expected to call this as the user moves; the radius is left untouched.
func (p *Plugin) handlePutWatchLocation(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	var body struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&body); err != nil {
		p.writeError(w, http.StatusBadRequest, "invalid location payload")
		return
	}

	prefs, found := p.dispatcher.GetPrefs(userID)
	if !found {
		prefs = store.WatchPrefs{
			UserID:      userID,
			RadiusMiles: p.getConfiguration().radiusMiles(),
		}
	}
	prefs.HasLocation = true
	prefs.Lat = body.Lat
	prefs.Lng = body.Lng
	prefs.UpdatedAt = time.Now()

	if err := p.store.SaveWatchPrefs(prefs); err != nil {
		p.API.LogError("Failed to persist watch preferences", "userId", userID, "error", err.Error())
		p.writeError(w, http.StatusInternalServerError, "failed to save watch preferences")
		return
	}
	p.dispatcher.UpdatePrefs(prefs)

	p.writeJSON(w, http.StatusOK, prefs)
}

// handleRefresh forces an immediate reconciliation against the grid instead
// of waiting for the next poll.
func (p *Plugin) handleRefresh(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeError(w, http.StatusServiceUnavailable, "plugin is still starting")
		return
	}

	if err := coordinator.Refresh(); err != nil {
		p.writeJSON(w, http.StatusBadGateway, map[string]any{
			"mode":  coordinator.Mode(),
			"error": err.Error(),
		})
		return
	}

	p.writeJSON(w, http.StatusOK, map[string]any{"mode": coordinator.Mode()})
}

// statusResponse summarizes sync health for the settings UI.
type statusResponse struct {
	Mode        gridsync.Mode `json:"mode"`
	Reports     int           `json:"reports"`
	LastPoll    *time.Time    `json:"lastPoll,omitempty"`
	LastSuccess *time.Time    `json:"lastSuccess,omitempty"`
	Failures    int           `json:"failures"`
	LastError   string        `json:"lastError,omitempty"`
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	coordinator := p.getCoordinator()
	if coordinator == nil {
		p.writeJSON(w, http.StatusOK, statusResponse{Mode: gridsync.ModeUninitialized})
		return
	}

	resp := statusResponse{
		Mode:    coordinator.Mode(),
		Reports: len(coordinator.Reports(report.Filter{Bucket: report.BucketAll}, time.Now())),
	}

	if lastPoll, err := p.store.GetLastPoll(); err == nil && !lastPoll.IsZero() {
		resp.LastPoll = &lastPoll
	}
	if lastSuccess, err := p.store.GetLastSuccess(); err == nil && !lastSuccess.IsZero() {
		resp.LastSuccess = &lastSuccess
	}
	if failures, err := p.store.GetFailures(); err == nil {
		resp.Failures = failures
	}
	if lastErr, err := p.store.GetLastError(); err == nil {
		resp.LastError = lastErr
	}

	p.writeJSON(w, http.StatusOK, resp)
}
