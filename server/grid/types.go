// Package grid is the client for the community report grid: the remote
// REST + websocket service that owns the authoritative report collection.
package grid

import (
	"fmt"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// AuthResponse is the session issued by the grid in exchange for an API key.
type AuthResponse struct {
	SessionToken string `json:"sessionToken"`
	ExpiresAt    int64  `json:"expiresAt"` // epoch milliseconds
}

// AuthError is the error payload returned by the auth endpoint.
// Format: {"error": "invalid_api_key", "error_description": "..."}
type AuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// APIError is the error payload returned by the data endpoints.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("code %s: %s", e.Code, e.Message)
	}
	return "unknown grid error"
}

// wireLocation mirrors the grid's location object.
type wireLocation struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// wireReport is the grid's snake_case report row. The grid stores epoch
// milliseconds for timestamps, matching the core's Report representation.
type wireReport struct {
	ID          string       `json:"id"`
	Timestamp   int64        `json:"timestamp"`
	Type        string       `json:"type"`
	Severity    string       `json:"severity"`
	Location    wireLocation `json:"location"`
	Description string       `json:"description"`
	MediaURL    string       `json:"media_url,omitempty"`
	MediaType   string       `json:"media_type,omitempty"`
	IsVerified  bool         `json:"is_verified,omitempty"`
	IsAnonymous bool         `json:"is_anonymous"`
	Analysis    string       `json:"category_analysis,omitempty"`
}

// wireComment is the grid's snake_case comment row.
type wireComment struct {
	ID          string `json:"id"`
	ReportID    string `json:"report_id,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// ReportsResponse is the payload of the report list endpoint.
type ReportsResponse struct {
	Reports []wireReport `json:"reports"`
}

// CommentsResponse is the payload of the comment list endpoint.
type CommentsResponse struct {
	Comments []wireComment `json:"comments"`
}

// MediaResponse is the payload returned after a media upload: the public
// reference that replaces the report's optimistic local media reference.
type MediaResponse struct {
	URL string `json:"url"`
}

// toReport converts a grid row into the core representation. Comments are
// always loaded separately and never ride along with the report row.
func (w *wireReport) toReport() report.Report {
	return report.Report{
		ID:        w.ID,
		Timestamp: w.Timestamp,
		Type:      report.Type(w.Type),
		Severity:  report.Severity(w.Severity),
		Location: report.Location{
			Lat:     w.Location.Lat,
			Lng:     w.Location.Lng,
			Address: w.Location.Address,
		},
		Description: w.Description,
		MediaURL:    w.MediaURL,
		MediaType:   w.MediaType,
		IsVerified:  w.IsVerified,
		IsAnonymous: w.IsAnonymous,
		Analysis:    w.Analysis,
	}
}

// fromReport converts a core report into the grid's row shape.
func fromReport(r report.Report) wireReport {
	return wireReport{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Type:      string(r.Type),
		Severity:  string(r.Severity),
		Location: wireLocation{
			Lat:     r.Location.Lat,
			Lng:     r.Location.Lng,
			Address: r.Location.Address,
		},
		Description: r.Description,
		MediaURL:    r.MediaURL,
		MediaType:   r.MediaType,
		IsVerified:  r.IsVerified,
		IsAnonymous: r.IsAnonymous,
		Analysis:    r.Analysis,
	}
}

// toComment converts a grid comment row into the core representation.
func (w *wireComment) toComment() report.Comment {
	return report.Comment{
		ID:          w.ID,
		Text:        w.Text,
		Timestamp:   w.Timestamp,
		IsAnonymous: w.IsAnonymous,
	}
}

// fromComment converts a core comment into the grid's row shape.
func fromComment(reportID string, c report.Comment) wireComment {
	return wireComment{
		ID:          c.ID,
		ReportID:    reportID,
		Text:        c.Text,
		Timestamp:   c.Timestamp,
		IsAnonymous: c.IsAnonymous,
	}
}
