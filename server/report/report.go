package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of enforcement activity a report describes.
type Type string

// The fixed set of report types. These values travel on the wire and are
// stored in snapshots, so they must never be renamed.
const (
	TypeCheckpoint  Type = "Checkpoint"
	TypeWorkplace   Type = "Workplace Raid"
	TypeResidential Type = "Residential Visit"
	TypeStreet      Type = "Street Operation"
	TypeTransport   Type = "Public Transport"
	TypeOther       Type = "Other Activity"
)

// AllTypes lists every valid report type.
var AllTypes = []Type{
	TypeCheckpoint,
	TypeWorkplace,
	TypeResidential,
	TypeStreet,
	TypeTransport,
	TypeOther,
}

// IsValid reports whether t is one of the known report types.
func (t Type) IsValid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the urgency classification of a report.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AllSeverities lists every valid severity.
var AllSeverities = []Severity{SeverityLow, SeverityMedium, SeverityHigh}

// IsValid reports whether s is one of the known severities.
func (s Severity) IsValid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Location is a geographic point with an optional human-readable address.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// Comment is a situation update attached to a report. Comments are
// append-only and ordered by timestamp ascending.
type Comment struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"` // epoch milliseconds
	IsAnonymous bool   `json:"isAnonymous"`
}

// Report is one submitted sighting. The ID is client-generated at creation
// time and is the merge key: at most one report per ID may exist in any
// snapshot.
type Report struct {
	ID          string    `json:"id"`
	Timestamp   int64     `json:"timestamp"` // creation time, epoch milliseconds
	Type        Type      `json:"type"`
	Severity    Severity  `json:"severity"`
	Location    Location  `json:"location"`
	Description string    `json:"description"`
	MediaURL    string    `json:"mediaUrl,omitempty"`
	MediaType   string    `json:"mediaType,omitempty"` // "image" or "video"
	IsAnonymous bool      `json:"isAnonymous"`
	IsVerified  bool      `json:"isVerified,omitempty"`
	Analysis    string    `json:"categoryAnalysis,omitempty"`
	Comments    []Comment `json:"comments,omitempty"`
}

// Time returns the report's creation time.
func (r *Report) Time() time.Time {
	return time.Unix(0, r.Timestamp*int64(time.Millisecond)).UTC()
}

// Age returns how old the report is at the given instant.
func (r *Report) Age(now time.Time) time.Duration {
	return now.Sub(r.Time())
}

// Validate checks the fields a report must carry before it can be ingested
// or submitted to the grid.
func (r *Report) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("missing required field 'id'")
	}
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid report id: %w", err)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("missing required field 'timestamp'")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown report type %q", r.Type)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.Description == "" {
		return fmt.Errorf("missing required field 'description'")
	}
	if r.Location.Lat < -90 || r.Location.Lat > 90 {
		return fmt.Errorf("latitude out of range: %f", r.Location.Lat)
	}
	if r.Location.Lng < -180 || r.Location.Lng > 180 {
		return fmt.Errorf("longitude out of range: %f", r.Location.Lng)
	}
	return nil
}
