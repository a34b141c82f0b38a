package report

import (
	"fmt"
	"time"
)

// Temporal bucket thresholds. A report's bucket is derived from its age at
// query time and is never stored on the report, because "now" keeps moving.
const (
	// ActiveThreshold is the age at which a report stops counting as
	// active.
	ActiveThreshold = 2 * time.Hour

	// ExpiredThreshold is the maximum age for a report to count as expired
	// rather than past.
	ExpiredThreshold = 24 * time.Hour
)

// Bucket is a temporal classification of a report.
type Bucket string

const (
	BucketActive  Bucket = "active"  // age < 2h
	BucketExpired Bucket = "expired" // 2h < age <= 24h
	BucketPast    Bucket = "past"    // age > 24h
	BucketAll     Bucket = "all"     // no age constraint
)

// ParseBucket converts a query-string value into a Bucket. An empty value
// defaults to active.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case "":
		return BucketActive, nil
	case BucketActive, BucketExpired, BucketPast, BucketAll:
		return Bucket(s), nil
	default:
		return "", fmt.Errorf("unknown time bucket %q", s)
	}
}

// Classify returns the narrowest bucket the report falls into at the given
// instant. A report exactly 2h old is no longer active and is expired; a
// report exactly 24h old is still expired, not past.
func Classify(r *Report, now time.Time) Bucket {
	age := r.Age(now)
	switch {
	case age < ActiveThreshold:
		return BucketActive
	case age <= ExpiredThreshold:
		return BucketExpired
	default:
		return BucketPast
	}
}

// InBucket reports whether the report passes the bucket's age test at the
// given instant.
func InBucket(r *Report, b Bucket, now time.Time) bool {
	if b == BucketAll {
		return true
	}
	return Classify(r, now) == b
}

// Filter selects reports by temporal bucket plus optional type and severity
// sets. Within a set membership is an inclusive OR; across the two sets the
// tests combine with AND. An empty set places no constraint.
type Filter struct {
	Bucket     Bucket
	Types      []Type
	Severities []Severity
}

// Matches reports whether a single report passes the filter at the given
// instant.
func (f *Filter) Matches(r *Report, now time.Time) bool {
	if !InBucket(r, f.Bucket, now) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, r.Severity) {
		return false
	}
	return true
}

// Apply returns the subset of reports passing the filter, preserving order.
func (f *Filter) Apply(reports []Report, now time.Time) []Report {
	out := make([]Report, 0, len(reports))
	for i := range reports {
		if f.Matches(&reports[i], now) {
			out = append(out, reports[i])
		}
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsSeverity(severities []Severity, s Severity) bool {
	for _, candidate := range severities {
		if candidate == s {
			return true
		}
	}
	return false
}
