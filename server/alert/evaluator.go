package alert

import (
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/geo"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// Decision is the outcome of evaluating one report against one user's watch
// preferences.
type Decision struct {
	// ShouldAlert is true when the report falls inside the user's watch
	// radius. Delivery dedupe is handled separately by Record.
	ShouldAlert bool

	// DistanceMiles is the great-circle distance between the user's watch
	// location and the report. Only meaningful when the user has a
	// location set.
	DistanceMiles float64
}

// Evaluate decides whether a report falls inside a user's geofence.
//
// A user with no watch location never alerts: proximity is undefined
// without a reference point. Severity is informational and never gates the
// decision; a low severity checkpoint two blocks away matters more than a
// high severity raid across the state.
func Evaluate(prefs store.WatchPrefs, r report.Report) Decision {
	if !prefs.HasLocation {
		return Decision{}
	}

	distance := geo.Distance(prefs.Lat, prefs.Lng, r.Location.Lat, r.Location.Lng)

	// The boundary is inclusive: a report exactly at the radius alerts.
	return Decision{
		ShouldAlert:   distance <= prefs.RadiusMiles,
		DistanceMiles: distance,
	}
}
