package alert

import (
	"time"

	"github.com/mattermost/mattermost/server/public/pluginapi"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// Notifier delivers a proximity alert to one user.
type Notifier interface {
	SendAlert(userID string, r report.Report, distanceMiles float64) error
}

// Dispatcher fans newly ingested reports out to every watching user whose
// geofence contains them. Watch preferences are kept in memory for the hot
// path and hydrated from the KV store on activation.
type Dispatcher struct {
	api      *pluginapi.Client
	store    *store.Store
	record   *Record
	notifier Notifier

	prefs *Registry
}

// NewDispatcher creates a dispatcher. Call Hydrate before the first report
// arrives.
func NewDispatcher(api *pluginapi.Client, kv *store.Store, record *Record, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		api:      api,
		store:    kv,
		record:   record,
		notifier: notifier,
		prefs:    NewRegistry(),
	}
}

// Hydrate loads every stored watch preference into the in-memory registry.
func (d *Dispatcher) Hydrate() error {
	stored, err := d.store.ListWatchPrefs()
	if err != nil {
		return err
	}

	for _, p := range stored {
		d.prefs.Set(p)
	}

	d.api.Log.Info("Hydrated watch preferences", "count", len(stored))
	return nil
}

// UpdatePrefs installs a user's watch preferences in the registry.
func (d *Dispatcher) UpdatePrefs(p store.WatchPrefs) {
	d.prefs.Set(p)
}

// RemovePrefs drops a user's watch preferences from the registry.
func (d *Dispatcher) RemovePrefs(userID string) {
	d.prefs.Remove(userID)
}

// GetPrefs returns a user's registered watch preferences.
func (d *Dispatcher) GetPrefs(userID string) (store.WatchPrefs, bool) {
	return d.prefs.Get(userID)
}

// HandleReport evaluates one newly ingested report against every watcher
// and delivers alerts. Only reports still in the active window alert;
// anything older arrives via backfill and is history, not news.
func (d *Dispatcher) HandleReport(r report.Report, now time.Time) {
	if !report.InBucket(&r, report.BucketActive, now) {
		return
	}

	for _, p := range d.prefs.All() {
		decision := Evaluate(p, r)
		if !decision.ShouldAlert {
			continue
		}

		if !d.record.MarkDelivered(p.UserID, r.ID) {
			continue
		}

		if err := d.notifier.SendAlert(p.UserID, r, decision.DistanceMiles); err != nil {
			d.api.Log.Error("Failed to deliver proximity alert",
				"userId", p.UserID,
				"reportId", r.ID,
				"error", err.Error())
		}
	}
}
