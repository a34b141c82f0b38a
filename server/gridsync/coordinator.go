package gridsync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/alert"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/grid"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// Mode is the session's relationship to the grid.
type Mode string

const (
	// ModeUninitialized means Start has not completed yet.
	ModeUninitialized Mode = "uninitialized"

	// ModeLive means the grid was reachable at the last contact attempt.
	ModeLive Mode = "live"

	// ModeLocalOnly means the session is serving the last persisted
	// snapshot. A successful poll or manual refresh promotes it to live.
	ModeLocalOnly Mode = "local_only"
)

// ReportSource is the REST surface of the grid the coordinator needs.
type ReportSource interface {
	ListReports() ([]report.Report, error)
	CreateReport(r report.Report, media *grid.MediaUpload) (report.Report, error)
	ListComments(reportID string) ([]report.Comment, error)
	AddComment(reportID string, c report.Comment) error
}

// RealtimeSource is the push surface of the grid.
type RealtimeSource interface {
	Start() error
	Stop()
	SubscribeReports(onInsert func(report.Report)) func()
	SubscribeComments(reportID string, onInsert func(report.Comment)) func()
}

// Mirror posts reports and their comments into the configured channel.
type Mirror interface {
	PostReport(r report.Report) (string, error)
	PostComment(rootPostID string, r report.Report, c report.Comment) error
}

// Coordinator owns the local report replica and keeps it converged with
// the grid. All mutation paths funnel through it: the scheduled poll, the
// realtime stream, and user submissions through the plugin API. It also
// fans newly ingested reports out to the alert dispatcher and the channel
// mirror.
type Coordinator struct {
	api        *pluginapi.Client
	stateStore *store.Store
	client     ReportSource
	stream     RealtimeSource
	dispatcher *alert.Dispatcher
	mirror     Mirror
	poller     *Poller

	mu      sync.RWMutex
	mode    Mode
	reports []report.Report

	// localOnly tracks report IDs that exist only in this replica because
	// the grid rejected or never received the create.
	localOnly map[string]bool

	// commentUnsubs holds the realtime comment subscription per mirrored
	// report still in its active window.
	commentUnsubs map[string]func()

	reportsUnsub func()
	started      bool
}

// NewCoordinator wires a coordinator. Call Start to begin syncing.
func NewCoordinator(
	api *pluginapi.Client,
	papi plugin.API,
	stateStore *store.Store,
	client ReportSource,
	stream RealtimeSource,
	dispatcher *alert.Dispatcher,
	mirror Mirror,
	pollInterval time.Duration,
) *Coordinator {
	c := &Coordinator{
		api:           api,
		stateStore:    stateStore,
		client:        client,
		stream:        stream,
		dispatcher:    dispatcher,
		mirror:        mirror,
		mode:          ModeUninitialized,
		localOnly:     make(map[string]bool),
		commentUnsubs: make(map[string]func()),
	}
	c.poller = NewPoller(api, papi, pollInterval, client, stateStore, c.applyRemote)
	return c
}

// NewLocalCoordinator wires a coordinator with no grid attached. It serves
// the persisted replica in local-only mode and queues submissions until a
// configured session replaces it. There is no poller or stream to probe the
// grid, so the session never promotes itself to live.
func NewLocalCoordinator(
	api *pluginapi.Client,
	stateStore *store.Store,
	dispatcher *alert.Dispatcher,
) *Coordinator {
	return &Coordinator{
		api:           api,
		stateStore:    stateStore,
		dispatcher:    dispatcher,
		mode:          ModeUninitialized,
		localOnly:     make(map[string]bool),
		commentUnsubs: make(map[string]func()),
	}
}

// SetScheduler swaps the poll job scheduler (useful for testing).
func (c *Coordinator) SetScheduler(scheduler JobScheduler) {
	c.poller.SetScheduler(scheduler)
}

// Start performs the initial reconciliation and begins the poll and
// realtime loops. When the grid is unreachable the session starts from the
// persisted snapshot in local-only mode; the poller keeps probing and the
// first successful cycle promotes it. A coordinator with no grid attached
// just loads the snapshot and stays local-only.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	local, err := c.stateStore.LoadSnapshot()
	if err != nil {
		c.api.Log.Warn("Failed to load report snapshot, starting empty", "error", err.Error())
		local = nil
	}

	if c.client == nil {
		c.mu.Lock()
		c.reports = local
		report.SortNewestFirst(c.reports)
		c.mode = ModeLocalOnly
		c.mu.Unlock()

		c.api.Log.Info("No grid attached, serving the persisted replica", "reports", len(local))
		return nil
	}

	remote, err := c.client.ListReports()
	if err != nil {
		c.api.Log.Warn("Grid unreachable at startup, entering local-only mode", "error", err.Error())

		c.mu.Lock()
		c.reports = local
		report.SortNewestFirst(c.reports)
		c.mode = ModeLocalOnly
		c.mu.Unlock()
	} else {
		merged := report.Merge(remote, local)

		c.mu.Lock()
		c.reports = merged
		c.mode = ModeLive
		c.rebuildLocalOnlyLocked(remote)
		c.mu.Unlock()

		c.persistSnapshot()
		c.api.Log.Info("Initial reconciliation complete",
			"remote", len(remote),
			"local", len(local),
			"merged", len(merged))
	}

	if err := c.poller.Start(); err != nil {
		return fmt.Errorf("failed to start grid poller: %w", err)
	}

	c.reportsUnsub = c.stream.SubscribeReports(c.ingestRemoteReport)
	if err := c.stream.Start(); err != nil {
		c.api.Log.Warn("Failed to start realtime stream, relying on polling", "error", err.Error())
	}

	c.syncCommentSubscriptions()
	return nil
}

// Stop releases the poller, the stream, and every comment subscription.
func (c *Coordinator) Stop() {
	if c.poller != nil {
		if err := c.poller.Stop(); err != nil {
			c.api.Log.Error("Failed to stop grid poller", "error", err.Error())
		}
	}

	c.mu.Lock()
	if c.reportsUnsub != nil {
		c.reportsUnsub()
		c.reportsUnsub = nil
	}
	for id, unsub := range c.commentUnsubs {
		unsub()
		delete(c.commentUnsubs, id)
	}
	c.started = false
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
	}
}

// Mode returns the session's current relationship to the grid.
func (c *Coordinator) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Reports returns the filtered replica. The result is a copy; callers can
// hold it without blocking ingestion.
func (c *Coordinator) Reports(filter report.Filter, now time.Time) []report.Report {
	c.mu.RLock()
	snapshot := make([]report.Report, len(c.reports))
	copy(snapshot, c.reports)
	c.mu.RUnlock()

	return filter.Apply(snapshot, now)
}

// Report returns one report by ID.
func (c *Coordinator) Report(reportID string) (report.Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.reports {
		if c.reports[i].ID == reportID {
			return c.reports[i], true
		}
	}
	return report.Report{}, false
}

// IsLocalOnly reports whether a report exists only in this replica.
func (c *Coordinator) IsLocalOnly(reportID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localOnly[reportID]
}

// Refresh performs an on-demand reconciliation. A successful refresh of a
// local-only session promotes it back to live.
func (c *Coordinator) Refresh() error {
	if c.client == nil {
		return fmt.Errorf("no grid configured")
	}

	remote, err := c.client.ListReports()
	if err != nil {
		return fmt.Errorf("failed to refresh from grid: %w", err)
	}

	c.applyRemote(remote)
	return nil
}

// Submit sends a user's report to the grid and ingests it locally. The
// local ingest happens regardless of the remote outcome so the submitter
// sees their own report immediately; when the grid rejects the create the
// report is kept as local-only and the caller is told so.
func (c *Coordinator) Submit(r report.Report, media *grid.MediaUpload) (report.Report, bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}

	if err := r.Validate(); err != nil {
		return report.Report{}, false, err
	}

	if c.client == nil {
		c.mu.Lock()
		c.localOnly[r.ID] = true
		c.mu.Unlock()

		c.ingestReport(r)
		return r, false, nil
	}

	created, err := c.client.CreateReport(r, media)
	if err != nil {
		c.api.Log.Warn("Grid rejected report create, keeping local-only", "reportId", r.ID, "error", err.Error())

		c.mu.Lock()
		c.localOnly[r.ID] = true
		c.mu.Unlock()

		c.ingestReport(r)
		return r, false, nil
	}

	c.ingestReport(created)
	return created, true, nil
}

// AddComment sends a comment to the grid and appends it to the local
// replica. Like Submit, the local append survives a remote failure.
func (c *Coordinator) AddComment(reportID string, comment report.Comment) (report.Comment, bool, error) {
	if _, found := c.Report(reportID); !found {
		return report.Comment{}, false, fmt.Errorf("report %s not found", reportID)
	}

	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.Timestamp == 0 {
		comment.Timestamp = time.Now().UnixMilli()
	}
	if comment.Text == "" {
		return report.Comment{}, false, fmt.Errorf("comment text is required")
	}

	if c.client == nil {
		c.ingestComment(reportID, comment, false)
		return comment, false, nil
	}

	remoteSaved := true
	if err := c.client.AddComment(reportID, comment); err != nil {
		c.api.Log.Warn("Grid rejected comment, keeping local-only", "reportId", reportID, "error", err.Error())
		remoteSaved = false
	}

	c.ingestComment(reportID, comment, false)
	return comment, remoteSaved, nil
}

// Comments returns a report's comment thread, fetching the latest remote
// copy when the session is live.
func (c *Coordinator) Comments(reportID string) ([]report.Comment, error) {
	local, found := c.Report(reportID)
	if !found {
		return nil, fmt.Errorf("report %s not found", reportID)
	}

	if c.Mode() != ModeLive || c.IsLocalOnly(reportID) {
		return local.Comments, nil
	}

	remote, err := c.client.ListComments(reportID)
	if err != nil {
		c.api.Log.Warn("Failed to fetch comments from grid, serving replica", "reportId", reportID, "error", err.Error())
		return local.Comments, nil
	}

	c.mu.Lock()
	for i := range c.reports {
		if c.reports[i].ID == reportID {
			c.reports[i].Comments = mergeComments(remote, c.reports[i].Comments)
			remote = c.reports[i].Comments
			break
		}
	}
	c.mu.Unlock()

	c.persistSnapshot()
	return remote, nil
}

// applyRemote reconciles a freshly fetched remote collection into the
// replica. Runs from the poll job and from Refresh.
func (c *Coordinator) applyRemote(remote []report.Report) {
	c.mu.Lock()

	known := make(map[string]bool, len(c.reports))
	for i := range c.reports {
		known[c.reports[i].ID] = true
	}

	merged := report.Merge(remote, c.reports)
	c.reports = merged
	c.rebuildLocalOnlyLocked(remote)

	promoted := c.mode != ModeLive
	c.mode = ModeLive

	var fresh []report.Report
	for i := range merged {
		if !known[merged[i].ID] {
			fresh = append(fresh, merged[i])
		}
	}
	c.mu.Unlock()

	if promoted {
		c.api.Log.Info("Grid reachable again, session promoted to live")
	}

	c.persistSnapshot()

	now := time.Now()
	for i := range fresh {
		c.fanOut(fresh[i], now)
	}

	c.syncCommentSubscriptions()
}

// ingestRemoteReport handles one report pushed over the realtime stream.
func (c *Coordinator) ingestRemoteReport(r report.Report) {
	c.ingestReport(r)
}

// ingestReport inserts one report into the replica if it is new, then
// persists and fans out.
func (c *Coordinator) ingestReport(r report.Report) {
	c.mu.Lock()
	before := len(c.reports)
	c.reports = report.IngestOne(c.reports, r)
	isNew := len(c.reports) != before
	c.mu.Unlock()

	if !isNew {
		return
	}

	c.persistSnapshot()
	c.fanOut(r, time.Now())
	c.syncCommentSubscriptions()
}

// ingestComment appends one comment to a report's thread and bridges it to
// the mirrored channel thread. fromStream marks comments that arrived over
// the realtime channel; locally authored comments skip the bridge post
// because the author already sees them.
func (c *Coordinator) ingestComment(reportID string, comment report.Comment, fromStream bool) {
	c.mu.Lock()
	appended := report.AppendComment(c.reports, reportID, comment)
	var r report.Report
	if appended {
		for i := range c.reports {
			if c.reports[i].ID == reportID {
				r = c.reports[i]
				break
			}
		}
	}
	c.mu.Unlock()

	if !appended {
		return
	}

	c.persistSnapshot()

	if !fromStream || c.mirror == nil {
		return
	}

	rootPostID, err := c.stateStore.GetPostID(reportID)
	if err != nil || rootPostID == "" {
		return
	}
	if err := c.mirror.PostComment(rootPostID, r, comment); err != nil {
		c.api.Log.Error("Failed to bridge comment to channel thread", "reportId", reportID, "error", err.Error())
	}
}

// fanOut delivers one newly ingested report to the alert dispatcher and
// the channel mirror. Only reports still in their active window are
// mirrored; backfilled history stays silent.
func (c *Coordinator) fanOut(r report.Report, now time.Time) {
	c.dispatcher.HandleReport(r, now)

	if c.mirror == nil || !report.InBucket(&r, report.BucketActive, now) {
		return
	}

	if postID, err := c.stateStore.GetPostID(r.ID); err == nil && postID != "" {
		return
	}

	postID, err := c.mirror.PostReport(r)
	if err != nil {
		c.api.Log.Error("Failed to mirror report to channel", "reportId", r.ID, "error", err.Error())
		return
	}

	if err := c.stateStore.SavePostID(r.ID, postID); err != nil {
		c.api.Log.Error("Failed to save mirror post mapping", "reportId", r.ID, "error", err.Error())
	}
}

// syncCommentSubscriptions keeps one realtime comment subscription per
// active report, dropping subscriptions for reports that aged out.
func (c *Coordinator) syncCommentSubscriptions() {
	if c.stream == nil {
		return
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	active := make(map[string]bool)
	for i := range c.reports {
		if report.InBucket(&c.reports[i], report.BucketActive, now) {
			active[c.reports[i].ID] = true
		}
	}

	for id, unsub := range c.commentUnsubs {
		if !active[id] {
			unsub()
			delete(c.commentUnsubs, id)
		}
	}

	for id := range active {
		if _, subscribed := c.commentUnsubs[id]; subscribed {
			continue
		}
		reportID := id
		c.commentUnsubs[id] = c.stream.SubscribeComments(reportID, func(comment report.Comment) {
			c.ingestComment(reportID, comment, true)
		})
	}
}

// rebuildLocalOnlyLocked recomputes the local-only set after a remote
// reconciliation. A report the grid now returns is no longer local-only.
// Callers hold c.mu.
func (c *Coordinator) rebuildLocalOnlyLocked(remote []report.Report) {
	inRemote := make(map[string]bool, len(remote))
	for i := range remote {
		inRemote[remote[i].ID] = true
	}

	for id := range c.localOnly {
		if inRemote[id] {
			delete(c.localOnly, id)
		}
	}
}

// persistSnapshot writes the current replica to the KV store.
func (c *Coordinator) persistSnapshot() {
	c.mu.RLock()
	snapshot := make([]report.Report, len(c.reports))
	copy(snapshot, c.reports)
	c.mu.RUnlock()

	if err := c.stateStore.SaveSnapshot(snapshot); err != nil {
		c.api.Log.Error("Failed to persist report snapshot", "error", err.Error())
	}
}

// mergeComments reconciles a remote comment thread with the local one. The
// remote copy wins for shared comments; local-only comments are folded in
// and the whole thread is re-sorted so it stays in timestamp order even
// when a queued local comment predates a remote one.
func mergeComments(remote, local []report.Comment) []report.Comment {
	seen := make(map[string]bool, len(remote))
	merged := make([]report.Comment, 0, len(remote)+len(local))

	for i := range remote {
		seen[remote[i].ID] = true
		merged = append(merged, remote[i])
	}
	for i := range local {
		if !seen[local[i].ID] {
			merged = append(merged, local[i])
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
