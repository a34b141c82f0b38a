package gridsync

import (
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

const pollJobID = "sectorwatch_grid_poll"

// ReportLister fetches the authoritative report collection from the grid.
type ReportLister interface {
	ListReports() ([]report.Report, error)
}

// Poller runs the scheduled reconciliation poll. Each cycle fetches the
// full remote collection and hands it to the coordinator for merging. A
// failed cycle is recorded for the status surface and otherwise swallowed;
// the poll itself doubles as the connectivity probe that pulls a local-only
// session back to live, so the job keeps running through failures.
type Poller struct {
	api        *pluginapi.Client
	interval   time.Duration
	client     ReportLister
	stateStore *store.Store
	scheduler  JobScheduler
	job        Job

	// onReports receives the remote collection after a successful fetch.
	onReports func([]report.Report)
}

// NewPoller creates a poller. onReports is called from the job goroutine.
func NewPoller(
	api *pluginapi.Client,
	papi plugin.API,
	interval time.Duration,
	client ReportLister,
	stateStore *store.Store,
	onReports func([]report.Report),
) *Poller {
	return &Poller{
		api:        api,
		interval:   interval,
		client:     client,
		stateStore: stateStore,
		scheduler:  NewClusterJobScheduler(papi),
		onReports:  onReports,
	}
}

// SetScheduler sets a custom job scheduler (useful for testing)
func (p *Poller) SetScheduler(scheduler JobScheduler) {
	p.scheduler = scheduler
}

// Start begins the polling job using Mattermost's cluster job system.
func (p *Poller) Start() error {
	if p.job != nil {
		return fmt.Errorf("poller already running")
	}

	job, err := p.scheduler.Schedule(pollJobID, p.nextWaitInterval, p.run)
	if err != nil {
		return fmt.Errorf("failed to schedule cluster job: %w", err)
	}

	p.job = job
	p.api.Log.Info("Grid poller started", "interval", p.interval)
	return nil
}

// Stop gracefully stops the polling job.
func (p *Poller) Stop() error {
	if p.job == nil {
		return nil
	}

	err := p.job.Close()
	p.job = nil

	if err != nil {
		p.api.Log.Error("Failed to close cluster job", "error", err.Error())
		return fmt.Errorf("failed to close cluster job: %w", err)
	}

	p.api.Log.Info("Grid poller stopped")
	return nil
}

// nextWaitInterval is called by the cluster job scheduler to determine how
// long to wait until the next poll. metadata.LastFinished is set by the
// cluster scheduler.
func (p *Poller) nextWaitInterval(now time.Time, metadata cluster.JobMetadata) time.Duration {
	// First run executes immediately.
	if metadata.LastFinished.IsZero() {
		return 0
	}

	sinceLastFinished := now.Sub(metadata.LastFinished)
	if sinceLastFinished < p.interval {
		return p.interval - sinceLastFinished
	}

	return 0
}

// run executes one poll cycle.
func (p *Poller) run() {
	p.api.Log.Debug("Starting grid poll cycle")

	if err := p.stateStore.SaveLastPoll(time.Now()); err != nil {
		p.api.Log.Error("Failed to save last poll time", "error", err.Error())
	}

	remote, err := p.client.ListReports()
	if err != nil {
		p.recordFailure(fmt.Errorf("failed to fetch reports: %w", err))
		return
	}

	p.onReports(remote)

	if err := p.stateStore.SaveLastSuccess(time.Now()); err != nil {
		p.api.Log.Error("Failed to save last success time", "error", err.Error())
	}

	if err := p.stateStore.ResetFailures(); err != nil {
		p.api.Log.Error("Failed to reset failure counter", "error", err.Error())
	}

	if err := p.stateStore.SaveLastError(""); err != nil {
		p.api.Log.Error("Failed to clear last error", "error", err.Error())
	}

	p.api.Log.Debug("Grid poll cycle completed", "totalReports", len(remote))
}

// recordFailure tracks a failed cycle for the status surface. Transient
// failures never stop the poller; the next cycle retries on schedule.
func (p *Poller) recordFailure(err error) {
	errMsg := err.Error()

	p.api.Log.Warn("Grid poll cycle failed", "error", errMsg)

	if saveErr := p.stateStore.SaveLastError(errMsg); saveErr != nil {
		p.api.Log.Error("Failed to save last error", "error", saveErr.Error())
	}

	failureCount, incrementErr := p.stateStore.IncrementFailures()
	if incrementErr != nil {
		p.api.Log.Error("Failed to increment failure counter", "error", incrementErr.Error())
		return
	}

	p.api.Log.Debug("Consecutive poll failures", "count", failureCount)
}
