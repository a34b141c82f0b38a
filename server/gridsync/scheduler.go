// Package gridsync keeps the local report replica converged with the grid:
// a scheduled poll reconciles the full collection, the realtime stream
// fills the gaps between polls, and the coordinator decides whether the
// session is live or running from the last known snapshot.
package gridsync

import (
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
)

// Job is a scheduled job that can be closed.
type Job interface {
	Close() error
}

// JobScheduler schedules cluster-aware jobs. Only one server instance runs
// the job in a multi-server installation, and a run never overlaps itself.
type JobScheduler interface {
	Schedule(
		jobID string,
		nextWaitInterval cluster.NextWaitInterval,
		callback func(),
	) (Job, error)
}

// ClusterJobScheduler is the production scheduler backed by Mattermost's
// cluster job system.
type ClusterJobScheduler struct {
	api plugin.API
}

// NewClusterJobScheduler creates a cluster job scheduler.
func NewClusterJobScheduler(api plugin.API) *ClusterJobScheduler {
	return &ClusterJobScheduler{
		api: api,
	}
}

// Schedule creates a cluster-aware scheduled job.
func (s *ClusterJobScheduler) Schedule(
	jobID string,
	nextWaitInterval cluster.NextWaitInterval,
	callback func(),
) (Job, error) {
	return cluster.Schedule(s.api, jobID, nextWaitInterval, callback)
}
