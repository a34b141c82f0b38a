package main

import (
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/alert"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/classifier"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/grid"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/gridsync"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/poster"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/store"
)

// Plugin implements the interface expected by the Mattermost server to communicate between the server and plugin processes.
type Plugin struct {
	plugin.MattermostPlugin

	// client is the Mattermost server API client.
	client *pluginapi.Client

	// configurationLock synchronizes access to the configuration.
	configurationLock sync.RWMutex

	// configuration is the active plugin configuration. Consult getConfiguration and
	// setConfiguration for usage.
	configuration *configuration

	// store persists session tokens, the report replica snapshot, watch
	// preferences, and mirror post IDs in the plugin KV store.
	store *store.Store

	// record tracks delivered proximity alerts so a sighting is not
	// announced to the same user twice in one session.
	record *alert.Record

	// dispatcher fans fresh sightings out to nearby watchers.
	dispatcher *alert.Dispatcher

	// botID is the plugin's bot account, used for mirror posts and DMs.
	botID string

	// sessionLock guards the grid session lifecycle below.
	sessionLock sync.Mutex

	// coordinator is the active sync session. When the grid is not
	// configured it runs detached, serving the persisted replica in
	// local-only mode.
	coordinator *gridsync.Coordinator

	// classifier annotates free-text descriptions when an API key is set.
	classifier *classifier.Classifier
}

// OnActivate is invoked when the plugin is activated. If an error is returned, the plugin will be deactivated.
func (p *Plugin) OnActivate() error {
	p.client = pluginapi.NewClient(p.API, p.Driver)
	p.store = store.New(p.API)
	p.record = alert.NewRecord(p.client)

	config := p.getConfiguration()

	botUsername := config.BotUsername
	if botUsername == "" {
		botUsername = "sector-watch"
	}
	botDisplayName := config.BotDisplayName
	if botDisplayName == "" {
		botDisplayName = "Sector Watch"
	}

	botID, err := p.API.EnsureBotUser(&model.Bot{
		Username:    botUsername,
		DisplayName: botDisplayName,
		Description: "Bot for mirroring community sighting reports and proximity alerts",
	})
	if err != nil {
		return errors.Wrap(err, "failed to ensure bot user")
	}
	p.botID = botID

	p.API.LogInfo("Bot user initialized", "botID", botID, "username", botUsername)

	notifier := poster.New(p.API, botID, config.ChannelID)
	p.dispatcher = alert.NewDispatcher(p.client, p.store, p.record, notifier)
	if err := p.dispatcher.Hydrate(); err != nil {
		p.API.LogWarn("Failed to load watch preferences", "error", err.Error())
	}

	p.startSession(config)

	return nil
}

// OnDeactivate is invoked when the plugin is deactivated.
func (p *Plugin) OnDeactivate() error {
	p.stopSession()

	if p.record != nil {
		p.record.Stop()
	}

	return nil
}

// startSession opens a grid session from the given configuration. When the
// grid settings are incomplete it falls back to a detached session that
// serves the last persisted replica in local-only mode and queues new
// submissions until the grid is configured.
func (p *Plugin) startSession(config *configuration) {
	p.sessionLock.Lock()
	defer p.sessionLock.Unlock()

	p.classifier = classifier.New(config.ClassifierAPIKey, config.ClassifierModel, p.client.Log)

	if !config.sessionReady() {
		p.coordinator = gridsync.NewLocalCoordinator(p.client, p.store, p.dispatcher)
		if err := p.coordinator.Start(); err != nil {
			p.API.LogError("Failed to start local-only session", "error", err.Error())
			p.coordinator = nil
			return
		}

		p.API.LogInfo("Grid not configured, serving the persisted replica in local-only mode")
		return
	}

	sessions := grid.NewSessionManager(config.GridURL, config.GridAPIKey, p.store, p.client.Log)
	gridClient := grid.NewClient(config.GridURL, sessions, p.client.Log)
	stream := grid.NewStream(config.GridURL, sessions, p.client.Log)
	mirror := poster.New(p.API, p.botID, config.ChannelID)

	p.coordinator = gridsync.NewCoordinator(
		p.client,
		p.API,
		p.store,
		gridClient,
		stream,
		p.dispatcher,
		mirror,
		config.pollInterval(),
	)

	if err := p.coordinator.Start(); err != nil {
		p.API.LogError("Failed to start grid sync session", "error", err.Error())
		p.coordinator = nil
		return
	}

	p.API.LogInfo("Grid sync session started", "url", config.GridURL, "interval", config.pollInterval().String())
}

// stopSession tears down the active grid session, if any.
func (p *Plugin) stopSession() {
	p.sessionLock.Lock()
	defer p.sessionLock.Unlock()

	if p.coordinator == nil {
		return
	}

	p.coordinator.Stop()
	p.coordinator = nil
}

// restartSession replaces the running session after a configuration change.
func (p *Plugin) restartSession(config *configuration) {
	p.stopSession()
	p.startSession(config)
}

// getCoordinator returns the active sync session, or nil before OnActivate
// has run.
func (p *Plugin) getCoordinator() *gridsync.Coordinator {
	p.sessionLock.Lock()
	defer p.sessionLock.Unlock()
	return p.coordinator
}

// getClassifier returns the current classifier. It is never nil, but may be
// disabled.
func (p *Plugin) getClassifier() *classifier.Classifier {
	p.sessionLock.Lock()
	defer p.sessionLock.Unlock()
	return p.classifier
}

// See https://developers.mattermost.com/extend/plugins/server/reference/
