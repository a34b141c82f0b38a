package main

import (
	"net/url"
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// Defaults applied when a configuration field is unset.
const (
	defaultPollIntervalSeconds = 30
	defaultRadiusMiles         = 5.0
	defaultMaxMediaSizeMB      = 10

	minPollIntervalSeconds = 10
	maxRadiusMiles         = 100.0
	maxMediaSizeCapMB      = 100
)

// configuration captures the plugin's external configuration as exposed in the Mattermost server
// configuration, as well as values computed from the configuration. Any public fields will be
// deserialized from the Mattermost server configuration in OnConfigurationChange.
//
// As plugins are inherently concurrent (hooks being called asynchronously), and the plugin
// configuration can change at any time, access to the configuration must be synchronized. The
// strategy used in this plugin is to guard a pointer to the configuration, and clone the entire
// struct whenever it changes. You may replace this with whatever strategy you choose.
//
// If you add non-reference types to your configuration struct, be sure to rewrite Clone as a deep
// copy appropriate for your types.
type configuration struct {
	// GridURL is the base URL of the community report grid.
	GridURL string `json:"gridurl"`

	// GridAPIKey authenticates this plugin against the grid.
	GridAPIKey string `json:"gridapikey"`

	// ChannelID is the channel where reports are mirrored.
	ChannelID string `json:"channelid"`

	// PollIntervalSeconds is the reconciliation poll cadence.
	PollIntervalSeconds int `json:"pollintervalseconds"`

	// DefaultRadiusMiles is the watch radius for users who have not set
	// their own.
	DefaultRadiusMiles float64 `json:"defaultradiusmiles"`

	// MaxMediaSizeMB caps evidence uploads through the plugin API.
	MaxMediaSizeMB int `json:"maxmediasizemb"`

	// ClassifierAPIKey enables model-backed description classification
	// when set. ClassifierModel overrides the default model.
	ClassifierAPIKey string `json:"classifierapikey"`
	ClassifierModel  string `json:"classifiermodel"`

	// BotUsername and BotDisplayName customize the plugin's bot account.
	BotUsername    string `json:"botusername"`
	BotDisplayName string `json:"botdisplayname"`
}

// Clone creates a deep copy of the configuration.
func (c *configuration) Clone() *configuration {
	clone := *c
	return &clone
}

// IsValid checks the configured values' ranges. Missing grid settings are
// not an error; the plugin simply does not start a session until they
// arrive.
func (c *configuration) IsValid() error {
	if c.GridURL != "" {
		parsed, err := url.Parse(c.GridURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return errors.Errorf("grid URL %q is not a valid http(s) URL", c.GridURL)
		}
	}

	if c.PollIntervalSeconds != 0 && c.PollIntervalSeconds < minPollIntervalSeconds {
		return errors.Errorf("poll interval must be at least %d seconds", minPollIntervalSeconds)
	}

	if c.DefaultRadiusMiles < 0 || c.DefaultRadiusMiles > maxRadiusMiles {
		return errors.Errorf("default radius must be between 0 and %.0f miles", maxRadiusMiles)
	}

	if c.MaxMediaSizeMB < 0 || c.MaxMediaSizeMB > maxMediaSizeCapMB {
		return errors.Errorf("max media size must be between 0 and %d MB", maxMediaSizeCapMB)
	}

	return nil
}

// sessionReady reports whether enough is configured to open a grid session.
func (c *configuration) sessionReady() bool {
	return c.GridURL != "" && c.GridAPIKey != "" && c.ChannelID != ""
}

// pollInterval returns the poll cadence with the default applied.
func (c *configuration) pollInterval() time.Duration {
	if c.PollIntervalSeconds == 0 {
		return defaultPollIntervalSeconds * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// radiusMiles returns the default watch radius with the default applied.
func (c *configuration) radiusMiles() float64 {
	if c.DefaultRadiusMiles == 0 {
		return defaultRadiusMiles
	}
	return c.DefaultRadiusMiles
}

// maxMediaBytes returns the media upload cap in bytes.
func (c *configuration) maxMediaBytes() int64 {
	sizeMB := c.MaxMediaSizeMB
	if sizeMB == 0 {
		sizeMB = defaultMaxMediaSizeMB
	}
	return int64(sizeMB) << 20
}

// sessionChanged reports whether the new configuration requires tearing the
// grid session down and starting a new one.
func sessionChanged(old, updated *configuration) bool {
	return old.GridURL != updated.GridURL ||
		old.GridAPIKey != updated.GridAPIKey ||
		old.ChannelID != updated.ChannelID ||
		old.PollIntervalSeconds != updated.PollIntervalSeconds ||
		old.ClassifierAPIKey != updated.ClassifierAPIKey ||
		old.ClassifierModel != updated.ClassifierModel
}

// getConfiguration retrieves the active configuration under lock, making it safe to use
// concurrently. The active configuration may change underneath the client of this method, but
// the struct returned by this API call is considered immutable.
func (p *Plugin) getConfiguration() *configuration {
	p.configurationLock.RLock()
	defer p.configurationLock.RUnlock()

	if p.configuration == nil {
		return &configuration{}
	}

	return p.configuration
}

// setConfiguration replaces the active configuration under lock.
//
// Do not call setConfiguration while holding the configurationLock, as sync.Mutex is not
// reentrant. In particular, avoid using the plugin API entirely, as this may in turn trigger a
// hook back into the plugin. If that hook attempts to acquire this lock, a deadlock may occur.
//
// This method panics if setConfiguration is called with the existing configuration. This almost
// certainly means that the configuration was modified without being cloned and may result in
// an unsafe access.
func (p *Plugin) setConfiguration(configuration *configuration) {
	p.configurationLock.Lock()
	defer p.configurationLock.Unlock()

	if configuration != nil && p.configuration == configuration {
		// Ignore assignment if the configuration struct is empty. Go will optimize the
		// allocation for same to point at the same memory address, breaking the check
		// above.
		if reflect.ValueOf(*configuration).NumField() == 0 {
			return
		}

		panic("setConfiguration called with the existing configuration")
	}

	p.configuration = configuration
}

// OnConfigurationChange is invoked when configuration changes may have been made.
func (p *Plugin) OnConfigurationChange() error {
	var newConfig = new(configuration)

	// Load the public configuration fields from the Mattermost server configuration.
	if err := p.API.LoadPluginConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "failed to load plugin configuration")
	}

	if err := newConfig.IsValid(); err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	oldConfig := p.getConfiguration()
	p.setConfiguration(newConfig)

	// OnActivate has not run yet; it will start the session itself.
	if p.client == nil {
		return nil
	}

	if sessionChanged(oldConfig, newConfig) {
		p.restartSession(newConfig)
	}

	return nil
}
