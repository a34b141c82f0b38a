// Package poster publishes reports into Mattermost: mirror posts in the
// configured channel, thread replies for comments, and direct message
// proximity alerts.
package poster

import (
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/formatter"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/hashtag"
	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

// Poster posts reports to Mattermost.
// This struct is stateless - it only holds immutable configuration.
type Poster struct {
	api       plugin.API
	botID     string
	channelID string
}

// New creates a new Poster instance.
func New(api plugin.API, botID, channelID string) *Poster {
	return &Poster{
		api:       api,
		botID:     botID,
		channelID: channelID,
	}
}

// PostReport mirrors a report into the configured channel and returns the
// created post's ID so comments can thread under it.
func (p *Poster) PostReport(r report.Report) (string, error) {
	attachment := formatter.FormatReport(r, time.Now())

	post := &model.Post{
		UserId:    p.botID,
		ChannelId: p.channelID,
		Message:   hashtag.Generate(r),
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}

	model.ParseSlackAttachment(post, []*model.SlackAttachment{attachment})

	created, err := p.api.CreatePost(post)
	if err != nil {
		return "", errors.Wrap(err, "failed to mirror report")
	}
	return created.Id, nil
}

// PostComment bridges a report comment into the mirror post's thread.
func (p *Poster) PostComment(rootPostID string, r report.Report, c report.Comment) error {
	post := &model.Post{
		UserId:    p.botID,
		ChannelId: p.channelID,
		RootId:    rootPostID,
		Message:   formatter.FormatComment(c),
	}

	if _, err := p.api.CreatePost(post); err != nil {
		return errors.Wrap(err, "failed to bridge comment")
	}
	return nil
}

// SendAlert delivers a proximity alert to one user as a direct message
// from the bot.
func (p *Poster) SendAlert(userID string, r report.Report, distanceMiles float64) error {
	channel, err := p.api.GetDirectChannel(p.botID, userID)
	if err != nil {
		return errors.Wrap(err, "failed to open direct channel")
	}

	attachment := formatter.FormatReport(r, time.Now())

	post := &model.Post{
		UserId:    p.botID,
		ChannelId: channel.Id,
		Message:   formatter.FormatProximityAlert(r, distanceMiles),
		Type:      model.PostTypeSlackAttachment,
		Props:     model.StringInterface{},
	}

	model.ParseSlackAttachment(post, []*model.SlackAttachment{attachment})

	if _, err := p.api.CreatePost(post); err != nil {
		return errors.Wrap(err, fmt.Sprintf("failed to send proximity alert to %s", userID))
	}
	return nil
}
