package poster

import (
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

func testReport() report.Report {
	return report.Report{
		ID:          "report-123",
		Timestamp:   time.Now().UnixMilli(),
		Type:        report.TypeCheckpoint,
		Severity:    report.SeverityHigh,
		Location:    report.Location{Lat: 40.7128, Lng: -74.0060, Address: "Lower Manhattan, NY"},
		Description: "Checkpoint at the bridge entrance",
	}
}

func TestPostReport_Success(t *testing.T) {
	api := &plugintest.API{}
	defer api.AssertExpectations(t)

	botID := "bot-user-id"
	channelID := "channel-id"

	api.On("CreatePost", mock.MatchedBy(func(post *model.Post) bool {
		assert.Equal(t, botID, post.UserId, "Mirror post should use bot user ID")
		assert.Equal(t, channelID, post.ChannelId, "Mirror post should target the configured channel")
		assert.Equal(t, model.PostTypeSlackAttachment, post.Type)
		assert.Contains(t, post.Message, "#High", "Mirror post message should carry hashtags")
		assert.NotNil(t, post.Props)

		attachments, ok := post.Props["attachments"]
		assert.True(t, ok, "Mirror post props should contain attachments")
		assert.NotNil(t, attachments)

		return true
	})).Return(&model.Post{Id: "mirror-post-id"}, nil).Once()

	p := New(api, botID, channelID)
	postID, err := p.PostReport(testReport())

	require.NoError(t, err)
	assert.Equal(t, "mirror-post-id", postID)
}

func TestPostReport_CreateFails(t *testing.T) {
	api := &plugintest.API{}
	defer api.AssertExpectations(t)

	api.On("CreatePost", mock.Anything).Return(nil, &model.AppError{Message: "channel archived"}).Once()

	p := New(api, "bot-user-id", "channel-id")
	postID, err := p.PostReport(testReport())

	require.Error(t, err)
	assert.Empty(t, postID)
	assert.Contains(t, err.Error(), "failed to mirror report")
}

func TestPostComment_ThreadsUnderMirrorPost(t *testing.T) {
	api := &plugintest.API{}
	defer api.AssertExpectations(t)

	api.On("CreatePost", mock.MatchedBy(func(post *model.Post) bool {
		assert.Equal(t, "mirror-post-id", post.RootId, "Comment should thread under the mirror post")
		assert.Contains(t, post.Message, "Still there")
		return true
	})).Return(&model.Post{Id: "reply-post-id"}, nil).Once()

	p := New(api, "bot-user-id", "channel-id")
	err := p.PostComment("mirror-post-id", testReport(), report.Comment{
		ID:        "comment-1",
		Text:      "Still there as of ten minutes ago",
		Timestamp: time.Now().UnixMilli(),
	})

	require.NoError(t, err)
}

func TestSendAlert_DeliversDirectMessage(t *testing.T) {
	api := &plugintest.API{}
	defer api.AssertExpectations(t)

	botID := "bot-user-id"
	userID := "watcher-user-id"

	api.On("GetDirectChannel", botID, userID).Return(&model.Channel{Id: "dm-channel-id"}, nil).Once()
	api.On("CreatePost", mock.MatchedBy(func(post *model.Post) bool {
		assert.Equal(t, "dm-channel-id", post.ChannelId, "Alert should go to the direct channel")
		assert.Contains(t, post.Message, "mi from your watch location")
		return true
	})).Return(&model.Post{Id: "alert-post-id"}, nil).Once()

	p := New(api, botID, "channel-id")
	err := p.SendAlert(userID, testReport(), 1.25)

	require.NoError(t, err)
}

func TestSendAlert_DirectChannelFails(t *testing.T) {
	api := &plugintest.API{}
	defer api.AssertExpectations(t)

	api.On("GetDirectChannel", mock.Anything, mock.Anything).Return(nil, &model.AppError{Message: "user deactivated"}).Once()

	p := New(api, "bot-user-id", "channel-id")
	err := p.SendAlert("watcher-user-id", testReport(), 1.25)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open direct channel")
}
