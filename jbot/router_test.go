package jbot

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUserID     = "200000000000000001"
	testUsername   = "someone"
	testDMChannel  = "dm-channel-1"
	testImageURL   = "https://cdn.example.com/attachments/1/2/photo.png"
	testOpenAIText = "the answer is 42"
)

func newDM(userID string, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-1",
			ChannelID: testDMChannel,
			Content:   content,
			Author:    &discordgo.User{ID: userID, Username: testUsername},
		},
	}
}

func newImageDM(userID string, content string) *discordgo.MessageCreate {
	m := newDM(userID, content)
	m.Attachments = []*discordgo.MessageAttachment{
		{
			ID:          "attachment-1",
			URL:         testImageURL,
			Filename:    "photo.png",
			ContentType: "image/png",
		},
	}
	return m
}

func TestImageAttachment(t *testing.T) {
	tests := []struct {
		name        string
		attachments []*discordgo.MessageAttachment
		expected    string
	}{
		{
			name:     "none",
			expected: "",
		},
		{
			name: "content type",
			attachments: []*discordgo.MessageAttachment{
				{URL: "a", Filename: "noext", ContentType: "image/jpeg"},
			},
			expected: "a",
		},
		{
			name: "extension",
			attachments: []*discordgo.MessageAttachment{
				{URL: "b", Filename: "PIC.JPG"},
			},
			expected: "b",
		},
		{
			name: "skips non-images",
			attachments: []*discordgo.MessageAttachment{
				{URL: "c", Filename: "notes.txt", ContentType: "text/plain"},
				nil,
				{URL: "d", Filename: "cat.webp"},
			},
			expected: "d",
		},
		{
			name: "missing url",
			attachments: []*discordgo.MessageAttachment{
				{Filename: "cat.png", ContentType: "image/png"},
			},
			expected: "",
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				a := imageAttachment(tc.attachments)
				if tc.expected == "" {
					assert.Nil(t, a)
					return
				}
				require.NotNil(t, a)
				assert.Equal(t, tc.expected, a.URL)
			},
		)
	}
}

func TestHandleDiscordMessage_Unauthorized(t *testing.T) {
	b := newTestBot(t, nil, testOpenAIText)

	b.handleDiscordMessage(context.Background(), newDM(testUserID, "hello"))

	assert.Empty(t, b.client.calls())
	assert.Equal(t, int64(1), b.stats.Snapshot().UnauthorizedAttempts)
	assert.Equal(t, int64(0), b.stats.Snapshot().TotalDMs)

	replies := b.session.sentTo(testDMChannel)
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultUnauthorizedMessage, replies[0].Data.Content)
	assert.Empty(t, replies[0].Data.Components)
	require.NotNil(t, replies[0].Data.Reference)
	assert.Equal(t, "message-1", replies[0].Data.Reference.MessageID)

	alerts := b.session.sentTo(testChannelUnauthorized)
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Data.Content, "<@"+testUserID+">")
	assert.Contains(t, alerts[0].Data.Content, testUsername)
	assert.Contains(t, alerts[0].Data.Content, "hello")
	require.NotNil(t, alerts[0].Data.AllowedMentions)
	assert.Empty(t, alerts[0].Data.AllowedMentions.Parse)
}

func TestHandleDiscordMessage_Owner(t *testing.T) {
	b := newTestBot(t, nil, testOpenAIText)

	b.handleDiscordMessage(context.Background(), newDM(testOwnerID, "what is X"))

	calls := b.client.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "what is X", calls[0].Messages[len(calls[0].Messages)-1].Content)

	sent := b.session.sent()
	require.Len(t, sent, 1, "owner activity isn't audited")
	assert.Equal(t, testDMChannel, sent[0].ChannelID)
	assert.Equal(t, testOpenAIText, sent[0].Data.Content)
	require.Len(t, sent[0].Data.Components, 1)

	row, ok := sent[0].Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	stats := b.stats.Snapshot()
	assert.Equal(t, int64(1), stats.TotalReplies)
	assert.Equal(t, int64(1), stats.TotalDMs)
	assert.Equal(t, "what is X", stats.LastQuestions[testOwnerID])
}

func TestHandleDiscordMessage_Allowed(t *testing.T) {
	b := newTestBot(t, nil, testOpenAIText)
	_, err := b.access.Allow(testOwnerID, testUserID)
	require.NoError(t, err)

	b.handleDiscordMessage(context.Background(), newDM(testUserID, "how do magnets work?"))

	require.Len(t, b.client.calls(), 1)

	replies := b.session.sentTo(testDMChannel)
	require.Len(t, replies, 1)
	assert.Equal(t, testOpenAIText, replies[0].Data.Content)
	assert.NotEmpty(t, replies[0].Data.Components)

	logs := b.session.sentTo(testChannelDMLog)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Data.Content, markerComplex)
	assert.Contains(t, logs[0].Data.Content, "how do magnets work?")

	assert.Equal(t, int64(1), b.stats.Snapshot().TotalReplies)
	assert.Equal(t, int64(0), b.stats.Snapshot().UnauthorizedAttempts)
}

func TestHandleDiscordMessage_Muted(t *testing.T) {
	b := newTestBot(t, nil, testOpenAIText)
	_, err := b.access.Allow(testOwnerID, testUserID)
	require.NoError(t, err)
	_, err = b.access.Mute(testOwnerID, testUserID)
	require.NoError(t, err)

	b.handleDiscordMessage(context.Background(), newDM(testUserID, "hello?"))

	assert.Empty(t, b.client.calls())
	sent := b.session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, testDMChannel, sent[0].ChannelID)
	assert.Equal(t, DefaultMutedMessage, sent[0].Data.Content)

	stats := b.stats.Snapshot()
	assert.Equal(t, int64(0), stats.TotalDMs)
	assert.Equal(t, int64(0), stats.UnauthorizedAttempts)

	// unmuting restores access
	_, err = b.access.Unmute(testOwnerID, testUserID)
	require.NoError(t, err)
	b.handleDiscordMessage(context.Background(), newDM(testUserID, "hello?"))
	assert.Len(t, b.client.calls(), 1)
}

func TestHandleDiscordMessage_TextError(t *testing.T) {
	b := newTestBot(t, nil, "")
	b.client.err = errors.New("service unavailable")

	b.handleDiscordMessage(context.Background(), newDM(testOwnerID, "hi"))

	replies := b.session.sentTo(testDMChannel)
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultTextErrorMessage, replies[0].Data.Content)
	assert.Empty(t, replies[0].Data.Components)
	assert.Equal(t, int64(0), b.stats.Snapshot().TotalReplies)
	assert.Equal(t, int64(1), b.stats.Snapshot().TotalDMs)
}

func TestHandleDiscordMessage_Image(t *testing.T) {
	b := newTestBot(t, nil, "a photo of a cat")
	_, err := b.access.Allow(testOwnerID, testUserID)
	require.NoError(t, err)

	b.handleDiscordMessage(context.Background(), newImageDM(testUserID, ""))

	calls := b.client.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, b.config.OpenAI.VisionModel, calls[0].Model)
	parts := calls[0].Messages[len(calls[0].Messages)-1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, testImageURL, parts[1].ImageURL.URL)

	replies := b.session.sentTo(testDMChannel)
	require.Len(t, replies, 1)
	assert.Equal(t, "a photo of a cat", replies[0].Data.Content)

	// the image log keeps its own copy of the image
	imageLogs := b.session.sentTo(testChannelImageLog)
	require.Len(t, imageLogs, 1)
	assert.Contains(t, imageLogs[0].Data.Content, "<@"+testUserID+">")
	assert.NotContains(t, imageLogs[0].Data.Content, testImageURL)
	require.Len(t, imageLogs[0].Data.Files, 1)
	file := imageLogs[0].Data.Files[0]
	assert.Equal(t, "photo.png", file.Name)
	assert.Equal(t, "image/png", file.ContentType)
	data, err := io.ReadAll(file.Reader)
	require.NoError(t, err)
	assert.Equal(t, testImageData, data)

	// no caption, so nothing in the DM log
	assert.Empty(t, b.session.sentTo(testChannelDMLog))

	stats := b.stats.Snapshot()
	assert.Equal(t, imagePlaceholderQuestion, stats.LastQuestions[testUserID])
	assert.Equal(t, int64(1), stats.TotalReplies)
}

func TestHandleDiscordMessage_ImageCopyFailed(t *testing.T) {
	tests := map[string]func(a *discordgo.MessageAttachment){
		"not found": func(a *discordgo.MessageAttachment) {
			a.URL = "https://cdn.example.com/attachments/1/2/gone.png"
		},
		"too large": func(a *discordgo.MessageAttachment) {
			a.Size = maxImageCopySize + 1
		},
	}
	for name, mutate := range tests {
		t.Run(
			name, func(t *testing.T) {
				b := newTestBot(t, nil, "a photo of a cat")
				_, err := b.access.Allow(testOwnerID, testUserID)
				require.NoError(t, err)

				m := newImageDM(testUserID, "")
				mutate(m.Attachments[0])
				b.handleDiscordMessage(context.Background(), m)

				// falls back to logging the URL
				imageLogs := b.session.sentTo(testChannelImageLog)
				require.Len(t, imageLogs, 1)
				assert.Empty(t, imageLogs[0].Data.Files)
				assert.Contains(t, imageLogs[0].Data.Content, m.Attachments[0].URL)

				assert.Len(t, b.session.sentTo(testDMChannel), 1)
			},
		)
	}
}

func TestHandleDiscordMessage_ImageWithCaption(t *testing.T) {
	b := newTestBot(t, nil, "a tabby")
	_, err := b.access.Allow(testOwnerID, testUserID)
	require.NoError(t, err)

	b.handleDiscordMessage(context.Background(), newImageDM(testUserID, "what breed is this?"))

	calls := b.client.calls()
	require.Len(t, calls, 1)
	parts := calls[0].Messages[len(calls[0].Messages)-1].MultiContent
	assert.Equal(t, "what breed is this?", parts[0].Text)

	assert.Len(t, b.session.sentTo(testChannelImageLog), 1)
	assert.Len(t, b.session.sentTo(testChannelDMLog), 1)
	assert.Equal(t, "what breed is this?", b.stats.Snapshot().LastQuestions[testUserID])
}

func TestHandleDiscordMessage_ImageError(t *testing.T) {
	b := newTestBot(t, nil, "")
	b.client.err = errors.New("unsupported image")

	b.handleDiscordMessage(context.Background(), newImageDM(testOwnerID, ""))

	replies := b.session.sentTo(testDMChannel)
	require.Len(t, replies, 1)
	assert.Equal(t, DefaultImageErrorMessage, replies[0].Data.Content)
	assert.Equal(t, int64(0), b.stats.Snapshot().TotalReplies)
}

func TestHandleDiscordMessage_Ignored(t *testing.T) {
	tests := map[string]*discordgo.MessageCreate{
		"nil":         nil,
		"nil message": {},
		"no author":   {Message: &discordgo.Message{ChannelID: testDMChannel, Content: "hi"}},
		"bot author": {
			Message: &discordgo.Message{
				ChannelID: testDMChannel,
				Content:   "beep",
				Author:    &discordgo.User{ID: "300", Bot: true},
			},
		},
		"self": newDM(testApplicationID, "echo"),
		"guild message": func() *discordgo.MessageCreate {
			m := newImageDM(testOwnerID, "in a server")
			m.GuildID = "guild-1"
			return m
		}(),
		"empty owner DM": newDM(testOwnerID, "   "),
	}
	for name, m := range tests {
		t.Run(
			name, func(t *testing.T) {
				b := newTestBot(t, nil, testOpenAIText)
				b.handleDiscordMessage(context.Background(), m)
				assert.Empty(t, b.client.calls())
				assert.Empty(t, b.session.sent())
				assert.Equal(t, StatsSnapshot{LastQuestions: map[string]string{}, Since: b.stats.Snapshot().Since}, b.stats.Snapshot())
			},
		)
	}
}

func TestHandleDiscordMessage_NoAuditChannels(t *testing.T) {
	cfg := newTestConfig()
	cfg.Channels = ChannelsConfig{}
	b := newTestBot(t, cfg, testOpenAIText)
	_, err := b.access.Allow(testOwnerID, testUserID)
	require.NoError(t, err)

	b.handleDiscordMessage(context.Background(), newDM("400", "hello"))
	b.handleDiscordMessage(context.Background(), newImageDM(testUserID, "look"))

	sent := b.session.sent()
	require.Len(t, sent, 2)
	for _, m := range sent {
		assert.Equal(t, testDMChannel, m.ChannelID)
	}
	assert.Equal(t, int64(1), b.stats.Snapshot().UnauthorizedAttempts)
	assert.Equal(t, int64(1), b.stats.Snapshot().TotalReplies)
}

func TestHandleDiscordMessage_SendError(t *testing.T) {
	b := newTestBot(t, nil, testOpenAIText)
	b.session.sendErr = errors.New("missing access")

	b.handleDiscordMessage(context.Background(), newDM(testOwnerID, "hi"))

	// the completion counts even though the reply failed
	assert.Len(t, b.client.calls(), 1)
	assert.Equal(t, int64(1), b.stats.Snapshot().TotalReplies)
}

func TestReplyToMessage_Shortened(t *testing.T) {
	b := newTestBot(t, nil, "")
	m := newDM(testOwnerID, "hi")

	long := make([]rune, discordMaxMessageLength+500)
	for i := range long {
		long[i] = 'a'
	}
	require.True(t, b.replyToMessage(context.Background(), m.Message, string(long), false))

	sent := b.session.sent()
	require.Len(t, sent, 1)
	assert.LessOrEqual(t, len([]rune(sent[0].Data.Content)), discordMaxMessageLength)
	assert.True(t, sent[0].Data.AllowedMentions.RepliedUser)
}
