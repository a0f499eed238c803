package jbot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// auditKind identifies one of the configured audit/report channels
type auditKind int

const (
	auditUnauthorizedDM auditKind = iota
	auditImageLog
	auditDMLog
	auditFeedbackLog
	auditServerLog
	auditDailyReport
)

func (k auditKind) String() string {
	switch k {
	case auditUnauthorizedDM:
		return "unauthorized_dm"
	case auditImageLog:
		return "image_log"
	case auditDMLog:
		return "dm_log"
	case auditFeedbackLog:
		return "feedback_log"
	case auditServerLog:
		return "server_log"
	case auditDailyReport:
		return "daily_report"
	default:
		return "unknown"
	}
}

// maxImageCopySize caps the size of an image copied into the image log
// channel. Larger images are logged by URL.
const maxImageCopySize = 8 << 20

// auditChannels posts messages to the configured channels. A kind with
// no channel ID is skipped.
type auditChannels struct {
	config  ChannelsConfig
	discord *Discord
	logger  *slog.Logger

	// httpClient downloads attachments to be re-uploaded
	httpClient *http.Client
}

func (a *auditChannels) channelID(kind auditKind) string {
	switch kind {
	case auditUnauthorizedDM:
		return a.config.UnauthorizedDM
	case auditImageLog:
		return a.config.ImageLog
	case auditDMLog:
		return a.config.DMLog
	case auditFeedbackLog:
		return a.config.FeedbackLog
	case auditServerLog:
		return a.config.ServerLog
	case auditDailyReport:
		return a.config.DailyReport
	default:
		return ""
	}
}

// send posts content to the channel for kind. Returns false if the
// channel isn't configured or the message failed to send. Failures are
// logged, not returned, since an audit message never blocks a reply.
func (a *auditChannels) send(ctx context.Context, kind auditKind, content string) bool {
	return a.sendComplex(ctx, kind, &discordgo.MessageSend{Content: content})
}

func (a *auditChannels) sendComplex(
	ctx context.Context,
	kind auditKind,
	data *discordgo.MessageSend,
) bool {
	channelID := a.channelID(kind)
	logger := a.logger.With("audit_kind", kind.String())
	if channelID == "" {
		logger.DebugContext(ctx, "audit channel not configured, skipping")
		return false
	}
	data.Content = shortenString(data.Content, discordMaxMessageLength)
	if data.AllowedMentions == nil {
		data.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	_, err := a.discord.session.ChannelMessageSendComplex(
		channelID,
		data,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error sending audit message",
			tint.Err(err),
			"channel_id", channelID,
		)
		return false
	}
	return true
}

// sendImage posts content to the image log channel along with a copy of
// the attachment, since attachment URLs expire. If the image can't be
// downloaded, its URL is logged instead.
func (a *auditChannels) sendImage(
	ctx context.Context,
	content string,
	att *discordgo.MessageAttachment,
) bool {
	if a.channelID(auditImageLog) == "" {
		return a.send(ctx, auditImageLog, content)
	}
	file, err := a.downloadAttachment(ctx, att)
	if err != nil {
		a.logger.WarnContext(
			ctx,
			"error copying image, logging its URL",
			tint.Err(err),
			"url", att.URL,
		)
		return a.send(ctx, auditImageLog, content+"\n"+att.URL)
	}
	return a.sendComplex(
		ctx,
		auditImageLog,
		&discordgo.MessageSend{
			Content: content,
			Files:   []*discordgo.File{file},
		},
	)
}

func (a *auditChannels) downloadAttachment(
	ctx context.Context,
	att *discordgo.MessageAttachment,
) (*discordgo.File, error) {
	if att.Size > maxImageCopySize {
		return nil, fmt.Errorf("attachment too large: %d bytes", att.Size)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	client := a.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageCopySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxImageCopySize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxImageCopySize)
	}

	name := att.Filename
	if name == "" {
		name = "image"
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &discordgo.File{
		Name:        name,
		ContentType: contentType,
		Reader:      bytes.NewReader(data),
	}, nil
}
