package jbot

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// imagePlaceholderQuestion is recorded as the user's last question when
// they send an image with no text
const imagePlaceholderQuestion = "[image]"

var imageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".gif":  {},
	".webp": {},
}

// imageAttachment returns the first attachment that looks like an image
func imageAttachment(attachments []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range attachments {
		if a == nil || a.URL == "" {
			continue
		}
		if strings.HasPrefix(a.ContentType, "image/") {
			return a
		}
		if _, ok := imageExtensions[strings.ToLower(path.Ext(a.Filename))]; ok {
			return a
		}
	}
	return nil
}

// handleDiscordMessage routes a MessageCreate event. Only direct messages
// are handled. Guild messages, and messages from bots (including this
// one), are ignored.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	if m == nil || m.Message == nil {
		return
	}
	author := messageAuthor(m.Message)
	if author == nil {
		return
	}

	logger := b.logger.With(
		slog.Group("message", "id", m.ID, "channel_id", m.ChannelID),
		slog.Group("user", userLogAttrs(author)...),
	)
	ctx = WithLogger(ctx, logger)

	if author.Bot || b.discord.isSelf(author.ID) {
		logger.DebugContext(ctx, "ignoring message from bot")
		return
	}
	if m.GuildID != "" {
		logger.DebugContext(ctx, "ignoring guild message", "guild_id", m.GuildID)
		return
	}

	decision := b.access.CheckDM(author.ID)
	logger = logger.With("access", decision.String())
	ctx = WithLogger(ctx, logger)

	switch decision {
	case AccessDenied:
		b.stats.IncrementUnauthorized()
		logger.WarnContext(ctx, "unauthorized DM")
		b.audit.send(
			ctx,
			auditUnauthorizedDM,
			fmt.Sprintf(
				"🚫 Unauthorized DM from <@%s> (%s): %s",
				author.ID,
				author.Username,
				m.Content,
			),
		)
		b.replyToMessage(ctx, m.Message, DefaultUnauthorizedMessage, false)
		return
	case AccessMuted:
		logger.InfoContext(ctx, "ignoring DM from muted user")
		b.replyToMessage(ctx, m.Message, DefaultMutedMessage, false)
		return
	}

	isOwner := decision == AccessOwner
	text := strings.TrimSpace(m.Content)

	if img := imageAttachment(m.Attachments); img != nil {
		b.handleImageDM(ctx, m.Message, author, img, text, isOwner)
		return
	}
	if text == "" {
		logger.DebugContext(ctx, "ignoring empty DM")
		return
	}
	b.handleTextDM(ctx, m.Message, author, text, isOwner)
}

func (b *Bot) handleTextDM(
	ctx context.Context,
	m *discordgo.Message,
	author *discordgo.User,
	text string,
	isOwner bool,
) {
	logger, _ := ContextLogger(ctx)
	b.stats.RecordDM(author.ID, text)

	if !isOwner {
		b.audit.send(
			ctx,
			auditDMLog,
			fmt.Sprintf("%s DM from <@%s> (%s): %s", classifyPrompt(text), author.ID, author.Username, text),
		)
	}

	answer, err := b.openai.Complete(ctx, text)
	if err != nil {
		logger.ErrorContext(ctx, "error completing DM", tint.Err(err))
		b.replyToMessage(ctx, m, DefaultTextErrorMessage, false)
		return
	}
	b.stats.IncrementReplies()
	b.replyToMessage(ctx, m, answer, true)
}

func (b *Bot) handleImageDM(
	ctx context.Context,
	m *discordgo.Message,
	author *discordgo.User,
	img *discordgo.MessageAttachment,
	text string,
	isOwner bool,
) {
	logger, _ := ContextLogger(ctx)
	logger = logger.With("attachment", img.Filename)

	question := text
	if question == "" {
		question = imagePlaceholderQuestion
	}
	b.stats.RecordDM(author.ID, question)

	if !isOwner {
		b.audit.sendImage(
			ctx,
			fmt.Sprintf("🖼️ Image from <@%s> (%s)", author.ID, author.Username),
			img,
		)
		if text != "" {
			b.audit.send(
				ctx,
				auditDMLog,
				fmt.Sprintf("%s DM from <@%s> (%s): %s", classifyPrompt(text), author.ID, author.Username, text),
			)
		}
	}

	answer, err := b.openai.CompleteImage(ctx, img.URL, text)
	if err != nil {
		logger.ErrorContext(ctx, "error completing image DM", tint.Err(err))
		b.replyToMessage(ctx, m, DefaultImageErrorMessage, false)
		return
	}
	b.stats.IncrementReplies()
	b.replyToMessage(ctx, m, answer, true)
}

// replyToMessage sends content as a reply to m, optionally with feedback
// buttons. Returns true if the reply was sent.
func (b *Bot) replyToMessage(
	ctx context.Context,
	m *discordgo.Message,
	content string,
	withFeedback bool,
) bool {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}

	data := &discordgo.MessageSend{
		Content:   shortenString(content, discordMaxMessageLength),
		Reference: m.Reference(),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			RepliedUser: true,
		},
	}
	if withFeedback {
		components, feedbackID, err := feedbackComponents()
		if err != nil {
			logger.ErrorContext(ctx, "error creating feedback buttons", tint.Err(err))
		} else {
			data.Components = components
			logger = logger.With("feedback_id", feedbackID)
		}
	}

	if _, err := b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		data,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		return false
	}
	logger.InfoContext(ctx, "sent reply")
	return true
}
