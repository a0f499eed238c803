package jbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler abstracts responding to a single discord interaction,
// so command handling doesn't depend on a live session.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// ackResponse is the deferred response sent while a completion runs
func ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// handleInteraction routes an InteractionCreate event: slash commands
// and feedback button presses.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}

	logger = logger.With(slog.Group("user", userLogAttrs(discordUser)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction")

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		rv, err := b.interactionResponseToMessageComponent(ctx, i)
		if err != nil {
			logger.ErrorContext(ctx, "error with component response", tint.Err(err))
		}
		if rv != nil {
			_ = handler.Respond(ctx, rv)
		}
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (b *Bot) handleCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	i := handler.GetInteraction()
	commandName := i.ApplicationCommandData().Name

	switch commandName {
	case DiscordSlashCommandAsk, DiscordSlashCommandAskAI:
		b.handleAskCommand(ctx, handler, u)
	case DiscordSlashCommandAllowDM:
		b.handleUserListCommand(ctx, handler, u, b.access.Allow, "✅ <@%s> can now DM me.", "<@%s> was already allowed.")
	case DiscordSlashCommandRemoveDMUser:
		b.handleUserListCommand(ctx, handler, u, b.access.Remove, "🗑️ <@%s> can no longer DM me.", "<@%s> wasn't on the list.")
	case DiscordSlashCommandMuteDM:
		b.handleUserListCommand(ctx, handler, u, b.access.Mute, "🔇 <@%s> has been muted.", "<@%s> was already muted.")
	case DiscordSlashCommandUnmuteDM:
		b.handleUserListCommand(ctx, handler, u, b.access.Unmute, "🔊 <@%s> has been unmuted.", "<@%s> wasn't muted.")
	case DiscordSlashCommandListDMUsers:
		_ = handler.Respond(ctx, ephemeralResponse(b.dmUsersMessage()))
	case DiscordSlashCommandStatus:
		_ = handler.Respond(ctx, ephemeralResponse(b.statusMessage(time.Now())))
	case DiscordSlashCommandCommands:
		_ = handler.Respond(ctx, ephemeralResponse(b.commandsMessage()))
	default:
		handler.Logger().WarnContext(ctx, "unknown command", "command", commandName)
		_ = handler.Respond(ctx, ephemeralResponse("Unknown command."))
	}
}

// handleAskCommand acknowledges the interaction, then edits the deferred
// reply with the completion result
func (b *Bot) handleAskCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	logger, _ := ContextLogger(ctx)
	i := handler.GetInteraction()

	if ackErr := handler.Respond(ctx, ackResponse()); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	var prompt string
	if opt, ok := discordInteractionOptions(i)[askCommandPromptOption]; ok {
		prompt = strings.TrimSpace(opt.StringValue())
	}
	if prompt == "" {
		msg := "Please include a question."
		_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &msg})
		return
	}

	b.stats.RecordServerQuestion(u.ID, prompt)
	b.audit.send(
		ctx,
		auditServerLog,
		fmt.Sprintf(
			"%s /%s from <@%s> (%s) in <#%s>: %s",
			classifyPrompt(prompt),
			i.ApplicationCommandData().Name,
			u.ID,
			u.Username,
			i.ChannelID,
			prompt,
		),
	)

	answer, err := b.openai.Complete(ctx, prompt)
	if err != nil {
		logger.ErrorContext(ctx, "error completing command", tint.Err(err))
		msg := DefaultTextErrorMessage
		_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &msg})
		return
	}
	b.stats.IncrementReplies()

	content := shortenString(answer, discordMaxMessageLength)
	edit := &discordgo.WebhookEdit{
		Content: &content,
		// answers are posted in guild channels, so nothing in them pings
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	components, feedbackID, err := feedbackComponents()
	if err != nil {
		logger.ErrorContext(ctx, "error creating feedback buttons", tint.Err(err))
	} else {
		edit.Components = &components
		logger = logger.With("feedback_id", feedbackID)
	}
	if _, err = handler.Edit(ctx, edit); err != nil {
		logger.ErrorContext(ctx, "error sending answer", tint.Err(err))
	}
}

// handleUserListCommand runs one of the owner-only list mutations against
// the command's user option, responding ephemerally
func (b *Bot) handleUserListCommand(
	ctx context.Context,
	handler InteractionHandler,
	caller *discordgo.User,
	mutate func(callerID, targetID string) (bool, error),
	changedFormat string,
	unchangedFormat string,
) {
	logger, _ := ContextLogger(ctx)
	i := handler.GetInteraction()

	opt, ok := discordInteractionOptions(i)[userCommandOption]
	if !ok {
		_ = handler.Respond(ctx, ephemeralResponse("Missing user."))
		return
	}
	targetID, _ := opt.Value.(string)
	if targetID == "" {
		_ = handler.Respond(ctx, ephemeralResponse("Missing user."))
		return
	}

	changed, err := mutate(caller.ID, targetID)
	switch {
	case errors.Is(err, ErrOwnerOnly):
		logger.WarnContext(ctx, "non-owner used owner-only command", "target_id", targetID)
		_ = handler.Respond(ctx, ephemeralResponse(DefaultOwnerOnlyMessage))
	case errors.Is(err, ErrCannotMuteOwner):
		_ = handler.Respond(ctx, ephemeralResponse("You can't mute yourself."))
	case err != nil:
		logger.ErrorContext(ctx, "error updating DM users", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse("Something went wrong."))
	case changed:
		_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(changedFormat, targetID)))
	default:
		_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(unchangedFormat, targetID)))
	}
}

func (b *Bot) dmUsersMessage() string {
	sb := strings.Builder{}
	sb.WriteString("**Allowed DM users**\n")
	allowed := b.access.AllowedUsers()
	if len(allowed) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, id := range allowed {
		sb.WriteString(fmt.Sprintf("- <@%s>\n", id))
	}

	if muted := b.access.MutedUsers(); len(muted) > 0 {
		sb.WriteString("**Muted**\n")
		for _, id := range muted {
			sb.WriteString(fmt.Sprintf("- <@%s>\n", id))
		}
	}
	return sb.String()
}

func (b *Bot) statusMessage(now time.Time) string {
	stats := b.stats.Snapshot()
	sb := strings.Builder{}
	sb.WriteString("**Status**\n")
	sb.WriteString(fmt.Sprintf("- connected: `%t`\n", b.discord.connected.Load()))
	if !b.startedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("- uptime: `%s`\n", now.Sub(b.startedAt).Round(time.Second)))
	}
	sb.WriteString(fmt.Sprintf("- version: `%s`\n", Version))
	sb.WriteString(fmt.Sprintf("- replies: `%d`\n", stats.TotalReplies))
	sb.WriteString(fmt.Sprintf("- direct messages: `%d`\n", stats.TotalDMs))
	sb.WriteString(fmt.Sprintf("- unauthorized attempts: `%d`\n", stats.UnauthorizedAttempts))
	sb.WriteString(fmt.Sprintf("- server questions: `%d`\n", stats.ServerQuestions))
	sb.WriteString(fmt.Sprintf("- allowed DM users: `%d`\n", len(b.access.AllowedUsers())))
	return sb.String()
}

func (b *Bot) commandsMessage() string {
	sb := strings.Builder{}
	sb.WriteString("**Commands**\n")
	for _, cmd := range b.discord.appCommands() {
		sb.WriteString(fmt.Sprintf("- `/%s`: %s\n", cmd.Name, cmd.Description))
	}
	return sb.String()
}
