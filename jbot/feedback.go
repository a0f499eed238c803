package jbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// FeedbackButtonType is the prefix of a feedback button's custom ID
type FeedbackButtonType string

const (
	FeedbackLike    FeedbackButtonType = "L"
	FeedbackDislike FeedbackButtonType = "D"

	customIDFormat = "%s:%s"

	// feedbackIDLength is the length of the random hex ID which ties
	// a pair of buttons to the reply they're attached to
	feedbackIDLength = 16
)

var ErrInvalidCustomID = errors.New("invalid custom_id")

var feedbackTypeDescription = map[FeedbackButtonType]string{
	FeedbackLike:    "👍 Like",
	FeedbackDislike: "👎 Dislike",
}

// CustomID represents a decoded `custom_id` discord button component
// field: the type of button, and the ID of the reply it belongs to
type CustomID struct {
	ButtonType FeedbackButtonType
	ID         string
}

func (c CustomID) String() string {
	return fmt.Sprintf(customIDFormat, c.ButtonType, c.ID)
}

func (c CustomID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("button_type", string(c.ButtonType)),
		slog.String("button_description", feedbackTypeDescription[c.ButtonType]),
		slog.String("id", c.ID),
	)
}

// decodeCustomID accepts a `custom_id` value that's been set in a
// feedback button, and decodes it into a CustomID
func decodeCustomID(customID string) (CustomID, error) {
	buttonType, id, found := strings.Cut(customID, ":")
	if !found || id == "" || strings.Contains(id, ":") {
		return CustomID{}, fmt.Errorf("%w: %q", ErrInvalidCustomID, customID)
	}
	c := CustomID{ButtonType: FeedbackButtonType(buttonType), ID: id}
	if _, ok := feedbackTypeDescription[c.ButtonType]; !ok {
		return CustomID{}, fmt.Errorf("%w: unknown button type %q", ErrInvalidCustomID, buttonType)
	}
	return c, nil
}

// feedbackComponents returns an action row with like/dislike buttons,
// sharing a new random ID
func feedbackComponents() ([]discordgo.MessageComponent, string, error) {
	id, err := generateRandomHexString(feedbackIDLength)
	if err != nil {
		return nil, "", fmt.Errorf("error generating feedback ID: %w", err)
	}
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    feedbackTypeDescription[FeedbackLike],
			Style:    discordgo.SuccessButton,
			CustomID: CustomID{ButtonType: FeedbackLike, ID: id}.String(),
		},
		discordgo.Button{
			Label:    feedbackTypeDescription[FeedbackDislike],
			Style:    discordgo.DangerButton,
			CustomID: CustomID{ButtonType: FeedbackDislike, ID: id}.String(),
		},
	}

	var components []discordgo.MessageComponent
	for _, row := range chunkItems(discordMaxButtonsPerActionRow, buttons...) {
		components = append(components, discordgo.ActionsRow{Components: row})
	}
	return components, id, nil
}

// ephemeralResponse builds an interaction response only visible to the
// user who triggered it
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: shortenString(content, discordMaxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// interactionResponseToMessageComponent handles a feedback button press.
// The press is posted to the feedback log channel, and the user gets an
// ephemeral acknowledgement.
func (b *Bot) interactionResponseToMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.InteractionResponse, error) {
	data := i.MessageComponentData()
	customID, err := decodeCustomID(data.CustomID)
	if err != nil {
		return ephemeralResponse("Unrecognized button."), err
	}

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = b.logger
	}
	user := getDiscordUser(i)
	var userID, username string
	if user != nil {
		userID = user.ID
		username = user.Username
	}
	logger.InfoContext(ctx, "feedback received", "custom_id", customID, "user_id", userID)

	b.audit.send(
		ctx,
		auditFeedbackLog,
		fmt.Sprintf(
			"%s from <@%s> (%s) on reply `%s`",
			feedbackTypeDescription[customID.ButtonType],
			userID,
			username,
			customID.ID,
		),
	)
	return ephemeralResponse(DefaultFeedbackThanks), nil
}
