package jbot

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandAsk          = "ask"
	DiscordSlashCommandAskAI        = "ask-ai"
	DiscordSlashCommandAllowDM      = "allow-dm"
	DiscordSlashCommandRemoveDMUser = "remove-dm-user"
	DiscordSlashCommandMuteDM       = "mute-dm"
	DiscordSlashCommandUnmuteDM     = "unmute-dm"
	DiscordSlashCommandListDMUsers  = "list-dm-users"
	DiscordSlashCommandStatus       = "status"
	DiscordSlashCommandCommands     = "commands"

	// askCommandPromptOption is the option name for the question text
	askCommandPromptOption = "prompt"

	// userCommandOption is the option name for commands targeting a user
	userCommandOption = "user"

	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5
)

// Discord manages the discord session and gateway lifecycle events.
type Discord struct {
	session           DiscordSessionHandler
	config            *DiscordConfig
	logger            *slog.Logger
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	// botUserID is set from the Ready event
	botUserID atomic.Value

	// onReady is called after each Ready event, once the bot
	// user ID is known
	onReady func()

	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config:                      config,
		logger:                      newLogger(config.LogLevel, "discord"),
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session with the appropriate
// token and log level.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's own user ID, once the gateway is ready
func (d *Discord) BotUserID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

// isSelf reports whether the given user ID belongs to this bot
func (d *Discord) isSelf(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == d.BotUserID() || userID == d.config.ApplicationID
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r != nil && r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.botUserID.Store(userID)
		}
		var sessionID string
		if r != nil {
			sessionID = r.SessionID
		}
		d.logger.Info(
			"Ready",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.onReady != nil {
			d.onReady()
		}
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// appCommands returns the full slash command schema
func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	minLength := 1
	guildOnly := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	everywhere := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	askOptions := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        askCommandPromptOption,
			Description: "What would you like to ask?",
			Required:    true,
			MinLength:   &minLength,
		},
	}
	userOption := func(description string) []*discordgo.ApplicationCommandOption {
		return []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        userCommandOption,
				Description: description,
				Required:    true,
			},
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandAsk,
			Description: "Ask the AI a question",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &guildOnly,
			Options:     askOptions,
		},
		{
			Name:        DiscordSlashCommandAskAI,
			Description: "Ask the AI a question",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &guildOnly,
			Options:     askOptions,
		},
		{
			Name:        DiscordSlashCommandAllowDM,
			Description: "Allow a user to DM the bot (owner only)",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
			Options:     userOption("User to allow"),
		},
		{
			Name:        DiscordSlashCommandRemoveDMUser,
			Description: "Remove a user from the DM allow list (owner only)",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
			Options:     userOption("User to remove"),
		},
		{
			Name:        DiscordSlashCommandMuteDM,
			Description: "Mute a user's DMs to the bot (owner only)",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
			Options:     userOption("User to mute"),
		},
		{
			Name:        DiscordSlashCommandUnmuteDM,
			Description: "Unmute a user's DMs to the bot (owner only)",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
			Options:     userOption("User to unmute"),
		},
		{
			Name:        DiscordSlashCommandListDMUsers,
			Description: "List users allowed to DM the bot",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
		},
		{
			Name:        DiscordSlashCommandStatus,
			Description: "Show bot status",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
		},
		{
			Name:        DiscordSlashCommandCommands,
			Description: "List available commands",
			Type:        discordgo.ChatApplicationCommand,
			Contexts:    &everywhere,
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, replacing any existing registration
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, fmt.Errorf("error registering commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSendComplex sends a message to a channel, optionally
	// with components or a reply reference.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}
