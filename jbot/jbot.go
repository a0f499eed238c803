package jbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/jbot/jbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrStartupTimeout = errors.New("startup cancelled or timed out")

// Bot relays DMs and slash commands to OpenAI, and owns all the state
// shared between event handlers: the DM access lists, the activity
// stats, and the audit channel config.
type Bot struct {
	config *Config
	logger *slog.Logger

	discord  *Discord
	openai   *OpenAI
	access   *AccessControl
	stats    *Stats
	audit    *auditChannels
	reporter *reporter

	// api is nil unless the status API is enabled
	api *API

	// The time Run was called
	startedAt time.Time

	// prevents concurrent runs
	runMu sync.Mutex

	// tracks in-flight event handlers
	runtimeWG sync.WaitGroup

	// signalReady has a value sent on it when Run has opened the
	// discord session and started background tasks
	signalReady chan struct{}

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a Bot from the given config. The discord session isn't
// opened until Run is called.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logger = newLogger(config.LogLevel, "jbot")
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(config.Discord)
	b.discord.onReady = b.registerOnReady

	b.openai = newOpenAI(config.OpenAI, config.HTTPClient)
	b.access = NewAccessControl(config.OwnerID, b.logger.With(loggerNameKey, "access"))
	b.stats = NewStats(time.Now())
	b.audit = &auditChannels{
		config:  config.Channels,
		discord:    b.discord,
		logger:     b.logger.With(loggerNameKey, "audit"),
		httpClient: config.HTTPClient,
	}

	r, err := newReporter(
		config.Report,
		b.stats,
		b.audit,
		b.logger.With(loggerNameKey, "report"),
		time.Now,
	)
	errs = append(errs, err)
	b.reporter = r

	if config.API.Enabled {
		api, apiErr := newAPI(b, config.API)
		errs = append(errs, apiErr)
		b.api = api
	}

	b.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return GatewayHandler{
			session:     b.discord.session,
			interaction: i,
			logger: b.logger.With(
				slog.Group("interaction", interactionLogAttrs(*i)...),
			),
		}
	}

	return b, errors.Join(errs...)
}

// RegisterSlashCommands overwrites the bot's slash commands. The gateway
// doesn't need to be connected.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// registerOnReady is called on every Ready event, so commands are
// re-registered after each reconnect. Failure is logged, and the bot
// keeps running with whatever was registered before.
func (b *Bot) registerOnReady() {
	if _, err := b.discord.registerCommands(); err != nil {
		b.logger.Error("error registering commands on ready", tint.Err(err))
	}
}

// Run opens the discord session and starts the report scheduler (and API,
// if enabled), blocking until ctx is canceled or a background task fails.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := b.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	openErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "connecting to discord")
		openErr <- b.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		logger.ErrorContext(ctx, "timed out connecting to discord")
		// Open may still complete, so close the session once it does
		go func() {
			if err := <-openErr; err == nil {
				if closeErr := b.discord.session.Close(); closeErr != nil {
					logger.Error("error closing discord session", tint.Err(closeErr))
				}
			}
		}()
		return ErrStartupTimeout
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return b.reporter.Run(gctx)
		},
	)
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx)
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-gctx.Done()
	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "background task failed", tint.Err(runErr))
	}
	cancel()

	return errors.Join(runErr, b.shutdown(ctx))
}

// initDiscordSession creates the discord session (if one hasn't been set)
// and adds the gateway event handlers. Each MessageCreate and
// InteractionCreate event is handled in its own goroutine.
func (b *Bot) initDiscordSession(ctx context.Context) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = session
	}

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(
		discordgo.Identify{Intents: b.config.Discord.GatewayIntents},
	)
	b.discord.session.SetHTTPClient(b.config.HTTPClient)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				b.runtimeWG.Add(1)
				go func() {
					defer b.runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
	return nil
}

// shutdown closes the discord session, then waits up to ShutdownTimeout
// for in-flight handlers to finish
func (b *Bot) shutdown(ctx context.Context) error {
	b.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()

	var errs []error
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		b.runtimeWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(b.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		b.logger.Info(
			"finished handling in-flight requests",
			"shutdown_duration", time.Since(shutdownStart),
		)
	case <-timer.C:
		b.logger.Warn("in-flight requests did not finish in time")
		errs = append(errs, errors.New("handlers did not stop in time"))
	}

	b.logger.Info("final stats", "stats", b.stats.Snapshot())
	return errors.Join(errs...)
}
