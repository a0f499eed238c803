//nolint:lll // struct tags can't be split
package jbot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix       = "JBOT_ENV_PREFIX"
	DefaultEnvPrefix         = "JBOT"
	DefaultLogLevel          = slog.LevelInfo
	DefaultStartupTimeout    = 30 * time.Second
	DefaultShutdownTimeout   = 60 * time.Second
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultOpenAILogLevel    = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultOpenAIModel       = openai.GPT3Dot5Turbo
	DefaultOpenAIVisionModel = "gpt-4o-mini"
	DefaultOpenAIMaxTokens   = 0

	// DefaultDiscordGatewayIntent covers guild slash commands and DMs.
	// Message content in DMs does not need the privileged intent.
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds | discordgo.IntentsDirectMessages

	DefaultReportHour          = 0
	DefaultReportMinute        = 0
	DefaultReportTimezone      = "Local"
	DefaultReportCheckInterval = time.Minute

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"

	DefaultAPICORSAllowCredentials = false
	DefaultCORSMaxAge              = 12 * time.Hour

	DefaultUnauthorizedMessage = "🚫 You are not allowed to message me directly. Ask the bot owner for access."
	DefaultMutedMessage        = "🔇 You have been muted and can't message me directly right now."
	DefaultOwnerOnlyMessage    = "⛔ This command is for the bot owner only."
	DefaultTextErrorMessage    = "حدث خطأ أثناء التواصل مع OpenAI."
	DefaultImageErrorMessage   = "حدث خطأ أثناء تحليل الصورة."
	DefaultImagePrompt         = "Describe this image."
	DefaultFeedbackThanks      = "Thanks for the feedback!"

	discordMaxMessageLength = 2000
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// OwnerID is the discord user ID of the bot owner. The owner may always
	// DM the bot, and is the only user allowed to change the DM lists.
	OwnerID string `yaml:"owner_id" mapstructure:"owner_id" json:"owner_id" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to open the discord session
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow in-flight handlers to finish
	// after the bot is asked to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Channels are the audit/report channel IDs. Any of them may be empty,
	// in which case the corresponding message is not sent.
	Channels ChannelsConfig `yaml:"channels" mapstructure:"channels" json:"channels"`

	Report *ReportConfig `yaml:"report" mapstructure:"report" json:"report" binding:"required"`

	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures the chat completion client
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Model used for text prompts
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// VisionModel is used for prompts with an image attached
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model" json:"vision_model" binding:"required"`

	// MaxTokens caps the completion length. 0=provider default
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`

	// SystemPrompt, if set, is sent ahead of every user prompt
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// BaseURL overrides the API endpoint (ex: for an OpenAI-compatible proxy)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ChannelsConfig holds the IDs of the channels the bot writes audit
// messages and reports to.
type ChannelsConfig struct {
	// Alerts for DMs from users who aren't allowed
	UnauthorizedDM string `yaml:"unauthorized_dm" mapstructure:"unauthorized_dm" json:"unauthorized_dm"`

	// Copies of images sent to the bot via DM
	ImageLog string `yaml:"image_log" mapstructure:"image_log" json:"image_log"`

	// Copies of text sent to the bot via DM
	DMLog string `yaml:"dm_log" mapstructure:"dm_log" json:"dm_log"`

	// Like/dislike button presses
	FeedbackLog string `yaml:"feedback_log" mapstructure:"feedback_log" json:"feedback_log"`

	// Questions asked via slash command in a server
	ServerLog string `yaml:"server_log" mapstructure:"server_log" json:"server_log"`

	// Daily stats digest
	DailyReport string `yaml:"daily_report" mapstructure:"daily_report" json:"daily_report"`
}

// ReportConfig configures when the daily stats digest is sent.
type ReportConfig struct {
	Hour   int `yaml:"hour" mapstructure:"hour" json:"hour" binding:"min=0,max=23"`
	Minute int `yaml:"minute" mapstructure:"minute" json:"minute" binding:"min=0,max=59"`

	// Timezone is an IANA name ("Local" and "UTC" work too)
	Timezone string `yaml:"timezone" mapstructure:"timezone" json:"timezone" binding:"required"`

	// CheckInterval is how often the scheduler checks whether the
	// report is due
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval" json:"check_interval" binding:"min=1s"`
}

// Location returns the configured report timezone
func (r ReportConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid report timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// APIConfig configures the optional status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required for /api/ routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// Validate checks struct constraints, then anything the struct tags
// can't express.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	var errs []error
	if _, err := c.Report.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && len(c.API.CORS.AllowOrigins) > 0 && c.API.CORS.AllowCredentials {
		for _, o := range c.API.CORS.AllowOrigins {
			if o == "*" {
				errs = append(
					errs,
					errors.New("api.cors: wildcard origin can't be used with allow_credentials"),
				)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		LogLevel:        mainLogLevel,
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		OpenAI: &OpenAIConfig{
			Model:       DefaultOpenAIModel,
			VisionModel: DefaultOpenAIVisionModel,
			MaxTokens:   DefaultOpenAIMaxTokens,
			LogLevel:    openaiLogLevel,
		},
		Report: &ReportConfig{
			Hour:          DefaultReportHour,
			Minute:        DefaultReportMinute,
			Timezone:      DefaultReportTimezone,
			CheckInterval: DefaultReportCheckInterval,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
