package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/arcward/jbot/jbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = jbot.DefaultConfig()
	configFile string
)

// legacyEnvVars are unprefixed variable names accepted alongside the
// prefixed ones
var legacyEnvVars = map[string]string{
	"discord.token": "DISCORD_TOKEN",
	"openai.token":  "OPENAI_API_KEY",
	"owner_id":      "OWNER_ID",
}

var rootCmd = &cobra.Command{
	Use:   "jbot [flags]",
	Short: "Discord bot relaying DMs and slash commands to OpenAI",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("INFO", "debug") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("owner_id", "")
	viper.SetDefault("log_level", jbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", jbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", jbot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.log_level", jbot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", jbot.DefaultOpenAIModel)
	viper.SetDefault("openai.vision_model", jbot.DefaultOpenAIVisionModel)
	viper.SetDefault("openai.max_tokens", jbot.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.system_prompt", "")
	viper.SetDefault("openai.base_url", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		jbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		jbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(jbot.DefaultDiscordGatewayIntent),
	)

	// Audit/report channels
	viper.SetDefault("channels.unauthorized_dm", "")
	viper.SetDefault("channels.image_log", "")
	viper.SetDefault("channels.dm_log", "")
	viper.SetDefault("channels.feedback_log", "")
	viper.SetDefault("channels.server_log", "")
	viper.SetDefault("channels.daily_report", "")

	// Daily report
	viper.SetDefault("report.hour", jbot.DefaultReportHour)
	viper.SetDefault("report.minute", jbot.DefaultReportMinute)
	viper.SetDefault("report.timezone", jbot.DefaultReportTimezone)
	viper.SetDefault("report.check_interval", jbot.DefaultReportCheckInterval)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", jbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", jbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", jbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		jbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", jbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", jbot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		jbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		jbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		jbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", jbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		jbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(jbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = jbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the prefixed name takes precedence over the legacy one
	for key, legacy := range legacyEnvVars {
		prefixed := strings.ToUpper(envPrefix + "_" + replacer.Replace(key))
		if err := viper.BindEnv(key, prefixed, legacy); err != nil {
			log.Fatalf("error binding %s: %v", key, err)
		}
	}

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"openai.log_level",
		"api.log_level",
	} {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
