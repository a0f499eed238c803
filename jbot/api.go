package jbot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiHealthCheck          = "/healthz"
	apiPrefix               = "/api"
	apiPathStats            = "/stats"
	apiPathRegisterCommands = "/discord/register_commands"

	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

// API serves the bot's health and stats endpoints.
type API struct {
	bot              *Bot
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
}

type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool          `json:"discord_gateway_connected"`
	Uptime                  time.Duration `json:"uptime"`
	Version                 string        `json:"version"`
}

type statsResponse struct {
	Stats          StatsSnapshot  `json:"stats"`
	AllowedUsers   []string       `json:"allowed_users"`
	MutedUsers     []string       `json:"muted_users"`
	RequestMetrics map[string]int `json:"request_metrics"`
}

type registerCommandsResponse struct {
	Commands []string `json:"commands"`
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		bot:            b,
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         newLogger(config.LogLevel, "api"),
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	if err := corsConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CORS config: %w", err)
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, api.logger))
	protected.GET(apiPathStats, api.getStats)
	protected.POST(apiPathRegisterCommands, api.registerCommands)

	return api, nil
}

// Serve listens on the configured address and serves until ctx is
// canceled, then shuts the server down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
		serveErr <- a.httpServer.Serve(a.listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			a.bot.config.ShutdownTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
			return err
		}
		a.logger.Info("api stopped")
		return nil
	}
}

func (a *API) healthCheck(c *gin.Context) {
	var uptime time.Duration
	if !a.bot.startedAt.IsZero() {
		uptime = time.Since(a.bot.startedAt).Round(time.Second)
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: a.bot.discord.connected.Load(),
			Uptime:                  uptime,
			Version:                 Version,
		},
	)
}

func (a *API) getStats(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := maps.Clone(a.requestMetrics)
	a.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, statsResponse{
			Stats:          a.bot.stats.Snapshot(),
			AllowedUsers:   a.bot.access.AllowedUsers(),
			MutedUsers:     a.bot.access.MutedUsers(),
			RequestMetrics: metrics,
		},
	)
}

func (a *API) registerCommands(c *gin.Context) {
	logger := ginContextLogger(c)
	created, err := a.bot.RegisterSlashCommands(
		discordgo.WithContext(c.Request.Context()),
	)
	if err != nil {
		logger.Error("error registering commands", tint.Err(err))
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: err.Error()})
		return
	}
	names := make([]string, 0, len(created))
	for _, cmd := range created {
		names = append(names, cmd.Name)
	}
	c.JSON(http.StatusOK, registerCommandsResponse{Commands: names})
}

// authMiddleware requires an `Authorization: Bearer <secret>` header
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, bearerPrefix)
		if secret == "" || !found ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("unauthorized api request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request,
// set in the gin context and the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating (and storing) one with request details if it doesn't exist
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}
