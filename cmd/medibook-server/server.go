package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/config"
	"github.com/medibook/medibook/internal/domain/appointment"
	"github.com/medibook/medibook/internal/domain/emergency"
	"github.com/medibook/medibook/internal/domain/ledger"
	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/internal/platform/db"
	"github.com/medibook/medibook/internal/platform/events"
	"github.com/medibook/medibook/internal/platform/middleware"
	"github.com/medibook/medibook/internal/platform/notification"
	"github.com/medibook/medibook/internal/platform/stream"
	"github.com/medibook/medibook/internal/platform/websocket"
)

const version = "0.1.0"

// app is the wired server. Background loops are started by run and stopped
// by cancelling its context.
type app struct {
	echo       *echo.Echo
	dispatcher *notification.Dispatcher
	background []func(ctx context.Context)
	closers    []func()
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "" || os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	for _, fn := range a.background {
		go fn(ctx)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	a.dispatcher.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects the configured backends and registers every route. Nothing
// runs until the caller starts a.background.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	// Storage
	var (
		pool      *pgxpool.Pool
		slotRepo  ledger.Repository
		apptRepo  appointment.Repository
		directory notification.Directory
	)
	book := ledger.New()
	switch cfg.Store {
	case config.StorePostgres:
		pool, err = db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		logger.Info().Msg("connected to database")

		slotRepo = ledger.NewRepoPG(pool)
		apptRepo = appointment.NewRepoPG(pool)
		directory = notification.NewDirectoryPG(pool)

		refresher := ledger.NewRefresher(book, slotRepo, loc, logger)
		refresher.Interval = cfg.LedgerRefreshInterval
		n, err := refresher.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("load provider days: %w", err)
		}
		logger.Info().Int("days", n).Msg("slot ledger loaded")
		a.background = append(a.background, refresher.Start)
	default:
		slotRepo = ledger.NewMemoryRepo()
		apptRepo = appointment.NewMemoryRepo()
		directory = notification.NewMemoryDirectory()
		logger.Warn().Msg("using in-memory store; state is lost on restart")
	}

	// Realtime and presence
	hub := websocket.NewHub()
	var (
		broadcaster notification.Broadcaster = hub
		index       emergency.LocationIndex  = emergency.NewMemoryIndex()
		rdb         *redis.Client
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = rdb.Close() })

		relay := websocket.NewRedisRelay(hub, rdb, "", logger)
		broadcaster = relay
		index = emergency.NewRedisIndex(rdb, "")
		a.background = append(a.background, func(ctx context.Context) {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("realtime relay stopped")
			}
		})
		logger.Info().Msg("redis relay and geo index enabled")
	}

	// Notification sinks
	var (
		emailSender notification.EmailSender = notification.LogEmailSender{Logger: logger}
		smsSender   notification.SMSSender   = notification.LogSMSSender{Logger: logger}
	)
	if cfg.SQSEmailQueueURL != "" || cfg.SQSSMSQueueURL != "" {
		client, err := notification.NewSQSClient(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.SQSEmailQueueURL != "" {
			emailSender = notification.NewSQSEmailSender(client, cfg.SQSEmailQueueURL)
		}
		if cfg.SQSSMSQueueURL != "" {
			smsSender = notification.NewSQSSMSSender(client, cfg.SQSSMSQueueURL)
		}
	}
	a.dispatcher = notification.NewDispatcher(notification.Config{
		Realtime:  broadcaster,
		Email:     emailSender,
		SMS:       smsSender,
		Directory: directory,
	}, logger)

	publishers := events.Fanout{a.dispatcher}
	if cfg.KafkaBrokers != "" {
		kp := stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		publishers = append(publishers, kp)
		a.closers = append(a.closers, func() {
			if err := kp.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close event stream")
			}
		})
	}

	// Domain
	escalator := emergency.NewEscalator(index, publishers, logger)
	svc := appointment.NewService(book, apptRepo, escalator, publishers, appointment.Config{
		CancellationWindow: cfg.CancellationWindow,
		Location:           loc,
		RadiusKm:           cfg.EscalationRadiusKm,
		TopN:               cfg.EscalationTopN,
	}, logger)

	// HTTP
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	a.echo = e

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevUserHeader, auth.DevRolesHeader},
	}))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	ledger.NewHandler(book, slotRepo, logger).RegisterRoutes(apiV1)
	emergency.NewHandler(index).RegisterRoutes(apiV1)
	appointment.NewHandler(svc).RegisterRoutes(apiV1)

	authorizer := websocket.DefaultAuthorizer{Participants: svc.Participants}
	websocket.NewHandler(hub, authorizer, cfg.HubSendBuffer, cfg.CORSOrigins, logger).RegisterRoutes(e.Group(""))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"store":       cfg.Store,
			"connections": hub.ClientCount(),
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	if rdb != nil {
		e.GET("/health/redis", db.HealthHandler(redisPinger{rdb}))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return a, nil
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
