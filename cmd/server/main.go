// Command server runs the marketplace chat service: the room/message query
// API and live WebSocket sessions behind one Gin engine.
//
// @title                      Market Chat API
// @version                    1.0
// @description                Buyer/seller chat rooms scoped to marketplace products.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
// @description                HS256 token; the "sub" claim is the user id. Format: "Bearer {token}"
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/docs"
	"github.com/tbourn/go-market-chat/internal/broadcast"
	"github.com/tbourn/go-market-chat/internal/chat"
	"github.com/tbourn/go-market-chat/internal/config"
	httpapi "github.com/tbourn/go-market-chat/internal/http"
	"github.com/tbourn/go-market-chat/internal/observability"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/services"
	"github.com/tbourn/go-market-chat/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

// openDB is swapped in tests.
var openDB = repo.Open

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	ver := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version)
	sysutil.SetupLogger(sysutil.LoggerOptions{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.OTEL.ServiceName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, ver); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, ver string) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		octx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(octx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(repo.Options{
		Driver:  cfg.DBDriver,
		Path:    cfg.DBPath,
		DSN:     cfg.DatabaseDSN,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}

	rooms := services.NewRoomService(db, repo.Store{}, services.NewGormCatalog(db))
	msgs := services.NewMessageService(db, repo.Store{})
	msgs.MaxBodyRunes = cfg.Chat.MessageMaxRunes
	msgs.StripHTML = cfg.Chat.SanitizeHTML

	registry, closeBackbone, err := openRegistry(ctx, cfg.Broadcast)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warn().Err(err).Msg("broadcast close")
		}
		closeBackbone()
	}()

	hub := chat.NewHub(rooms, msgs, registry, chat.Options{
		SendBuffer:      cfg.WS.SendBuffer,
		PingInterval:    cfg.WS.PingInterval,
		PongWait:        cfg.WS.PongWait,
		WriteTimeout:    cfg.WS.WriteTimeout,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		MsgRPS:          cfg.WS.MsgRPS,
		MsgBurst:        cfg.WS.MsgBurst,
	})

	docs.SwaggerInfo.BasePath = cfg.APIBasePath
	docs.SwaggerInfo.Version = ver

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Rooms: rooms, Messages: msgs, Hub: hub}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("broadcast", cfg.Broadcast.Backend).
			Str("db", cfg.DBDriver).
			Str("version", ver).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions first: they hijacked their connections, so srv.Shutdown
	// would not wait for them.
	if err := hub.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("chat sessions did not drain")
	}
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	// Deferred: broadcast backbone, database, tracer.
	return runErr
}

// openRegistry builds the configured broadcast backbone. The returned func
// releases the underlying client after the registry itself is closed.
func openRegistry(ctx context.Context, cfg config.BroadcastConfig) (broadcast.Registry, func(), error) {
	switch cfg.Backend {
	case config.BackendNATS:
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("go-market-chat"),
			nats.Timeout(5*time.Second),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
			}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		reg, err := broadcast.NewNATS(nc, cfg.SubjectPrefix)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return reg, func() {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Msg("nats drain")
			}
		}, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		reg, err := broadcast.NewRedis(ctx, rdb, cfg.SubjectPrefix)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return reg, func() { _ = rdb.Close() }, nil

	default:
		return broadcast.NewLocal(), func() {}, nil
	}
}
