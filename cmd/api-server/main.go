package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/api"
	"github.com/hackgods/telehealth-sessions/internal/config"
	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/db"
	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/logging"
	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
	"github.com/hackgods/telehealth-sessions/internal/session"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info", "api-server")
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "api-server")
	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.StoreDriver).
		Bool("redis", cfg.RedisEnabled()).
		Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		pgPool      *pgxpool.Pool
		consentRepo consent.Repository
		sessionRepo session.Repository
	)

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "api-server")
		if err == nil {
			err = db.Migrate(pgCtx, pgPool)
		}
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres setup error")
		}
		defer pgPool.Close()
		logger.Info().Msg("connected to Postgres")

		consentRepo = consent.NewPgRepository(pgPool)
		sessionRepo = session.NewPgRepository(pgPool)
	default:
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		consentRepo = consent.NewMemoryRepository()
		sessionRepo = session.NewMemoryRepository()
	}

	var (
		rdb    *redis.Client
		locker redisclient.Locker
		bus    events.Bus
	)

	if cfg.RedisEnabled() {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, "api-server")
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")

		locker = redisclient.NewRedisAppointmentLocker(rdb, cfg.LockTTL)
		bus = redisclient.NewEventBus(rdb)
	} else {
		locker = session.NewLocalLocker()
		bus = events.NewLocalBus()
	}

	ledger := consent.NewLedger(consentRepo, logger.With().Str("component", "consent").Logger())
	svc := session.NewService(session.Deps{
		Repo:     sessionRepo,
		Provider: newProvider(cfg.Video, logger),
		Consent:  ledger,
		Locker:   locker,
		Events:   bus,
		Logger:   logger.With().Str("component", "session").Logger(),
	})

	router := api.NewRouter(api.RouterConfig{
		Consent:  ledger,
		Rooms:    svc.Rooms,
		Joins:    svc.Joins,
		Presence: svc.Presence,
		Events:   bus,
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// a memory store has no separate sweeper process to end its rooms
	if cfg.StoreDriver == config.StoreMemory {
		go sweep(rootCtx, svc.Rooms, cfg.WorkerInterval, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}

	logger.Info().Msg("api-server stopped")
}

func newProvider(cfg config.VideoConfig, logger zerolog.Logger) video.Provider {
	tokens := video.NewTokenProvider(cfg.APIKey, cfg.APISecret, cfg.Endpoint, cfg.TokenTTL)
	if cfg.APIURL == "" {
		logger.Info().Msg("video rooms are minted locally")
		return tokens
	}
	logger.Info().Str("api_url", cfg.APIURL).Msg("video rooms are allocated by the provider API")
	return video.NewRESTProvider(tokens, cfg.APIURL, &http.Client{Timeout: 10 * time.Second})
}

func sweep(ctx context.Context, rooms *session.RoomManager, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := rooms.EndExpiredRooms(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("room sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("ended", n).Msg("expired rooms ended")
			}
		}
	}
}
