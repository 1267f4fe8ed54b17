package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/config"
	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/db"
	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/logging"
	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
	"github.com/hackgods/telehealth-sessions/internal/session"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info", "room-sweeper")
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, "room-sweeper")
	if cfg.StoreDriver != config.StorePostgres {
		logger.Fatal().Str("store", cfg.StoreDriver).Msg("room-sweeper needs the postgres store")
	}
	logger.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Msg("room-sweeper starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "room-sweeper")
	if err == nil {
		err = db.Migrate(pgCtx, pgPool)
	}
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// ended rooms are broadcast so api-server watchers close their streams
	var bus events.Publisher
	if cfg.RedisEnabled() {
		rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, "room-sweeper")
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
		bus = redisclient.NewEventBus(rdb)
	}

	ledger := consent.NewLedger(consent.NewPgRepository(pgPool), logger)
	svc := session.NewService(session.Deps{
		Repo:     session.NewPgRepository(pgPool),
		Provider: video.NewTokenProvider(cfg.Video.APIKey, cfg.Video.APISecret, cfg.Video.Endpoint, cfg.Video.TokenTTL),
		Consent:  ledger,
		Events:   bus,
		Logger:   logger,
	})

	// Run once at startup
	runOnce(rootCtx, svc.Rooms, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping room-sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc.Rooms, logger)
		}
	}
}

func runOnce(ctx context.Context, rooms *session.RoomManager, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := rooms.EndExpiredRooms(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("sweep run error")
		return
	}
	logger.Info().Int("ended", n).Dur("took", time.Since(start)).Msg("sweep run complete")
}
