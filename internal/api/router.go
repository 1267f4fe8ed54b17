package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/events"
	"github.com/hackgods/telehealth-sessions/internal/metrics"
	"github.com/hackgods/telehealth-sessions/internal/session"
)

type ConsentService interface {
	Submit(ctx context.Context, sub consent.Submission) (*consent.Receipt, error)
	GetStatus(ctx context.Context, appointmentID string) (consent.View, error)
}

type RoomService interface {
	CreateOrGetRoom(ctx context.Context, req session.CreateRoomRequest) (*session.Room, bool, error)
	GetStatus(ctx context.Context, appointmentID string) (*session.RoomView, error)
}

type JoinService interface {
	AuthorizeJoin(ctx context.Context, req session.JoinRequest) (*session.JoinGrant, error)
}

type PresenceService interface {
	RecordLeave(ctx context.Context, participantID string, endCall bool) (*session.Participant, error)
}

type RouterConfig struct {
	Consent  ConsentService
	Rooms    RoomService
	Joins    JoinService
	Presence PresenceService
	Events   events.Subscriber
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoverMiddleware)
	r.Use(MetricsMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Consent endpoints
	r.Post("/consent", submitConsentHandler(cfg.Consent))
	r.Get("/consent/{appointmentId}", consentStatusHandler(cfg.Consent))

	// Room endpoints
	r.Route("/room", func(r chi.Router) {
		r.Post("/create", createRoomHandler(cfg.Rooms))
		r.Post("/join", joinRoomHandler(cfg.Joins))
		r.Post("/leave", leaveRoomHandler(cfg.Presence))
		r.Get("/status/{appointmentId}", roomStatusHandler(cfg.Rooms))
		if cfg.Events != nil {
			r.Get("/watch/{appointmentId}", watchHandler(cfg.Rooms, cfg.Events))
		}
	})

	return r
}
