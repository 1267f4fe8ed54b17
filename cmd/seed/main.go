package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/config"
	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/db"
	"github.com/hackgods/telehealth-sessions/internal/logging"
	"github.com/hackgods/telehealth-sessions/internal/session"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("dev", "info", "seed")
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel, "seed")

	if cfg.StoreDriver != config.StorePostgres {
		logger.Fatal().Str("store", cfg.StoreDriver).Msg("seed needs the postgres store")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "seed")
	if err == nil {
		err = db.Migrate(ctx, pool)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres setup error")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	quiet := zerolog.Nop()
	ledger := consent.NewLedger(consent.NewPgRepository(pool), quiet)
	svc := session.NewService(session.Deps{
		Repo:     session.NewPgRepository(pool),
		Provider: video.NewTokenProvider(cfg.Video.APIKey, cfg.Video.APISecret, cfg.Video.Endpoint, cfg.Video.TokenTTL),
		Consent:  ledger,
		Logger:   quiet,
	})

	count := 50
	if v, err := strconv.Atoi(os.Getenv("SEED_ROOMS")); err == nil && v > 0 {
		count = v
	}

	if err := seedRooms(context.Background(), svc, ledger, count, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed rooms")
	}

	logger.Info().Msg("seed complete")
}

// seedRooms spreads appointments from an hour ago to a day ahead so that
// some rooms are open, some not yet open and every consent status shows up.
func seedRooms(ctx context.Context, svc *session.Service, ledger *consent.Ledger, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding rooms")

	clinicians := make([]string, 10)
	for i := range clinicians {
		clinicians[i] = uuid.NewString()
	}

	durations := []int{15, 30, 45, 60}
	now := time.Now().UTC()

	for i := 0; i < count; i++ {
		appointmentID := uuid.NewString()
		patientID := uuid.NewString()
		start := now.Add(time.Duration(gofakeit.Number(-60, 24*60)) * time.Minute).Truncate(time.Minute)

		room, _, err := svc.Rooms.CreateOrGetRoom(ctx, session.CreateRoomRequest{
			AppointmentID:   appointmentID,
			ClinicianID:     clinicians[gofakeit.Number(0, len(clinicians)-1)],
			AppointmentTime: start,
			DurationMinutes: durations[gofakeit.Number(0, len(durations)-1)],
		})
		if err != nil {
			return err
		}

		// a quarter of patients never answer, leaving the status pending
		switch gofakeit.Number(0, 3) {
		case 0:
		case 1:
			if err := submit(ctx, ledger, appointmentID, patientID, true); err != nil {
				return err
			}
			// withdrawn
			if err := submit(ctx, ledger, appointmentID, patientID, false); err != nil {
				return err
			}
		default:
			if err := submit(ctx, ledger, appointmentID, patientID, gofakeit.Bool()); err != nil {
				return err
			}
		}

		if room.Status == session.StatusCreated && start.Before(now) {
			if _, err := svc.Presence.RecordJoin(ctx, session.JoinRecord{
				RoomID:           room.ID,
				Type:             session.Clinician,
				ExternalID:       room.ClinicianID,
				DisplayName:      "Dr. " + gofakeit.LastName(),
				ProviderIdentity: uuid.NewString(),
			}); err != nil {
				return err
			}
		}

		if (i+1)%10 == 0 {
			logger.Info().Int("seeded", i+1).Int("total", count).Msg("rooms seeded")
		}
	}

	return nil
}

func submit(ctx context.Context, ledger *consent.Ledger, appointmentID, patientID string, given bool) error {
	_, err := ledger.Submit(ctx, consent.Submission{
		AppointmentID: appointmentID,
		PatientID:     patientID,
		ConsentGiven:  given,
		Audit: consent.AuditInfo{
			OriginAddress:    gofakeit.IPv4Address(),
			ClientDescriptor: gofakeit.UserAgent(),
		},
	})
	return err
}
