package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/api"
	"github.com/hackgods/telehealth-sessions/internal/call"
	"github.com/hackgods/telehealth-sessions/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ConsentRatio float64 // share of visits where the patient answers the consent prompt
	RejoinRatio  float64 // share of visits where the patient drops and rejoins
	ClinicianIDs int
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Rejected  int64 // a well-formed API rejection such as ROOM_NOT_OPEN
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	var apiErr *call.APIError
	switch {
	case err == nil:
		atomic.AddInt64(&om.Success, 1)
	case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
		atomic.AddInt64(&om.Rejected, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Create  OperationMetrics
	Join    OperationMetrics
	Status  OperationMetrics
	Consent OperationMetrics
	Leave   OperationMetrics
}

type Simulator struct {
	config     SimConfig
	client     *call.APIClient
	clinicians []string
	metrics    Metrics
	visits     atomic.Int64
	logger     zerolog.Logger
}

func main() {
	logger := logging.New(getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"), "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("api", cfg.APIBaseURL).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("consent", cfg.ConsentRatio).
		Float64("rejoin", cfg.RejoinRatio).
		Msg("simulator starting")

	gofakeit.Seed(time.Now().UnixNano())

	clinicians := make([]string, cfg.ClinicianIDs)
	for i := range clinicians {
		clinicians[i] = uuid.NewString()
	}

	sim := &Simulator{
		config:     cfg,
		client:     call.NewAPIClient(cfg.APIBaseURL, &http.Client{Timeout: 10 * time.Second}),
		clinicians: clinicians,
		logger:     logger,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		ConsentRatio: getFloat("SIM_CONSENT_RATIO", 0.8),
		RejoinRatio:  getFloat("SIM_REJOIN_RATIO", 0.1),
		ClinicianIDs: getInt("SIM_CLINICIANS", 20),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.ClinicianIDs <= 0 {
		return fmt.Errorf("SIM_CLINICIANS must be > 0")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Int64("visits", s.visits.Load()).Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			s.visit(ctx, rng)
		}
	}
}

// visit plays one appointment end to end: both parties create the room,
// the clinician joins first, the patient answers the consent prompt and
// the clinician ends the call.
func (s *Simulator) visit(ctx context.Context, rng *rand.Rand) {
	appointmentID := uuid.NewString()
	patientID := uuid.NewString()
	create := api.CreateRoomRequest{
		AppointmentID:   appointmentID,
		ClinicianID:     s.clinicians[rng.Intn(len(s.clinicians))],
		AppointmentTime: time.Now().UTC().Add(time.Duration(rng.Intn(20)) * time.Minute),
		DurationMinutes: 30,
	}

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timed(&s.metrics.Create, func() error {
				_, err := s.client.CreateRoom(ctx, create)
				return err
			})
		}()
	}
	wg.Wait()

	clinician, ok := s.join(ctx, appointmentID, "clinician", create.ClinicianID, "Dr. "+gofakeit.LastName())
	if !ok {
		return
	}
	patient, ok := s.join(ctx, appointmentID, "patient", patientID, gofakeit.Name())
	if !ok {
		return
	}

	if rng.Float64() < s.config.ConsentRatio {
		timed(&s.metrics.Consent, func() error {
			_, err := s.client.SubmitConsent(ctx, appointmentID, patientID, rng.Intn(4) != 0)
			return err
		})
	}

	timed(&s.metrics.Status, func() error {
		_, err := s.client.RoomStatus(ctx, appointmentID)
		return err
	})

	if rng.Float64() < s.config.RejoinRatio {
		timed(&s.metrics.Leave, func() error {
			return s.client.Leave(ctx, patient.ParticipantID.String(), false)
		})
		if patient, ok = s.join(ctx, appointmentID, "patient", patientID, gofakeit.Name()); !ok {
			return
		}
	}

	timed(&s.metrics.Leave, func() error {
		return s.client.Leave(ctx, patient.ParticipantID.String(), false)
	})
	timed(&s.metrics.Leave, func() error {
		return s.client.Leave(ctx, clinician.ParticipantID.String(), true)
	})

	s.visits.Add(1)
}

func (s *Simulator) join(ctx context.Context, appointmentID, kind, externalID, name string) (*api.JoinRoomResponse, bool) {
	var grant *api.JoinRoomResponse
	err := timed(&s.metrics.Join, func() error {
		var err error
		grant, err = s.client.Join(ctx, api.JoinRoomRequest{
			AppointmentID:   appointmentID,
			ParticipantType: kind,
			ExternalID:      externalID,
			DisplayName:     name,
		})
		return err
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug().Err(err).Str("appointment_id", appointmentID).Str("type", kind).Msg("join failed")
	}
	return grant, err == nil
}

func timed(om *OperationMetrics, fn func() error) error {
	start := time.Now()
	err := fn()
	om.Record(time.Since(start), err)
	return err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Visits completed: %d\n", s.visits.Load())
	fmt.Println()

	printOperationReport("Create room", &s.metrics.Create)
	printOperationReport("Join", &s.metrics.Join)
	printOperationReport("Room status", &s.metrics.Status)
	printOperationReport("Consent", &s.metrics.Consent)
	printOperationReport("Leave", &s.metrics.Leave)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Rejected)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, float64(rejected)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
