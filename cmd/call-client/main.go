package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/telehealth-sessions/internal/api"
	"github.com/hackgods/telehealth-sessions/internal/call"
	"github.com/hackgods/telehealth-sessions/internal/logging"
	"github.com/hackgods/telehealth-sessions/internal/video"
)

var (
	apiURL   string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "call-client",
		Short:         "Headless participant for telehealth video sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", envOr("CALL_API_URL", "http://localhost:8080"), "Session API base URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(consentCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient() *call.APIClient {
	return call.NewAPIClient(apiURL, &http.Client{Timeout: 10 * time.Second})
}

func newLogger() zerolog.Logger {
	return logging.New(envOr("APP_ENV", "dev"), logLevel, "call-client")
}

func joinCmd() *cobra.Command {
	var (
		appointmentID string
		kind          string
		externalID    string
		name          string
		start         string
		duration      int
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join an appointment's video room and stay until the call ends",
		Long: "Clinicians create the room if needed. Patients wait until the room exists.\n" +
			"While connected, type m to toggle mute, c to toggle the camera and q to hang up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind = strings.ToLower(strings.TrimSpace(kind))
			if kind != "clinician" && kind != "patient" {
				return fmt.Errorf("--type must be clinician or patient, got %q", kind)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			logger := newLogger().With().Str("appointment_id", appointmentID).Str("type", kind).Logger()
			client := newClient()

			if kind == "clinician" {
				startAt := time.Now().UTC()
				if start != "" {
					t, err := time.Parse(time.RFC3339, start)
					if err != nil {
						return fmt.Errorf("--start: %w", err)
					}
					startAt = t
				}
				room, err := client.CreateRoom(ctx, api.CreateRoomRequest{
					AppointmentID:   appointmentID,
					ClinicianID:     externalID,
					AppointmentTime: startAt,
					DurationMinutes: duration,
				})
				if err != nil {
					return fmt.Errorf("create room: %w", err)
				}
				logger.Info().Bool("existing", room.IsExisting).Str("status", room.Status).Msg("room ready")
			} else {
				logger.Info().Msg("waiting for the room to open")
				status, err := call.WaitForRoom(ctx, client, appointmentID, call.PollInterval, nil, logger)
				if err != nil {
					return err
				}
				if status.Status == "ended" {
					return errors.New("this appointment's call has already ended")
				}
			}

			return runCall(ctx, client, api.JoinRoomRequest{
				AppointmentID:   appointmentID,
				ParticipantType: kind,
				ExternalID:      externalID,
				DisplayName:     name,
			}, time.Duration(duration)*time.Minute, logger)
		},
	}

	cmd.Flags().StringVar(&appointmentID, "appointment", "", "Appointment ID")
	cmd.Flags().StringVar(&kind, "type", "patient", "Participant type: clinician or patient")
	cmd.Flags().StringVar(&externalID, "id", "", "Clinician or patient ID")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&start, "start", "", "Appointment start (RFC3339), clinicians only, defaults to now")
	cmd.Flags().IntVar(&duration, "duration", 30, "Scheduled duration in minutes")
	_ = cmd.MarkFlagRequired("appointment")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runCall(ctx context.Context, client *call.APIClient, req api.JoinRoomRequest, duration time.Duration, logger zerolog.Logger) error {
	var participantID string

	ctrl, err := call.NewController(call.Options{
		Capability: call.CapabilityFunc(func(ctx context.Context) (video.Capability, error) {
			grant, err := client.Join(ctx, req)
			if err != nil {
				return video.Capability{}, err
			}
			participantID = grant.ParticipantID.String()
			logger.Info().Str("participant_id", participantID).Str("role", grant.Role).Msg("join granted")
			return video.Capability{
				Token:      grant.ProviderToken,
				Identity:   grant.ProviderIdentity,
				RoomHandle: grant.RoomHandle,
				Endpoint:   grant.Endpoint,
			}, nil
		}),
		Dialer:   video.NewWSDialer(),
		Duration: duration,
		// the clinician hanging up closes the room for both parties
		OnCallEnded: func(ctx context.Context, n call.EndNotice) {
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			endCall := n.HungUp && req.ParticipantType == "clinician"
			if err := client.Leave(leaveCtx, participantID, endCall); err != nil {
				logger.Error().Err(err).Msg("recording leave failed")
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		// first signal hangs up, a second one abandons the call
		<-sigCh
		logger.Info().Msg("hanging up")
		hangCtx, cancelHang := context.WithTimeout(ctx, 5*time.Second)
		err := ctrl.EndCall(hangCtx)
		cancelHang()
		if err != nil {
			ctrl.Close()
			return
		}
		<-sigCh
		ctrl.Close()
	}()

	go readCommands(ctx, ctrl, logger)
	go reportState(ctrl.Updates(), logger)

	err = ctrl.Run(ctx)
	final := ctrl.State()
	logger.Info().
		Str("reason", final.EndReason).
		Int("elapsed_seconds", final.ElapsedSeconds()).
		Bool("reconnectable", final.Reconnectable).
		Msg("call ended")

	if err != nil {
		return err
	}
	if final.SetupFailed {
		return errors.New("call setup failed, back to the waiting room")
	}
	return nil
}

func readCommands(ctx context.Context, ctrl *call.Controller, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var err error
		switch strings.TrimSpace(scanner.Text()) {
		case "m":
			err = ctrl.ToggleMute(ctx)
		case "c":
			err = ctrl.ToggleCamera(ctx)
		case "q":
			err = ctrl.EndCall(ctx)
		default:
			continue
		}
		if errors.Is(err, call.ErrNotRunning) {
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("command failed")
		}
	}
}

func reportState(updates <-chan call.State, logger zerolog.Logger) {
	var (
		phase   call.Phase
		warned  bool
		present bool
	)
	for s := range updates {
		if s.Phase != phase {
			phase = s.Phase
			logger.Info().Str("phase", string(phase)).Msg("call phase")
		}
		if s.RemotePresent != present {
			present = s.RemotePresent
			logger.Info().Bool("remote_present", present).Msg("other party")
		}
		if s.TimeWarning && !warned {
			warned = true
			logger.Warn().Dur("remaining", s.Remaining).Msg("appointment time is almost up")
		}
		logger.Debug().
			Int("elapsed_seconds", s.ElapsedSeconds()).
			Bool("muted", s.Muted).
			Bool("camera_off", s.CameraOff).
			Msg("call state")
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <appointment-id>",
		Short: "Print room status, presence and recording consent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().RoomStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Submit or read recording consent",
	}

	submit := &cobra.Command{
		Use:   "submit",
		Short: "Record a patient's recording consent decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			appointmentID, _ := cmd.Flags().GetString("appointment")
			patientID, _ := cmd.Flags().GetString("patient")
			given, _ := cmd.Flags().GetBool("given")
			receipt, err := newClient().SubmitConsent(cmd.Context(), appointmentID, patientID, given)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		},
	}
	submit.Flags().String("appointment", "", "Appointment ID")
	submit.Flags().String("patient", "", "Patient ID")
	submit.Flags().Bool("given", false, "Whether the patient agrees to recording")
	_ = submit.MarkFlagRequired("appointment")
	_ = submit.MarkFlagRequired("patient")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <appointment-id>",
		Short: "Print the derived consent status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().ConsentStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	})

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
