package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/session"
)

func submitConsentHandler(svc ConsentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitConsentRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.ConsentGiven == nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "consentGiven is required")
			return
		}

		receipt, err := svc.Submit(r.Context(), consent.Submission{
			AppointmentID: req.AppointmentID,
			PatientID:     req.PatientID,
			ConsentGiven:  *req.ConsentGiven,
			Audit: consent.AuditInfo{
				OriginAddress:    clientAddress(r),
				ClientDescriptor: r.UserAgent(),
			},
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, SubmitConsentResponse{
			Success:       true,
			AppointmentID: receipt.AppointmentID,
			ConsentGiven:  receipt.ConsentGiven,
			Timestamp:     receipt.Timestamp,
		})
	}
}

func consentStatusHandler(svc ConsentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID := chi.URLParam(r, "appointmentId")

		view, err := svc.GetStatus(r.Context(), appointmentID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ConsentStatusResponse{AppointmentID: appointmentID, View: view})
	}
}

func createRoomHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoomRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		room, existing, err := svc.CreateOrGetRoom(r.Context(), session.CreateRoomRequest{
			AppointmentID:   req.AppointmentID,
			ClinicianID:     req.ClinicianID,
			AppointmentTime: req.AppointmentTime,
			DurationMinutes: req.DurationMinutes,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		status := http.StatusCreated
		if existing {
			status = http.StatusOK
		}
		writeJSON(w, status, roomResponse(room, existing))
	}
}

func joinRoomHandler(svc JoinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req JoinRoomRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		grant, err := svc.AuthorizeJoin(r.Context(), session.JoinRequest{
			AppointmentID:   req.AppointmentID,
			ParticipantType: session.ParticipantType(strings.ToLower(strings.TrimSpace(req.ParticipantType))),
			ExternalID:      req.ExternalID,
			DisplayName:     req.DisplayName,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, joinRoomResponse(grant))
	}
}

func leaveRoomHandler(svc PresenceService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LeaveRoomRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		if _, err := svc.RecordLeave(r.Context(), req.ParticipantID, req.EndCall); err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, LeaveRoomResponse{Success: true})
	}
}

func roomStatusHandler(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetStatus(r.Context(), chi.URLParam(r, "appointmentId"))
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, roomStatusResponse(view))
	}
}

// clientAddress prefers the first X-Forwarded-For hop.
func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
