package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/consent"
	"github.com/hackgods/telehealth-sessions/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleServiceError maps core errors to the HTTP taxonomy. Not-found is
// expected control flow for pollers and is only logged at debug.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := zerolog.Ctx(r.Context())

	switch {
	case errors.Is(err, session.ErrInvalidRequest),
		errors.Is(err, consent.ErrMissingAppointmentID),
		errors.Is(err, consent.ErrMissingPatientID):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, session.ErrRoomNotFound):
		logger.Debug().Msg("no room for appointment")
		writeError(w, http.StatusNotFound, CodeNoRoom, err.Error())
	case errors.Is(err, session.ErrParticipantNotFound):
		writeError(w, http.StatusNotFound, CodeNoParticipant, err.Error())
	case errors.Is(err, session.ErrRoomNotOpen):
		writeError(w, http.StatusForbidden, CodeRoomNotOpen, err.Error())
	case errors.Is(err, session.ErrRoomExpired):
		writeError(w, http.StatusForbidden, CodeRoomExpired, err.Error())
	case errors.Is(err, session.ErrRoomEnded):
		writeError(w, http.StatusForbidden, CodeRoomEnded, err.Error())
	case errors.Is(err, session.ErrRoomBeingCreated):
		writeError(w, http.StatusServiceUnavailable, CodeRoomBusy, err.Error())
	case errors.Is(err, session.ErrProvider):
		logger.Error().Err(err).Msg("video provider error")
		writeError(w, http.StatusInternalServerError, CodeProviderError, err.Error())
	default:
		logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "could not parse JSON")
		return false
	}
	return true
}
