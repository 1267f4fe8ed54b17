// Package call is the caller side of a telehealth session: it acquires a
// join capability, drives the provider session through its phases, and
// tears every resource down on whatever path the call ends.
package call

import "time"

type Phase string

const (
	PhaseLoading      Phase = "loading"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
)

// WarningThreshold is the remaining time at which a call is flagged.
const WarningThreshold = 5 * time.Minute

// State is a snapshot of the call for whatever renders it.
type State struct {
	Phase         Phase
	Elapsed       time.Duration
	Muted         bool
	CameraOff     bool
	RemotePresent bool

	// TimeWarning is set while connected with WarningThreshold or less
	// of the scheduled duration left.
	TimeWarning bool
	Remaining   time.Duration

	// EndReason is set once disconnected.
	EndReason string
	// SetupFailed means the call never got past device or provider setup;
	// the caller should send the user back to the waiting room.
	SetupFailed bool
	// Reconnectable means the provider dropped an established call.
	Reconnectable bool
}

// ElapsedSeconds is the whole seconds since the call connected.
func (s State) ElapsedSeconds() int {
	return int(s.Elapsed / time.Second)
}

// withRemaining derives the time warning from elapsed and the scheduled
// duration. A zero duration never warns.
func withRemaining(s State, duration time.Duration) State {
	if s.Phase != PhaseConnected || duration <= 0 {
		return s
	}
	s.Remaining = duration - s.Elapsed
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.TimeWarning = s.Remaining <= WarningThreshold
	return s
}
