package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-sessions/internal/video"
)

var (
	ErrNotRunning     = errors.New("call is not running")
	ErrAlreadyStarted = errors.New("call controller already started")
	ErrSetup          = errors.New("call setup failed")
)

// End reasons reported in State.EndReason and EndNotice.Reason. Provider
// disconnects carry the provider's own reason instead.
const (
	ReasonHangUp    = "hangup"
	ReasonCancelled = "cancelled"
	ReasonClosed    = "closed"
)

// CapabilitySource obtains the join capability. It runs in the loading phase.
type CapabilitySource interface {
	Acquire(ctx context.Context) (video.Capability, error)
}

type CapabilityFunc func(ctx context.Context) (video.Capability, error)

func (f CapabilityFunc) Acquire(ctx context.Context) (video.Capability, error) { return f(ctx) }

// Dialer joins the provider session with a capability.
type Dialer interface {
	Join(ctx context.Context, c video.Capability) (video.Session, error)
}

// EndNotice tells the layer above that the call is over so it can record
// the leave.
type EndNotice struct {
	Reason      string
	HungUp      bool
	SetupFailed bool
	Elapsed     time.Duration
	Capability  video.Capability
}

type Options struct {
	Capability CapabilitySource
	Dialer     Dialer
	Devices    Devices
	Renderer   Renderer

	// Duration is the scheduled length, used for the time warning.
	Duration time.Duration

	// OnCallEnded runs once, after teardown, for any call that obtained a
	// capability. It must not call Close.
	OnCallEnded func(ctx context.Context, n EndNotice)

	Logger zerolog.Logger
	Now    func() time.Time
	// Tick is how often a connected call republishes its state.
	Tick time.Duration
	// ControlTimeout bounds each mute, camera and hang-up call.
	ControlTimeout time.Duration
}

type commandKind int

const (
	cmdToggleMute commandKind = iota
	cmdToggleCamera
	cmdEndCall
)

type command struct {
	kind  commandKind
	reply chan error
}

type remoteTrack struct {
	identity string
	handle   MediaHandle
}

// Controller drives one call from capability acquisition to teardown. All
// provider interaction happens on the goroutine running Run; the exported
// methods hand work to it.
type Controller struct {
	opts Options

	mu          sync.Mutex
	state       State
	connectedAt time.Time

	cmds    chan command
	updates chan State
	done    chan struct{}
	closeCh chan struct{}

	started     atomic.Bool
	closeOnce   sync.Once
	endOnce     sync.Once
	cleanupOnce sync.Once

	// owned by the Run goroutine
	capability video.Capability
	acquired   bool
	session    video.Session
	local      MediaHandle
	remotes    map[string]struct{}
	tracks     map[string]remoteTrack
}

func NewController(opts Options) (*Controller, error) {
	if opts.Capability == nil {
		return nil, errors.New("capability source is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Devices == nil {
		opts.Devices = &HeadlessDevices{}
	}
	if opts.Renderer == nil {
		opts.Renderer = &HeadlessRenderer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 5 * time.Second
	}

	return &Controller{
		opts:    opts,
		state:   State{Phase: PhaseLoading},
		cmds:    make(chan command),
		updates: make(chan State, 1),
		done:    make(chan struct{}),
		closeCh: make(chan struct{}),
		remotes: make(map[string]struct{}),
		tracks:  make(map[string]remoteTrack),
	}, nil
}

// State returns the current snapshot with elapsed time and the warning
// derived at the moment of the call.
func (c *Controller) State() State {
	c.mu.Lock()
	s := c.state
	connectedAt := c.connectedAt
	c.mu.Unlock()

	if s.Phase == PhaseConnected {
		s.Elapsed = c.opts.Now().Sub(connectedAt)
	}
	return withRemaining(s, c.opts.Duration)
}

// Updates delivers the latest state whenever it changes and once per tick
// while connected. A slow reader only sees the newest state. The channel is
// closed when Run returns.
func (c *Controller) Updates() <-chan State {
	return c.updates
}

func (c *Controller) ToggleMute(ctx context.Context) error {
	return c.send(ctx, cmdToggleMute)
}

func (c *Controller) ToggleCamera(ctx context.Context) error {
	return c.send(ctx, cmdToggleCamera)
}

// EndCall hangs up. The provider hang-up is attempted first and the call is
// reported ended even if it fails.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.send(ctx, cmdEndCall)
}

// Close tears the call down from outside and waits for teardown. It is safe
// to call any number of times, before, during or after Run.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	if c.started.Load() {
		<-c.done
	}
}

// Run drives the call until it ends. Teardown runs on every return path.
// It returns nil when the call ended normally or through Close, an ErrSetup
// wrap when devices or the provider could not be set up, and ctx's error
// when ctx ended first.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(c.done)
	defer close(c.updates)
	defer c.cleanup()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.publish()

	capability, err := c.opts.Capability.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(parent)
		}
		c.finish(parent, EndNotice{Reason: err.Error(), SetupFailed: true})
		return fmt.Errorf("%w: acquire capability: %v", ErrSetup, err)
	}
	c.capability = capability
	c.acquired = true

	c.setPhase(PhaseConnecting)

	// device access is deferred until here
	local, err := c.opts.Devices.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(parent)
		}
		c.finish(parent, EndNotice{Reason: err.Error(), SetupFailed: true})
		return fmt.Errorf("%w: open devices: %v", ErrSetup, err)
	}
	c.local = local

	sess, err := c.opts.Dialer.Join(ctx, capability)
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(parent)
		}
		c.finish(parent, EndNotice{Reason: err.Error(), SetupFailed: true})
		return fmt.Errorf("%w: join provider session: %v", ErrSetup, err)
	}
	c.session = sess

	tick := time.NewTicker(c.opts.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.interrupted(parent)

		case ev, ok := <-sess.Events():
			if !ok {
				c.providerDisconnected(parent, "event stream closed")
				return nil
			}
			if c.handleEvent(parent, ev) {
				return nil
			}

		case cmd := <-c.cmds:
			if c.handleCommand(ctx, parent, cmd) {
				return nil
			}

		case <-tick.C:
			if c.State().Phase == PhaseConnected {
				c.publish()
			}
		}
	}
}

// interrupted ends the call because Close was called or ctx ended.
func (c *Controller) interrupted(parent context.Context) error {
	select {
	case <-c.closeCh:
		c.finish(parent, EndNotice{Reason: ReasonClosed})
		return nil
	default:
	}
	c.finish(parent, EndNotice{Reason: ReasonCancelled})
	return parent.Err()
}

func (c *Controller) handleEvent(parent context.Context, ev video.Event) bool {
	logger := c.opts.Logger

	switch ev.Type {
	case video.EventConnected:
		c.mu.Lock()
		if c.state.Phase != PhaseConnected {
			c.state.Phase = PhaseConnected
			c.connectedAt = c.opts.Now()
		}
		c.mu.Unlock()
		logger.Info().Str("identity", c.capability.Identity).Msg("call connected")

	case video.EventParticipantJoined:
		if ev.Identity == "" || ev.Identity == c.capability.Identity {
			return false
		}
		c.remotes[ev.Identity] = struct{}{}
		c.setRemotePresent()
		logger.Info().Str("remote", ev.Identity).Msg("remote participant joined")

	case video.EventParticipantLeft:
		delete(c.remotes, ev.Identity)
		for id, tr := range c.tracks {
			if tr.identity == ev.Identity {
				c.closeTrack(id)
			}
		}
		c.setRemotePresent()
		logger.Info().Str("remote", ev.Identity).Msg("remote participant left")

	case video.EventTrackSubscribed:
		if _, dup := c.tracks[ev.TrackID]; dup || ev.TrackID == "" {
			return false
		}
		h, err := c.opts.Renderer.Attach(ev.Identity, ev.TrackID, ev.Kind)
		if err != nil {
			logger.Warn().Err(err).Str("track_id", ev.TrackID).Msg("failed to attach remote track")
			return false
		}
		c.tracks[ev.TrackID] = remoteTrack{identity: ev.Identity, handle: h}
		return false

	case video.EventTrackUnsubscribed:
		c.closeTrack(ev.TrackID)
		return false

	case video.EventDisconnected:
		reason := ev.Reason
		if reason == "" {
			reason = string(video.EventDisconnected)
		}
		c.providerDisconnected(parent, reason)
		return true

	default:
		return false
	}

	c.publish()
	return false
}

// providerDisconnected ends a call the provider dropped. A drop before the
// call ever connected counts as a setup failure.
func (c *Controller) providerDisconnected(parent context.Context, reason string) {
	wasConnected := c.State().Phase == PhaseConnected
	c.opts.Logger.Warn().Str("reason", reason).Bool("was_connected", wasConnected).Msg("call disconnected")
	c.finish(parent, EndNotice{Reason: reason, SetupFailed: !wasConnected})
}

func (c *Controller) handleCommand(ctx, parent context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdToggleMute:
		cmd.reply <- c.toggle(ctx, "mute",
			func(s *State) *bool { return &s.Muted },
			func(ctx context.Context, on bool) error { return c.session.SetMuted(ctx, on) },
			func(muted, _ bool) bool { return muted })
		return false

	case cmdToggleCamera:
		cmd.reply <- c.toggle(ctx, "camera",
			func(s *State) *bool { return &s.CameraOff },
			func(ctx context.Context, off bool) error { return c.session.SetVideoEnabled(ctx, !off) },
			func(_, videoOff bool) bool { return videoOff })
		return false

	case cmdEndCall:
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ControlTimeout)
		if err := c.session.HangUp(hctx); err != nil {
			c.opts.Logger.Warn().Err(err).Msg("provider hang-up failed")
		}
		cancel()
		c.finish(parent, EndNotice{Reason: ReasonHangUp, HungUp: true})
		cmd.reply <- nil
		return true
	}

	cmd.reply <- fmt.Errorf("unknown command %d", cmd.kind)
	return false
}

// toggle flips a flag optimistically and asks the provider to follow. If
// the provider refuses, the flag goes back to its previous value, or to what
// the provider reports the device is actually doing when it can say.
func (c *Controller) toggle(ctx context.Context, name string, field func(*State) *bool,
	apply func(context.Context, bool) error, actual func(muted, videoOff bool) bool) error {
	c.mu.Lock()
	prev := *field(&c.state)
	want := !prev
	*field(&c.state) = want
	c.mu.Unlock()
	c.publish()

	tctx, cancel := context.WithTimeout(ctx, c.opts.ControlTimeout)
	defer cancel()

	err := apply(tctx, want)
	if err == nil {
		return nil
	}

	c.opts.Logger.Warn().Err(err).Str("control", name).Bool("wanted", want).Msg("toggle failed")

	settled := prev
	if reader, ok := c.session.(video.DeviceStateReader); ok {
		muted, videoOff, rerr := reader.DeviceState(tctx)
		if rerr == nil {
			settled = actual(muted, videoOff)
		} else {
			c.opts.Logger.Warn().Err(rerr).Str("control", name).Msg("device state unavailable")
		}
	}

	c.mu.Lock()
	*field(&c.state) = settled
	c.mu.Unlock()
	c.publish()

	return fmt.Errorf("toggle %s: %w", name, err)
}

// finish moves to disconnected, tears down, and notifies, once.
func (c *Controller) finish(parent context.Context, n EndNotice) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		if c.state.Phase == PhaseConnected {
			c.state.Elapsed = c.opts.Now().Sub(c.connectedAt)
		}
		wasConnected := c.state.Phase == PhaseConnected
		c.state.Phase = PhaseDisconnected
		c.state.EndReason = n.Reason
		c.state.SetupFailed = n.SetupFailed
		c.state.Reconnectable = wasConnected && !n.HungUp && n.Reason != ReasonClosed && n.Reason != ReasonCancelled
		c.state.RemotePresent = false
		n.Elapsed = c.state.Elapsed
		c.mu.Unlock()

		c.cleanup()
		c.publish()

		c.opts.Logger.Info().
			Str("reason", n.Reason).
			Bool("setup_failed", n.SetupFailed).
			Dur("elapsed", n.Elapsed).
			Msg("call ended")

		if c.acquired && c.opts.OnCallEnded != nil {
			n.Capability = c.capability
			c.opts.OnCallEnded(context.WithoutCancel(parent), n)
		}
	})
}

// cleanup releases the provider session and every media handle. It runs
// at most once and is reached on every exit from Run.
func (c *Controller) cleanup() {
	c.cleanupOnce.Do(func() {
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				c.opts.Logger.Debug().Err(err).Msg("close provider session")
			}
		}
		for id := range c.tracks {
			c.closeTrack(id)
		}
		if c.local != nil {
			if err := c.local.Close(); err != nil {
				c.opts.Logger.Debug().Err(err).Msg("release local media")
			}
		}
	})
}

func (c *Controller) closeTrack(trackID string) {
	tr, ok := c.tracks[trackID]
	if !ok {
		return
	}
	delete(c.tracks, trackID)
	if err := tr.handle.Close(); err != nil {
		c.opts.Logger.Debug().Err(err).Str("track_id", trackID).Msg("release remote track")
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) setRemotePresent() {
	c.mu.Lock()
	c.state.RemotePresent = len(c.remotes) > 0
	c.mu.Unlock()
}

func (c *Controller) publish() {
	s := c.State()
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- s:
	default:
	}
}

func (c *Controller) send(ctx context.Context, kind commandKind) error {
	if !c.started.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case c.cmds <- command{kind: kind, reply: reply}:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
