package call

import (
	"context"
	"sync"
)

// MediaHandle is a local capture or a remote rendering that must be
// released when the call ends.
type MediaHandle interface {
	Close() error
}

// Devices opens local capture. It is only called once the controller starts
// connecting, which is where a platform would prompt for permission.
type Devices interface {
	Open(ctx context.Context) (MediaHandle, error)
}

// Renderer attaches a remote track for display.
type Renderer interface {
	Attach(identity, trackID, kind string) (MediaHandle, error)
}

// HeadlessDevices and HeadlessRenderer stand in where there is no screen,
// such as the command line client. They only track open handles.
type HeadlessDevices struct {
	tracker handleTracker
}

func (d *HeadlessDevices) Open(context.Context) (MediaHandle, error) {
	return d.tracker.openHandle(), nil
}

// OpenHandles reports how many handles are still unreleased.
func (d *HeadlessDevices) OpenHandles() int { return d.tracker.count() }

type HeadlessRenderer struct {
	tracker handleTracker
}

func (r *HeadlessRenderer) Attach(string, string, string) (MediaHandle, error) {
	return r.tracker.openHandle(), nil
}

func (r *HeadlessRenderer) OpenHandles() int { return r.tracker.count() }

type handleTracker struct {
	mu   sync.Mutex
	open int
}

func (t *handleTracker) openHandle() *trackedHandle {
	t.mu.Lock()
	t.open++
	t.mu.Unlock()
	return &trackedHandle{tracker: t}
}

func (t *handleTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

type trackedHandle struct {
	tracker *handleTracker
	once    sync.Once
}

func (h *trackedHandle) Close() error {
	h.once.Do(func() {
		h.tracker.mu.Lock()
		h.tracker.open--
		h.tracker.mu.Unlock()
	})
	return nil
}
