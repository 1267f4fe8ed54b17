package session

import (
	"context"
	"sync"

	redisclient "github.com/hackgods/telehealth-sessions/internal/redis"
)

// LocalLocker is the single-process stand-in for the Redis appointment lock.
// Like the Redis lock it fails fast instead of waiting.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) WithAppointmentLock(ctx context.Context, appointmentID string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, busy := l.held[appointmentID]; busy {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[appointmentID] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, appointmentID)
		l.mu.Unlock()
	}()

	return fn(ctx)
}
