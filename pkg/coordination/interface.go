package coordination

import (
	"context"
	"errors"
)

// ErrLockHeld is returned when another run owns the deploy lock.
var ErrLockHeld = errors.New("deploy lock is held by another run")

// Locker hands out the exclusive deploy lock so two runs never touch the
// same application directory at once.
type Locker interface {
	// Acquire takes the named lock without waiting.
	// It returns ErrLockHeld if someone else has it.
	Acquire(ctx context.Context, name, owner string) (Lease, error)

	// Close terminates the backend connection.
	Close() error
}

// Lease is a held lock.
type Lease interface {
	// Owner returns the value recorded against the lock.
	Owner() string

	// Release gives the lock back. Releasing twice is a no-op.
	Release(ctx context.Context) error
}

// NoopLocker is used when no lock backend is configured.
type NoopLocker struct{}

func (NoopLocker) Acquire(_ context.Context, _, owner string) (Lease, error) {
	return noopLease(owner), nil
}

func (NoopLocker) Close() error { return nil }

type noopLease string

func (l noopLease) Owner() string                 { return string(l) }
func (l noopLease) Release(context.Context) error { return nil }
