package device

import "context"

// Lease is the token that must be held for any gateway call. At most one
// holder exists at a time.
type Lease struct {
	token chan struct{}
}

func NewLease() *Lease {
	return &Lease{token: make(chan struct{}, 1)}
}

// Acquire blocks until the lease is free or ctx ends.
func (l *Lease) Acquire(ctx context.Context) error {
	select {
	case l.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lease only if it is free.
func (l *Lease) TryAcquire() bool {
	select {
	case l.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lease. Releasing a free lease is a no-op.
func (l *Lease) Release() {
	select {
	case <-l.token:
	default:
	}
}

// Held reports whether someone holds the lease.
func (l *Lease) Held() bool {
	return len(l.token) == 1
}
