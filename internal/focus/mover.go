package focus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

// ErrMoveInProgress is returned when a second move is requested while one is running.
var ErrMoveInProgress = errors.New("focus move already in progress")

// Suspender pauses live view polling until the returned resume func is called.
type Suspender interface {
	Suspend() (resume func())
}

// MoveResult is delivered once per move on the channel returned by Move.
type MoveResult struct {
	Requested int
	Applied   int
	Counter   int
	Err       error
}

// Mover issues one focus move at a time and keeps State in step with the lens.
type Mover struct {
	gateway   device.Gateway
	state     *State
	lease     *device.Lease
	retrier   *device.Retrier
	suspender Suspender
	bus       events.Publisher
	logger    *logger.Logger

	inProgress atomic.Bool
}

func NewMover(gateway device.Gateway, state *State, lease *device.Lease, retryInterval time.Duration, suspender Suspender, bus events.Publisher, logger *logger.Logger) *Mover {
	if bus == nil {
		bus = events.Discard
	}
	return &Mover{
		gateway:   gateway,
		state:     state,
		lease:     lease,
		retrier:   device.NewRetrier(retryInterval, logger),
		suspender: suspender,
		bus:       bus,
		logger:    logger,
	}
}

// InProgress reports whether a move is running. Manual focus controls are
// disabled while it is true.
func (m *Mover) InProgress() bool {
	return m.inProgress.Load()
}

// Move clamps steps to the locked range and moves the lens in the
// background. The returned channel receives exactly one result and is then
// closed. Rejections before any device call are returned as errors.
func (m *Mover) Move(ctx context.Context, steps int) (<-chan MoveResult, error) {
	if !m.inProgress.CompareAndSwap(false, true) {
		return nil, ErrMoveInProgress
	}
	if err := m.lease.Acquire(ctx); err != nil {
		m.inProgress.Store(false)
		return nil, err
	}
	reason := m.gateway.ProhibitionCondition(device.OpFocus)
	m.lease.Release()
	if reason != "" {
		m.inProgress.Store(false)
		return nil, device.NewProhibitedError("focus", reason)
	}

	done := make(chan MoveResult, 1)
	clamped := m.state.Clamp(steps)
	if clamped == 0 {
		res := MoveResult{Requested: steps, Counter: m.state.Snapshot().Counter}
		m.complete(done, res)
		return done, nil
	}

	go m.run(ctx, steps, clamped, done)
	return done, nil
}

func (m *Mover) run(ctx context.Context, requested, steps int, done chan MoveResult) {
	var resume func()
	if m.suspender != nil {
		resume = m.suspender.Suspend()
	}
	res := m.move(ctx, requested, steps)
	if resume != nil {
		resume()
	}
	m.complete(done, res)
}

func (m *Mover) move(ctx context.Context, requested, steps int) MoveResult {
	res := MoveResult{Requested: requested}

	if err := m.lease.Acquire(ctx); err != nil {
		res.Err = err
		res.Counter = m.state.Snapshot().Counter
		return res
	}

	var applied int
	err := m.retrier.Execute(ctx, "focus", func() error {
		if err := m.gateway.StartLiveView(); err != nil {
			return err
		}
		n, err := m.gateway.Focus(steps)
		applied = n
		return err
	})
	m.lease.Release()

	if err != nil {
		m.logger.Error("Unable to focus: %v", err)
		m.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Unable to focus: " + err.Error()})
		res.Err = err
		res.Counter = m.state.Snapshot().Counter
		return res
	}

	res.Applied = applied
	res.Counter = m.state.Apply(applied)
	m.logger.Debug("focus moved %d steps, counter %d", applied, res.Counter)
	return res
}

// complete clears the in-progress flag before delivering, so a receiver can
// issue the next move immediately.
func (m *Mover) complete(done chan MoveResult, res MoveResult) {
	m.inProgress.Store(false)
	if res.Err == nil {
		m.bus.Publish(events.Event{Type: events.FocusMoveCompleted, Counter: res.Counter, Value: float64(res.Applied)})
	}
	done <- res
	close(done)
}
