// Package capture runs single and multi-shot captures with countdowns and
// cooperative cancellation.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tethercam/internal/device"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

var ErrInProgress = errors.New("capture already in progress")

// Suspender pauses live view polling until resume is called.
type Suspender interface {
	Suspend() (resume func())
}

type Request struct {
	Count     int  `json:"count"`      // shots, at least 1
	Delay     int  `json:"delay"`      // countdown seconds before each shot
	Hold      int  `json:"hold"`       // seconds between shots
	AutoFocus bool `json:"auto_focus"` // focus before each shot
}

// Stage is where a sequence stopped.
type Stage string

const (
	StageDone       Stage = "done"
	StageCountdown  Stage = "countdown"
	StageBeforeShot Stage = "before-shot"
	StageHold       Stage = "hold"
	StageFailed     Stage = "failed"
)

// Report is delivered once per sequence.
type Report struct {
	ID        string
	Requested int
	Completed int
	Cancelled bool
	Stage     Stage
	Err       error
}

type Config struct {
	Settle        time.Duration // pause between suspending live view and the shutter
	CameraReady   time.Duration // WaitForCamera timeout between shots
	RetryInterval time.Duration
}

type Sequencer struct {
	gateway   device.Gateway
	lease     *device.Lease
	suspender Suspender
	retrier   *device.Retrier
	bus       events.Publisher
	logger    *logger.Logger
	cfg       Config

	running   atomic.Bool
	cancelled atomic.Bool
	countdown atomic.Int32
	shots     atomic.Int64

	tick time.Duration
}

func NewSequencer(gateway device.Gateway, lease *device.Lease, suspender Suspender, bus events.Publisher, cfg Config, logger *logger.Logger) *Sequencer {
	if bus == nil {
		bus = events.Discard
	}
	return &Sequencer{
		gateway:   gateway,
		lease:     lease,
		suspender: suspender,
		retrier:   device.NewRetrier(cfg.RetryInterval, logger),
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		tick:      time.Second,
	}
}

// InProgress reports a running sequence, including its countdown.
func (s *Sequencer) InProgress() bool {
	return s.running.Load()
}

// Countdown is the number of seconds left before the next shot, or 0.
func (s *Sequencer) Countdown() int {
	return int(s.countdown.Load())
}

// Shots counts shutter triggers since construction.
func (s *Sequencer) Shots() int64 {
	return s.shots.Load()
}

// Cancel stops the running sequence at its next check. A shutter call in
// flight is not interrupted.
func (s *Sequencer) Cancel() {
	if s.running.Load() {
		s.cancelled.Store(true)
	}
}

func (s *Sequencer) checkShutter(ctx context.Context) error {
	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	shutter := s.gateway.ShutterSpeed()
	s.lease.Release()

	if shutter == device.ShutterBulb {
		err := device.NewConfigurationError("capture", "bulb shutter speed is not supported")
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Bulb mode is not supported"})
		return err
	}
	return nil
}

// Start runs req in the background. The returned channel receives one
// Report and is closed.
func (s *Sequencer) Start(ctx context.Context, req Request) (<-chan Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	if err := s.checkShutter(ctx); err != nil {
		s.running.Store(false)
		return nil, err
	}
	s.cancelled.Store(false)
	if req.Count < 1 {
		req.Count = 1
	}

	done := make(chan Report, 1)
	go func() {
		rep := s.run(ctx, uuid.NewString(), req)
		s.countdown.Store(0)
		s.running.Store(false)
		s.finish(rep)
		done <- rep
		close(done)
	}()
	return done, nil
}

func (s *Sequencer) run(ctx context.Context, id string, req Request) Report {
	rep := Report{ID: id, Requested: req.Count}
	s.logger.Info("Capture %s: %d shot(s)", id, req.Count)

	for i := 0; i < req.Count; i++ {
		if req.Delay > 0 {
			for remaining := req.Delay; remaining > 0; remaining-- {
				s.countdown.Store(int32(remaining))
				if !s.wait(ctx, s.tick) {
					return s.cancel(rep, StageCountdown)
				}
			}
			s.countdown.Store(0)
		}

		if req.AutoFocus {
			if err := s.autoFocus(ctx); err != nil {
				s.logger.Warning("Autofocus before capture failed: %v", err)
			}
		}

		if s.cancelled.Load() || ctx.Err() != nil {
			return s.cancel(rep, StageBeforeShot)
		}

		more := req.Count > 1 && i < req.Count-1
		if err := s.shoot(ctx, more); err != nil {
			rep.Stage = StageFailed
			rep.Err = err
			return rep
		}
		rep.Completed++

		if more {
			for sec := 0; sec < req.Hold; sec++ {
				if !s.wait(ctx, s.tick) {
					return s.cancel(rep, StageHold)
				}
			}
		}
	}

	rep.Stage = StageDone
	return rep
}

func (s *Sequencer) cancel(rep Report, stage Stage) Report {
	rep.Cancelled = true
	rep.Stage = stage
	return rep
}

func (s *Sequencer) finish(rep Report) {
	switch {
	case rep.Err != nil:
		s.logger.Error("Capture %s failed after %d shot(s): %v", rep.ID, rep.Completed, rep.Err)
		s.bus.Publish(events.Event{Type: events.SystemMessage, ID: rep.ID, Message: "Capture failed: " + rep.Err.Error()})
		s.bus.Publish(events.Event{Type: events.CaptureFinished, ID: rep.ID, Count: rep.Completed, Message: "failed"})
	case rep.Cancelled:
		s.logger.Info("Capture %s cancelled during %s after %d shot(s)", rep.ID, rep.Stage, rep.Completed)
		s.bus.Publish(events.Event{Type: events.CaptureCancelled, ID: rep.ID, Count: rep.Completed, Message: string(rep.Stage)})
	default:
		s.bus.Publish(events.Event{Type: events.CaptureFinished, ID: rep.ID, Count: rep.Completed})
	}
}

// wait sleeps d in tenths, returning false on cancellation.
func (s *Sequencer) wait(ctx context.Context, d time.Duration) bool {
	step := d / 10
	if step <= 0 {
		step = d
	}
	for waited := time.Duration(0); waited < d; waited += step {
		if s.cancelled.Load() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
	return !s.cancelled.Load()
}

// CaptureOne suspends live view, waits for it to settle and triggers the
// shutter without autofocus.
func (s *Sequencer) CaptureOne(ctx context.Context) error {
	return s.shoot(ctx, false)
}

// shoot holds the lease from the prohibition check through the shutter and,
// when waitReady is set, until the camera reports it is ready again.
func (s *Sequencer) shoot(ctx context.Context, waitReady bool) error {
	if s.suspender != nil {
		resume := s.suspender.Suspend()
		defer resume()
	}

	if s.cfg.Settle > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Settle):
		}
	}

	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	defer s.lease.Release()

	if reason := s.gateway.ProhibitionCondition(device.OpCapture); reason != "" {
		return device.NewProhibitedError("capture", reason)
	}
	if err := s.retrier.Execute(ctx, "capture", s.gateway.CapturePhotoNoAutofocus); err != nil {
		return fmt.Errorf("failed to capture: %w", err)
	}
	s.shots.Add(1)

	if waitReady {
		if err := s.gateway.WaitForCamera(s.cfg.CameraReady); err != nil {
			s.logger.Debug("Camera not ready: %v", err)
		}
	}
	return nil
}

// Preview takes one shot outside any sequence.
func (s *Sequencer) Preview(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer s.running.Store(false)
	if err := s.checkShutter(ctx); err != nil {
		return err
	}

	if err := s.CaptureOne(ctx); err != nil {
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Capture failed: " + err.Error()})
		return err
	}
	return nil
}

func (s *Sequencer) autoFocus(ctx context.Context) error {
	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	defer s.lease.Release()
	return s.retrier.Execute(ctx, "autofocus", s.gateway.AutoFocus)
}
