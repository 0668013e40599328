// Package acquisition runs the live view timer: one frame request per tick,
// never more than one in flight, with delayed restart when the device stops
// delivering data.
package acquisition

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// FrameHandler consumes every fetched frame.
type FrameHandler interface {
	HandleFrame(frame *device.RawFrame) error
}

type Config struct {
	Interval       time.Duration // tick period
	StartRetry     time.Duration
	StopRetry      time.Duration
	RestartBackoff time.Duration
}

type Scheduler struct {
	gateway device.Gateway
	lease   *device.Lease
	handler FrameHandler
	bus     events.Publisher
	logger  *logger.Logger
	cfg     Config

	startRetrier *device.Retrier
	stopRetrier  *device.Retrier

	mu        sync.Mutex
	state     State
	stop      chan struct{}
	startedAt time.Time
	restarts  int

	stream       <-chan *device.RawFrame
	streamCancel context.CancelFunc
	streamLive   atomic.Bool

	inFlight    atomic.Bool
	suspended   atomic.Int32
	frozenUntil atomic.Int64
	restarting  atomic.Bool
	frames      atomic.Int64
	fps         atomic.Uint64

	now func() time.Time
}

func NewScheduler(gateway device.Gateway, lease *device.Lease, handler FrameHandler, bus events.Publisher, cfg Config, logger *logger.Logger) *Scheduler {
	if bus == nil {
		bus = events.Discard
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / 20
	}
	if cfg.RestartBackoff < 2*time.Second {
		cfg.RestartBackoff = 2 * time.Second
	}
	return &Scheduler{
		gateway:      gateway,
		lease:        lease,
		handler:      handler,
		bus:          bus,
		logger:       logger,
		cfg:          cfg,
		startRetrier: device.NewRetrier(cfg.StartRetry, logger),
		stopRetrier:  device.NewRetrier(cfg.StopRetry, logger),
		now:          time.Now,
	}
}

// StartLiveView starts live view on the device and then the tick timer.
func (s *Scheduler) StartLiveView(ctx context.Context) error {
	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	if reason := s.gateway.ProhibitionCondition(device.OpLiveViewStart); reason != "" {
		s.lease.Release()
		s.Stop()
		if reason != device.ReasonImageInRAM && reason != device.ReasonCommandProcessing {
			s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Live view not allowed: " + reason})
		}
		return device.NewProhibitedError(device.OpLiveViewStart.String(), reason)
	}
	err := s.startRetrier.Execute(ctx, device.OpLiveViewStart.String(), s.gateway.StartLiveView)
	s.lease.Release()
	if err != nil {
		s.logger.Error("Unable to start live view: %v", err)
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Unable to start live view: " + err.Error()})
		return err
	}

	if err := s.openStream(); err != nil {
		s.logger.Warning("Live view stream unavailable, polling instead: %v", err)
	}

	s.Start()
	return nil
}

// StopLiveView stops the timer and then live view on the device.
func (s *Scheduler) StopLiveView(ctx context.Context) error {
	s.Stop()
	s.closeStream()

	if err := s.lease.Acquire(ctx); err != nil {
		return err
	}
	defer s.lease.Release()

	if err := s.stopRetrier.Execute(ctx, device.OpLiveViewStop.String(), s.gateway.StopLiveView); err != nil {
		s.logger.Error("Unable to stop live view: %v", err)
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Unable to stop live view: " + err.Error()})
		return err
	}
	return nil
}

func (s *Scheduler) openStream() error {
	streamer, ok := s.gateway.(device.Streamer)
	if !ok || !s.gateway.Capability(device.CapLiveViewStream) {
		return nil
	}
	s.closeStream()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := streamer.LiveViewStream(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.stream = ch
	s.streamCancel = cancel
	s.mu.Unlock()
	s.streamLive.Store(false)
	s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Waiting for live view stream..."})
	return nil
}

func (s *Scheduler) closeStream() {
	s.mu.Lock()
	cancel := s.streamCancel
	s.stream = nil
	s.streamCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start begins ticking. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Running {
		return
	}
	s.state = Running
	s.startedAt = s.now()
	s.frames.Store(0)
	s.fps.Store(0)
	s.stop = make(chan struct{})
	go s.loop(s.stop)
	s.logger.Info("Live view timer started (%v)", s.cfg.Interval)
}

// Stop halts the timer. An in-flight fetch finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return
	}
	s.state = Stopped
	close(s.stop)
	s.logger.Info("Live view timer stopped")
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			go s.Tick()
		}
	}
}

// Suspend pauses ticking until every returned resume func has been called.
func (s *Scheduler) Suspend() func() {
	s.suspended.Add(1)
	return sync.OnceFunc(func() { s.suspended.Add(-1) })
}

func (s *Scheduler) Suspended() bool {
	return s.suspended.Load() > 0
}

// Freeze holds the last frame on screen for d.
func (s *Scheduler) Freeze(d time.Duration) {
	if d <= 0 {
		return
	}
	s.frozenUntil.Store(s.now().Add(d).UnixNano())
}

func (s *Scheduler) Frozen() bool {
	return s.now().UnixNano() < s.frozenUntil.Load()
}

// InFlight reports a fetch or frame hand-off in progress.
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// Frames is the number of frames handled since the last start.
func (s *Scheduler) Frames() int64 {
	return s.frames.Load()
}

// FrameRate is frames since start divided by elapsed seconds.
func (s *Scheduler) FrameRate() float64 {
	return math.Float64frombits(s.fps.Load())
}

// Tick performs one acquisition step and reports whether the device was
// asked for a frame. A tick while a fetch is in flight does nothing.
func (s *Scheduler) Tick() bool {
	if s.Frozen() || s.Suspended() {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)

	if !s.lease.TryAcquire() {
		return false
	}
	frame, streaming, err := s.nextFrame()
	s.lease.Release()

	switch {
	case err != nil:
		s.handleError(err)
	case frame == nil && streaming:
	case frame == nil || !frame.Running:
		s.noData()
	default:
		s.deliver(frame, streaming)
	}
	return true
}

func (s *Scheduler) nextFrame() (*device.RawFrame, bool, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		frame, err := s.gateway.FetchFrame()
		return frame, false, err
	}

	select {
	case frame, ok := <-stream:
		if !ok {
			s.closeStream()
			return nil, false, &device.Error{Kind: device.KindNoData, Op: "stream", Reason: "live view stream closed"}
		}
		return frame, true, nil
	default:
		return nil, true, nil
	}
}

func (s *Scheduler) deliver(frame *device.RawFrame, streaming bool) {
	if streaming && s.streamLive.CompareAndSwap(false, true) {
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Frame processing started"})
	}

	n := s.frames.Add(1)
	s.mu.Lock()
	elapsed := s.now().Sub(s.startedAt).Seconds()
	s.mu.Unlock()
	if elapsed > 0 {
		s.fps.Store(math.Float64bits(float64(n) / elapsed))
	}

	if s.handler == nil {
		return
	}
	if err := s.handler.HandleFrame(frame); err != nil {
		if errors.Is(err, device.ErrFrameDecode) {
			s.logger.Warning("Skipping frame: %v", err)
			return
		}
		s.logger.Error("Frame processing failed: %v", err)
	}
}

func (s *Scheduler) handleError(err error) {
	switch {
	case errors.Is(err, device.ErrBusy):
		s.logger.Debug("Live view fetch skipped: %v", err)
	case errors.Is(err, device.ErrProhibited):
		s.Stop()
		s.logger.Warning("Live view stopped: %v", err)
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: err.Error()})
	case errors.Is(err, device.ErrNoData):
		s.noData()
	default:
		s.logger.Error("Unable to get live view image: %v", err)
		s.bus.Publish(events.Event{Type: events.SystemMessage, Message: "Unable to get live view image: " + err.Error()})
	}
}

// noData restarts live view once the backoff since the last start has passed.
func (s *Scheduler) noData() {
	s.mu.Lock()
	waited := s.now().Sub(s.startedAt)
	s.mu.Unlock()
	if waited <= s.cfg.RestartBackoff {
		return
	}
	if !s.restarting.CompareAndSwap(false, true) {
		return
	}

	s.Stop()
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	s.logger.Warning("No live view data for %v, restarting live view", waited.Round(time.Millisecond))

	go func() {
		defer s.restarting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 35*s.cfg.StartRetry+5*time.Second)
		defer cancel()
		if err := s.StartLiveView(ctx); err != nil {
			s.logger.Error("Live view restart failed: %v", err)
		}
	}()
}

// Restarts counts automatic restarts.
func (s *Scheduler) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
