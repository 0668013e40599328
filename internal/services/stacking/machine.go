// Package stacking runs focus bracketing: a timed loop of focus moves each
// followed by a capture.
package stacking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tethercam/internal/device"
	"tethercam/internal/focus"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

var ErrRunning = errors.New("focus stacking already running")

type State int

const (
	Idle State = iota
	Armed
	Running
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Running:
		return "running"
	}
	return "idle"
}

type Mode int

const (
	ModeRange Mode = iota
	ModeIncrement
)

func (m Mode) String() string {
	if m == ModeIncrement {
		return "increment"
	}
	return "range"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "range":
		return ModeRange, nil
	case "increment":
		return ModeIncrement, nil
	}
	return ModeRange, fmt.Errorf("unknown stacking mode %q", s)
}

// StepSize picks one of the configured increment magnitudes.
type StepSize int

const (
	StepSmall StepSize = iota
	StepMedium
	StepLarge
)

func ParseStepSize(s string) (StepSize, error) {
	switch strings.ToLower(s) {
	case "", "small":
		return StepSmall, nil
	case "medium":
		return StepMedium, nil
	case "large":
		return StepLarge, nil
	}
	return StepSmall, fmt.Errorf("unknown step size %q", s)
}

// Steps are the focus steps for each StepSize.
type Steps struct {
	Small, Medium, Large int
}

func (s Steps) of(size StepSize) int {
	switch size {
	case StepMedium:
		return s.Medium
	case StepLarge:
		return s.Large
	}
	return s.Small
}

type Request struct {
	Mode      Mode `json:"mode"`
	Preview   bool `json:"preview"`    // move without capturing
	WaitTicks int  `json:"wait_ticks"` // ticks to wait before each step
	// Increment mode only.
	Direction  int      `json:"direction"` // +1 far, -1 near
	StepSize   StepSize `json:"step_size"`
	PhotoCount int      `json:"photo_count"`
}

// Status is a snapshot of the running session.
type Status struct {
	State   State     `json:"state"`
	ID      string    `json:"id,omitempty"`
	Mode    Mode      `json:"mode"`
	Preview bool      `json:"preview"`
	Ticks   int       `json:"ticks"`
	Photos  int       `json:"photos"`
	Target  int       `json:"target"`
	Counter int       `json:"counter"`
	Started time.Time `json:"started"`
}

type Mover interface {
	Move(ctx context.Context, steps int) (<-chan focus.MoveResult, error)
}

type Capturer interface {
	CaptureOne(ctx context.Context) error
}

type LiveView interface {
	StartLiveView(ctx context.Context) error
}

type session struct {
	id      string
	req     Request
	step    int
	target  int
	ticks   int
	photos  int
	started time.Time
	stop    chan struct{}
	done    chan struct{}
}

type Machine struct {
	mover    Mover
	capturer Capturer
	liveView LiveView
	focus    *focus.State
	steps    Steps
	bus      events.Publisher
	logger   *logger.Logger

	// NewSeries is called when a capturing session starts.
	NewSeries func() int64

	mu    sync.Mutex
	state State
	cur   *session
	last  *session

	tick time.Duration
}

func NewMachine(mover Mover, capturer Capturer, liveView LiveView, state *focus.State, steps Steps, bus events.Publisher, logger *logger.Logger) *Machine {
	if bus == nil {
		bus = events.Discard
	}
	return &Machine{
		mover:    mover,
		capturer: capturer,
		liveView: liveView,
		focus:    state,
		steps:    steps,
		bus:      bus,
		logger:   logger,
		tick:     time.Second,
	}
}

// Start validates req against the focus locks and runs the session in the
// background. It returns the session id.
func (m *Machine) Start(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Idle {
		return "", ErrRunning
	}
	s, err := m.prepare(req)
	if err != nil {
		m.bus.Publish(events.Event{Type: events.SystemMessage, Message: err.Error()})
		return "", err
	}

	m.state = Armed
	m.cur = s
	if !req.Preview && m.NewSeries != nil {
		m.NewSeries()
	}
	m.logger.Info("Stacking %s started (%s, preview=%t, target %d)", s.id, req.Mode, req.Preview, s.target)

	go m.run(ctx, s)
	return s.id, nil
}

func (m *Machine) prepare(req Request) (*session, error) {
	if req.WaitTicks < 0 {
		req.WaitTicks = 0
	}
	snap := m.focus.Snapshot()
	s := &session{
		id:      uuid.NewString(),
		req:     req,
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	switch req.Mode {
	case ModeRange:
		if !snap.LockedNear || !snap.LockedFar {
			return nil, device.NewConfigurationError("stacking", "lock the near and far focus points first")
		}
		if snap.FarBound <= 0 {
			return nil, device.NewConfigurationError("stacking", "far focus point must be beyond the near point")
		}
		if snap.StepSize <= 0 {
			return nil, device.NewConfigurationError("stacking", "step size must be positive")
		}
		s.step = snap.StepSize
		s.target = snap.PhotoCount
	case ModeIncrement:
		if snap.LockedNear || snap.LockedFar {
			return nil, device.NewConfigurationError("stacking", "unlock the focus points for incremental stacking")
		}
		if req.PhotoCount < 1 {
			return nil, device.NewConfigurationError("stacking", "photo count must be at least 1")
		}
		dir := 1
		if req.Direction < 0 {
			dir = -1
		}
		s.step = dir * m.steps.of(req.StepSize)
		s.target = req.PhotoCount
		if s.step == 0 {
			return nil, device.NewConfigurationError("stacking", "step size must be positive")
		}
	default:
		return nil, device.NewConfigurationError("stacking", fmt.Sprintf("unknown mode %d", req.Mode))
	}
	return s, nil
}

// Stop asks the running session to end. A move or capture already in
// flight finishes first; use Done to wait for that.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	select {
	case <-m.cur.stop:
	default:
		close(m.cur.stop)
	}
}

// Done is closed when the current (or last) session has ended.
func (m *Machine) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return m.cur.done
	}
	if m.last != nil {
		return m.last.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != Idle
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, Counter: m.focus.Snapshot().Counter}
	s := m.cur
	if s == nil {
		s = m.last
	}
	if s != nil {
		st.ID = s.id
		st.Mode = s.req.Mode
		st.Preview = s.req.Preview
		st.Ticks = s.ticks
		st.Photos = s.photos
		st.Target = s.target
		st.Started = s.started
	}
	return st
}

func (m *Machine) run(ctx context.Context, s *session) {
	m.setState(Running)

	reason, err := m.loop(ctx, s)

	if err := m.liveView.StartLiveView(ctx); err != nil {
		m.logger.Debug("Live view restart after stacking failed: %v", err)
	}

	m.mu.Lock()
	m.state = Idle
	m.last = s
	m.cur = nil
	photos := s.photos
	m.mu.Unlock()

	msg := "Stacking finished"
	switch {
	case err != nil:
		msg = "Stacking aborted: " + err.Error()
		m.logger.Error("Stacking %s aborted after %d photo(s): %v", s.id, photos, err)
	case reason == stopped:
		msg = "Stacking stopped"
		m.logger.Info("Stacking %s stopped after %d photo(s)", s.id, photos)
	default:
		m.logger.Info("Stacking %s finished with %d photo(s)", s.id, photos)
	}
	m.bus.Publish(events.Event{Type: events.StackingFinished, ID: s.id, Message: msg, Count: photos, Counter: m.focus.Snapshot().Counter})
	m.bus.Publish(events.Event{Type: events.SystemMessage, Message: msg})
	close(s.done)
}

type endReason int

const (
	completed endReason = iota
	stopped
)

func (m *Machine) loop(ctx context.Context, s *session) (endReason, error) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	if s.req.Mode == ModeRange {
		if counter := m.focus.Snapshot().Counter; counter != 0 {
			if _, err := m.move(ctx, -counter); err != nil {
				return completed, err
			}
		}
	}

	for {
		if m.finished(s) {
			return completed, nil
		}

		// wait until the tick counter exceeds the wait
		m.setTicks(s, 0)
		for waiting := true; waiting; {
			select {
			case <-s.stop:
				return stopped, nil
			case <-ctx.Done():
				return stopped, nil
			case <-ticker.C:
				waiting = m.setTicks(s, s.ticks+1) <= s.req.WaitTicks
			}
		}

		if err := m.liveView.StartLiveView(ctx); err != nil {
			m.logger.Debug("Live view restart failed: %v", err)
		}

		res, err := m.move(ctx, s.step)
		if err != nil {
			return completed, err
		}
		if s.req.Mode == ModeRange && res.Applied == 0 {
			return completed, fmt.Errorf("focus did not move at counter %d", res.Counter)
		}

		// a stop during the move skips the capture that would follow it
		select {
		case <-s.stop:
			return stopped, nil
		case <-ctx.Done():
			return stopped, nil
		default:
		}

		if !s.req.Preview {
			if err := m.capturer.CaptureOne(ctx); err != nil {
				return completed, err
			}
		}

		m.mu.Lock()
		s.photos++
		photos := s.photos
		m.mu.Unlock()
		m.bus.Publish(events.Event{Type: events.StackingProgress, ID: s.id, Count: photos, Counter: res.Counter})

		select {
		case <-s.stop:
			if !m.finished(s) {
				return stopped, nil
			}
		default:
		}
	}
}

func (m *Machine) move(ctx context.Context, steps int) (focus.MoveResult, error) {
	ch, err := m.mover.Move(ctx, steps)
	if err != nil {
		return focus.MoveResult{}, err
	}
	res := <-ch
	return res, res.Err
}

func (m *Machine) finished(s *session) bool {
	if s.req.Mode == ModeRange {
		snap := m.focus.Snapshot()
		return snap.Counter >= snap.FarBound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.photos >= s.target
}

func (m *Machine) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}

func (m *Machine) setTicks(s *session, n int) int {
	m.mu.Lock()
	s.ticks = n
	m.mu.Unlock()
	return n
}
