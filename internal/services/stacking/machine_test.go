package stacking

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/device/devicetest"
	"tethercam/internal/focus"
	"tethercam/internal/services/events"
)

type recordingCapturer struct {
	mu       sync.Mutex
	state    *focus.State
	counters []int
	err      error
}

func (c *recordingCapturer) CaptureOne(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.counters = append(c.counters, c.state.Snapshot().Counter)
	return nil
}

func (c *recordingCapturer) captured() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.counters...)
}

type liveView struct {
	mu     sync.Mutex
	starts int
}

func (l *liveView) StartLiveView(ctx context.Context) error {
	l.mu.Lock()
	l.starts++
	l.mu.Unlock()
	return nil
}

type harness struct {
	gw       *devicetest.Gateway
	state    *focus.State
	capturer *recordingCapturer
	bus      *events.Bus
	machine  *Machine
}

func newHarness(t *testing.T, step int) *harness {
	t.Helper()
	gw := devicetest.New()
	state := focus.NewState(step)
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	mover := focus.NewMover(gw, state, device.NewLease(), time.Millisecond, nil, bus, nil)
	capturer := &recordingCapturer{state: state}
	m := NewMachine(mover, capturer, &liveView{}, state, Steps{Small: 10, Medium: 50, Large: 200}, bus, nil)
	m.tick = time.Millisecond
	return &harness{gw: gw, state: state, capturer: capturer, bus: bus, machine: m}
}

// lockRange locks near at the current position and far farBound steps away.
func (h *harness) lockRange(farBound int) {
	h.state.LockNear()
	h.state.Apply(farBound)
	h.state.LockFar()
}

func wait(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stacking did not finish")
	}
}

func TestRange_CapturesAtEachStep(t *testing.T) {
	h := newHarness(t, 10)
	h.lockRange(50)

	finished, _ := h.bus.Subscribe("finished", 4, events.StackingFinished)

	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	wait(t, h.machine)

	if got, want := h.capturer.captured(), []int{10, 20, 30, 40, 50}; !reflect.DeepEqual(got, want) {
		t.Errorf("captures at %v, expected %v", got, want)
	}
	// rewind to the near point without a capture, then five steps
	if got, want := h.gw.Moves(), []int{-50, 10, 10, 10, 10, 10}; !reflect.DeepEqual(got, want) {
		t.Errorf("moves = %v, expected %v", got, want)
	}

	ev := <-finished
	if ev.Message != "Stacking finished" || ev.Count != 5 || ev.Counter != 50 {
		t.Errorf("finished event = %+v", ev)
	}
	if h.machine.Running() {
		t.Error("machine still running")
	}
}

func TestRange_FarBound100Step20(t *testing.T) {
	h := newHarness(t, 20)
	h.lockRange(100)

	if snap := h.state.Snapshot(); snap.PhotoCount != 5 {
		t.Fatalf("PhotoCount = %d, expected 5", snap.PhotoCount)
	}
	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange}); err != nil {
		t.Fatal(err)
	}
	wait(t, h.machine)

	if n := len(h.capturer.captured()); n != 5 {
		t.Errorf("captures = %d, expected 5", n)
	}
	if c := h.state.Snapshot().Counter; c != 100 {
		t.Errorf("final counter = %d, expected 100", c)
	}
}

func TestRange_RequiresLocks(t *testing.T) {
	h := newHarness(t, 10)
	h.state.LockNear()

	_, err := h.machine.Start(context.Background(), Request{Mode: ModeRange})
	if !errors.Is(err, device.ErrConfiguration) {
		t.Fatalf("err = %v, expected configuration error", err)
	}
	if h.gw.CallCount("Focus") != 0 {
		t.Error("device called before validation")
	}
}

func TestIncrement(t *testing.T) {
	h := newHarness(t, 10)

	_, err := h.machine.Start(context.Background(), Request{Mode: ModeIncrement, Direction: -1, StepSize: StepMedium, PhotoCount: 3})
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h.machine)

	if got, want := h.gw.Moves(), []int{-50, -50, -50}; !reflect.DeepEqual(got, want) {
		t.Errorf("moves = %v, expected %v", got, want)
	}
	if n := len(h.capturer.captured()); n != 3 {
		t.Errorf("captures = %d, expected 3", n)
	}
}

func TestIncrement_RejectsLocks(t *testing.T) {
	h := newHarness(t, 10)
	h.state.LockFar()
	_, err := h.machine.Start(context.Background(), Request{Mode: ModeIncrement, PhotoCount: 3})
	if !errors.Is(err, device.ErrConfiguration) {
		t.Errorf("err = %v, expected configuration error", err)
	}
}

func TestPreview_MovesWithoutCapturing(t *testing.T) {
	h := newHarness(t, 25)
	h.lockRange(100)

	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange, Preview: true}); err != nil {
		t.Fatal(err)
	}
	wait(t, h.machine)

	if n := len(h.capturer.captured()); n != 0 {
		t.Errorf("preview captured %d photos", n)
	}
	if st := h.machine.Status(); st.Photos != 4 || st.State != Idle {
		t.Errorf("status = %+v", st)
	}
}

func TestStop_WhileWaiting(t *testing.T) {
	h := newHarness(t, 10)
	h.lockRange(50)

	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange, WaitTicks: 100000}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange}); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start err = %v, expected ErrRunning", err)
	}

	h.machine.Stop()
	wait(t, h.machine)

	if n := len(h.capturer.captured()); n != 0 {
		t.Errorf("captures after stop = %d", n)
	}
}

func TestStop_DuringMoveSkipsCapture(t *testing.T) {
	h := newHarness(t, 10)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.gw.OnFocus = func(steps int) (int, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return steps, nil
	}

	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeIncrement, PhotoCount: 3}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("focus move never started")
	}
	h.machine.Stop()
	close(release)
	wait(t, h.machine)

	if got := h.capturer.captured(); len(got) != 0 {
		t.Errorf("captures after stop during move = %v", got)
	}
	if moves := h.gw.Moves(); len(moves) != 1 {
		t.Errorf("moves = %v, expected the one in flight to finish", moves)
	}
}

func TestCaptureErrorAborts(t *testing.T) {
	h := newHarness(t, 10)
	h.lockRange(50)
	h.capturer.err = device.NewFatalError("capture", errors.New("card full"))

	msgs, _ := h.bus.Subscribe("finished", 4, events.StackingFinished)
	if _, err := h.machine.Start(context.Background(), Request{Mode: ModeRange}); err != nil {
		t.Fatal(err)
	}
	wait(t, h.machine)

	ev := <-msgs
	if ev.Count != 0 || ev.Message == "Stacking finished" {
		t.Errorf("finished event = %+v", ev)
	}
	if h.machine.Running() {
		t.Error("machine still running after abort")
	}
}

func TestNewSeriesOnlyWhenCapturing(t *testing.T) {
	h := newHarness(t, 10)
	var series int
	h.machine.NewSeries = func() int64 { series++; return int64(series) }

	h.machine.Start(context.Background(), Request{Mode: ModeIncrement, PhotoCount: 1, Preview: true})
	wait(t, h.machine)
	h.machine.Start(context.Background(), Request{Mode: ModeIncrement, PhotoCount: 1})
	wait(t, h.machine)

	if series != 1 {
		t.Errorf("series started %d times, expected 1", series)
	}
}
