package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/device/devicetest"
	"tethercam/internal/services/events"
)

type countingSuspender struct {
	mu       sync.Mutex
	suspends int
	resumes  int
}

func (c *countingSuspender) Suspend() func() {
	c.mu.Lock()
	c.suspends++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.resumes++
		c.mu.Unlock()
	}
}

func newTestSequencer(gw device.Gateway, bus events.Publisher) (*Sequencer, *countingSuspender) {
	susp := &countingSuspender{}
	s := NewSequencer(gw, device.NewLease(), susp, bus, Config{RetryInterval: time.Millisecond}, nil)
	s.tick = 10 * time.Millisecond
	return s, susp
}

func report(t *testing.T, ch <-chan Report) Report {
	t.Helper()
	select {
	case rep := <-ch:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("no report")
	}
	return Report{}
}

func TestStart_ShotCount(t *testing.T) {
	for _, count := range []int{1, 2, 5} {
		gw := devicetest.New()
		bus := events.NewBus()
		finished, _ := bus.Subscribe("finished", 4, events.CaptureFinished)
		s, susp := newTestSequencer(gw, bus)

		ch, err := s.Start(context.Background(), Request{Count: count})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		rep := report(t, ch)

		if rep.Completed != count || gw.CallCount("Capture") != count {
			t.Errorf("count %d: completed %d, triggers %d", count, rep.Completed, gw.CallCount("Capture"))
		}
		if want := count - 1; gw.CallCount("WaitForCamera") != want {
			t.Errorf("count %d: WaitForCamera called %d times, expected %d", count, gw.CallCount("WaitForCamera"), want)
		}
		if susp.suspends != count || susp.resumes != count {
			t.Errorf("count %d: suspends %d resumes %d", count, susp.suspends, susp.resumes)
		}
		if ev := <-finished; ev.Count != count || ev.ID != rep.ID {
			t.Errorf("count %d: finished event %+v", count, ev)
		}
		if s.InProgress() {
			t.Error("still in progress")
		}
		bus.Close()
	}
}

func TestStart_ZeroCountTakesOneShot(t *testing.T) {
	gw := devicetest.New()
	s, _ := newTestSequencer(gw, nil)
	ch, err := s.Start(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if rep := report(t, ch); rep.Requested != 1 || rep.Completed != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestStart_BulbRejected(t *testing.T) {
	gw := devicetest.New()
	gw.Shutter = device.ShutterBulb
	s, _ := newTestSequencer(gw, nil)

	_, err := s.Start(context.Background(), Request{Count: 3})
	if !errors.Is(err, device.ErrConfiguration) {
		t.Fatalf("err = %v, expected configuration error", err)
	}
	if gw.CallCount("Capture") != 0 {
		t.Error("shutter triggered in bulb mode")
	}
	if err := s.Preview(context.Background()); err == nil {
		t.Error("Preview accepted bulb mode")
	}
}

func TestStart_BusyRetried(t *testing.T) {
	gw := devicetest.New()
	gw.OnCapture = func(n int) error {
		if n <= 2 {
			return device.NewBusyError(device.CodeBusy)
		}
		return nil
	}
	s, _ := newTestSequencer(gw, nil)

	ch, _ := s.Start(context.Background(), Request{Count: 1})
	rep := report(t, ch)
	if rep.Err != nil || rep.Completed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if gw.CallCount("Capture") != 3 {
		t.Errorf("capture attempts = %d, expected 3", gw.CallCount("Capture"))
	}
}

func TestStart_FatalAborts(t *testing.T) {
	gw := devicetest.New()
	gw.OnCapture = func(n int) error {
		if n == 2 {
			return device.NewFatalError("capture", errors.New("card error"))
		}
		return nil
	}
	s, susp := newTestSequencer(gw, nil)

	ch, _ := s.Start(context.Background(), Request{Count: 4})
	rep := report(t, ch)
	if rep.Completed != 1 || rep.Stage != StageFailed || !errors.Is(rep.Err, device.ErrFatal) {
		t.Errorf("report = %+v", rep)
	}
	if susp.suspends != susp.resumes {
		t.Errorf("suspends %d != resumes %d", susp.suspends, susp.resumes)
	}
}

func TestCancel_DuringCountdown(t *testing.T) {
	gw := devicetest.New()
	var captured atomic.Int32
	s, _ := newTestSequencer(gw, nil)
	gw.OnCapture = func(n int) error {
		captured.Add(1)
		return nil
	}

	ch, err := s.Start(context.Background(), Request{Count: 3, Delay: 1000})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for s.Countdown() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Countdown() == 0 {
		t.Fatal("countdown never started")
	}
	s.Cancel()

	rep := report(t, ch)
	if !rep.Cancelled || rep.Stage != StageCountdown || rep.Completed != 0 {
		t.Errorf("report = %+v", rep)
	}
	if captured.Load() != 0 {
		t.Error("shutter triggered after cancel")
	}
	if s.Countdown() != 0 {
		t.Errorf("countdown = %d after cancel", s.Countdown())
	}
}

func TestCancel_DuringHold(t *testing.T) {
	gw := devicetest.New()
	bus := events.NewBus()
	defer bus.Close()
	cancelled, _ := bus.Subscribe("cancelled", 4, events.CaptureCancelled)
	s, _ := newTestSequencer(gw, bus)

	gw.OnCapture = func(n int) error {
		go s.Cancel()
		return nil
	}

	ch, _ := s.Start(context.Background(), Request{Count: 3, Hold: 1000})
	rep := report(t, ch)
	if !rep.Cancelled || rep.Stage != StageHold || rep.Completed != 1 {
		t.Errorf("report = %+v", rep)
	}
	if ev := <-cancelled; ev.Count != 1 || ev.Message != string(StageHold) {
		t.Errorf("cancelled event = %+v", ev)
	}
}

func TestStart_RejectsConcurrent(t *testing.T) {
	gw := devicetest.New()
	release := make(chan struct{})
	gw.OnCapture = func(n int) error {
		<-release
		return nil
	}
	s, _ := newTestSequencer(gw, nil)

	ch, err := s.Start(context.Background(), Request{Count: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Start(context.Background(), Request{Count: 1}); !errors.Is(err, ErrInProgress) {
		t.Errorf("second Start err = %v", err)
	}
	if err := s.Preview(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Errorf("Preview err = %v", err)
	}
	close(release)
	report(t, ch)
}

func TestStart_AutoFocusBeforeEachShot(t *testing.T) {
	gw := devicetest.New()
	s, _ := newTestSequencer(gw, nil)
	ch, _ := s.Start(context.Background(), Request{Count: 2, AutoFocus: true})
	report(t, ch)
	if gw.CallCount("AutoFocus") != 2 {
		t.Errorf("AutoFocus calls = %d, expected 2", gw.CallCount("AutoFocus"))
	}
}

func TestPreview(t *testing.T) {
	gw := devicetest.New()
	s, susp := newTestSequencer(gw, nil)
	if err := s.Preview(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gw.CallCount("Capture") != 1 || susp.suspends != 1 || s.InProgress() {
		t.Errorf("captures %d suspends %d inProgress %t", gw.CallCount("Capture"), susp.suspends, s.InProgress())
	}
}

func TestStart_DeviceQueriesHoldLease(t *testing.T) {
	gw := devicetest.New()
	lease := device.NewLease()
	var mu sync.Mutex
	held := make(map[string]bool)
	gw.OnQuery = func(name string) {
		mu.Lock()
		held[name] = lease.Held()
		mu.Unlock()
	}
	s := NewSequencer(gw, lease, &countingSuspender{}, nil, Config{RetryInterval: time.Millisecond}, nil)
	s.tick = 10 * time.Millisecond

	ch, err := s.Start(context.Background(), Request{Count: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rep := report(t, ch); rep.Completed != 1 {
		t.Fatalf("report = %+v", rep)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, name := range []string{"ShutterSpeed", "ProhibitionCondition"} {
		h, ok := held[name]
		if !ok {
			t.Errorf("%s not called", name)
		} else if !h {
			t.Errorf("%s called without the lease", name)
		}
	}
	if lease.Held() {
		t.Error("lease still held after the sequence")
	}
}

// readyGateway records the device state seen by each WaitForCamera call.
type readyGateway struct {
	*devicetest.Gateway
	lease *device.Lease
	susp  *countingSuspender

	mu        sync.Mutex
	held      []bool
	suspended []bool
}

func (g *readyGateway) WaitForCamera(timeout time.Duration) error {
	g.susp.mu.Lock()
	suspended := g.susp.suspends > g.susp.resumes
	g.susp.mu.Unlock()

	g.mu.Lock()
	g.held = append(g.held, g.lease.Held())
	g.suspended = append(g.suspended, suspended)
	g.mu.Unlock()
	return g.Gateway.WaitForCamera(timeout)
}

func TestStart_WaitForCameraHoldsDevice(t *testing.T) {
	lease := device.NewLease()
	susp := &countingSuspender{}
	gw := &readyGateway{Gateway: devicetest.New(), lease: lease, susp: susp}
	s := NewSequencer(gw, lease, susp, nil, Config{RetryInterval: time.Millisecond}, nil)
	s.tick = 10 * time.Millisecond

	ch, err := s.Start(context.Background(), Request{Count: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rep := report(t, ch); rep.Completed != 3 {
		t.Fatalf("report = %+v", rep)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.held) != 2 {
		t.Fatalf("WaitForCamera calls = %d, expected 2", len(gw.held))
	}
	for i := range gw.held {
		if !gw.held[i] || !gw.suspended[i] {
			t.Errorf("call %d: lease held %t, live view suspended %t", i, gw.held[i], gw.suspended[i])
		}
	}
	if lease.Held() {
		t.Error("lease still held after the sequence")
	}
}
