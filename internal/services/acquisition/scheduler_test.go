package acquisition

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

type countingHandler struct {
	frames atomic.Int32
	err    error
}

func (h *countingHandler) HandleFrame(*device.RawFrame) error {
	h.frames.Add(1)
	return h.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestScheduler never ticks on its own; tests call Tick directly.
func newTestScheduler(gw device.Gateway, h FrameHandler, bus events.Publisher) (*Scheduler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewScheduler(gw, device.NewLease(), h, bus, Config{
		Interval:       time.Hour,
		StartRetry:     time.Millisecond,
		StopRetry:      time.Millisecond,
		RestartBackoff: 2 * time.Second,
	}, nil)
	s.now = clock.Now
	return s, clock
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTick_InFlightFetchMakesNoCalls(t *testing.T) {
	gw := devicetest.New()
	release := make(chan struct{})
	gw.OnFetchFrame = func() (*device.RawFrame, error) {
		<-release
		return &device.RawFrame{Running: true}, nil
	}
	h := &countingHandler{}
	s, _ := newTestScheduler(gw, h, nil)

	go s.Tick()
	waitFor(t, func() bool { return gw.CallCount("FetchFrame") == 1 })

	if s.Tick() {
		t.Error("second tick should be a no-op while a fetch is in flight")
	}
	if gw.CallCount("FetchFrame") != 1 {
		t.Errorf("FetchFrame calls = %d, expected 1", gw.CallCount("FetchFrame"))
	}
	if h.frames.Load() != 0 {
		t.Errorf("handler saw %d frames before the fetch completed", h.frames.Load())
	}

	close(release)
	waitFor(t, func() bool { return h.frames.Load() == 1 })
}

func TestTick_FrozenAndSuspended(t *testing.T) {
	gw := devicetest.New()
	h := &countingHandler{}
	s, clock := newTestScheduler(gw, h, nil)

	s.Freeze(3 * time.Second)
	if s.Tick() {
		t.Error("tick ran while frozen")
	}
	clock.Advance(4 * time.Second)

	resume := s.Suspend()
	if s.Tick() {
		t.Error("tick ran while suspended")
	}
	resume()
	resume()
	if s.Suspended() {
		t.Fatal("resume should be idempotent")
	}

	if !s.Tick() {
		t.Error("tick should run after resume")
	}
	if gw.CallCount("FetchFrame") != 1 || h.frames.Load() != 1 {
		t.Errorf("fetches=%d frames=%d, expected 1/1", gw.CallCount("FetchFrame"), h.frames.Load())
	}
}

func TestTick_LeaseHeldSkips(t *testing.T) {
	gw := devicetest.New()
	lease := device.NewLease()
	s := NewScheduler(gw, lease, nil, nil, Config{Interval: time.Hour}, nil)

	lease.TryAcquire()
	s.Tick()
	if gw.CallCount("FetchFrame") != 0 {
		t.Error("fetch issued while another activity holds the device")
	}
}

func TestTick_FrameRate(t *testing.T) {
	gw := devicetest.New()
	s, clock := newTestScheduler(gw, &countingHandler{}, nil)
	s.Start()
	defer s.Stop()

	clock.Advance(2 * time.Second)
	for i := 0; i < 10; i++ {
		s.Tick()
	}

	if s.Frames() != 10 {
		t.Errorf("Frames = %d", s.Frames())
	}
	if rate := s.FrameRate(); rate != 5 {
		t.Errorf("FrameRate = %v, expected 5", rate)
	}
}

func TestTick_ProhibitedStops(t *testing.T) {
	gw := devicetest.New()
	gw.OnFetchFrame = func() (*device.RawFrame, error) {
		return nil, device.NewProhibitedError("fetch", "LabelDeviceBusy")
	}
	s, _ := newTestScheduler(gw, nil, nil)
	s.Start()

	s.Tick()
	if s.State() != Stopped {
		t.Errorf("State = %v, expected stopped", s.State())
	}
}

func TestTick_DecodeErrorKeepsRunning(t *testing.T) {
	gw := devicetest.New()
	h := &countingHandler{err: device.NewFrameDecodeError(errors.New("bad jpeg"))}
	s, _ := newTestScheduler(gw, h, nil)
	s.Start()
	defer s.Stop()

	s.Tick()
	s.Tick()
	if s.State() != Running || h.frames.Load() != 2 {
		t.Errorf("state=%v frames=%d", s.State(), h.frames.Load())
	}
}

func TestTick_NoDataRestartsAfterBackoff(t *testing.T) {
	gw := devicetest.New()
	gw.OnFetchFrame = func() (*device.RawFrame, error) { return nil, nil }
	s, clock := newTestScheduler(gw, nil, nil)
	s.Start()
	defer s.Stop()

	clock.Advance(time.Second)
	s.Tick()
	if s.Restarts() != 0 {
		t.Fatal("restarted before the backoff elapsed")
	}

	clock.Advance(2 * time.Second)
	s.Tick()
	if s.Restarts() != 1 {
		t.Fatalf("Restarts = %d, expected 1", s.Restarts())
	}
	waitFor(t, func() bool { return gw.CallCount("StartLiveView") == 1 && s.State() == Running })
}

func TestStartLiveView(t *testing.T) {
	t.Run("busy then running", func(t *testing.T) {
		gw := devicetest.New()
		busy := 2
		gw.OnStartLiveView = func() error {
			if busy > 0 {
				busy--
				return device.NewBusyError(device.CodeBusy)
			}
			return nil
		}
		s, _ := newTestScheduler(gw, nil, nil)
		if err := s.StartLiveView(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer s.Stop()
		if gw.CallCount("StartLiveView") != 3 || s.State() != Running {
			t.Errorf("calls=%d state=%v", gw.CallCount("StartLiveView"), s.State())
		}
	})

	t.Run("silent prohibition", func(t *testing.T) {
		gw := devicetest.New()
		gw.Prohibited[device.OpLiveViewStart] = device.ReasonImageInRAM
		bus := events.NewBus()
		msgs, _ := bus.Subscribe("t", 4, events.SystemMessage)
		s, _ := newTestScheduler(gw, nil, bus)

		err := s.StartLiveView(context.Background())
		if !errors.Is(err, device.ErrProhibited) {
			t.Fatalf("expected prohibited, got %v", err)
		}
		if gw.CallCount("StartLiveView") != 0 {
			t.Error("device called despite prohibition")
		}
		select {
		case m := <-msgs:
			t.Errorf("unexpected message %q", m.Message)
		default:
		}
	})

	t.Run("prohibition checked under lease", func(t *testing.T) {
		gw := devicetest.New()
		gw.Prohibited[device.OpLiveViewStart] = device.ReasonImageInRAM
		lease := device.NewLease()
		var held atomic.Bool
		gw.OnQuery = func(name string) {
			if name == "ProhibitionCondition" {
				held.Store(lease.Held())
			}
		}
		s := NewScheduler(gw, lease, nil, nil, Config{
			Interval:   time.Hour,
			StartRetry: time.Millisecond,
			StopRetry:  time.Millisecond,
		}, nil)

		if err := s.StartLiveView(context.Background()); !errors.Is(err, device.ErrProhibited) {
			t.Fatalf("expected prohibited, got %v", err)
		}
		if !held.Load() {
			t.Error("prohibition checked without the lease")
		}
		if lease.Held() {
			t.Error("lease left held after a prohibited start")
		}
	})

	t.Run("reported prohibition", func(t *testing.T) {
		gw := devicetest.New()
		gw.Prohibited[device.OpLiveViewStart] = "LabelRecordingMovie"
		bus := events.NewBus()
		msgs, _ := bus.Subscribe("t", 4, events.SystemMessage)
		s, _ := newTestScheduler(gw, nil, bus)

		_ = s.StartLiveView(context.Background())
		select {
		case <-msgs:
		default:
			t.Error("expected a system message")
		}
	})
}

func TestStopLiveView(t *testing.T) {
	gw := devicetest.New()
	s, _ := newTestScheduler(gw, nil, nil)
	s.Start()

	if err := s.StopLiveView(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != Stopped || gw.CallCount("StopLiveView") != 1 {
		t.Errorf("state=%v stop calls=%d", s.State(), gw.CallCount("StopLiveView"))
	}
}
