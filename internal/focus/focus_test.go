package focus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tethercam/internal/device"
	"tethercam/internal/device/devicetest"
	"tethercam/internal/services/events"
)

func TestPlan_PhotoCountFromStep(t *testing.T) {
	tests := []struct {
		farBound, step, want int
	}{
		{100, 20, 5},
		{50, 10, 5},
		{100, 30, 3},
		{100, 40, 3}, // 2.5 rounds away from zero
		{10, 3, 3},
		{0, 10, 0},
	}

	for _, tt := range tests {
		p := NewPlan(tt.farBound, tt.step)
		if p.PhotoCount() != tt.want {
			t.Errorf("NewPlan(%d, %d).PhotoCount() = %d, expected %d", tt.farBound, tt.step, p.PhotoCount(), tt.want)
		}
	}
}

func TestPlan_ReciprocalRoundTrip(t *testing.T) {
	for farBound := 1; farBound <= 10000; farBound++ {
		p := NewPlan(farBound, 1)

		for _, count := range []int{1, 2, 3, 7, 13, 50} {
			if count > farBound {
				continue
			}
			q := p.Set(FieldPhotoCount, count)
			step := q.StepSize()
			if diff := abs(step*count - farBound); diff*2 > count {
				t.Fatalf("farBound=%d count=%d: step %d off by %d", farBound, count, step, diff)
			}
			if back := q.Set(FieldStepSize, step).PhotoCount(); abs(back-count)*step*2 > farBound+step {
				t.Fatalf("farBound=%d count=%d step=%d: photoCount round-trips to %d", farBound, count, step, back)
			}
		}

		for _, step := range []int{1, 5, 20, 333} {
			if step > farBound {
				continue
			}
			q := p.Set(FieldStepSize, step)
			count := q.PhotoCount()
			if diff := abs(step*count - farBound); diff*2 > step {
				t.Fatalf("farBound=%d step=%d: count %d off by %d", farBound, step, count, diff)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func TestState_Locks(t *testing.T) {
	s := NewState(10)

	s.Apply(30)
	s.LockNear()
	if snap := s.Snapshot(); snap.Counter != 0 || snap.FarBound != 0 || !snap.LockedNear {
		t.Fatalf("after LockNear: %+v", snap)
	}

	s.Apply(50)
	s.LockFar()
	snap := s.Snapshot()
	if snap.FarBound != 50 || snap.Counter != 50 || !snap.LockedFar {
		t.Fatalf("after LockFar: %+v", snap)
	}
	if snap.PhotoCount != 5 {
		t.Errorf("PhotoCount = %d, expected 5", snap.PhotoCount)
	}

	s.SetPhotoCount(2)
	if snap := s.Snapshot(); snap.StepSize != 25 {
		t.Errorf("StepSize after SetPhotoCount(2) = %d, expected 25", snap.StepSize)
	}
}

func TestState_Clamp(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *State)
		steps   int
		clamped int
	}{
		{"unlocked passes through", func(s *State) {}, -40, -40},
		{"near lock rejects at zero", func(s *State) { s.LockNear() }, -10, 0},
		{"near lock clamps to reference", func(s *State) { s.LockNear(); s.Apply(15) }, -40, -15},
		{"far lock clamps to bound", func(s *State) { s.LockNear(); s.Apply(50); s.LockFar(); s.Apply(-40) }, 50, 40},
		{"far lock at bound", func(s *State) { s.LockNear(); s.Apply(50); s.LockFar() }, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(10)
			tt.setup(s)
			if got := s.Clamp(tt.steps); got != tt.clamped {
				t.Errorf("Clamp(%d) = %d, expected %d", tt.steps, got, tt.clamped)
			}
		})
	}
}

func TestState_FarOnlyExtendsBound(t *testing.T) {
	s := NewState(10)
	s.Apply(70)
	s.LockFar()
	if snap := s.Snapshot(); snap.Counter != 0 || snap.FarBound != 0 {
		t.Fatalf("far-only lock should re-zero: %+v", snap)
	}

	s.Apply(-30)
	snap := s.Snapshot()
	if snap.Counter != 0 || snap.FarBound != 30 {
		t.Errorf("expected counter 0 bound 30, got %+v", snap)
	}

	s.LockNear()
	s.Apply(10)
	s.LockNear()
	if snap := s.Snapshot(); snap.Counter != 0 || snap.FarBound != 20 {
		t.Errorf("near lock under far lock should rebase: %+v", snap)
	}
}

type countingSuspender struct {
	active atomic.Int32
	calls  atomic.Int32
}

func (c *countingSuspender) Suspend() func() {
	c.active.Add(1)
	c.calls.Add(1)
	return func() { c.active.Add(-1) }
}

func TestMover_MoveUpdatesCounter(t *testing.T) {
	gw := devicetest.New()
	state := NewState(10)
	sus := &countingSuspender{}
	bus := events.NewBus()
	done, _ := bus.Subscribe("t", 4, events.FocusMoveCompleted)

	m := NewMover(gw, state, device.NewLease(), time.Millisecond, sus, bus, nil)

	ch, err := m.Move(context.Background(), 25)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	res := <-ch
	if res.Err != nil || res.Applied != 25 || res.Counter != 25 {
		t.Fatalf("unexpected result %+v", res)
	}
	if m.InProgress() {
		t.Error("move still in progress after completion")
	}
	if sus.calls.Load() != 1 || sus.active.Load() != 0 {
		t.Errorf("scheduler suspend/resume mismatch: calls=%d active=%d", sus.calls.Load(), sus.active.Load())
	}
	if e := <-done; e.Counter != 25 {
		t.Errorf("FocusMoveCompleted counter = %d", e.Counter)
	}
}

func TestMover_RejectsConcurrentMove(t *testing.T) {
	gw := devicetest.New()
	release := make(chan struct{})
	gw.OnFocus = func(steps int) (int, error) {
		<-release
		return steps, nil
	}
	m := NewMover(gw, NewState(10), device.NewLease(), time.Millisecond, nil, nil, nil)

	first, err := m.Move(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Move(context.Background(), 5); !errors.Is(err, ErrMoveInProgress) {
		t.Errorf("expected ErrMoveInProgress, got %v", err)
	}
	close(release)
	<-first
}

func TestMover_ClampedToZeroSkipsDevice(t *testing.T) {
	gw := devicetest.New()
	state := NewState(10)
	state.LockNear()
	m := NewMover(gw, state, device.NewLease(), time.Millisecond, nil, nil, nil)

	ch, err := m.Move(context.Background(), -10)
	if err != nil {
		t.Fatal(err)
	}
	if res := <-ch; res.Applied != 0 || res.Err != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if gw.CallCount("Focus") != 0 {
		t.Errorf("device focus called %d times", gw.CallCount("Focus"))
	}
}

func TestMover_ProhibitionCheckHoldsLease(t *testing.T) {
	gw := devicetest.New()
	lease := device.NewLease()
	var held atomic.Bool
	gw.OnQuery = func(name string) {
		if name == "ProhibitionCondition" {
			held.Store(lease.Held())
		}
	}
	m := NewMover(gw, NewState(10), lease, time.Millisecond, nil, nil, nil)

	ch, err := m.Move(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	if !held.Load() {
		t.Error("prohibition checked without the lease")
	}
	if lease.Held() {
		t.Error("lease still held after the move")
	}
}

func TestMover_ProhibitedAndBusy(t *testing.T) {
	gw := devicetest.New()
	gw.Prohibited[device.OpFocus] = "LabelImageInRAM"
	m := NewMover(gw, NewState(10), device.NewLease(), time.Millisecond, nil, nil, nil)

	if _, err := m.Move(context.Background(), 5); !errors.Is(err, device.ErrProhibited) {
		t.Fatalf("expected prohibited, got %v", err)
	}
	if m.InProgress() {
		t.Fatal("in-progress flag left set after rejection")
	}

	delete(gw.Prohibited, device.OpFocus)
	busy := 3
	gw.OnFocus = func(steps int) (int, error) {
		if busy > 0 {
			busy--
			return 0, device.NewBusyError(device.CodeMTPBusy)
		}
		return steps, nil
	}
	ch, err := m.Move(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if res := <-ch; res.Err != nil || res.Counter != 5 {
		t.Errorf("unexpected result %+v", res)
	}
	if gw.CallCount("Focus") != 4 {
		t.Errorf("Focus calls = %d, expected 4", gw.CallCount("Focus"))
	}
}
