package focus

import "sync"

// Snapshot is a consistent copy of the focus state.
type Snapshot struct {
	Counter    int  `json:"counter"`
	LockedNear bool `json:"locked_near"`
	LockedFar  bool `json:"locked_far"`
	FarBound   int  `json:"far_bound"`
	StepSize   int  `json:"step_size"`
	PhotoCount int  `json:"photo_count"`
}

// State is the lens position in steps from the near reference plus the
// lock flags. It is mutated by move completions and lock actions only.
type State struct {
	mu         sync.Mutex
	counter    int
	lockedNear bool
	lockedFar  bool
	plan       Plan
}

func NewState(stepSize int) *State {
	return &State{plan: NewPlan(0, stepSize)}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Counter:    s.counter,
		LockedNear: s.lockedNear,
		LockedFar:  s.lockedFar,
		FarBound:   s.plan.FarBound(),
		StepSize:   s.plan.StepSize(),
		PhotoCount: s.plan.PhotoCount(),
	}
}

// LockNear makes the current position the near reference. With the far
// point already locked the bound is rebased onto the new reference.
func (s *State) LockNear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedFar {
		s.plan = s.plan.Set(FieldFarBound, s.plan.FarBound()-s.counter)
	} else {
		s.plan = s.plan.Set(FieldFarBound, 0)
	}
	s.counter = 0
	s.lockedNear = true
}

// LockFar records the current position as the far bound. Locking far
// without a near reference makes the current position the reference.
func (s *State) LockFar() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedNear {
		s.plan = s.plan.Set(FieldFarBound, s.counter)
	} else {
		s.counter = 0
		s.plan = s.plan.Set(FieldFarBound, 0)
	}
	s.lockedFar = true
}

func (s *State) UnlockNear() {
	s.mu.Lock()
	s.lockedNear = false
	s.mu.Unlock()
}

func (s *State) UnlockFar() {
	s.mu.Lock()
	s.lockedFar = false
	s.mu.Unlock()
}

// Unlock clears both locks.
func (s *State) Unlock() {
	s.mu.Lock()
	s.lockedNear = false
	s.lockedFar = false
	s.mu.Unlock()
}

// Locked reports whether either lock is set.
func (s *State) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedNear || s.lockedFar
}

func (s *State) SetStepSize(v int) {
	s.mu.Lock()
	s.plan = s.plan.Set(FieldStepSize, v)
	s.mu.Unlock()
}

func (s *State) SetPhotoCount(v int) {
	s.mu.Lock()
	s.plan = s.plan.Set(FieldPhotoCount, v)
	s.mu.Unlock()
}

// Clamp limits a requested move so it stays between the locked points.
// A zero result means the move must not be issued.
func (s *State) Clamp(steps int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedNear {
		if s.counter == 0 && steps < 0 {
			return 0
		}
		if s.counter+steps < 0 {
			steps = -s.counter
		}
	}
	if s.lockedFar && s.counter+steps > s.plan.FarBound() {
		steps = s.plan.FarBound() - s.counter
	}
	return steps
}

// Apply records a completed move. With only the far point locked, moving
// past the reference extends the bound and re-zeroes the counter.
func (s *State) Apply(applied int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter += applied
	if !s.lockedNear && s.lockedFar && s.counter < 0 {
		s.plan = s.plan.Set(FieldFarBound, s.plan.FarBound()-s.counter)
		s.counter = 0
	}
	return s.counter
}
