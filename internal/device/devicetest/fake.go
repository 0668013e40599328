// Package devicetest provides a scriptable device.Gateway for tests.
package devicetest

import (
	"sync"
	"time"

	"tethercam/internal/device"
)

// Gateway records every call. Hooks, when set, replace the default
// behaviour of the matching call.
type Gateway struct {
	mu sync.Mutex

	Calls map[string]int

	OnStartLiveView func() error
	OnStopLiveView  func() error
	OnFetchFrame    func() (*device.RawFrame, error)
	OnFocus         func(steps int) (int, error)
	OnCapture       func(n int) error
	OnAutoFocus     func() error
	// OnQuery runs before ProhibitionCondition and ShutterSpeed answer.
	OnQuery func(name string)

	Shutter    string
	Prohibited map[device.Operation]string
	Caps       map[device.Capability]bool

	Position   int
	FocusMoves []int
	FocusPoint [2]int
	Recording  bool
}

func New() *Gateway {
	return &Gateway{
		Calls:      make(map[string]int),
		Shutter:    "1/60",
		Prohibited: make(map[device.Operation]string),
		Caps:       make(map[device.Capability]bool),
	}
}

func (g *Gateway) count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls[name]++
	return g.Calls[name]
}

// CallCount returns how often name was called.
func (g *Gateway) CallCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Calls[name]
}

func (g *Gateway) StartLiveView() error {
	g.count("StartLiveView")
	if g.OnStartLiveView != nil {
		return g.OnStartLiveView()
	}
	return nil
}

func (g *Gateway) StopLiveView() error {
	g.count("StopLiveView")
	if g.OnStopLiveView != nil {
		return g.OnStopLiveView()
	}
	return nil
}

func (g *Gateway) FetchFrame() (*device.RawFrame, error) {
	g.count("FetchFrame")
	if g.OnFetchFrame != nil {
		return g.OnFetchFrame()
	}
	return &device.RawFrame{Width: 4, Height: 4, Running: true}, nil
}

func (g *Gateway) Focus(steps int) (int, error) {
	g.count("Focus")
	applied := steps
	if g.OnFocus != nil {
		var err error
		applied, err = g.OnFocus(steps)
		if err != nil {
			return 0, err
		}
	}
	g.mu.Lock()
	g.Position += applied
	g.FocusMoves = append(g.FocusMoves, applied)
	g.mu.Unlock()
	return applied, nil
}

func (g *Gateway) FocusAt(x, y int) error {
	g.count("FocusAt")
	g.mu.Lock()
	g.FocusPoint = [2]int{x, y}
	g.mu.Unlock()
	return nil
}

func (g *Gateway) AutoFocus() error {
	g.count("AutoFocus")
	if g.OnAutoFocus != nil {
		return g.OnAutoFocus()
	}
	return nil
}

func (g *Gateway) CapturePhotoNoAutofocus() error {
	n := g.count("Capture")
	if g.OnCapture != nil {
		return g.OnCapture(n)
	}
	return nil
}

func (g *Gateway) StartRecordMovie() error {
	g.count("StartRecordMovie")
	g.mu.Lock()
	g.Recording = true
	g.mu.Unlock()
	return nil
}

func (g *Gateway) StopRecordMovie() error {
	g.count("StopRecordMovie")
	g.mu.Lock()
	g.Recording = false
	g.mu.Unlock()
	return nil
}

func (g *Gateway) ProhibitionCondition(op device.Operation) string {
	if g.OnQuery != nil {
		g.OnQuery("ProhibitionCondition")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Prohibited[op]
}

func (g *Gateway) Capability(c device.Capability) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Caps[c]
}

func (g *Gateway) ShutterSpeed() string {
	if g.OnQuery != nil {
		g.OnQuery("ShutterSpeed")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Shutter
}

func (g *Gateway) WaitForCamera(timeout time.Duration) error {
	g.count("WaitForCamera")
	return nil
}

// Moves returns a copy of the applied focus moves.
func (g *Gateway) Moves() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int(nil), g.FocusMoves...)
}
