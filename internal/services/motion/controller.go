// Package motion scores live view frames for movement and fires a capture
// or recording when the score crosses the configured threshold.
package motion

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"tethercam/internal/device"
	"tethercam/internal/geometry"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

// MinFrames is the number of frames evaluated after a reset before any
// action may fire.
const MinFrames = 10

type Action int

const (
	ActionNone Action = iota
	ActionCapture
	ActionRecord
)

func (a Action) String() string {
	switch a {
	case ActionCapture:
		return "capture"
	case ActionRecord:
		return "record"
	}
	return "none"
}

// ParseAction accepts the names produced by String.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ActionNone, ActionCapture, ActionRecord} {
		if a.String() == s {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown motion action %q", s)
}

type Config struct {
	Enabled      bool            `json:"enabled"`
	Threshold    int             `json:"threshold"` // 0..100
	Action       Action          `json:"action"`
	Debounce     time.Duration   `json:"debounce"`
	AutoFocus    bool            `json:"auto_focus"`
	RecordLength time.Duration   `json:"record_length"` // 0 records until stopped
	UseROI       bool            `json:"use_roi"`
	ROI          geometry.Bounds `json:"roi"`
	ShowMotion   bool            `json:"show_motion"`
}

func DefaultConfig() Config {
	return Config{Threshold: 10, Debounce: 5 * time.Second, ROI: geometry.Full}
}

// Actions are the engine operations motion may trigger.
type Actions interface {
	Capture(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	FocusAt(ctx context.Context, x, y int) error
	AutoFocus(ctx context.Context) error
	// Busy reports a capture sequence or countdown in progress.
	Busy() bool
}

var motionColor = color.RGBA{R: 255, G: 0, B: 0, A: 0}

type Controller struct {
	detector Detector
	actions  Actions
	bus      events.Publisher
	logger   *logger.Logger

	mu          sync.Mutex
	cfg         Config
	frames      int
	lastTrigger time.Time
	recordStart time.Time

	score    atomic.Uint64 // float64 bits
	triggers atomic.Int64

	now      func() time.Time
	dispatch func(fn func())
}

func NewController(detector Detector, actions Actions, bus events.Publisher, logger *logger.Logger) *Controller {
	if detector == nil {
		detector = NewDiffDetector()
	}
	if bus == nil {
		bus = events.Discard
	}
	return &Controller{
		detector: detector,
		actions:  actions,
		bus:      bus,
		logger:   logger,
		cfg:      DefaultConfig(),
		now:      time.Now,
		dispatch: func(fn func()) { go fn() },
	}
}

func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) SetConfig(cfg Config) {
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	if cfg.Threshold > 100 {
		cfg.Threshold = 100
	}
	if !cfg.ROI.Valid() {
		cfg.ROI = geometry.Full
	}

	c.mu.Lock()
	if !cfg.Enabled && c.cfg.Enabled {
		c.resetLocked()
	}
	c.cfg = cfg
	c.mu.Unlock()
}

// SetROI replaces the region of interest.
func (c *Controller) SetROI(b geometry.Bounds) error {
	if !b.Valid() {
		return device.NewConfigurationError("motion", "invalid region of interest")
	}
	c.mu.Lock()
	c.cfg.ROI = b
	c.cfg.UseROI = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) Enabled() bool {
	return c.Config().Enabled
}

// Score is the last detector score in [0,1].
func (c *Controller) Score() float64 {
	return math.Float64frombits(c.score.Load())
}

// DisplayScore is the score scaled to [0,100] with two decimals.
func (c *Controller) DisplayScore() float64 {
	return displayScore(c.Score())
}

func (c *Controller) Triggers() int64 {
	return c.triggers.Load()
}

// Reset restarts the frame count, e.g. after a photo was taken.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
}

func (c *Controller) resetLocked() {
	c.detector.Reset()
	c.frames = 0
}

// ProcessFrame evaluates one decoded frame. img is only modified when
// motion highlighting is on.
func (c *Controller) ProcessFrame(img *gocv.Mat, frame *device.RawFrame) {
	c.mu.Lock()
	pending := c.evaluate(img, frame)
	c.mu.Unlock()

	for _, fn := range pending {
		c.dispatch(fn)
	}
}

// evaluate runs with c.mu held and returns the actions to dispatch.
func (c *Controller) evaluate(img *gocv.Mat, frame *device.RawFrame) []func() {
	cfg := c.cfg
	if !cfg.Enabled {
		return nil
	}
	now := c.now()
	var pending []func()
	if stop := c.checkRecordCap(cfg, frame, now); stop != nil {
		pending = append(pending, stop)
	}

	area := image.Rect(0, 0, img.Cols(), img.Rows())
	if cfg.UseROI {
		area = cfg.ROI.Rect(img.Cols(), img.Rows())
		if area.Empty() {
			return pending
		}
	}

	region := img.Region(area)
	work := region.Clone()
	region.Close()
	defer work.Close()

	score, err := c.detector.ProcessFrame(work)
	if err != nil {
		c.logger.Debug("Motion detector failed: %v", err)
		return pending
	}
	score = math.Max(0, math.Min(1, score))
	c.score.Store(math.Float64bits(score))
	c.frames++

	regions := c.detector.Regions()
	for i := range regions {
		regions[i] = regions[i].Add(area.Min)
	}

	if cfg.ShowMotion {
		for _, r := range regions {
			gocv.Rectangle(img, r, motionColor, 2)
		}
		if cfg.UseROI {
			gocv.Rectangle(img, area, motionColor, 1)
		}
	}

	c.bus.Publish(events.Event{Type: events.MotionScoreUpdated, Value: displayScore(score)})

	if !c.shouldTrigger(cfg, score, frame, now) {
		return pending
	}
	c.resetLocked()
	c.lastTrigger = now
	c.triggers.Add(1)
	if cfg.Action == ActionRecord {
		c.recordStart = now
	}

	target, hasTarget := largest(regions)
	focusFrame := *frame
	c.logger.Info("Motion detected (%.2f), running %s", displayScore(score), cfg.Action)
	return append(pending, func() { c.fire(cfg, target, hasTarget, &focusFrame) })
}

func (c *Controller) shouldTrigger(cfg Config, score float64, frame *device.RawFrame, now time.Time) bool {
	switch {
	case score <= float64(cfg.Threshold)/100:
		return false
	case cfg.Action == ActionNone:
		return false
	case frame.Recording:
		return false
	case !c.lastTrigger.IsZero() && now.Sub(c.lastTrigger) <= cfg.Debounce:
		return false
	case c.frames < MinFrames:
		return false
	case c.actions == nil || c.actions.Busy():
		return false
	}
	return true
}

// checkRecordCap returns a stop action once a capped recording has run
// its length.
func (c *Controller) checkRecordCap(cfg Config, frame *device.RawFrame, now time.Time) func() {
	if c.recordStart.IsZero() || c.actions == nil {
		return nil
	}
	if cfg.RecordLength <= 0 || !frame.Recording {
		return nil
	}
	if now.Sub(c.recordStart) < cfg.RecordLength {
		return nil
	}
	c.recordStart = time.Time{}
	return func() {
		if err := c.actions.StopRecording(context.Background()); err != nil {
			c.report("Stop recording failed", err)
		}
	}
}

func (c *Controller) fire(cfg Config, target image.Rectangle, hasTarget bool, frame *device.RawFrame) {
	ctx := context.Background()

	if cfg.AutoFocus {
		if hasTarget {
			x, y := focusPoint(target, frame)
			if err := c.actions.FocusAt(ctx, x, y); err != nil {
				c.logger.Debug("Focus on motion failed: %v", err)
			}
		}
		if err := c.actions.AutoFocus(ctx); err != nil {
			c.logger.Debug("Autofocus before motion action failed: %v", err)
		}
	}

	switch cfg.Action {
	case ActionCapture:
		if err := c.actions.Capture(ctx); err != nil {
			c.report("Motion capture failed", err)
		}
	case ActionRecord:
		if err := c.actions.StartRecording(ctx); err != nil {
			c.report("Motion recording failed", err)
			c.mu.Lock()
			c.recordStart = time.Time{}
			c.mu.Unlock()
		}
	}
}

func (c *Controller) report(msg string, err error) {
	c.logger.Error("%s: %v", msg, err)
	c.bus.Publish(events.Event{Type: events.SystemMessage, Message: fmt.Sprintf("%s: %v", msg, err)})
}

// focusPoint converts the centre of r from frame pixels to the device
// focus coordinate space.
func focusPoint(r image.Rectangle, frame *device.RawFrame) (int, int) {
	cx := r.Min.X + r.Dx()/2
	cy := r.Min.Y + r.Dy()/2
	if frame.Width > 0 && frame.FocusFrameWidth > 0 {
		cx = cx * frame.FocusFrameWidth / frame.Width
	}
	if frame.Height > 0 && frame.FocusFrameHeight > 0 {
		cy = cy * frame.FocusFrameHeight / frame.Height
	}
	return cx, cy
}

func displayScore(score float64) float64 {
	return math.Round(score*100*100) / 100
}
