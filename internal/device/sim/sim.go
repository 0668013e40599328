// Package sim is a software camera implementing device.Gateway. It renders
// live view frames with OpenCV so the engine can run without hardware.
package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"tethercam/internal/device"
	"tethercam/internal/logger"
)

const sharpPosition = 250

type Camera struct {
	width  int
	height int
	fps    int
	logger *logger.Logger

	mu          sync.Mutex
	liveView    bool
	focus       int
	recording   bool
	recordStart time.Time
	frameNo     int
	shots       int
	busyCalls   int
	shutter     string
	stream      bool
	prohibited  map[device.Operation]string
	onPhoto     func(device.Photo)
}

// New creates a simulated camera producing width x height live view frames.
func New(width, height, fps int, logger *logger.Logger) *Camera {
	if fps <= 0 {
		fps = 20
	}
	return &Camera{
		width:      width,
		height:     height,
		fps:        fps,
		logger:     logger,
		shutter:    "1/125",
		prohibited: make(map[device.Operation]string),
	}
}

// InjectBusy makes the next n gateway calls report the device busy code.
func (c *Camera) InjectBusy(n int) {
	c.mu.Lock()
	c.busyCalls = n
	c.mu.Unlock()
}

// Prohibit makes op report reason until cleared with an empty reason.
func (c *Camera) Prohibit(op device.Operation, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		delete(c.prohibited, op)
		return
	}
	c.prohibited[op] = reason
}

func (c *Camera) SetShutterSpeed(s string) {
	c.mu.Lock()
	c.shutter = s
	c.mu.Unlock()
}

// EnableStream switches live view delivery to the push transport.
func (c *Camera) EnableStream(on bool) {
	c.mu.Lock()
	c.stream = on
	c.mu.Unlock()
}

// busy must be called with mu held.
func (c *Camera) busy() error {
	if c.busyCalls > 0 {
		c.busyCalls--
		return device.NewBusyError(device.CodeBusy)
	}
	return nil
}

func (c *Camera) StartLiveView() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.liveView = true
	return nil
}

func (c *Camera) StopLiveView() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.liveView = false
	return nil
}

func (c *Camera) FetchFrame() (*device.RawFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return nil, err
	}
	if !c.liveView {
		return nil, nil
	}
	return c.renderFrame()
}

// renderFrame must be called with mu held.
func (c *Camera) renderFrame() (*device.RawFrame, error) {
	c.frameNo++
	data, err := c.render(c.width, c.height, c.frameNo)
	if err != nil {
		return nil, device.NewFatalError("fetch", err)
	}

	fw, fh := c.width/8, c.height/8
	remaining := 0.0
	if c.recording {
		remaining = 600 - time.Since(c.recordStart).Seconds()
	}
	return &device.RawFrame{
		Data:               data,
		Width:              c.width,
		Height:             c.height,
		FocusX:             c.width/2 - fw/2,
		FocusY:             c.height/2 - fh/2,
		FocusWidth:         fw,
		FocusHeight:        fh,
		HasFocus:           true,
		FocusFrameWidth:    c.width * 10,
		FocusFrameHeight:   c.height * 10,
		Recording:          c.recording,
		MovieTimeRemaining: remaining,
		LevelAngle:         (c.frameNo / 10) % 5,
		SoundLeft:          c.frameNo % 100,
		SoundRight:         (c.frameNo * 3) % 100,
		Unzoomed:           true,
		Running:            true,
		Captured:           time.Now(),
	}, nil
}

// render draws a moving block whose sharpness follows the lens position.
func (c *Camera) render(w, h, n int) ([]byte, error) {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(60, 50, 40, 0), h, w, gocv.MatTypeCV8UC3)
	defer mat.Close()

	span := w - w/8
	if span <= 0 {
		span = 1
	}
	x := (n * 4) % span
	gocv.Rectangle(&mat, image.Rect(x, h/3, x+w/8, h/3+h/6), color.RGBA{R: 230, G: 220, B: 210, A: 0}, -1)
	gocv.Circle(&mat, image.Pt(w/2, h/2), h/10, color.RGBA{R: 250, G: 250, B: 250, A: 0}, 2)

	if k := blurKernel(c.focus); k > 1 {
		gocv.GaussianBlur(mat, &mat, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	}
	gocv.PutText(&mat, fmt.Sprintf("focus %d", c.focus), image.Pt(10, 24), gocv.FontHersheySimplex, 0.6, color.RGBA{R: 255, G: 255, B: 255, A: 0}, 1)

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()
	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func blurKernel(focus int) int {
	d := focus - sharpPosition
	if d < 0 {
		d = -d
	}
	k := d / 25
	if k > 31 {
		k = 31
	}
	return k*2 + 1
}

func (c *Camera) Focus(steps int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return 0, err
	}
	c.focus += steps
	return steps, nil
}

func (c *Camera) FocusAt(x, y int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.logger.Debug("sim: focus point %d,%d", x, y)
	return nil
}

func (c *Camera) AutoFocus() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.focus = sharpPosition
	return nil
}

func (c *Camera) CapturePhotoNoAutofocus() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.shots++
	data, err := c.render(c.width*2, c.height*2, c.frameNo)
	if err != nil {
		return device.NewFatalError("capture", err)
	}
	if c.onPhoto != nil {
		photo := device.Photo{Name: fmt.Sprintf("SIM_%05d.jpg", c.shots), Data: data, Time: time.Now()}
		go c.onPhoto(photo)
	}
	return nil
}

func (c *Camera) StartRecordMovie() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.recording = true
	c.recordStart = time.Now()
	return nil
}

func (c *Camera) StopRecordMovie() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.busy(); err != nil {
		return err
	}
	c.recording = false
	return nil
}

func (c *Camera) ProhibitionCondition(op device.Operation) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prohibited[op]
}

func (c *Camera) Capability(cp device.Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cp {
	case device.CapLiveViewStream:
		return c.stream
	case device.CapRecordMovie, device.CapFocusPoint:
		return true
	}
	return false
}

func (c *Camera) ShutterSpeed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutter
}

func (c *Camera) WaitForCamera(timeout time.Duration) error {
	return nil
}

// Shots returns the number of shutter actuations.
func (c *Camera) Shots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shots
}

// Position returns the simulated lens position.
func (c *Camera) Position() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focus
}

func (c *Camera) OnPhotoCaptured(fn func(device.Photo)) {
	c.mu.Lock()
	c.onPhoto = fn
	c.mu.Unlock()
}

// LiveViewStream pushes frames at the camera's frame rate while live view runs.
func (c *Camera) LiveViewStream(ctx context.Context) (<-chan *device.RawFrame, error) {
	out := make(chan *device.RawFrame, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(c.fps))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			c.mu.Lock()
			var frame *device.RawFrame
			var err error
			if c.liveView {
				frame, err = c.renderFrame()
			}
			c.mu.Unlock()
			if err != nil {
				c.logger.Warning("sim: stream frame failed: %v", err)
				continue
			}
			if frame == nil {
				continue
			}

			select {
			case out <- frame:
			default:
			}
		}
	}()
	return out, nil
}
