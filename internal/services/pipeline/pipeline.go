// Package pipeline turns raw live view frames into the images published to
// viewers. The transform order is fixed; each step is gated by Settings.
package pipeline

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"tethercam/internal/device"
	"tethercam/internal/logger"
	"tethercam/internal/services/events"
)

// MotionStage receives the decoded frame before any visual step.
type MotionStage interface {
	Enabled() bool
	ProcessFrame(img *gocv.Mat, frame *device.RawFrame)
}

// OverlayStage composites the cached overlay onto the working image.
type OverlayStage interface {
	Apply(img *gocv.Mat) error
}

// Output is the result of one pipeline run.
type Output struct {
	JPEG      []byte
	Preview   []byte
	Width     int
	Height    int
	Rotation  int
	Histogram *events.Histogram
	Thumbnail bool // the captured thumbnail was shown instead of live view
}

type Pipeline struct {
	motion    MotionStage
	overlay   OverlayStage
	bus       events.Publisher
	logger    *logger.Logger
	frameRate int

	mu       sync.RWMutex
	settings Settings

	capturedMu sync.Mutex
	captured   []byte
	capturedAt time.Time

	frameNo   atomic.Int64
	last      atomic.Pointer[Output]
	histogram atomic.Pointer[events.Histogram]

	now func() time.Time
}

func NewPipeline(settings Settings, frameRate int, motion MotionStage, overlay OverlayStage, bus events.Publisher, logger *logger.Logger) *Pipeline {
	if bus == nil {
		bus = events.Discard
	}
	if frameRate <= 0 {
		frameRate = 20
	}
	settings.clamp()
	return &Pipeline{
		motion:    motion,
		overlay:   overlay,
		bus:       bus,
		logger:    logger,
		frameRate: frameRate,
		settings:  settings,
		now:       time.Now,
	}
}

func (p *Pipeline) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Update applies fn to a copy of the settings and stores the clamped result.
func (p *Pipeline) Update(fn func(s *Settings)) Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.settings
	fn(&s)
	s.clamp()
	p.settings = s
	return s
}

// SetCaptured shows thumbnail instead of live view for the preview time.
func (p *Pipeline) SetCaptured(thumbnail []byte, at time.Time) {
	p.capturedMu.Lock()
	p.captured = thumbnail
	p.capturedAt = at
	p.capturedMu.Unlock()
}

// Last returns the most recent output, or nil.
func (p *Pipeline) Last() *Output {
	return p.last.Load()
}

// Histogram returns the most recent histogram, or nil.
func (p *Pipeline) Histogram() *events.Histogram {
	return p.histogram.Load()
}

// HandleFrame processes frame and publishes the result as FrameReady.
func (p *Pipeline) HandleFrame(frame *device.RawFrame) error {
	out, err := p.Process(frame)
	if err != nil {
		return err
	}
	p.last.Store(out)
	p.bus.Publish(events.Event{
		Type: events.FrameReady,
		Frame: &events.Frame{
			JPEG:      out.JPEG,
			Preview:   out.Preview,
			Width:     out.Width,
			Height:    out.Height,
			Rotation:  out.Rotation,
			Histogram: out.Histogram,
		},
	})
	return nil
}

// Process runs the transform chain on one frame.
func (p *Pipeline) Process(frame *device.RawFrame) (*Output, error) {
	s := p.Settings()

	if thumb, ok := p.activeThumbnail(s); ok {
		return p.processThumbnail(thumb, s)
	}

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return nil, device.NewFrameDecodeError(err)
	}
	defer func() { img.Close() }()
	if img.Empty() {
		return nil, device.NewFrameDecodeError(fmt.Errorf("decoded image is empty"))
	}

	if p.motion != nil && p.motion.Enabled() {
		p.motion.ProcessFrame(&img, frame)
	}

	out := &Output{Rotation: s.Rotation.Degrees(frame.Rotation)}

	if p.frameNo.Add(1)%int64(p.frameRate) == 0 {
		out.Histogram = computeHistogram(img)
		p.histogram.Store(out.Histogram)
	}

	if s.HighlightUnderExposed {
		highlightUnderExposed(&img)
	}
	if s.HighlightOverExposed {
		highlightOverExposed(&img)
	}
	if s.Invert {
		invert(&img)
	}

	preview := img.Clone()
	defer preview.Close()
	if frame.HasFocus {
		r := focusRect(frame.FocusX, frame.FocusY, frame.FocusWidth, frame.FocusHeight, preview.Cols(), preview.Rows())
		gocv.Rectangle(&preview, r, focusColor, 2)
	}

	adjustBrightness(&img, s.Brightness)
	if s.EdgeDetection {
		detectEdges(&img)
	}
	if s.BlackAndWhite {
		toGray(&img)
	}

	DrawGrid(&img, s.Grid)
	if s.ShowRuler {
		DrawRuler(&img, s.Ruler)
	}
	if p.overlay != nil {
		if err := p.overlay.Apply(&img); err != nil {
			p.logger.Warning("Overlay skipped: %v", err)
		}
	}

	if frame.Unzoomed {
		out.Preview, err = encodePreview(preview, s.PreviewSize, s.Quality)
		if err != nil {
			p.logger.Warning("Preview encode failed: %v", err)
		}
		if s.ShowFocusRect && frame.HasFocus {
			r := focusRect(frame.FocusX, frame.FocusY, frame.FocusWidth, frame.FocusHeight, img.Cols(), img.Rows())
			gocv.Rectangle(&img, r, focusColor, 1)
		}
	}

	if s.Flip {
		flipHorizontal(&img)
	}
	cropCentre(&img, s.CropRatio)

	out.JPEG, err = encodeJPEG(img, s.Quality)
	if err != nil {
		return nil, err
	}
	out.Width, out.Height = img.Cols(), img.Rows()
	return out, nil
}

func (p *Pipeline) activeThumbnail(s Settings) ([]byte, bool) {
	if s.PreviewTime <= 0 {
		return nil, false
	}
	p.capturedMu.Lock()
	defer p.capturedMu.Unlock()
	if len(p.captured) == 0 || p.now().Sub(p.capturedAt) >= s.PreviewTime {
		return nil, false
	}
	return p.captured, true
}

func (p *Pipeline) processThumbnail(thumb []byte, s Settings) (*Output, error) {
	img, err := gocv.IMDecode(thumb, gocv.IMReadColor)
	if err != nil {
		return nil, device.NewFrameDecodeError(err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, device.NewFrameDecodeError(fmt.Errorf("thumbnail is empty"))
	}

	if s.Flip && !s.ThumbnailFlipped {
		flipHorizontal(&img)
	}
	data, err := encodeJPEG(img, s.Quality)
	if err != nil {
		return nil, err
	}
	return &Output{JPEG: data, Width: img.Cols(), Height: img.Rows(), Thumbnail: true}, nil
}

func encodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	defer buf.Close()
	data := make([]byte, len(buf.GetBytes()))
	copy(data, buf.GetBytes())
	return data, nil
}

func encodePreview(img gocv.Mat, width, quality int) ([]byte, error) {
	if img.Cols() <= width {
		return encodeJPEG(img, quality)
	}
	height := img.Rows() * width / img.Cols()
	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(img, &small, image.Pt(width, height), 0, 0, gocv.InterpolationArea)
	return encodeJPEG(small, quality)
}
