// Package overlay keeps a composed overlay image cached and blends it onto
// live frames.
package overlay

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"tethercam/internal/logger"
	"tethercam/internal/models"
)

type Mode int

const (
	ModeFile Mode = iota
	ModeLastCaptured
)

// Descriptor selects the overlay source and how it is placed.
type Descriptor struct {
	Enabled bool   `json:"enabled"`
	Mode    Mode   `json:"mode"`
	File    string `json:"file"`
	Count   int    `json:"count"` // photos blended in last captured mode

	Scale        int `json:"scale"`      // percent of the frame, shrinking from the centre
	Horizontal   int `json:"horizontal"` // offset in percent of width
	Vertical     int `json:"vertical"`
	Transparency int `json:"transparency"` // 0..100

	// TransparencyBetween is the opacity of each newer photo blended onto
	// the older ones.
	TransparencyBetween int `json:"transparency_between"`
}

// Source lists stored captures, newest first.
type Source interface {
	RecentCaptures(n int) ([]models.Capture, error)
}

type fingerprint struct {
	mode    Mode
	file    string
	count   int
	newest  string
	between int
}

// Compositor implements the pipeline overlay step.
type Compositor struct {
	source Source
	logger *logger.Logger

	mu        sync.Mutex
	desc      Descriptor
	built     *fingerprint
	composite image.Image

	// composite converted for one frame size
	matSize image.Point
	mat     gocv.Mat
	hasMat  bool

	rebuilds atomic.Int64

	// stale is set when the source may have a newer capture; until then
	// last captured mode does not query it.
	stale atomic.Bool
}

func NewCompositor(source Source, logger *logger.Logger) *Compositor {
	c := &Compositor{
		source: source,
		logger: logger,
		desc:   Descriptor{Count: 3, Scale: 100, Transparency: 50, TransparencyBetween: 50},
	}
	c.stale.Store(true)
	return c
}

// Invalidate marks the capture list as changed. Call it when a photo is stored.
func (c *Compositor) Invalidate() {
	c.stale.Store(true)
}

func (c *Compositor) Descriptor() Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc
}

func (c *Compositor) SetDescriptor(d Descriptor) {
	d.Scale = clamp(d.Scale, 1, 100)
	d.Transparency = clamp(d.Transparency, 0, 100)
	d.TransparencyBetween = clamp(d.TransparencyBetween, 0, 100)
	if d.Count < 1 {
		d.Count = 1
	}

	c.mu.Lock()
	c.desc = d
	c.mu.Unlock()
	c.stale.Store(true)
}

// SetFile switches to a single overlay file.
func (c *Compositor) SetFile(path string) {
	d := c.Descriptor()
	d.Enabled = path != ""
	d.Mode = ModeFile
	d.File = path
	c.SetDescriptor(d)
}

// Rebuilds counts composite rebuilds since construction.
func (c *Compositor) Rebuilds() int64 {
	return c.rebuilds.Load()
}

// Refresh rebuilds the composite when its fingerprint changed.
func (c *Compositor) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked()
}

func (c *Compositor) refreshLocked() error {
	if !c.desc.Enabled {
		return nil
	}

	fp := fingerprint{mode: c.desc.Mode, file: c.desc.File, count: c.desc.Count, between: c.desc.TransparencyBetween}
	var paths []string
	switch c.desc.Mode {
	case ModeFile:
		if c.desc.File == "" {
			return nil
		}
		paths = []string{c.desc.File}
	case ModeLastCaptured:
		if c.source == nil {
			return nil
		}
		if !c.stale.Swap(false) {
			return nil
		}
		captures, err := c.source.RecentCaptures(c.desc.Count)
		if err != nil {
			c.stale.Store(true)
			return fmt.Errorf("failed to list captures: %w", err)
		}
		if len(captures) == 0 {
			return nil
		}
		fp.newest = captures[0].FilePath
		for i := len(captures) - 1; i >= 0; i-- {
			paths = append(paths, captures[i].FilePath)
		}
	}

	if c.built != nil && *c.built == fp {
		return nil
	}

	composite, err := compose(paths, float64(c.desc.TransparencyBetween)/100)
	if err != nil {
		if c.desc.Mode == ModeLastCaptured {
			c.stale.Store(true)
		}
		return err
	}
	c.composite = composite
	c.built = &fp
	c.dropMat()
	c.rebuilds.Add(1)
	c.logger.Debug("Overlay rebuilt from %d image(s)", len(paths))
	return nil
}

// compose blends paths oldest first onto a canvas the size of the first.
func compose(paths []string, between float64) (image.Image, error) {
	var canvas *image.NRGBA
	for i, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open overlay %s: %w", path, err)
		}
		if i == 0 {
			canvas = imaging.Clone(img)
			continue
		}
		b := canvas.Bounds()
		img = imaging.Resize(img, b.Dx(), b.Dy(), imaging.Linear)
		canvas = imaging.Overlay(canvas, img, image.Pt(0, 0), between)
	}
	return canvas, nil
}

// TargetRect places an overlay on a w x h frame. The result may extend
// past the frame when offsets are set.
func TargetRect(w, h, scale, horizontal, vertical int) image.Rectangle {
	x := w * (100 - scale) / 100
	y := h * (100 - scale) / 100
	xx := w * horizontal / 100
	yy := h * vertical / 100
	return image.Rect(x/2+xx, y/2+yy, x/2+xx+w-x, y/2+yy+h-y)
}

// Apply blends the cached composite onto img. The composite itself is
// never modified.
func (c *Compositor) Apply(img *gocv.Mat) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.desc.Enabled {
		return nil
	}
	if err := c.refreshLocked(); err != nil {
		return err
	}
	if c.composite == nil || c.desc.Transparency == 0 {
		return nil
	}

	full := TargetRect(img.Cols(), img.Rows(), c.desc.Scale, c.desc.Horizontal, c.desc.Vertical)
	r := full.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if r.Empty() {
		return nil
	}
	if err := c.prepareMat(full.Size()); err != nil {
		return err
	}

	src := c.mat
	if r != full {
		src = c.mat.Region(r.Sub(full.Min))
		defer src.Close()
	}

	alpha := float64(c.desc.Transparency) / 100
	target := img.Region(r)
	defer target.Close()
	gocv.AddWeighted(src, alpha, target, 1-alpha, 0, &target)
	return nil
}

func (c *Compositor) prepareMat(size image.Point) error {
	if c.hasMat && c.matSize == size {
		return nil
	}
	c.dropMat()

	resized := imaging.Resize(c.composite, size.X, size.Y, imaging.Linear)
	mat, err := gocv.ImageToMatRGB(resized)
	if err != nil {
		return fmt.Errorf("failed to convert overlay: %w", err)
	}
	c.mat = mat
	c.matSize = size
	c.hasMat = true
	return nil
}

func (c *Compositor) dropMat() {
	if c.hasMat {
		c.mat.Close()
		c.hasMat = false
	}
}

// Close releases the cached frame-sized overlay.
func (c *Compositor) Close() {
	c.mu.Lock()
	c.dropMat()
	c.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
