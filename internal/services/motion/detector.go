package motion

import (
	"image"

	"gocv.io/x/gocv"
)

// Detector scores the change between consecutive frames.
type Detector interface {
	// ProcessFrame returns a score in [0,1].
	ProcessFrame(img gocv.Mat) (float64, error)
	// Regions are the changed areas found by the last ProcessFrame.
	Regions() []image.Rectangle
	Reset()
	Close()
}

// DiffDetector compares each frame against the previous one.
type DiffDetector struct {
	PixelThreshold float32 // per pixel difference counted as change
	MinArea        float64 // smallest contour area reported as a region

	prev    gocv.Mat
	hasPrev bool
	regions []image.Rectangle
}

func NewDiffDetector() *DiffDetector {
	return &DiffDetector{PixelThreshold: 25, MinArea: 50}
}

func (d *DiffDetector) ProcessFrame(img gocv.Mat) (float64, error) {
	d.regions = d.regions[:0]

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.GaussianBlur(gray, &gray, image.Pt(21, 21), 0, 0, gocv.BorderDefault)

	if !d.hasPrev || d.prev.Rows() != gray.Rows() || d.prev.Cols() != gray.Cols() {
		d.setPrev(gray)
		return 0, nil
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(d.prev, gray, &diff)
	gocv.Threshold(diff, &diff, d.PixelThreshold, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	gocv.Dilate(diff, &diff, kernel)

	changed := gocv.CountNonZero(diff)
	score := float64(changed) / float64(diff.Rows()*diff.Cols())

	contours := gocv.FindContours(diff, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < d.MinArea {
			continue
		}
		d.regions = append(d.regions, gocv.BoundingRect(c))
	}

	d.setPrev(gray)
	return score, nil
}

func (d *DiffDetector) Regions() []image.Rectangle {
	out := make([]image.Rectangle, len(d.regions))
	copy(out, d.regions)
	return out
}

// Reset forgets the previous frame.
func (d *DiffDetector) Reset() {
	if d.hasPrev {
		d.prev.Close()
		d.hasPrev = false
	}
	d.regions = d.regions[:0]
}

func (d *DiffDetector) Close() {
	d.Reset()
}

func (d *DiffDetector) setPrev(gray gocv.Mat) {
	if d.hasPrev {
		d.prev.Close()
	}
	d.prev = gray.Clone()
	d.hasPrev = true
}

// largest returns the region with the biggest area.
func largest(regions []image.Rectangle) (image.Rectangle, bool) {
	var best image.Rectangle
	for _, r := range regions {
		if r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
		}
	}
	return best, !best.Empty()
}
