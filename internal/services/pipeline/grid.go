package pipeline

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"tethercam/internal/geometry"
)

var (
	gridColor  = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	rulerColor = color.RGBA{R: 255, G: 200, B: 0, A: 0}
	focusColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}
)

// Segment is a line from A to B in pixels.
type Segment struct {
	A, B image.Point
}

// GridLines returns the lines for grid type g on a w x h image, without
// the centre marker.
func GridLines(g GridType, w, h int) []Segment {
	var lines []Segment
	vertical := func(x int) { lines = append(lines, Segment{image.Pt(x, 0), image.Pt(x, h)}) }
	horizontal := func(y int) { lines = append(lines, Segment{image.Pt(0, y), image.Pt(w, y)}) }

	switch g {
	case GridThirds:
		for i := 1; i < 3; i++ {
			vertical(w * i / 3)
			horizontal(h * i / 3)
		}
	case GridTenByTen:
		for i := 1; i < 10; i++ {
			vertical(w * i / 10)
			horizontal(h * i / 10)
		}
	case GridDiagonal:
		lines = append(lines,
			Segment{image.Pt(0, 0), image.Pt(w, h)},
			Segment{image.Pt(w, 0), image.Pt(0, h)},
		)
	case GridCross:
		vertical(w / 2)
		horizontal(h / 2)
	}
	return lines
}

// centreMarker is a small cross at the image centre.
func centreMarker(w, h int) []Segment {
	size := min(w, h) / 40
	if size < 3 {
		size = 3
	}
	c := image.Pt(w/2, h/2)
	return []Segment{
		{image.Pt(c.X-size, c.Y), image.Pt(c.X+size, c.Y)},
		{image.Pt(c.X, c.Y-size), image.Pt(c.X, c.Y+size)},
	}
}

// DrawGrid draws grid type g and the centre marker onto img.
func DrawGrid(img *gocv.Mat, g GridType) {
	if g == GridNone {
		return
	}
	w, h := img.Cols(), img.Rows()
	for _, s := range append(GridLines(g, w, h), centreMarker(w, h)...) {
		gocv.Line(img, s.A, s.B, gridColor, 1)
	}
}

// DrawRuler dims everything outside b and outlines it.
func DrawRuler(img *gocv.Mat, b geometry.Bounds) {
	r := b.Rect(img.Cols(), img.Rows())
	if r.Empty() {
		return
	}

	dimmed := gocv.NewMat()
	defer dimmed.Close()
	gocv.AddWeighted(*img, 0.5, *img, 0, 0, &dimmed)

	inside := img.Region(r)
	target := dimmed.Region(r)
	inside.CopyTo(&target)
	inside.Close()
	target.Close()

	dimmed.CopyTo(img)
	gocv.Rectangle(img, r, rulerColor, 1)
}

// focusRect is the focus rectangle of a frame clipped to the image.
func focusRect(x, y, w, h, cols, rows int) image.Rectangle {
	return image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, cols, rows))
}
