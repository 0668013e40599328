// Package geometry converts resolution independent permille regions to pixels.
package geometry

import "image"

// Bounds is a region in permille of the frame: the left edge, the width,
// the top edge and the height, each in thousandths of the frame size.
type Bounds struct {
	HorizontalMin int `json:"horizontal_min"`
	HorizontalMax int `json:"horizontal_max"`
	VerticalMin   int `json:"vertical_min"`
	VerticalMax   int `json:"vertical_max"`
}

// Full covers the whole frame.
var Full = Bounds{HorizontalMin: 0, HorizontalMax: 1000, VerticalMin: 0, VerticalMax: 1000}

// Rect scales the bounds to a w x h frame. The result is clipped to the
// frame and may be empty.
func (b Bounds) Rect(w, h int) image.Rectangle {
	r := image.Rect(
		w*b.HorizontalMin/1000,
		h*b.VerticalMin/1000,
		w*(b.HorizontalMin+b.HorizontalMax)/1000,
		h*(b.VerticalMin+b.VerticalMax)/1000,
	)
	return r.Intersect(image.Rect(0, 0, w, h))
}

// Valid reports whether every value is within 0..1000 and the area is not empty.
func (b Bounds) Valid() bool {
	for _, v := range []int{b.HorizontalMin, b.HorizontalMax, b.VerticalMin, b.VerticalMax} {
		if v < 0 || v > 1000 {
			return false
		}
	}
	return b.HorizontalMax > 0 && b.VerticalMax > 0
}
