// Package focus tracks the lens position relative to the near reference,
// the near/far locks, and issues focus moves to the device.
package focus

import "math"

// Field names a Plan value that can be set.
type Field int

const (
	FieldFarBound Field = iota
	FieldStepSize
	FieldPhotoCount
)

// Plan owns the far bound together with the reciprocal step size / photo
// count pair. Set is the only mutation; it keeps
// photoCount = round(farBound/stepSize) and stepSize = round(farBound/photoCount)
// consistent.
type Plan struct {
	farBound   int
	stepSize   int
	photoCount int
}

// NewPlan derives the photo count from farBound and stepSize.
func NewPlan(farBound, stepSize int) Plan {
	return Plan{stepSize: 1}.Set(FieldStepSize, stepSize).Set(FieldFarBound, farBound)
}

func (p Plan) FarBound() int   { return p.farBound }
func (p Plan) StepSize() int   { return p.stepSize }
func (p Plan) PhotoCount() int { return p.photoCount }

// Set returns a copy with field set to v and the dependent value recomputed.
// Changing the far bound keeps the step size.
func (p Plan) Set(field Field, v int) Plan {
	switch field {
	case FieldFarBound:
		if v < 0 {
			v = 0
		}
		p.farBound = v
		p.photoCount = roundDiv(p.farBound, p.stepSize)
	case FieldStepSize:
		if v < 1 {
			v = 1
		}
		p.stepSize = v
		p.photoCount = roundDiv(p.farBound, p.stepSize)
	case FieldPhotoCount:
		if v < 1 {
			v = 1
		}
		p.photoCount = v
		if p.farBound > 0 {
			p.stepSize = max(roundDiv(p.farBound, v), 1)
		}
	}
	return p
}

// roundDiv divides with halves rounded away from zero.
func roundDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return int(math.Round(float64(a) / float64(b)))
}
