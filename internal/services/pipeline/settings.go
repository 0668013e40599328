package pipeline

import (
	"fmt"
	"strings"
	"time"

	"tethercam/internal/geometry"
)

type GridType int

const (
	GridNone GridType = iota
	GridThirds
	GridTenByTen
	GridDiagonal
	GridCross
)

var gridNames = map[GridType]string{
	GridNone:     "none",
	GridThirds:   "thirds",
	GridTenByTen: "grid",
	GridDiagonal: "diagonal",
	GridCross:    "cross",
}

func (g GridType) String() string {
	if name, ok := gridNames[g]; ok {
		return name
	}
	return "none"
}

// ParseGridType accepts the names produced by String.
func ParseGridType(s string) (GridType, error) {
	for g, name := range gridNames {
		if strings.EqualFold(s, name) {
			return g, nil
		}
	}
	return GridNone, fmt.Errorf("unknown grid type %q", s)
}

// Rotation selects how the published frame is rotated.
type Rotation int

const (
	Rotate0 Rotation = iota
	Rotate90
	Rotate180
	Rotate270
	RotateDevice // use the angle reported with the frame
)

// Degrees resolves the rotation for a frame reporting deviceAngle.
func (r Rotation) Degrees(deviceAngle int) int {
	switch r {
	case Rotate90:
		return 90
	case Rotate180:
		return 180
	case Rotate270:
		return 270
	case RotateDevice:
		return ((deviceAngle % 360) + 360) % 360
	}
	return 0
}

// Settings gate the individual pipeline steps.
type Settings struct {
	HighlightUnderExposed bool `json:"highlight_underexposed"`
	HighlightOverExposed  bool `json:"highlight_overexposed"`
	Invert                bool `json:"invert"`
	Brightness            int  `json:"brightness"` // -100..100
	EdgeDetection         bool `json:"edge_detection"`
	BlackAndWhite         bool `json:"black_and_white"`

	Grid      GridType        `json:"grid"`
	ShowRuler bool            `json:"show_ruler"`
	Ruler     geometry.Bounds `json:"ruler"`

	ShowFocusRect bool     `json:"show_focus_rect"`
	Rotation      Rotation `json:"rotation"`
	Flip          bool     `json:"flip"`
	// ThumbnailFlipped is set when captured thumbnails arrive already flipped.
	ThumbnailFlipped bool `json:"thumbnail_flipped"`
	CropRatio        int  `json:"crop_ratio"` // 0..100

	PreviewTime time.Duration `json:"preview_time"`
	Quality     int           `json:"quality"`
	PreviewSize int           `json:"preview_size"` // width of the secondary preview
}

// DefaultSettings has every optional step off.
func DefaultSettings() Settings {
	return Settings{
		Ruler:       geometry.Full,
		Quality:     50,
		PreviewSize: 320,
	}
}

func (s *Settings) clamp() {
	s.Brightness = clampInt(s.Brightness, -100, 100)
	s.CropRatio = clampInt(s.CropRatio, 0, 100)
	if s.Quality <= 0 || s.Quality > 100 {
		s.Quality = 50
	}
	if s.PreviewSize <= 0 {
		s.PreviewSize = 320
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
