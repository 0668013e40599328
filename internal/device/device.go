// Package device defines how the engine talks to a tethered camera: the
// blocking gateway contract, the frame it delivers, the error taxonomy, the
// busy-retry wrapper and the lease that serializes device access.
package device

import (
	"context"
	"time"
)

// Operation identifies a device call for prohibition checks.
type Operation int

const (
	OpLiveViewStart Operation = iota
	OpLiveViewStop
	OpCapture
	OpFocus
	OpRecordMovie
)

func (o Operation) String() string {
	switch o {
	case OpLiveViewStart:
		return "liveview-start"
	case OpLiveViewStop:
		return "liveview-stop"
	case OpCapture:
		return "capture"
	case OpFocus:
		return "focus"
	case OpRecordMovie:
		return "record-movie"
	}
	return "unknown"
}

// Capability is a feature flag the device may or may not support.
type Capability int

const (
	CapLiveViewStream Capability = iota
	CapRecordMovie
	CapFocusPoint
)

// Prohibition reasons that stop live view without a user message.
const (
	ReasonImageInRAM        = "LabelImageInRAM"
	ReasonCommandProcessing = "LabelCommandProcesingError"
)

// ShutterBulb is the shutter speed value automation refuses to work with.
const ShutterBulb = "Bulb"

// RawFrame is one live view frame as delivered by the device. It is not
// modified after construction.
type RawFrame struct {
	Data   []byte // JPEG as delivered by the device
	Width  int
	Height int

	// Focus rectangle in image pixels.
	FocusX      int
	FocusY      int
	FocusWidth  int
	FocusHeight int
	HasFocus    bool

	// Size of the device's focus coordinate space. Zero means image pixels.
	FocusFrameWidth  int
	FocusFrameHeight int

	Recording          bool
	MovieTimeRemaining float64
	LevelAngle         int
	SoundLeft          int
	SoundRight         int
	Rotation           int  // degrees reported by the device
	Unzoomed           bool // device shows the full sensor area
	Running            bool // live view still running on the device

	Captured time.Time
}

// Gateway is the blocking control channel of one camera. Every call may
// fail with a busy, prohibited or fatal *Error.
type Gateway interface {
	StartLiveView() error
	StopLiveView() error
	// FetchFrame returns nil, nil when no data is available yet.
	FetchFrame() (*RawFrame, error)
	// Focus moves the lens by steps and returns the steps actually applied.
	Focus(steps int) (int, error)
	FocusAt(x, y int) error
	AutoFocus() error
	CapturePhotoNoAutofocus() error
	StartRecordMovie() error
	StopRecordMovie() error
	// ProhibitionCondition returns a reason code, or "" when op is allowed.
	ProhibitionCondition(op Operation) string
	Capability(c Capability) bool
	ShutterSpeed() string
	WaitForCamera(timeout time.Duration) error
}

// Streamer is implemented by gateways that push live view frames instead
// of being polled. The channel is closed when ctx ends or the stream dies.
type Streamer interface {
	LiveViewStream(ctx context.Context) (<-chan *RawFrame, error)
}

// Photo is a full resolution capture transferred from the device.
type Photo struct {
	Name string
	Data []byte
	Time time.Time
}

// PhotoNotifier is implemented by gateways that report finished captures.
type PhotoNotifier interface {
	OnPhotoCaptured(fn func(Photo))
}
