// Package camera provides the live frame sources the tracking session pumps.
// A source is an opaque producer that has a current frame and can be polled
// at rendering cadence.
package camera

import (
	"context"
	"errors"
	"time"
)

// Frame represents a single camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "JPEG"
	Sequence  uint64
	Timestamp time.Time
}

// FormatJPEG is the encoding every source in this package produces.
const FormatJPEG = "JPEG"

// VideoSource defines the interface for frame producers.
type VideoSource interface {
	// Start blocks until the source is producing frames.
	Start(ctx context.Context) error

	// ReadFrame returns the current frame.
	ReadFrame() (Frame, error)

	// Stop releases the capture resource. Safe to call more than once.
	Stop() error
}

// DeviceInfo contains information about a capture device.
type DeviceInfo struct {
	Path   string
	Width  int
	Height int
	FPS    int
}

// ErrCameraNotFound is returned when the camera device cannot be opened.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrCameraNotOpen is returned when reading from a stopped source.
var ErrCameraNotOpen = errors.New("camera not open")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")
