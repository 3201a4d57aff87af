// Package detector defines the boundary to the face-mesh model: it accepts a
// camera frame and yields zero or one ordered landmark lists.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/landmark"
)

// DefaultAssetBaseURL is where the face-mesh model assets are fetched from
// unless configured otherwise.
const DefaultAssetBaseURL = "https://cdn.jsdelivr.net/npm/@mediapipe/face_mesh/"

// Options configures the underlying model at load time.
type Options struct {
	MaxNumFaces            int     `json:"maxNumFaces"`
	RefineLandmarks        bool    `json:"refineLandmarks"`
	MinDetectionConfidence float64 `json:"minDetectionConfidence"`
	MinTrackingConfidence  float64 `json:"minTrackingConfidence"`
	AssetBaseURL           string  `json:"assetBaseUrl"`

	// LoadTimeout bounds model loading. Zero means no bound beyond ctx.
	LoadTimeout time.Duration `json:"-"`
}

// DefaultOptions returns the options the tracking session loads with:
// one face, iris refinement on and both confidence thresholds at 0.5.
func DefaultOptions() Options {
	return Options{
		MaxNumFaces:            1,
		RefineLandmarks:        true,
		MinDetectionConfidence: 0.5,
		MinTrackingConfidence:  0.5,
		AssetBaseURL:           DefaultAssetBaseURL,
		LoadTimeout:            30 * time.Second,
	}
}

// Result is the output for one processed frame. Faces is empty when no face
// was found. Frames in Faces belong to the caller.
type Result struct {
	Sequence uint64
	Faces    []landmark.RawLandmarkFrame
}

// HasFace reports whether the result contains at least one face.
func (r Result) HasFace() bool {
	return len(r.Faces) > 0
}

// Detector is a face-mesh model.
type Detector interface {
	// Load prepares the model. Calling Load on a loaded detector is a no-op.
	Load(ctx context.Context, opts Options) error

	// Process runs the model on one frame.
	Process(ctx context.Context, frame camera.Frame) (Result, error)

	// Close releases the model. The detector may be loaded again afterwards.
	Close() error
}

// ErrNotLoaded is returned by Process before Load succeeded.
var ErrNotLoaded = errors.New("detector model not loaded")

// ErrUnavailable is wrapped by transient Process failures, such as a
// remote model being reconnected. Callers keep feeding frames.
var ErrUnavailable = errors.New("detector temporarily unavailable")

// ErrLoad is wrapped by every model loading failure.
var ErrLoad = errors.New("failed to load detector model")
