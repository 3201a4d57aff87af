// Package landmark turns raw face-mesh output into an anatomical frame:
// eye centers, nose bridge, forehead, ears, scale reference, bounding box
// and head rotation.
//
// All coordinates stay in the detector's normalized image space: x and y in
// [0,1] relative to image width and height, z as relative depth.
package landmark

import (
	"errors"
	"fmt"
	"math"
)

// Point3D is a single landmark in normalized image space.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Midpoint returns the arithmetic mean of two points.
func Midpoint(a, b Point3D) Point3D {
	return Point3D{
		X: (a.X + b.X) / 2,
		Y: (a.Y + b.Y) / 2,
		Z: (a.Z + b.Z) / 2,
	}
}

// Distance2D returns the Euclidean distance in the image plane.
func (p Point3D) Distance2D(q Point3D) float64 {
	dx := q.X - p.X
	dy := q.Y - p.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// RawLandmarkFrame is the ordered landmark list produced for one camera frame.
type RawLandmarkFrame []Point3D

// Clone returns a copy that shares no memory with f.
func (f RawLandmarkFrame) Clone() RawLandmarkFrame {
	if f == nil {
		return nil
	}
	out := make(RawLandmarkFrame, len(f))
	copy(out, f)
	return out
}

// BoundingBox is an axis-aligned box in normalized image space.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// StructuredFace is the anatomical frame derived from exactly one
// RawLandmarkFrame. It carries no state from other frames.
type StructuredFace struct {
	LeftEye     Point3D          `json:"leftEye"`
	RightEye    Point3D          `json:"rightEye"`
	NoseBridge  Point3D          `json:"noseBridge"`
	NoseTip     Point3D          `json:"noseTip"`
	ForeheadTop Point3D          `json:"foreheadTop"`
	LeftEar     Point3D          `json:"leftEar"`
	RightEar    Point3D          `json:"rightEar"`
	Chin        Point3D          `json:"chin"`
	EyeDistance float64          `json:"eyeDistance"`
	Rotation    Rotation         `json:"rotation"`
	BoundingBox BoundingBox      `json:"boundingBox"`
	Raw         RawLandmarkFrame `json:"rawLandmarks"`
}

// ErrShortFrame is returned when a frame has fewer points than the table reads.
var ErrShortFrame = errors.New("landmark frame shorter than index table")

// FrameError describes a frame that cannot be read with a given table.
type FrameError struct {
	Version TableVersion
	Length  int
	Need    int
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("landmark frame has %d points, table %s needs %d", e.Length, e.Version, e.Need)
}

// Is reports ErrShortFrame as the sentinel for all frame errors.
func (e *FrameError) Is(target error) bool {
	return target == ErrShortFrame
}

func checkLength(t IndexTable, raw RawLandmarkFrame) error {
	if need := t.MinLength(); len(raw) < need {
		return &FrameError{Version: t.Version, Length: len(raw), Need: need}
	}
	return nil
}

// Extract derives a StructuredFace using DefaultTable.
func Extract(raw RawLandmarkFrame) (StructuredFace, error) {
	return ExtractWith(DefaultTable, raw)
}

// ExtractWith derives a StructuredFace from raw using table t. It never
// substitutes defaults: a frame too short for t is an error.
func ExtractWith(t IndexTable, raw RawLandmarkFrame) (StructuredFace, error) {
	if err := checkLength(t, raw); err != nil {
		return StructuredFace{}, err
	}

	leftEye := Midpoint(raw[t.LeftEyeOuter], raw[t.LeftEyeInner])
	rightEye := Midpoint(raw[t.RightEyeOuter], raw[t.RightEyeInner])

	return StructuredFace{
		LeftEye:     leftEye,
		RightEye:    rightEye,
		NoseBridge:  raw[t.NoseBridgeTop],
		NoseTip:     raw[t.NoseTip],
		ForeheadTop: raw[t.ForeheadTop],
		LeftEar:     raw[t.LeftEar],
		RightEar:    raw[t.RightEar],
		Chin:        raw[t.Chin],
		EyeDistance: leftEye.Distance2D(rightEye),
		Rotation:    rotation(t, raw),
		BoundingBox: boundingBox(t.FaceOval, raw),
		Raw:         raw.Clone(),
	}, nil
}

// boundingBox spans the face oval only, not every landmark.
func boundingBox(oval []int, raw RawLandmarkFrame) BoundingBox {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, i := range oval {
		p := raw[i]
		minX = math.Min(minX, p.X)
		maxX = math.Max(maxX, p.X)
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	return BoundingBox{
		X:      minX,
		Y:      minY,
		Width:  maxX - minX,
		Height: maxY - minY,
	}
}
