// Package pose places accessories on a tracked face.
package pose

import (
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/settings"
)

// DefaultReferenceEyeDistance is the eye distance, in normalized image
// units, at which an accessory renders at its base scale.
const DefaultReferenceEyeDistance = 0.12

// Side tells the two earring transforms apart.
type Side string

const (
	Center Side = ""
	Left   Side = "left"
	Right  Side = "right"
)

// PlacementTransform is the pose applied to one accessory mesh for one frame.
// OutOfEnvelope marks a rotation whose yaw or pitch lies outside
// landmark.HeuristicEnvelope, where the estimate is unreliable.
type PlacementTransform struct {
	Type          settings.TryOnType `json:"type"`
	Side          Side               `json:"side,omitempty"`
	Position      landmark.Point3D   `json:"position"`
	Rotation      landmark.Rotation  `json:"rotation"`
	Scale         float64            `json:"scale"`
	OutOfEnvelope bool               `json:"outOfEnvelope,omitempty"`
}

// Composer turns a face and a product's calibration into placements.
type Composer struct {
	ReferenceEyeDistance float64
	BaseScale            map[settings.TryOnType]float64
}

// NewComposer returns a composer with the default reference distance and a
// base scale of 1 for every type.
func NewComposer() *Composer {
	base := make(map[settings.TryOnType]float64, len(settings.Types))
	for _, t := range settings.Types {
		base[t] = 1
	}
	return &Composer{
		ReferenceEyeDistance: DefaultReferenceEyeDistance,
		BaseScale:            base,
	}
}

type anchor struct {
	side  Side
	point landmark.Point3D
}

func anchors(t settings.TryOnType, face landmark.StructuredFace) []anchor {
	switch t {
	case settings.Glasses:
		return []anchor{{Center, face.NoseBridge}}
	case settings.Necklace:
		return []anchor{{Center, face.Chin}}
	case settings.Hat:
		return []anchor{{Center, face.ForeheadTop}}
	case settings.Earrings:
		return []anchor{{Left, face.LeftEar}, {Right, face.RightEar}}
	}
	return nil
}

// Compose returns one transform per anchor: two for earrings, one otherwise.
//
// calib must be enabled and carry a type; the composer does not check.
// Callers gate on calib.TryOnEnabled before composing.
func (c *Composer) Compose(face landmark.StructuredFace, calib settings.CalibrationSettings) []PlacementTransform {
	t := *calib.TryOnType

	ref := c.ReferenceEyeDistance
	if ref <= 0 {
		ref = DefaultReferenceEyeDistance
	}
	base, ok := c.BaseScale[t]
	if !ok {
		base = 1
	}

	scale := base * calib.TryOnScale * (face.EyeDistance / ref)
	dy := calib.TryOnOffsetY / 100 * face.BoundingBox.Height

	outside := !face.Rotation.WithinEnvelope()
	points := anchors(t, face)
	out := make([]PlacementTransform, 0, len(points))
	for _, a := range points {
		pos := a.point
		pos.Y += dy
		out = append(out, PlacementTransform{
			Type:          t,
			Side:          a.side,
			Position:      pos,
			Rotation:      face.Rotation,
			Scale:         scale,
			OutOfEnvelope: outside,
		})
	}
	return out
}
