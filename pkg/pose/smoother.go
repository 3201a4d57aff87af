package pose

import (
	"sync"

	"github.com/iani/tryon/pkg/landmark"
)

// Smoother applies an exponential moving average to placements across
// frames, per type and side. Alpha is the weight of the new sample:
// 1 disables smoothing, values near 0 smooth heavily. A nil Smoother or
// one with alpha outside (0,1) passes placements through unchanged.
type Smoother struct {
	alpha float64

	mu    sync.Mutex
	state map[smoothKey]PlacementTransform
}

type smoothKey struct {
	t    string
	side Side
}

// NewSmoother returns a Smoother, or nil when alpha disables smoothing.
func NewSmoother(alpha float64) *Smoother {
	if alpha <= 0 || alpha >= 1 {
		return nil
	}
	return &Smoother{
		alpha: alpha,
		state: make(map[smoothKey]PlacementTransform),
	}
}

// Smooth returns the smoothed placements. The input is not modified.
func (s *Smoother) Smooth(in []PlacementTransform) []PlacementTransform {
	if s == nil {
		return in
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PlacementTransform, len(in))
	for i, p := range in {
		key := smoothKey{t: string(p.Type), side: p.Side}
		prev, ok := s.state[key]
		if ok {
			p.Position = lerpPoint(prev.Position, p.Position, s.alpha)
			p.Rotation = landmark.Rotation{
				Pitch: lerp(prev.Rotation.Pitch, p.Rotation.Pitch, s.alpha),
				Yaw:   lerp(prev.Rotation.Yaw, p.Rotation.Yaw, s.alpha),
				Roll:  lerp(prev.Rotation.Roll, p.Rotation.Roll, s.alpha),
			}
			p.Scale = lerp(prev.Scale, p.Scale, s.alpha)
			p.OutOfEnvelope = !p.Rotation.WithinEnvelope()
		}
		s.state[key] = p
		out[i] = p
	}
	return out
}

// Reset forgets the history, e.g. after the face was lost.
func (s *Smoother) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[smoothKey]PlacementTransform)
}

// new = α * sample + (1-α) * old
func lerp(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}

func lerpPoint(old, sample landmark.Point3D, alpha float64) landmark.Point3D {
	return landmark.Point3D{
		X: lerp(old.X, sample.X, alpha),
		Y: lerp(old.Y, sample.Y, alpha),
		Z: lerp(old.Z, sample.Z, alpha),
	}
}
