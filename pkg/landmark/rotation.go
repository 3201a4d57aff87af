package landmark

import "math"

// Rotation is the head orientation in radians.
type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
	Roll  float64 `json:"roll"`
}

// HeuristicEnvelope bounds the yaw and pitch values the linear estimates
// track reasonably well.
const HeuristicEnvelope = math.Pi / 4

// WithinEnvelope reports whether yaw and pitch lie inside HeuristicEnvelope.
// Values outside it are still returned by the estimator, unclamped.
func (r Rotation) WithinEnvelope() bool {
	return math.Abs(r.Yaw) <= HeuristicEnvelope && math.Abs(r.Pitch) <= HeuristicEnvelope
}

// EstimateRotation estimates head rotation using DefaultTable.
func EstimateRotation(raw RawLandmarkFrame) (Rotation, error) {
	return EstimateRotationWith(DefaultTable, raw)
}

// EstimateRotationWith estimates head rotation from a handful of named
// landmarks. Yaw and pitch are linear heuristics valid for small to moderate
// head turns; roll is the exact angle of the outer eye-corner line.
func EstimateRotationWith(t IndexTable, raw RawLandmarkFrame) (Rotation, error) {
	if err := checkLength(t, raw); err != nil {
		return Rotation{}, err
	}
	return rotation(t, raw), nil
}

func rotation(t IndexTable, raw RawLandmarkFrame) Rotation {
	noseTip := raw[t.NoseTip]
	leftEye := raw[t.LeftEyeOuter]
	rightEye := raw[t.RightEyeOuter]
	chin := raw[t.Chin]
	forehead := raw[t.ForeheadTop]

	eyeCenterX := (leftEye.X + rightEye.X) / 2
	yaw := (noseTip.X - eyeCenterX) * 2 * math.Pi

	noseToChin := chin.Y - noseTip.Y
	noseToForehead := noseTip.Y - forehead.Y
	pitch := (noseToChin - noseToForehead) * math.Pi

	roll := math.Atan2(rightEye.Y-leftEye.Y, rightEye.X-leftEye.X)

	return Rotation{Pitch: pitch, Yaw: yaw, Roll: roll}
}
