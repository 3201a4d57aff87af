package landmark

import (
	"math"
	"testing"
)

func TestEstimateRotation_Roll(t *testing.T) {
	tests := []struct {
		name     string
		left     Point3D
		right    Point3D
		wantRoll float64
	}{
		{"level eyes", Point3D{X: 0.3, Y: 0.4}, Point3D{X: 0.7, Y: 0.4}, 0},
		{"right eye directly below", Point3D{X: 0.5, Y: 0.3}, Point3D{X: 0.5, Y: 0.45}, math.Pi / 2},
		{"right eye directly above", Point3D{X: 0.5, Y: 0.45}, Point3D{X: 0.5, Y: 0.3}, -math.Pi / 2},
		{"45 degree tilt", Point3D{X: 0.3, Y: 0.3}, Point3D{X: 0.5, Y: 0.5}, math.Pi / 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := newFrame()
			// Inner corners coincide with outer ones so eye centers equal the corners.
			frame[DefaultTable.LeftEyeOuter] = tt.left
			frame[DefaultTable.LeftEyeInner] = tt.left
			frame[DefaultTable.RightEyeOuter] = tt.right
			frame[DefaultTable.RightEyeInner] = tt.right

			rot, err := EstimateRotation(frame)
			if err != nil {
				t.Fatal(err)
			}
			if math.Abs(rot.Roll-tt.wantRoll) > epsilon {
				t.Errorf("roll = %f, want %f", rot.Roll, tt.wantRoll)
			}

			face, err := Extract(frame)
			if err != nil {
				t.Fatal(err)
			}
			if face.Rotation != rot {
				t.Errorf("extracted rotation %+v differs from estimator %+v", face.Rotation, rot)
			}
		})
	}
}

func TestEstimateRotation_Yaw(t *testing.T) {
	frame := newFrame()
	// Eye outer corners at 0.3 and 0.65 put the eye center at 0.475.
	frame[DefaultTable.NoseTip].X = 0.475

	rot, err := EstimateRotation(frame)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rot.Yaw) > epsilon {
		t.Errorf("frontal yaw = %f, want 0", rot.Yaw)
	}

	frame[DefaultTable.NoseTip].X = 0.525
	rot, err = EstimateRotation(frame)
	if err != nil {
		t.Fatal(err)
	}
	want := 0.05 * 2 * math.Pi
	if math.Abs(rot.Yaw-want) > epsilon {
		t.Errorf("yaw = %f, want %f", rot.Yaw, want)
	}
}

func TestEstimateRotation_Pitch(t *testing.T) {
	frame := newFrame()
	// Forehead 0.2, nose 0.5, chin 0.8: equal segments.
	rot, err := EstimateRotation(frame)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rot.Pitch) > epsilon {
		t.Errorf("balanced pitch = %f, want 0", rot.Pitch)
	}

	frame[DefaultTable.NoseTip].Y = 0.45
	rot, err = EstimateRotation(frame)
	if err != nil {
		t.Fatal(err)
	}
	// (0.8-0.45) - (0.45-0.2) = 0.1
	want := 0.1 * math.Pi
	if math.Abs(rot.Pitch-want) > epsilon {
		t.Errorf("pitch = %f, want %f", rot.Pitch, want)
	}
}

func TestEstimateRotation_ShortFrame(t *testing.T) {
	if _, err := EstimateRotation(make(RawLandmarkFrame, 10)); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestRotation_WithinEnvelope(t *testing.T) {
	tests := []struct {
		rot  Rotation
		want bool
	}{
		{Rotation{}, true},
		{Rotation{Yaw: math.Pi / 4, Pitch: -math.Pi / 4}, true},
		{Rotation{Yaw: math.Pi / 3}, false},
		{Rotation{Pitch: -1}, false},
		{Rotation{Roll: math.Pi}, true},
	}

	for _, tt := range tests {
		if got := tt.rot.WithinEnvelope(); got != tt.want {
			t.Errorf("WithinEnvelope(%+v) = %v, want %v", tt.rot, got, tt.want)
		}
	}
}
