package landmark

import "fmt"

// TableVersion identifies the detector model whose output ordering a table
// describes. A detector upgrade that reorders landmarks needs a new version.
type TableVersion string

// MediaPipeFaceMesh468 is the 468-point MediaPipe Face Mesh topology.
const MediaPipeFaceMesh468 TableVersion = "mediapipe-face-mesh-468"

// IndexTable maps anatomical points to positions in a RawLandmarkFrame.
type IndexTable struct {
	Version TableVersion

	LeftEyeOuter  int
	LeftEyeInner  int
	RightEyeOuter int
	RightEyeInner int

	NoseBridgeTop    int
	NoseBridgeBottom int
	NoseTip          int

	ForeheadTop    int
	ForeheadCenter int

	LeftEar  int
	RightEar int

	Chin int

	// FaceOval lists the face contour clockwise from the top of the forehead.
	FaceOval []int
}

// DefaultTable is the table for the detector the tracking session ships with.
var DefaultTable = IndexTable{
	Version: MediaPipeFaceMesh468,

	LeftEyeOuter:  33,
	LeftEyeInner:  133,
	RightEyeOuter: 263,
	RightEyeInner: 362,

	NoseBridgeTop:    6,
	NoseBridgeBottom: 4,
	NoseTip:          1,

	ForeheadTop:    10,
	ForeheadCenter: 151,

	LeftEar:  127,
	RightEar: 356,

	Chin: 152,

	FaceOval: []int{
		10, 338, 297, 332, 284, 251, 389, 356, 454, 323, 361, 288,
		397, 365, 379, 378, 400, 377, 152, 148, 176, 149, 150, 136,
		172, 58, 132, 93, 234, 127, 162, 21, 54, 103, 67, 109,
	},
}

var tables = map[TableVersion]IndexTable{
	MediaPipeFaceMesh468: DefaultTable,
}

// TableFor returns the registered table for a detector model version.
func TableFor(version TableVersion) (IndexTable, error) {
	t, ok := tables[version]
	if !ok {
		return IndexTable{}, fmt.Errorf("no landmark table for %q", version)
	}
	return t, nil
}

func (t IndexTable) named() []int {
	return []int{
		t.LeftEyeOuter, t.LeftEyeInner, t.RightEyeOuter, t.RightEyeInner,
		t.NoseBridgeTop, t.NoseBridgeBottom, t.NoseTip,
		t.ForeheadTop, t.ForeheadCenter,
		t.LeftEar, t.RightEar, t.Chin,
	}
}

// MinLength is the smallest frame length every index in the table fits in.
func (t IndexTable) MinLength() int {
	maxIdx := -1
	for _, i := range t.named() {
		if i > maxIdx {
			maxIdx = i
		}
	}
	for _, i := range t.FaceOval {
		if i > maxIdx {
			maxIdx = i
		}
	}
	return maxIdx + 1
}

// Validate checks the table for negative indices and an empty oval.
func (t IndexTable) Validate() error {
	if len(t.FaceOval) == 0 {
		return fmt.Errorf("landmark table %q has no face oval", t.Version)
	}
	for _, i := range append(t.named(), t.FaceOval...) {
		if i < 0 {
			return fmt.Errorf("landmark table %q has negative index %d", t.Version, i)
		}
	}
	return nil
}
