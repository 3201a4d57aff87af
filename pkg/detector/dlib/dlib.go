// Package dlib provides a face-mesh detector backed by dlib via go-face.
//
// dlib's 5-point shape predictor yields eye corners and the nose base only.
// Those points are lifted into the 468-point mesh topology so that the rest
// of the pipeline reads the same index table regardless of backend. Points
// dlib does not produce are synthesized from the face rectangle: the oval is
// placed on the ellipse inscribed in the rectangle and everything else sits
// at its center.
package dlib

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sort"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/logging"
)

// Model files expected in the model directory.
const (
	ShapePredictorModel = "shape_predictor_5_face_landmarks.dat"
	RecognitionModel    = "dlib_face_recognition_resnet_model_v1.dat"
	CNNDetectorModel    = "mmod_human_face_detector.dat"
)

// MeshSize is the length of the frames produced by the lift.
const MeshSize = 468

// FaceEngine is the part of go-face the detector uses.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// Detector implements detector.Detector on top of dlib.
type Detector struct {
	modelDir string
	factory  func(modelDir string) (FaceEngine, error)

	mu      sync.RWMutex
	engine  FaceEngine
	loaded  bool
	maxFace int
}

// New creates a dlib detector reading its models from modelDir.
func New(modelDir string) *Detector {
	return &Detector{
		modelDir: modelDir,
		factory: func(dir string) (FaceEngine, error) {
			return face.NewRecognizer(dir)
		},
	}
}

// Load loads the dlib models. Subsequent calls are no-ops until Close.
func (d *Detector) Load(ctx context.Context, opts detector.Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", detector.ErrLoad, err)
	}

	log := logging.Component("detector")
	log.Infof("Loading dlib models from: %s", d.modelDir)

	engine, err := d.factory(d.modelDir)
	if err != nil {
		return fmt.Errorf("%w: %v", detector.ErrLoad, err)
	}

	d.engine = engine
	d.maxFace = opts.MaxNumFaces
	if d.maxFace <= 0 {
		d.maxFace = 1
	}
	d.loaded = true

	log.Info("dlib models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (d *Detector) IsLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// Close releases the dlib resources.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.engine != nil {
		d.engine.Close()
		d.engine = nil
	}
	d.loaded = false
	return nil
}

// Process detects faces in a JPEG frame and lifts them into mesh frames.
func (d *Detector) Process(ctx context.Context, frame camera.Frame) (detector.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := detector.Result{Sequence: frame.Sequence}
	if !d.loaded {
		return result, detector.ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	width, height := frame.Width, frame.Height
	if width <= 0 || height <= 0 {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
		if err != nil {
			return result, fmt.Errorf("failed to read frame size: %w", err)
		}
		width, height = cfg.Width, cfg.Height
	}

	faces, err := d.engine.Recognize(frame.Data)
	if err != nil {
		return result, fmt.Errorf("face detection failed: %w", err)
	}

	// Largest faces first.
	sort.SliceStable(faces, func(i, j int) bool {
		return area(faces[i].Rectangle) > area(faces[j].Rectangle)
	})

	for _, f := range faces {
		if len(result.Faces) >= d.maxFace {
			break
		}
		mesh, ok := Lift(f, width, height)
		if !ok {
			logging.Component("detector").Debugf("Skipping face with %d shape points", len(f.Shapes))
			continue
		}
		result.Faces = append(result.Faces, mesh)
	}

	logging.Component("detector").Debugf("Detected %d face(s) in frame %d", len(result.Faces), frame.Sequence)
	return result, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}

// Lift converts a 5-point dlib face into a mesh frame normalized by the image
// size. It reports false when the face has fewer than five shape points.
func Lift(f face.Face, width, height int) (landmark.RawLandmarkFrame, bool) {
	if len(f.Shapes) < 5 || width <= 0 || height <= 0 {
		return nil, false
	}

	norm := func(x, y float64) landmark.Point3D {
		return landmark.Point3D{X: x / float64(width), Y: y / float64(height)}
	}
	pt := func(p image.Point) landmark.Point3D {
		return norm(float64(p.X), float64(p.Y))
	}

	rect := f.Rectangle
	cx := float64(rect.Min.X+rect.Max.X) / 2
	cy := float64(rect.Min.Y+rect.Max.Y) / 2
	a := float64(rect.Dx()) / 2
	b := float64(rect.Dy()) / 2

	mesh := make(landmark.RawLandmarkFrame, MeshSize)
	center := norm(cx, cy)
	for i := range mesh {
		mesh[i] = center
	}

	t := landmark.DefaultTable

	// Oval clockwise from the top of the forehead, as in the table.
	n := len(t.FaceOval)
	for i, idx := range t.FaceOval {
		theta := float64(i) * 2 * math.Pi / float64(n)
		mesh[idx] = norm(cx+a*math.Sin(theta), cy-b*math.Cos(theta))
	}

	// The predictor emits two corner pairs and the nose base; pair order
	// differs between model builds, so sort the pairs by x.
	pairA := [2]image.Point{f.Shapes[0], f.Shapes[1]}
	pairB := [2]image.Point{f.Shapes[2], f.Shapes[3]}
	if pairA[0].X+pairA[1].X > pairB[0].X+pairB[1].X {
		pairA, pairB = pairB, pairA
	}
	leftOuter, leftInner := outerInner(pairA, cx)
	rightOuter, rightInner := outerInner(pairB, cx)

	mesh[t.LeftEyeOuter] = pt(leftOuter)
	mesh[t.LeftEyeInner] = pt(leftInner)
	mesh[t.RightEyeOuter] = pt(rightOuter)
	mesh[t.RightEyeInner] = pt(rightInner)

	nose := pt(f.Shapes[4])
	mesh[t.NoseTip] = nose
	mesh[t.NoseBridgeBottom] = nose
	mesh[t.NoseBridgeTop] = landmark.Midpoint(mesh[t.LeftEyeInner], mesh[t.RightEyeInner])
	mesh[t.ForeheadCenter] = landmark.Midpoint(mesh[t.ForeheadTop], mesh[t.NoseBridgeTop])

	return mesh, true
}

// outerInner returns the corner farther from the face center first.
func outerInner(pair [2]image.Point, cx float64) (image.Point, image.Point) {
	if math.Abs(float64(pair[0].X)-cx) >= math.Abs(float64(pair[1].X)-cx) {
		return pair[0], pair[1]
	}
	return pair[1], pair[0]
}

var _ detector.Detector = (*Detector)(nil)
