package calibration

import (
	"context"
	"sync"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/settings"
)

// fakeStore wraps a Service and counts or fails updates.
type fakeStore struct {
	*settings.Service

	mu        sync.Mutex
	updateErr error
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{Service: settings.NewService(settings.NewMemoryRepository())}
}

func (f *fakeStore) UpdateTryOnSettings(ctx context.Context, productID string, cs settings.CalibrationSettings) error {
	f.mu.Lock()
	f.updates++
	err := f.updateErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Service.UpdateTryOnSettings(ctx, productID, cs)
}

func (f *fakeStore) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

type loadedDetector struct{}

func (loadedDetector) Load(ctx context.Context, opts detector.Options) error { return nil }
func (loadedDetector) Process(ctx context.Context, frame camera.Frame) (detector.Result, error) {
	return detector.Result{Sequence: frame.Sequence}, nil
}
func (loadedDetector) Close() error { return nil }

// idleSource is open but never has a frame, so only Deliver drives the
// tracking session.
type idleSource struct {
	mu   sync.Mutex
	open bool
}

func (s *idleSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *idleSource) ReadFrame() (camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return camera.Frame{}, camera.ErrCameraNotOpen
	}
	return camera.Frame{}, camera.ErrNoFrame
}

func (s *idleSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	placed [][]pose.PlacementTransform
	clears int
}

func (r *recordingSink) Place(p []pose.PlacementTransform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placed = append(r.placed, p)
	return nil
}

func (r *recordingSink) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	return nil
}

func (r *recordingSink) snapshot() ([][]pose.PlacementTransform, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]pose.PlacementTransform(nil), r.placed...), r.clears
}
