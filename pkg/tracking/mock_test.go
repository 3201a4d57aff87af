package tracking

import (
	"context"
	"sync"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/detector"
)

type fakeDetector struct {
	mu          sync.Mutex
	loadErr     error
	loadCalls   int
	closeCalls  int
	loaded      bool
	lastOptions detector.Options
	ProcessFunc func(frame camera.Frame) (detector.Result, error)
}

func (f *fakeDetector) Load(ctx context.Context, opts detector.Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	f.lastOptions = opts
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = true
	return nil
}

func (f *fakeDetector) Process(ctx context.Context, frame camera.Frame) (detector.Result, error) {
	f.mu.Lock()
	loaded := f.loaded
	process := f.ProcessFunc
	f.mu.Unlock()

	if !loaded {
		return detector.Result{}, detector.ErrNotLoaded
	}
	if process != nil {
		return process(frame)
	}
	return detector.Result{Sequence: frame.Sequence}, nil
}

func (f *fakeDetector) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.loaded = false
	return nil
}

func (f *fakeDetector) counts() (load, close int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls, f.closeCalls
}

// fakeSource yields numbered empty frames, or ErrNoFrame when idle is set.
type fakeSource struct {
	mu       sync.Mutex
	idle     bool
	startErr error
	started  int
	stopped  int
	open     bool
	seq      uint64
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.open = true
	return nil
}

func (f *fakeSource) ReadFrame() (camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return camera.Frame{}, camera.ErrCameraNotOpen
	}
	if f.idle {
		return camera.Frame{}, camera.ErrNoFrame
	}
	f.seq++
	return camera.Frame{Sequence: f.seq, Width: 640, Height: 480, Format: camera.FormatJPEG}, nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.open = false
	return nil
}

func (f *fakeSource) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}
