// Package tracking runs the per-frame face tracking loop: it owns one
// detector and one video source, turns each detector result into a
// StructuredFace and reports face acquisition and loss through callbacks.
//
// Callbacks are single-slot: registering a new one replaces the previous.
// "Detected" fires for every frame with a face, "lost" fires once on the
// transition from face to no face.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/logging"
)

// State is the lifecycle state of a Session.
type State int

const (
	Uninitialized State = iota
	Initialized
	Tracking
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Tracking:
		return "tracking"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultFPS is the pump cadence when none is configured.
const DefaultFPS = 30

// ErrInitialize wraps detector load failures. It is fatal for the session
// and never retried internally.
var ErrInitialize = errors.New("tracking initialization failed")

// ErrAlreadyTracking is returned by StartTracking on an active session.
var ErrAlreadyTracking = errors.New("session is already tracking")

// FaceDetectedFunc receives the face extracted from one frame.
type FaceDetectedFunc func(face landmark.StructuredFace)

// FaceLostFunc is called when a tracked face disappears.
type FaceLostFunc func()

// Option configures a Session.
type Option func(*Session)

// WithOptions sets the detector options used by Initialize.
func WithOptions(opts detector.Options) Option {
	return func(s *Session) { s.opts = opts }
}

// WithFPS sets the pump cadence.
func WithFPS(fps int) Option {
	return func(s *Session) {
		if fps > 0 {
			s.fps = fps
		}
	}
}

// WithTable sets the landmark index table matching the detector's output.
func WithTable(t landmark.IndexTable) Option {
	return func(s *Session) { s.table = t }
}

// WithStrictFrames makes malformed frames surface as errors from Deliver and
// as Error level logs from the pump. They are still reported as a lost face.
func WithStrictFrames(strict bool) Option {
	return func(s *Session) { s.strict = strict }
}

// Session is one tracking session. It exclusively owns its detector and,
// while tracking, its video source.
type Session struct {
	det    detector.Detector
	opts   detector.Options
	table  landmark.IndexTable
	fps    int
	strict bool
	log    *logrus.Entry

	initMu sync.Mutex

	mu               sync.Mutex
	state            State
	isTracking       bool
	lastFaceDetected bool
	generation       uint64
	source           camera.VideoSource
	cancel           context.CancelFunc
	onDetected       FaceDetectedFunc
	onLost           FaceLostFunc
}

// New creates an uninitialized session around det.
func New(det detector.Detector, opts ...Option) *Session {
	s := &Session{
		det:   det,
		opts:  detector.DefaultOptions(),
		table: landmark.DefaultTable,
		fps:   DefaultFPS,
		log:   logging.Component("tracking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads the detector. It blocks until the model is loaded and is
// a no-op on an initialized session.
func (s *Session) Initialize(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.State() != Uninitialized {
		return nil
	}

	s.log.Info("Loading face-mesh detector")
	if err := s.det.Load(ctx, s.opts); err != nil {
		s.log.WithError(err).Error("Detector failed to load")
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}

	s.mu.Lock()
	if s.state == Uninitialized {
		s.state = Initialized
	}
	s.mu.Unlock()

	s.log.Info("Face-mesh detector loaded")
	return nil
}

// StartTracking initializes the session if needed, starts src and begins
// pumping its frames through the detector.
func (s *Session) StartTracking(ctx context.Context, src camera.VideoSource) error {
	if s.IsTracking() {
		return ErrAlreadyTracking
	}
	if err := s.Initialize(ctx); err != nil {
		return err
	}
	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("failed to start video source: %w", err)
	}

	s.mu.Lock()
	if s.isTracking {
		s.mu.Unlock()
		_ = src.Stop()
		return ErrAlreadyTracking
	}
	s.generation++
	gen := s.generation
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.isTracking = true
	s.lastFaceDetected = false
	s.state = Tracking
	s.source = src
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Infof("Tracking started at %d fps", s.fps)
	go s.pump(pumpCtx, gen, src)
	return nil
}

// StopTracking stops the pump and releases the video source. It is a no-op
// when the session is not tracking and may be called from a callback.
//
// Callbacks are invoked without holding the session lock. One that had
// already passed its final check may still be running, or just about to
// run, when StopTracking returns; frames processed after the stop never
// reach a callback.
func (s *Session) StopTracking() error {
	s.mu.Lock()
	if !s.isTracking {
		s.mu.Unlock()
		return nil
	}
	s.isTracking = false
	s.state = Stopped
	src := s.source
	s.source = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.log.Info("Tracking stopped")
	if src != nil {
		if err := src.Stop(); err != nil {
			return fmt.Errorf("failed to release video source: %w", err)
		}
	}
	return nil
}

// Destroy stops tracking, closes the detector and returns the session to
// Uninitialized. It is safe in any state.
func (s *Session) Destroy() error {
	stopErr := s.StopTracking()

	s.initMu.Lock()
	defer s.initMu.Unlock()

	closeErr := s.det.Close()

	s.mu.Lock()
	s.state = Uninitialized
	s.lastFaceDetected = false
	s.mu.Unlock()

	s.log.Info("Session destroyed")
	return errors.Join(stopErr, closeErr)
}

// OnFaceDetected registers the callback for frames with a face.
func (s *Session) OnFaceDetected(cb FaceDetectedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDetected = cb
}

// OnFaceLost registers the callback for the face-to-no-face transition.
func (s *Session) OnFaceLost(cb FaceLostFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = cb
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsTracking reports whether the pump is active.
func (s *Session) IsTracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTracking
}

// LastFaceDetected reports whether the last dispatched result had a face.
func (s *Session) LastFaceDetected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFaceDetected
}

// Deliver dispatches one detector result as if it came from the pump.
// Results delivered while not tracking are dropped. The returned error is
// non-nil only in strict mode for a malformed frame.
func (s *Session) Deliver(res detector.Result) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.dispatch(gen, res)
}

func (s *Session) active(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTracking && s.generation == gen
}

func (s *Session) pump(ctx context.Context, gen uint64, src camera.VideoSource) {
	limiter := rate.NewLimiter(rate.Limit(s.fps), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if !s.active(gen) {
			return
		}

		frame, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, camera.ErrCameraNotOpen) {
				return
			}
			s.log.Debugf("Frame skipped: %v", err)
			continue
		}

		res, err := s.det.Process(ctx, frame)
		if !s.active(gen) {
			// Torn down while the frame was in flight.
			return
		}
		if err != nil {
			if errors.Is(err, detector.ErrUnavailable) {
				s.log.WithError(err).Debugf("Detector unavailable for frame %d", frame.Sequence)
			} else {
				s.log.WithError(err).Warnf("Detector failed on frame %d", frame.Sequence)
			}
			res = detector.Result{Sequence: frame.Sequence}
		}

		if err := s.dispatch(gen, res); err != nil {
			s.log.WithError(err).Errorf("Malformed frame %d", frame.Sequence)
		}
	}
}

func (s *Session) dispatch(gen uint64, res detector.Result) error {
	var (
		face       landmark.StructuredFace
		extractErr error
		hasFace    = res.HasFace()
	)
	if hasFace {
		face, extractErr = landmark.ExtractWith(s.table, res.Faces[0])
		if extractErr != nil {
			hasFace = false
			if !s.strict {
				s.log.WithError(extractErr).Warnf("Frame %d treated as face lost", res.Sequence)
			}
		}
	}

	s.mu.Lock()
	if !s.isTracking || s.generation != gen {
		s.mu.Unlock()
		return nil
	}

	if !hasFace {
		fire := s.lastFaceDetected
		s.lastFaceDetected = false
		cb := s.onLost
		s.mu.Unlock()

		if fire && cb != nil && s.active(gen) {
			cb()
		}
		if extractErr != nil && s.strict {
			return fmt.Errorf("frame %d: %w", res.Sequence, extractErr)
		}
		return nil
	}

	s.lastFaceDetected = true
	cb := s.onDetected
	s.mu.Unlock()

	if cb != nil && s.active(gen) {
		cb(face)
	}
	return nil
}
