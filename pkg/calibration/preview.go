package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/pose"
	"github.com/iani/tryon/pkg/settings"
	"github.com/iani/tryon/pkg/tracking"
)

// DefaultSaveTimeout bounds how long Save waits for the controller.
const DefaultSaveTimeout = 10 * time.Second

// ErrNoConfirmation is returned when the controller never answered a save.
var ErrNoConfirmation = errors.New("save not confirmed")

// Preview is the calibration surface: a live tracked preview of the
// accessory using the parameters the operator is adjusting.
type Preview struct {
	hs       channel.Handshake
	ch       channel.Channel
	tracker  *tracking.Session
	composer *pose.Composer
	sink     pose.Sink
	log      *logrus.Entry

	// SaveTimeout applies when Save's context has no deadline.
	SaveTimeout time.Duration

	mu       sync.Mutex
	params   settings.CalibrationSettings
	smoother *pose.Smoother
	opened   bool
}

// NewPreview creates a preview seeded from hs. tracker must not be shared
// with another preview.
func NewPreview(hs channel.Handshake, ch channel.Channel, tracker *tracking.Session, composer *pose.Composer, sink pose.Sink) *Preview {
	return &Preview{
		hs:          hs,
		ch:          ch,
		tracker:     tracker,
		composer:    composer,
		sink:        sink,
		log:         logging.Component("preview").WithField("session", hs.SessionID),
		SaveTimeout: DefaultSaveTimeout,
		params:      hs.Settings(),
	}
}

// SetSmoother enables temporal smoothing of the rendered placements.
// A nil smoother disables it.
func (p *Preview) SetSmoother(s *pose.Smoother) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.smoother = s
}

// Start begins tracking src and rendering into the sink.
func (p *Preview) Start(ctx context.Context, src camera.VideoSource) error {
	p.tracker.OnFaceDetected(p.render)
	p.tracker.OnFaceLost(p.clear)

	if err := p.tracker.StartTracking(ctx, src); err != nil {
		return err
	}

	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()

	p.publish(ctx, channel.Message{Type: channel.TryOnOpened, SessionID: p.hs.SessionID})
	p.log.WithFields(logging.Fields{
		"product": p.hs.ProductID,
		"type":    p.params.Type(),
	}).Info("Preview started")
	return nil
}

func (p *Preview) render(face landmark.StructuredFace) {
	p.mu.Lock()
	params := p.params
	smoother := p.smoother
	p.mu.Unlock()

	placements := smoother.Smooth(p.composer.Compose(face, params))
	if err := p.sink.Place(placements); err != nil {
		p.log.WithError(err).Debug("Sink rejected placements")
	}
}

func (p *Preview) clear() {
	p.mu.Lock()
	smoother := p.smoother
	p.mu.Unlock()

	smoother.Reset()
	if err := p.sink.Clear(); err != nil {
		p.log.WithError(err).Debug("Sink rejected clear")
	}
}

// Params returns the parameters currently rendered.
func (p *Preview) Params() settings.CalibrationSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// SetOffsetY sets the vertical offset, in percent of face height.
func (p *Preview) SetOffsetY(v float64) error {
	if v < settings.MinOffsetY || v > settings.MaxOffsetY {
		return fmt.Errorf("%w: offsetY %v not in [%v, %v]", settings.ErrOutOfRange, v, settings.MinOffsetY, settings.MaxOffsetY)
	}
	p.mu.Lock()
	p.params.TryOnOffsetY = v
	p.mu.Unlock()
	return nil
}

// SetScale sets the scale multiplier.
func (p *Preview) SetScale(v float64) error {
	if v < settings.MinScale || v > settings.MaxScale {
		return fmt.Errorf("%w: scale %v not in [%v, %v]", settings.ErrOutOfRange, v, settings.MinScale, settings.MaxScale)
	}
	p.mu.Lock()
	p.params.TryOnScale = v
	p.mu.Unlock()
	return nil
}

// NudgeOffsetY moves the offset by steps slider steps. Negative moves up.
// A move that would leave the range is refused.
func (p *Preview) NudgeOffsetY(steps int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.params.TryOnOffsetY + float64(steps)*settings.OffsetYStep
	if next < settings.MinOffsetY || next > settings.MaxOffsetY {
		return p.params.TryOnOffsetY, fmt.Errorf("%w: offsetY %v", settings.ErrOutOfRange, next)
	}
	p.params.TryOnOffsetY = next
	return next, nil
}

// NudgeScale moves the scale by steps slider steps.
// A move that would leave the range is refused.
func (p *Preview) NudgeScale(steps int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := math.Round((p.params.TryOnScale+float64(steps)*settings.ScaleStep)*100) / 100
	if next < settings.MinScale || next > settings.MaxScale {
		return p.params.TryOnScale, fmt.Errorf("%w: scale %v", settings.ErrOutOfRange, next)
	}
	p.params.TryOnScale = next
	return next, nil
}

// Save sends the current offset and scale to the controller and waits for
// its answer. A *PersistError means the controller kept the values but
// could not store them; the operator may retry.
func (p *Preview) Save(ctx context.Context) (settings.CalibrationSettings, error) {
	if _, ok := ctx.Deadline(); !ok && p.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.SaveTimeout)
		defer cancel()
	}

	topic := channel.Topic(p.hs.SessionID)
	sub, err := p.ch.Subscribe(ctx, topic)
	if err != nil {
		return settings.CalibrationSettings{}, err
	}
	defer sub.Close()

	params := p.Params()
	if err := p.ch.Publish(ctx, topic, channel.Saved(p.hs.SessionID, params.TryOnOffsetY, params.TryOnScale)); err != nil {
		return settings.CalibrationSettings{}, fmt.Errorf("failed to send calibration: %w", err)
	}

	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return settings.CalibrationSettings{}, fmt.Errorf("%w: channel closed", ErrNoConfirmation)
			}
			if m.Type != channel.CalibrationResult {
				continue
			}
			if m.Error != "" {
				return params, &PersistError{ProductID: p.hs.ProductID, Settings: params, Err: errors.New(m.Error)}
			}
			p.log.WithFields(logging.Fields{
				"offsetY": params.TryOnOffsetY,
				"scale":   params.TryOnScale,
			}).Info("Calibration saved")
			return params, nil
		case <-ctx.Done():
			return settings.CalibrationSettings{}, fmt.Errorf("%w: %w", ErrNoConfirmation, ctx.Err())
		}
	}
}

// Close stops tracking and tells the controller the preview is gone.
func (p *Preview) Close() error {
	err := p.tracker.StopTracking()

	p.mu.Lock()
	opened := p.opened
	p.opened = false
	p.mu.Unlock()

	if opened {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		p.publish(ctx, channel.Message{Type: channel.TryOnClosed, SessionID: p.hs.SessionID})
		p.log.Info("Preview closed")
	}
	return err
}

func (p *Preview) publish(ctx context.Context, m channel.Message) {
	if err := p.ch.Publish(ctx, channel.Topic(p.hs.SessionID), m); err != nil {
		p.log.WithError(err).Warnf("Failed to publish %s", m.Type)
	}
}

// AwaitHandshake announces a preview for sessionID and waits for the
// controller's CALIBRATION_INIT.
func AwaitHandshake(ctx context.Context, ch channel.Channel, sessionID string) (channel.Handshake, error) {
	topic := channel.Topic(sessionID)
	sub, err := ch.Subscribe(ctx, topic)
	if err != nil {
		return channel.Handshake{}, err
	}
	defer sub.Close()

	if err := ch.Publish(ctx, topic, channel.Message{Type: channel.CalibrationReady, SessionID: sessionID}); err != nil {
		return channel.Handshake{}, fmt.Errorf("failed to announce preview: %w", err)
	}

	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return channel.Handshake{}, channel.ErrClosed
			}
			if m.Type != channel.CalibrationInit {
				continue
			}
			if err := m.Validate(); err != nil {
				return channel.Handshake{}, err
			}
			return *m.Handshake, nil
		case <-ctx.Done():
			return channel.Handshake{}, fmt.Errorf("no handshake for session %s: %w", sessionID, ctx.Err())
		}
	}
}
