package calibration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
)

const (
	resultBuffer   = 8
	persistTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Launch is one running calibration as seen from the controller side.
type Launch struct {
	ctrl *Controller
	hs   channel.Handshake
	sub  *channel.Subscription
	log  *logrus.Entry

	// current is only touched by run.
	current  settings.CalibrationSettings
	initSent bool

	results chan Outcome
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// SessionID returns the ID previews use to reach this launch.
func (l *Launch) SessionID() string { return l.hs.SessionID }

// Handshake returns the payload that seeds the preview. In-process previews
// take it from here; others receive it in reply to CALIBRATION_READY.
func (l *Launch) Handshake() channel.Handshake { return l.hs }

// Results delivers status updates. It is closed when the launch ends.
// Updates are dropped when nobody reads them.
func (l *Launch) Results() <-chan Outcome { return l.results }

// Done is closed when the launch has ended.
func (l *Launch) Done() <-chan struct{} { return l.done }

// Close ends the launch. It is safe to call more than once.
func (l *Launch) Close() {
	l.once.Do(func() {
		l.cancel()
		l.sub.Close()
		<-l.done
		l.ctrl.forget(l.hs.SessionID)
		l.log.Info("Calibration closed")
	})
}

func (l *Launch) run(ctx context.Context) {
	defer close(l.done)
	defer close(l.results)

	for m := range l.sub.C {
		if m.SessionID != "" && m.SessionID != l.hs.SessionID {
			continue
		}
		switch m.Type {
		case channel.CalibrationReady:
			l.answerReady(ctx)
		case channel.CalibrationSaved:
			l.handleSaved(ctx, m)
		case channel.TryOnOpened:
			l.emit(Outcome{Event: EventOpened, Settings: l.current})
		case channel.TryOnClosed:
			l.emit(Outcome{Event: EventClosed, Settings: l.current})
		}
	}
}

func (l *Launch) answerReady(ctx context.Context) {
	if l.initSent {
		l.log.Debug("Ignoring repeated ready")
		return
	}
	l.initSent = true

	hs := l.hs
	l.publish(ctx, channel.Message{
		Type:      channel.CalibrationInit,
		SessionID: hs.SessionID,
		Handshake: &hs,
	})
}

func (l *Launch) handleSaved(ctx context.Context, m channel.Message) {
	if err := m.Validate(); err != nil {
		l.log.WithError(err).Warn("Ignoring incomplete save")
		return
	}

	next := l.current
	next.TryOnOffsetY = *m.OffsetY
	next.TryOnScale = *m.Scale
	l.current = next

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	err := l.ctrl.apply(pctx, l.hs.ProductID, next)
	cancel()

	reply := channel.Message{Type: channel.CalibrationResult, SessionID: l.hs.SessionID}
	fields := logging.Fields{"offsetY": next.TryOnOffsetY, "scale": next.TryOnScale}
	if err != nil {
		reply.Error = err.Error()
		fields["error"] = err.Error()
		l.log.WithFields(fields).Error("Calibration saved locally but not persisted")
	} else {
		l.log.WithFields(fields).Info("Calibration saved")
	}

	l.emit(Outcome{Event: EventSaved, Settings: next, Err: err})
	l.publish(ctx, reply)
}

func (l *Launch) emit(o Outcome) {
	select {
	case l.results <- o:
	default:
		l.log.WithField("event", o.Event).Warn("Outcome dropped, nobody is reading results")
	}
}

func (l *Launch) publish(ctx context.Context, m channel.Message) {
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := l.ctrl.bus.Publish(pctx, channel.Topic(l.hs.SessionID), m); err != nil && !errors.Is(err, context.Canceled) {
		l.log.WithError(err).Warnf("Failed to publish %s", m.Type)
	}
}
