// Package calibration lets an operator tune where an accessory sits on a
// live tracked face and commit the result to a product's settings.
//
// The Controller runs in the context that launched the calibration, next
// to the settings store. The Preview runs on the surface that shows the
// camera. They only talk through a channel.Channel.
package calibration

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
)

// ErrUnknownSession is returned for a session ID with no running launch.
var ErrUnknownSession = errors.New("unknown calibration session")

// PersistError reports that a saved calibration could not be stored. The
// local state already holds Settings when this is reported.
type PersistError struct {
	ProductID string
	Settings  settings.CalibrationSettings
	Err       error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("calibration for product %s not persisted: %v", e.ProductID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Event is what an Outcome reports.
type Event string

const (
	EventSaved  Event = "saved"
	EventOpened Event = "opened"
	EventClosed Event = "closed"
)

// Outcome is an operator-visible status update from a running launch.
// For EventSaved, Err is a *PersistError when persistence failed.
type Outcome struct {
	Event    Event
	Settings settings.CalibrationSettings
	Err      error
}

// Controller launches calibrations and applies their results.
type Controller struct {
	store settings.Store
	bus   channel.Channel
	log   *logrus.Entry

	// newID is swapped in tests.
	newID func() (string, error)

	mu       sync.Mutex
	local    map[string]settings.CalibrationSettings
	launches map[string]*Launch
}

// NewController creates a Controller persisting through store and talking
// to previews over bus.
func NewController(store settings.Store, bus channel.Channel) *Controller {
	return &Controller{
		store:    store,
		bus:      bus,
		log:      logging.Component("calibration"),
		newID:    newSessionID,
		local:    make(map[string]settings.CalibrationSettings),
		launches: make(map[string]*Launch),
	}
}

func newSessionID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Local returns the controller's view of a product's settings, which may be
// ahead of the store after a failed persist.
func (c *Controller) Local(productID string) (settings.CalibrationSettings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.local[productID]
	return cs, ok
}

// Launch starts a calibration seeded with the product's stored settings.
// An unknown product reads as disabled, which cannot be calibrated.
func (c *Controller) Launch(ctx context.Context, productID, modelURL string) (*Launch, error) {
	current, err := c.store.GetTryOnSettings(ctx, productID)
	if errors.Is(err, settings.ErrNotFound) {
		current = settings.Neutral()
	} else if err != nil {
		return nil, fmt.Errorf("failed to read settings for %s: %w", productID, err)
	}
	return c.LaunchWith(ctx, productID, modelURL, current)
}

// LaunchWith starts a calibration seeded with current, typically the
// operator's unsaved form state. current must be enabled with a type.
func (c *Controller) LaunchWith(ctx context.Context, productID, modelURL string, current settings.CalibrationSettings) (*Launch, error) {
	if err := settings.ValidateProductID(productID); err != nil {
		return nil, err
	}
	if !current.TryOnEnabled || current.TryOnType == nil {
		return nil, fmt.Errorf("cannot calibrate product %s: %w", productID, settings.ErrTypeRequired)
	}

	id, err := c.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to create session id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.bus.Subscribe(runCtx, channel.Topic(id))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", id, err)
	}

	l := &Launch{
		ctrl: c,
		hs: channel.Handshake{
			SessionID: id,
			ProductID: productID,
			ModelURL:  modelURL,
			TryOnType: settings.TypePtr(*current.TryOnType),
			OffsetY:   current.TryOnOffsetY,
			Scale:     current.TryOnScale,
		},
		current: current,
		sub:     sub,
		results: make(chan Outcome, resultBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
		log: c.log.WithFields(logging.Fields{
			"session": id,
			"product": productID,
		}),
	}

	c.mu.Lock()
	if _, ok := c.local[productID]; !ok {
		c.local[productID] = current
	}
	c.launches[id] = l
	c.mu.Unlock()

	go l.run(runCtx)

	l.log.WithFields(logging.Fields{
		"type":    current.Type(),
		"offsetY": current.TryOnOffsetY,
		"scale":   current.TryOnScale,
	}).Info("Calibration launched")
	return l, nil
}

// Session returns the running launch with the given session ID.
func (c *Controller) Session(sessionID string) (*Launch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.launches[sessionID]
	return l, ok
}

// CloseSession ends the launch with the given session ID.
func (c *Controller) CloseSession(sessionID string) error {
	l, ok := c.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	l.Close()
	return nil
}

// Close ends every running launch.
func (c *Controller) Close() {
	c.mu.Lock()
	launches := make([]*Launch, 0, len(c.launches))
	for _, l := range c.launches {
		launches = append(launches, l)
	}
	c.mu.Unlock()

	for _, l := range launches {
		l.Close()
	}
}

// apply records cs as the local state, then persists it. The local update
// stands even when persisting fails.
func (c *Controller) apply(ctx context.Context, productID string, cs settings.CalibrationSettings) error {
	c.mu.Lock()
	c.local[productID] = cs
	c.mu.Unlock()

	if err := c.store.UpdateTryOnSettings(ctx, productID, cs); err != nil {
		return &PersistError{ProductID: productID, Settings: cs, Err: err}
	}
	return nil
}

func (c *Controller) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.launches, sessionID)
}
