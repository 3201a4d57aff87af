// Package channel carries calibration messages between the context that
// launched a calibration and the preview surface showing it. The transport
// (same process, Redis, websocket) is swappable behind Channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/iani/tryon/pkg/settings"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType identifies a calibration message.
type MessageType string

const (
	// Preview to controller.
	CalibrationReady MessageType = "CALIBRATION_READY"
	CalibrationSaved MessageType = "CALIBRATION_SAVED"
	TryOnOpened      MessageType = "TRYON_OPENED"
	TryOnClosed      MessageType = "TRYON_CLOSED"

	// Controller to preview.
	CalibrationInit   MessageType = "CALIBRATION_INIT"
	CalibrationResult MessageType = "CALIBRATION_RESULT"
)

// Handshake seeds a preview surface. It is sent once per launch.
type Handshake struct {
	SessionID string              `json:"sessionId"`
	ProductID string              `json:"productId"`
	ModelURL  string              `json:"modelUrl"`
	TryOnType *settings.TryOnType `json:"tryOnType"`
	OffsetY   float64             `json:"offsetY"`
	Scale     float64             `json:"scale"`
}

// Settings returns the calibration the handshake describes, enabled.
func (h Handshake) Settings() settings.CalibrationSettings {
	return settings.CalibrationSettings{
		TryOnEnabled: true,
		TryOnType:    h.TryOnType,
		TryOnOffsetY: h.OffsetY,
		TryOnScale:   h.Scale,
	}
}

// Message is the envelope for every calibration message. Fields that a
// type does not use are left empty.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	OffsetY   *float64    `json:"offsetY,omitempty"`
	Scale     *float64    `json:"scale,omitempty"`
	Handshake *Handshake  `json:"handshake,omitempty"`
	Error     string      `json:"error,omitempty"`
}

var (
	// ErrIncomplete is returned for a message missing a field its type needs.
	ErrIncomplete = errors.New("incomplete message")
	// ErrUnknownType is returned for a message with an unrecognized type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrClosed is returned when using a closed channel.
	ErrClosed = errors.New("channel closed")
)

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	switch m.Type {
	case CalibrationSaved:
		if m.OffsetY == nil || m.Scale == nil {
			return fmt.Errorf("%w: %s needs offsetY and scale", ErrIncomplete, m.Type)
		}
	case CalibrationInit:
		if m.Handshake == nil {
			return fmt.Errorf("%w: %s needs a handshake", ErrIncomplete, m.Type)
		}
	case CalibrationReady, CalibrationResult, TryOnOpened, TryOnClosed:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Saved builds a CALIBRATION_SAVED message.
func Saved(sessionID string, offsetY, scale float64) Message {
	return Message{
		Type:      CalibrationSaved,
		SessionID: sessionID,
		OffsetY:   &offsetY,
		Scale:     &scale,
	}
}

// Encode serializes m as JSON.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON message. It does not validate.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	return m, nil
}

// Topic returns the topic a calibration session talks on.
func Topic(sessionID string) string {
	return "calibration/" + sessionID
}

// Channel is a publish/subscribe transport for calibration messages.
// Subscribers on a topic receive messages published after Subscribe
// returned, in publish order, including their own.
type Channel interface {
	Publish(ctx context.Context, topic string, m Message) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers messages for one topic until closed.
type Subscription struct {
	C <-chan Message

	once   sync.Once
	cancel func()
}

func newSubscription(c <-chan Message, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close stops delivery. C is closed once pending sends have finished.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}
