package pose

import (
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Sink receives placements for every processed frame. It is the renderer
// boundary: drawing happens on the other side.
type Sink interface {
	Place(placements []PlacementTransform) error
	Clear() error
}

// Frame is one line written by JSONSink.
type Frame struct {
	Time       time.Time            `json:"time"`
	Visible    bool                 `json:"visible"`
	Placements []PlacementTransform `json:"placements,omitempty"`
}

// JSONSink writes one JSON object per frame, newline separated.
type JSONSink struct {
	mu  sync.Mutex
	enc *jsoniter.Encoder
	now func() time.Time
}

// NewJSONSink creates a sink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{
		enc: jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w),
		now: time.Now,
	}
}

// Place writes the placements of one frame.
func (s *JSONSink) Place(placements []PlacementTransform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(Frame{Time: s.now(), Visible: true, Placements: placements})
}

// Clear writes a frame with nothing to draw.
func (s *JSONSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(Frame{Time: s.now(), Visible: false})
}

// DiscardSink drops everything.
type DiscardSink struct{}

func (DiscardSink) Place([]PlacementTransform) error { return nil }
func (DiscardSink) Clear() error                     { return nil }
