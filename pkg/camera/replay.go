package camera

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReplaySource plays back a directory of JPEG frames in name order, looping
// at the end. It stands in for a camera in demos and tests.
type ReplaySource struct {
	dir string

	mu       sync.Mutex
	frames   []Frame
	pos      int
	started  bool
	sequence uint64
}

// NewReplaySource creates a source over the JPEG files in dir.
func NewReplaySource(dir string) *ReplaySource {
	return &ReplaySource{dir: dir}
}

// Start loads every frame from the directory.
func (r *ReplaySource) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCameraNotFound, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return fmt.Errorf("failed to read frame %s: %w", name, err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("frame %s is not a JPEG: %w", name, err)
		}
		frames = append(frames, Frame{
			Data:   data,
			Width:  cfg.Width,
			Height: cfg.Height,
			Format: FormatJPEG,
		})
	}

	if len(frames) == 0 {
		return fmt.Errorf("%w: no JPEG frames in %s", ErrNoFrame, r.dir)
	}

	r.frames = frames
	r.pos = 0
	r.started = true
	return nil
}

// ReadFrame returns the next frame, wrapping around at the end.
func (r *ReplaySource) ReadFrame() (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return Frame{}, ErrCameraNotOpen
	}

	frame := r.frames[r.pos]
	r.pos = (r.pos + 1) % len(r.frames)
	r.sequence++
	frame.Sequence = r.sequence
	frame.Timestamp = time.Now()
	return frame, nil
}

// Stop drops the loaded frames.
func (r *ReplaySource) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = false
	r.frames = nil
	return nil
}

// Len returns the number of loaded frames.
func (r *ReplaySource) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}
