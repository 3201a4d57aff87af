package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(10, 10, color.RGBA{255, 0, 0, 255})

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatalf("failed to encode %s: %v", path, err)
	}
}

func TestReplaySource_Loop(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		writeJPEG(t, filepath.Join(dir, fmt.Sprintf("frame_%02d.jpg", i)), 640, 480)
	}
	// Ignored files.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	_ = os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755)

	src := NewReplaySource(dir)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer src.Stop()

	if src.Len() != 3 {
		t.Fatalf("loaded %d frames, want 3", src.Len())
	}

	var last uint64
	for i := 0; i < 7; i++ {
		frame, err := src.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if frame.Width != 640 || frame.Height != 480 {
			t.Errorf("frame %d is %dx%d, want 640x480", i, frame.Width, frame.Height)
		}
		if frame.Format != FormatJPEG {
			t.Errorf("format = %q", frame.Format)
		}
		if frame.Sequence <= last {
			t.Errorf("sequence did not advance: %d after %d", frame.Sequence, last)
		}
		last = frame.Sequence
	}
}

func TestReplaySource_StartIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpeg"), 32, 24)

	src := NewReplaySource(dir)
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}
	writeJPEG(t, filepath.Join(dir, "b.jpeg"), 32, 24)
	if err := src.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if src.Len() != 1 {
		t.Errorf("second Start reloaded frames: %d", src.Len())
	}
}

func TestReplaySource_Errors(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		src := NewReplaySource(filepath.Join(t.TempDir(), "missing"))
		if err := src.Start(context.Background()); !errors.Is(err, ErrCameraNotFound) {
			t.Errorf("expected ErrCameraNotFound, got %v", err)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		src := NewReplaySource(t.TempDir())
		if err := src.Start(context.Background()); !errors.Is(err, ErrNoFrame) {
			t.Errorf("expected ErrNoFrame, got %v", err)
		}
	})

	t.Run("corrupt frame", func(t *testing.T) {
		dir := t.TempDir()
		_ = os.WriteFile(filepath.Join(dir, "bad.jpg"), []byte("not a jpeg"), 0644)
		src := NewReplaySource(dir)
		if err := src.Start(context.Background()); err == nil {
			t.Error("expected error for corrupt JPEG")
		}
	})

	t.Run("read before start", func(t *testing.T) {
		src := NewReplaySource(t.TempDir())
		if _, err := src.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
			t.Errorf("expected ErrCameraNotOpen, got %v", err)
		}
	})

	t.Run("read after stop", func(t *testing.T) {
		dir := t.TempDir()
		writeJPEG(t, filepath.Join(dir, "a.jpg"), 8, 8)
		src := NewReplaySource(dir)
		if err := src.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		if err := src.Stop(); err != nil {
			t.Fatal(err)
		}
		if err := src.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
		if _, err := src.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
			t.Errorf("expected ErrCameraNotOpen, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		dir := t.TempDir()
		writeJPEG(t, filepath.Join(dir, "a.jpg"), 8, 8)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		src := NewReplaySource(dir)
		if err := src.Start(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestWebcam_ReadBeforeStart(t *testing.T) {
	cam := NewWebcam("0", 640, 480, 30)
	if _, err := cam.ReadFrame(); !errors.Is(err, ErrCameraNotOpen) {
		t.Errorf("expected ErrCameraNotOpen, got %v", err)
	}
	if err := cam.Stop(); err != nil {
		t.Errorf("Stop on unopened webcam failed: %v", err)
	}

	info := cam.Info()
	if info.Path != "0" || info.Width != 640 || info.Height != 480 || info.FPS != 30 {
		t.Errorf("unexpected info: %+v", info)
	}
}

var _ VideoSource = (*Webcam)(nil)
var _ VideoSource = (*ReplaySource)(nil)
