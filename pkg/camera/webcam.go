package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/iani/tryon/pkg/logging"
)

// Webcam captures frames from a local capture device through OpenCV.
type Webcam struct {
	device string
	width  int
	height int
	fps    int

	mu       sync.Mutex
	capture  *gocv.VideoCapture
	mat      gocv.Mat
	sequence uint64
}

// NewWebcam creates a webcam source. The device is opened by Start.
func NewWebcam(device string, width, height, fps int) *Webcam {
	return &Webcam{
		device: device,
		width:  width,
		height: height,
		fps:    fps,
	}
}

// Start opens the device and waits for the first frame.
func (w *Webcam) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture != nil {
		return nil
	}

	var id interface{} = w.device
	if n, err := strconv.Atoi(w.device); err == nil {
		id = n
	}

	capture, err := gocv.OpenVideoCapture(id)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCameraNotFound, w.device, err)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, float64(w.width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(w.height))
	capture.Set(gocv.VideoCaptureFPS, float64(w.fps))

	w.capture = capture
	w.mat = gocv.NewMat()

	// Devices often need a few reads before the first real frame.
	for {
		if w.capture.Read(&w.mat) && !w.mat.Empty() {
			break
		}
		select {
		case <-ctx.Done():
			w.release()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	logging.Component("camera").Infof("Capture started on %s (%dx%d)", w.device, w.mat.Cols(), w.mat.Rows())
	return nil
}

// ReadFrame grabs the current frame and encodes it as JPEG.
func (w *Webcam) ReadFrame() (Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.capture == nil {
		return Frame{}, ErrCameraNotOpen
	}
	if !w.capture.Read(&w.mat) || w.mat.Empty() {
		return Frame{}, ErrNoFrame
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, w.mat)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())

	w.sequence++
	return Frame{
		Data:      data,
		Width:     w.mat.Cols(),
		Height:    w.mat.Rows(),
		Format:    FormatJPEG,
		Sequence:  w.sequence,
		Timestamp: time.Now(),
	}, nil
}

// Stop releases the device.
func (w *Webcam) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.release()
}

func (w *Webcam) release() error {
	if w.capture == nil {
		return nil
	}
	err := w.capture.Close()
	_ = w.mat.Close()
	w.capture = nil
	return err
}

// Info returns the configured device parameters.
func (w *Webcam) Info() DeviceInfo {
	return DeviceInfo{Path: w.device, Width: w.width, Height: w.height, FPS: w.fps}
}
