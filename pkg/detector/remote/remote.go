// Package remote talks to a face-mesh sidecar over a websocket.
//
// The session starts with a configure message carrying the detector options
// and the asset base URL. The sidecar fetches the model and replies "ready",
// or "error" if the assets could not be loaded. After that every frame is
// sent as a binary JPEG message and answered with one JSON result.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/iani/tryon/pkg/camera"
	"github.com/iani/tryon/pkg/detector"
	"github.com/iani/tryon/pkg/landmark"
	"github.com/iani/tryon/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types exchanged with the sidecar.
const (
	TypeConfigure = "configure"
	TypeReady     = "ready"
	TypeError     = "error"
)

// ControlMessage is a JSON text message on the control path.
type ControlMessage struct {
	Type    string            `json:"type"`
	Options *detector.Options `json:"options,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// FrameResult is the sidecar's answer to one frame.
type FrameResult struct {
	MultiFaceLandmarks []landmark.RawLandmarkFrame `json:"multiFaceLandmarks"`
	Error              string                      `json:"error,omitempty"`
}

// ErrSidecar is returned when the sidecar reports an error.
var ErrSidecar = errors.New("face-mesh sidecar error")

// ErrDisconnected is returned by Process while a dropped sidecar session
// waits for its next reconnect attempt.
var ErrDisconnected = fmt.Errorf("face-mesh sidecar disconnected: %w", detector.ErrUnavailable)

// DefaultReconnectInterval spaces reconnect attempts after a dropped session.
const DefaultReconnectInterval = time.Second

// Client is a detector.Detector backed by a face-mesh sidecar.
type Client struct {
	url          string
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	maxFace int

	// opts is set by the first successful Load and cleared by Close. A
	// dropped session with opts set is redialed from Process.
	opts   *detector.Options
	redial *rate.Limiter
}

// New creates a client for the sidecar at url (ws:// or wss://).
func New(url string) *Client {
	return &Client{
		url:          url,
		readTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
		redial:       rate.NewLimiter(rate.Every(DefaultReconnectInterval), 1),
	}
}

// SetReconnectInterval changes how often Process may redial a dropped
// sidecar session.
func (c *Client) SetReconnectInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redial = rate.NewLimiter(rate.Every(d), 1)
}

// SetTimeouts overrides the per-frame read and write deadlines.
func (c *Client) SetTimeouts(read, write time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readTimeout = read
	c.writeTimeout = write
}

// Load connects, configures the sidecar and waits for it to report ready.
func (c *Client) Load(ctx context.Context, opts detector.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	return c.connect(ctx, opts)
}

// connect dials and configures the sidecar. c.mu must be held.
func (c *Client) connect(ctx context.Context, opts detector.Options) error {
	if opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.LoadTimeout)
		defer cancel()
	}

	log := logging.Component("detector")
	log.Infof("Connecting to face-mesh sidecar at %s", c.url)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to %s: %v", detector.ErrLoad, c.url, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	// Unblock the read below if ctx ends without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(ControlMessage{Type: TypeConfigure, Options: &opts}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: failed to send configuration: %v", detector.ErrLoad, err)
	}

	var reply ControlMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: no ready message: %v", detector.ErrLoad, err)
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: malformed ready message: %v", detector.ErrLoad, err)
	}

	switch reply.Type {
	case TypeReady:
	case TypeError:
		_ = conn.Close()
		return fmt.Errorf("%w: %w: %s", detector.ErrLoad, ErrSidecar, reply.Error)
	default:
		_ = conn.Close()
		return fmt.Errorf("%w: unexpected message %q", detector.ErrLoad, reply.Type)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeTimeout))
	})

	c.conn = conn
	c.opts = &opts
	c.maxFace = opts.MaxNumFaces
	if c.maxFace <= 0 {
		c.maxFace = 1
	}

	log.Info("Face-mesh sidecar ready")
	return nil
}

// Process sends one frame and waits for its landmarks.
func (c *Client) Process(ctx context.Context, frame camera.Frame) (detector.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := detector.Result{Sequence: frame.Sequence}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if c.conn == nil {
		if err := c.reconnect(ctx); err != nil {
			return result, err
		}
	}

	conn := c.conn

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		c.drop()
		return result, fmt.Errorf("error sending frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, message, err := conn.ReadMessage()
	if err != nil {
		c.drop()
		return result, fmt.Errorf("error reading result: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	var fr FrameResult
	if err := json.Unmarshal(message, &fr); err != nil {
		return result, fmt.Errorf("error unmarshaling result: %w", err)
	}
	if fr.Error != "" {
		return result, fmt.Errorf("%w: %s", ErrSidecar, fr.Error)
	}

	faces := fr.MultiFaceLandmarks
	if len(faces) > c.maxFace {
		faces = faces[:c.maxFace]
	}
	result.Faces = faces

	logging.Component("detector").Debugf("Frame %d: %d face(s)", frame.Sequence, len(faces))
	return result, nil
}

// reconnect redials a dropped session, at most once per reconnect
// interval. c.mu must be held.
func (c *Client) reconnect(ctx context.Context) error {
	if c.opts == nil {
		return detector.ErrNotLoaded
	}
	if !c.redial.Allow() {
		return ErrDisconnected
	}

	logging.Component("detector").Warn("Reconnecting to face-mesh sidecar")
	if err := c.connect(ctx, *c.opts); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Close ends the sidecar session. A closed client needs Load again.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opts = nil
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether the sidecar session is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// drop discards a broken connection. The next Process redials it.
func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

var _ detector.Detector = (*Client)(nil)
