package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/logging"
)

// ErrTopic is returned when a WebSocket channel is used with a topic other
// than the one it was dialed for.
var ErrTopic = errors.New("topic not served by this connection")

const wsWriteTimeout = 5 * time.Second

// WebSocket is a Channel bound to a single calibration session, talking to
// the server's preview bridge. Messages read from the socket are fanned out
// to local subscribers.
type WebSocket struct {
	topic string
	conn  *websocket.Conn
	local *Memory
	log   *logrus.Entry

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	readErr error
}

// DialWebSocket connects to the bridge at url for sessionID.
func DialWebSocket(ctx context.Context, url, sessionID string) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	w := &WebSocket{
		topic: Topic(sessionID),
		conn:  conn,
		local: NewMemory(),
		log:   logging.Component("channel").WithField("session", sessionID),
		done:  make(chan struct{}),
	}
	go w.readLoop()
	return w, nil
}

// Publish writes m to the socket.
func (w *WebSocket) Publish(ctx context.Context, topic string, m Message) error {
	if topic != w.topic {
		return fmt.Errorf("%w: %s", ErrTopic, topic)
	}
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to messages arriving on the socket.
func (w *WebSocket) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic != w.topic {
		return nil, fmt.Errorf("%w: %s", ErrTopic, topic)
	}
	return w.local.Subscribe(ctx, topic)
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
		w.local.Close()
		<-w.done
	})
	return err
}

// Err returns the error that ended the read loop, if any.
func (w *WebSocket) Err() error {
	select {
	case <-w.done:
		return w.readErr
	default:
		return nil
	}
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	defer w.local.Close()

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.readErr = err
			}
			return
		}

		m, err := Decode(data)
		if err != nil {
			w.log.WithError(err).Warn("Dropping undecodable message")
			continue
		}
		if err := w.local.Publish(context.Background(), w.topic, m); err != nil {
			return
		}
	}
}

var _ Channel = (*WebSocket)(nil)
