package server

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
)

// LaunchRequest is the body of POST /products/:id/calibration.
type LaunchRequest struct {
	ModelURL string `json:"modelUrl" validate:"required"`
}

// LaunchResponse tells the operator where the preview connects.
type LaunchResponse struct {
	SessionID string            `json:"sessionId"`
	Handshake channel.Handshake `json:"handshake"`
	Socket    string            `json:"socket"`
}

// StatusResponse is the latest operator-visible state of a calibration.
type StatusResponse struct {
	SessionID string                        `json:"sessionId"`
	ProductID string                        `json:"productId"`
	Event     calibration.Event             `json:"event,omitempty"`
	Settings  *settings.CalibrationSettings `json:"settings,omitempty"`
	Error     string                        `json:"error,omitempty"`
	UpdatedAt time.Time                     `json:"updatedAt"`
}

// sessions keeps the last outcome of each running launch.
type sessions struct {
	log *logrus.Entry

	mu     sync.RWMutex
	status map[string]StatusResponse
}

func newSessions(log *logrus.Entry) *sessions {
	return &sessions{log: log, status: make(map[string]StatusResponse)}
}

// watch drains l's results until the launch ends.
func (s *sessions) watch(l *calibration.Launch) {
	id := l.SessionID()
	s.mu.Lock()
	s.status[id] = StatusResponse{SessionID: id, ProductID: l.Handshake().ProductID, UpdatedAt: time.Now()}
	s.mu.Unlock()

	go func() {
		for o := range l.Results() {
			s.mu.Lock()
			st := s.status[id]
			st.Event = o.Event
			cs := o.Settings
			st.Settings = &cs
			st.Error = ""
			if o.Err != nil {
				st.Error = o.Err.Error()
			}
			st.UpdatedAt = time.Now()
			s.status[id] = st
			s.mu.Unlock()
		}

		s.mu.Lock()
		delete(s.status, id)
		s.mu.Unlock()
		s.log.WithField("session", id).Debug("Stopped watching calibration")
	}()
}

func (s *sessions) get(id string) (StatusResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.status[id]
	return st, ok
}

type calibrationHandler struct {
	ctrl      *calibration.Controller
	bus       channel.Channel
	validator *validator.Validate
	sessions  *sessions
	timeout   time.Duration
	log       *logrus.Entry
}

func newCalibrationHandler(ctrl *calibration.Controller, bus channel.Channel, v *validator.Validate, s *sessions, timeout time.Duration) *calibrationHandler {
	return &calibrationHandler{
		ctrl:      ctrl,
		bus:       bus,
		validator: v,
		sessions:  s,
		timeout:   timeout,
		log:       logging.Component("server"),
	}
}

func (h *calibrationHandler) Start(srv fiber.Router) {
	srv.Post("/products/:id/calibration", h.launch)

	cal := srv.Group("/calibration")
	cal.Get("/:session", h.status)
	cal.Delete("/:session", h.close)

	cal.Use("/:session/ws", h.wsMiddleware)
	cal.Get("/:session/ws", websocket.New(h.bridge))
}

func (h *calibrationHandler) launch(c *fiber.Ctx) error {
	var req LaunchRequest
	if err := c.BodyParser(&req); err != nil {
		return NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return &Error{Code: fiber.StatusBadRequest, Err: err}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	l, err := h.ctrl.Launch(ctx, c.Params("id"), req.ModelURL)
	if err != nil {
		return err
	}
	h.sessions.watch(l)

	return c.Status(fiber.StatusCreated).JSON(LaunchResponse{
		SessionID: l.SessionID(),
		Handshake: l.Handshake(),
		Socket:    "/api/v1/calibration/" + l.SessionID() + "/ws",
	})
}

func (h *calibrationHandler) status(c *fiber.Ctx) error {
	st, ok := h.sessions.get(c.Params("session"))
	if !ok {
		return calibration.ErrUnknownSession
	}
	return c.JSON(st)
}

func (h *calibrationHandler) close(c *fiber.Ctx) error {
	if err := h.ctrl.CloseSession(c.Params("session")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *calibrationHandler) wsMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if _, ok := h.ctrl.Session(c.Params("session")); !ok {
		return calibration.ErrUnknownSession
	}
	return c.Next()
}

// bridge relays between a preview's socket and the session topic on the bus.
func (h *calibrationHandler) bridge(conn *websocket.Conn) {
	sessionID := conn.Params("session")
	topic := channel.Topic(sessionID)
	log := h.log.WithField("session", sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, topic)
	if err != nil {
		log.WithError(err).Error("Failed to subscribe preview")
		return
	}
	defer sub.Close()

	log.Info("Preview connected")
	defer log.Info("Preview disconnected")

	var writeMu sync.Mutex
	go func() {
		for m := range sub.C {
			data, err := channel.Encode(m)
			if err != nil {
				continue
			}
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err = conn.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
			if err != nil {
				cancel()
				conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Warn("Preview socket error")
			}
			return
		}

		m, err := channel.Decode(data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed preview message")
			continue
		}
		m.SessionID = sessionID

		pctx, pcancel := context.WithTimeout(ctx, 5*time.Second)
		err = h.bus.Publish(pctx, topic, m)
		pcancel()
		if err != nil {
			log.WithError(err).Warn("Failed to relay preview message")
			return
		}
	}
}
