// Package server is the admin HTTP surface: product try-on settings and
// calibration sessions, including the websocket bridge previews connect to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/channel"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":3000"

// Handler registers a group of routes.
type Handler interface {
	Start(srv fiber.Router)
}

// Server wires the handlers onto a fiber app.
type Server struct {
	engine    *fiber.App
	log       *logrus.Entry
	validator *validator.Validate

	settings   *settings.Service
	controller *calibration.Controller
	bus        channel.Channel
	addr       string
	timeout    time.Duration
	handlers   []Handler
	status     *sessions
}

// ServerOption configures a Server.
type ServerOption func(*Server) error

// NewFiber creates the fiber app with the shared configuration.
func NewFiber() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:               "tryon",
		BodyLimit:             1 * 1024 * 1024,
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           jsoniter.Marshal,
		JSONDecoder:           jsoniter.Unmarshal,
		ErrorHandler:          errorHandler,
	})
}

// New creates a Server. Settings, controller and bus are required.
func New(opts ...ServerOption) (*Server, error) {
	s := &Server{
		engine:    NewFiber(),
		log:       logging.Component("server"),
		validator: validator.New(),
		addr:      DefaultAddr,
		timeout:   10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.settings == nil {
		return nil, errors.New("settings service is required")
	}
	if s.controller == nil {
		return nil, errors.New("calibration controller is required")
	}
	if s.bus == nil {
		return nil, errors.New("message bus is required")
	}

	s.status = newSessions(s.log)
	s.registerHandlers()
	return s, nil
}

func WithSettings(svc *settings.Service) ServerOption {
	return func(s *Server) error {
		s.settings = svc
		return nil
	}
}

func WithController(ctrl *calibration.Controller) ServerOption {
	return func(s *Server) error {
		s.controller = ctrl
		return nil
	}
}

func WithBus(bus channel.Channel) ServerOption {
	return func(s *Server) error {
		s.bus = bus
		return nil
	}
}

func WithAddr(addr string) ServerOption {
	return func(s *Server) error {
		if addr == "" {
			return nil
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", addr, err)
		}
		s.addr = addr
		return nil
	}
}

// WithRequestTimeout bounds the store calls of a single request.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive, got %v", d)
		}
		s.timeout = d
		return nil
	}
}

func (s *Server) registerHandlers() {
	s.engine.Use(RequestID())
	s.engine.Use(Logger(s.log))

	s.setupHealthCheck()

	s.handlers = append(s.handlers,
		newSettingsHandler(s.settings, s.validator, s.timeout),
		newCalibrationHandler(s.controller, s.bus, s.validator, s.status, s.timeout),
	)

	router := s.engine.Group("/api/v1")
	for _, h := range s.handlers {
		h.Start(router)
	}
}

func (s *Server) setupHealthCheck() {
	s.engine.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Server is Healthy!",
		})
	})
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.engine
}

// Run listens on the configured address until Shutdown.
func (s *Server) Run() error {
	s.log.Infof("Listening on %s", s.addr)
	return s.engine.Listen(s.addr)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.engine.Listener(ln)
}

// Shutdown stops accepting requests and ends running calibrations.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.engine.ShutdownWithContext(ctx)
	s.controller.Close()
	return err
}
