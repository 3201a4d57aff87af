package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/iani/tryon/pkg/calibration"
	"github.com/iani/tryon/pkg/logging"
	"github.com/iani/tryon/pkg/settings"
)

// Error carries the HTTP status a handler wants for err.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Err.Error() == t.Err.Error()
}

// NewError creates an Error with a plain message.
func NewError(code int, msg string) error {
	return &Error{code, errors.New(msg)}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{settings.ErrProductRequired, fiber.StatusBadRequest, "INVALID_PRODUCT"},
	{settings.ErrNotFound, fiber.StatusNotFound, "SETTINGS_NOT_FOUND"},
	{settings.ErrOutOfRange, fiber.StatusUnprocessableEntity, "OUT_OF_RANGE"},
	{settings.ErrTypeRequired, fiber.StatusUnprocessableEntity, "TYPE_REQUIRED"},
	{settings.ErrInvalidType, fiber.StatusUnprocessableEntity, "INVALID_TYPE"},
	{calibration.ErrUnknownSession, fiber.StatusNotFound, "UNKNOWN_SESSION"},
}

// errorHandler is the fiber ErrorHandler. Domain errors map to statuses by
// errorMappings, anything unknown is a 500.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "INTERNAL"

	var (
		respErr  *Error
		fiberErr *fiber.Error
	)
	switch {
	case errors.As(err, &respErr):
		status = respErr.Code
		code = ""
	case errors.As(err, &fiberErr):
		status = fiberErr.Code
		code = ""
	default:
		for _, m := range errorMappings {
			if errors.Is(err, m.target) {
				status, code = m.status, m.code
				break
			}
		}
	}

	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		logging.Component("server").WithFields(logging.Fields{
			"request_id": requestID(c),
			"path":       c.Path(),
			"error":      msg,
		}).Error("Request failed")
		msg = "internal server error"
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: requestID(c),
	})
}
