package server

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/iani/tryon/pkg/settings"
)

// UpdateTryOnRequest is the body of PUT /products/:id/try-on. Omitted
// offset and scale default to neutral.
type UpdateTryOnRequest struct {
	TryOnEnabled *bool    `json:"tryOnEnabled" validate:"required"`
	TryOnType    *string  `json:"tryOnType"`
	TryOnOffsetY *float64 `json:"tryOnOffsetY"`
	TryOnScale   *float64 `json:"tryOnScale"`
}

func (r UpdateTryOnRequest) settings() (settings.CalibrationSettings, error) {
	cs := settings.Neutral()
	cs.TryOnEnabled = *r.TryOnEnabled
	if r.TryOnType != nil {
		t, err := settings.ParseTryOnType(*r.TryOnType)
		if err != nil {
			return settings.CalibrationSettings{}, err
		}
		cs.TryOnType = t
	}
	if r.TryOnOffsetY != nil {
		cs.TryOnOffsetY = *r.TryOnOffsetY
	}
	if r.TryOnScale != nil {
		cs.TryOnScale = *r.TryOnScale
	}
	return cs, nil
}

type settingsHandler struct {
	svc       *settings.Service
	validator *validator.Validate
	timeout   time.Duration
}

func newSettingsHandler(svc *settings.Service, v *validator.Validate, timeout time.Duration) *settingsHandler {
	return &settingsHandler{svc: svc, validator: v, timeout: timeout}
}

func (h *settingsHandler) Start(srv fiber.Router) {
	srv.Get("/products", h.list)

	products := srv.Group("/products")
	products.Get("/:id/try-on", h.get)
	products.Put("/:id/try-on", h.update)
	products.Delete("/:id/try-on", h.reset)
}

func (h *settingsHandler) list(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	ids, err := h.svc.List(ctx)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(fiber.Map{"products": ids})
}

func (h *settingsHandler) get(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	cs, err := h.svc.GetOrDefault(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(cs)
}

func (h *settingsHandler) update(c *fiber.Ctx) error {
	var req UpdateTryOnRequest
	if err := c.BodyParser(&req); err != nil {
		return NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return &Error{Code: fiber.StatusBadRequest, Err: err}
	}

	cs, err := req.settings()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	saved, err := h.svc.Save(ctx, c.Params("id"), cs)
	if err != nil {
		return err
	}
	return c.JSON(saved)
}

func (h *settingsHandler) reset(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	if err := h.svc.Reset(ctx, c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
