package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"living-photo/internal/models"
	"living-photo/internal/services/projects"
	"living-photo/internal/store"
	"living-photo/internal/workers"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, workers.ErrBusy),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrArchived):
		return fiber.StatusConflict
	case errors.Is(err, models.ErrNotDemo),
		errors.Is(err, models.ErrInvalidHours),
		errors.Is(err, models.ErrInvalidConfig),
		errors.Is(err, projects.ErrMultiTarget),
		errors.Is(err, projects.ErrInvalidInput),
		errors.Is(err, store.ErrTooManyItems):
		return fiber.StatusBadRequest
	case errors.Is(err, projects.ErrDemoExpired):
		return fiber.StatusGone
	case errors.Is(err, workers.ErrQueueFull), errors.Is(err, workers.ErrStopped):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func errJson(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		slog.Error("Request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}
