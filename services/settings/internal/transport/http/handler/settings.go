package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/go-telemetry-sink/pkg/mylogger"
	outboxDomain "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/domain"
	outboxRepository "github.com/sakashimaa/go-telemetry-sink/pkg/outbox/repository"
	"github.com/sakashimaa/go-telemetry-sink/pkg/utils"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/domain"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/repository"
	"github.com/sakashimaa/go-telemetry-sink/services/settings/internal/service"
	"go.uber.org/zap"
)

type SettingsHandler struct {
	service service.SettingsService
	logger  *zap.Logger
}

func NewSettingsHandler(service service.SettingsService, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		service: service,
		logger:  logger,
	}
}

func (h *SettingsHandler) List(c *fiber.Ctx) error {
	settings, err := h.service.List(c.UserContext())
	if err != nil {
		return h.internalError(c, "list settings failed", err)
	}

	if settings == nil {
		settings = []domain.Settings{}
	}

	return c.JSON(fiber.Map{
		"settings": settings,
	})
}

func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	deviceID := c.Params("device_id")

	settings, err := h.service.Get(c.UserContext(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrSettingsNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "settings not found"})
		}

		return h.internalError(c, "get settings failed", err, zap.String("device_id", deviceID))
	}

	return c.JSON(settings)
}

// Update answers 202: the device applies the change once the queued command reaches it.
func (h *SettingsHandler) Update(c *fiber.Ctx) error {
	deviceID := c.Params("device_id")

	patch := new(domain.Patch)
	if err := c.BodyParser(patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "error parsing body",
		})
	}

	res, err := h.service.Update(c.UserContext(), deviceID, patch)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPatch):
			return c.Status(fiber.StatusBadRequest).JSON(utils.FormatValidationError(err))
		case errors.Is(err, repository.ErrSettingsNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "settings not found"})
		}

		return h.internalError(c, "update settings failed", err, zap.String("device_id", deviceID))
	}

	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (h *SettingsHandler) GetCommand(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid id"})
	}

	event, err := h.service.GetCommand(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, outboxRepository.ErrOutboxEventNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "command not found"})
		}

		return h.internalError(c, "get command failed", err, zap.Int64("outbox_id", id))
	}

	return c.JSON(event)
}

func (h *SettingsHandler) ConfirmCommand(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid id"})
	}

	if err := h.service.ConfirmCommand(c.UserContext(), id); err != nil {
		switch {
		case errors.Is(err, outboxRepository.ErrOutboxEventNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "command not found"})
		case errors.Is(err, outboxRepository.ErrStaleStatus):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "only published commands can be confirmed"})
		}

		return h.internalError(c, "confirm command failed", err, zap.Int64("outbox_id", id))
	}

	return c.JSON(fiber.Map{
		"id":     id,
		"status": outboxDomain.StatusConfirmed,
	})
}

func (h *SettingsHandler) internalError(c *fiber.Ctx, msg string, err error, fields ...zap.Field) error {
	mylogger.Error(c.UserContext(), h.logger, msg, append(fields, zap.Error(err))...)

	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}
