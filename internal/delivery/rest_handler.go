package delivery

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"marketchat-ws/internal/domain"
)

const maxHistoryLimit = 100

var restValidate = validator.New()

func (s *Server) handleCreateOrGetRoom(c *fiber.Ctx) error {
	var req domain.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return httpError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := restValidate.Struct(&req); err != nil {
		return httpError(c, fiber.StatusBadRequest, "customer_id and vendor_id must be UUIDs")
	}

	customerID := uuid.MustParse(req.CustomerID)
	vendorID := uuid.MustParse(req.VendorID)

	room, err := s.rooms.CreateOrGet(c.Context(), customerID, vendorID)
	if err != nil {
		return s.mapStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    room,
	})
}

func (s *Server) handleRoomHistory(c *fiber.Ctx) error {
	roomID, err := uuid.Parse(c.Params("room_id"))
	if err != nil {
		return httpError(c, fiber.StatusBadRequest, "invalid room ID")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var before time.Time
	if raw := c.Query("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return httpError(c, fiber.StatusBadRequest, "before must be RFC3339")
		}
	}

	if _, err := s.rooms.Get(c.Context(), roomID); err != nil {
		return s.mapStoreError(c, err)
	}

	messages, err := s.messages.History(c.Context(), roomID, before, limit)
	if err != nil {
		return s.mapStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    messages,
	})
}

func (s *Server) handleRoomMembers(c *fiber.Ctx) error {
	roomID, err := uuid.Parse(c.Params("room_id"))
	if err != nil {
		return httpError(c, fiber.StatusBadRequest, "invalid room ID")
	}

	members, err := s.roomPresence.Members(c.Context(), roomID)
	if err != nil {
		return s.mapStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"room_id": roomID,
			"members": members,
		},
	})
}

func (s *Server) handleCheckPresence(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("user_id"))
	if err != nil {
		return httpError(c, fiber.StatusBadRequest, "invalid user ID")
	}

	loc, err := s.presence.Get(c.Context(), userID)
	if err != nil {
		return s.mapStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    domain.PresenceResponse{UserID: userID.String(), Online: loc != nil},
	})
}

func (s *Server) mapStoreError(c *fiber.Ctx, err error) error {
	switch domain.CodeOf(err) {
	case domain.CodeNotFound:
		return httpError(c, fiber.StatusNotFound, domain.MessageOf(err))
	case domain.CodeValidation:
		return httpError(c, fiber.StatusBadRequest, domain.MessageOf(err))
	default:
		s.logger.Error("RestHandler", "Store operation failed", map[string]interface{}{
			"path":  c.Path(),
			"error": err.Error(),
		})
		return httpError(c, fiber.StatusServiceUnavailable, "service temporarily unavailable")
	}
}

func httpError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}
