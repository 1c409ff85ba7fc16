package http

import (
	"context"
	"net/http"

	"navideo/internal/core/domain"
	apperrors "navideo/pkg/errors"
	"navideo/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomReader is the read-only view of the room registry served over HTTP.
type RoomReader interface {
	Members(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
	Rooms(ctx context.Context) ([]domain.RoomSummary, error)
}

type RoomHandler struct {
	rooms RoomReader
}

func NewRoomHandler(rooms RoomReader) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id/members", h.ListMembers)
	}
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.Rooms(c.Request.Context())
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room registry unavailable", http.StatusServiceUnavailable))
		return
	}
	if rooms == nil {
		rooms = []domain.RoomSummary{}
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) ListMembers(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	members, err := h.rooms.Members(c.Request.Context(), domain.RoomID(id))
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room registry unavailable", http.StatusServiceUnavailable))
		return
	}
	if len(members) == 0 {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", id))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":    id,
		"members": members,
	})
}
