package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/auth"
	"homehub/internal/automation"
	"homehub/internal/esp"
	"homehub/internal/hub"
	"homehub/internal/store"
)

// classify maps domain errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	var conflict *esp.SlotConflictError
	switch {
	case errors.Is(err, automation.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, hub.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state"
	case errors.Is(err, esp.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, esp.ErrBadRoomPassword):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, hub.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, esp.ErrRoomNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &conflict), errors.Is(err, store.ErrOrderTaken):
		return http.StatusConflict, "slot_conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	body := gin.H{"error": code, "message": err.Error()}
	var conflict *esp.SlotConflictError
	if errors.As(err, &conflict) {
		body["conflict"] = conflict
	}
	if status == http.StatusInternalServerError {
		c.Error(err)
		body["message"] = "internal server error"
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": message})
}
