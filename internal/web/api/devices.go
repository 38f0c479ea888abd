package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/internal/esp"
	"homehub/internal/hub"
	"homehub/internal/models"
	"homehub/internal/store"
	"homehub/internal/web/middleware"
	webModels "homehub/internal/web/models"
)

// StateHub is the synchronization hub as seen by HTTP and socket clients.
type StateHub interface {
	ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error)
	QueryState(ctx context.Context, deviceID, actorID string) (models.StateUpdate, error)
	CurrentState(ctx context.Context, deviceID string) (string, error)
}

type SlotAssigner interface {
	AssignOrder(ctx context.Context, actorID, deviceID string, order int) (*models.Device, error)
}

type DeviceDeps struct {
	Hub     StateHub
	Slots   SlotAssigner
	Devices store.DeviceRepository
	Rooms   store.RoomRepository
}

func RegisterDeviceRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, deps DeviceDeps) {
	devices := r.Group("/devices")
	devices.Use(middleware.RequireAuth())
	{
		devices.GET("/:id/state", func(c *gin.Context) {
			u, err := deps.Hub.QueryState(c.Request.Context(), c.Param("id"), actor(c))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, u)
		})

		devices.PUT("/:id/state", func(c *gin.Context) {
			var req webModels.SetStateRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "body must be {\"state\": <value>}")
				return
			}
			u, err := deps.Hub.ApplyStateChange(c.Request.Context(), c.Param("id"), req.State, models.OriginUser, actor(c))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, u)
		})

		devices.PATCH("/:id/order", func(c *gin.Context) {
			var req webModels.AssignOrderRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "body must be {\"order\": <0-6>}")
				return
			}
			d, err := deps.Slots.AssignOrder(c.Request.Context(), actor(c), c.Param("id"), *req.Order)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, d)
		})
	}

	rooms := r.Group("/rooms")
	rooms.Use(middleware.RequireAuth())
	{
		rooms.GET("/:id/devices", func(c *gin.Context) {
			list, err := visibleRoomDevices(c.Request.Context(), deps, c.Param("id"), actor(c))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, list)
		})
	}
}

// visibleRoomDevices returns every device to the room owner and the
// controllable subset to anyone else. A caller who sees nothing is refused.
func visibleRoomDevices(ctx context.Context, deps DeviceDeps, roomID, actorID string) ([]models.Device, error) {
	room, err := deps.Rooms.FindRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	devices, err := deps.Devices.ListRoomDevices(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.OwnerID == actorID {
		return devices, nil
	}
	visible := make([]models.Device, 0, len(devices))
	for _, d := range devices {
		if d.CanBeControlledBy(actorID) {
			visible = append(visible, d)
		}
	}
	if len(visible) == 0 {
		return nil, hub.ErrForbidden
	}
	return visible, nil
}

func actor(c *gin.Context) string {
	return c.GetString(middleware.ActorKey)
}

var _ SlotAssigner = (*esp.Adapter)(nil)
