package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"homehub/internal/models"
	"homehub/internal/web/middleware"
)

// TaskService is the owner-facing task API.
type TaskService interface {
	Create(ctx context.Context, ownerID string, raw []byte) (*models.Task, error)
	Update(ctx context.Context, ownerID, taskID string, patch []byte) (*models.Task, error)
	Cancel(ctx context.Context, ownerID, taskID string) (*models.Task, error)
	Delete(ctx context.Context, ownerID, taskID string) error
	Get(ctx context.Context, ownerID, taskID string) (*models.Task, error)
	List(ctx context.Context, ownerID string) ([]models.Task, error)
}

func RegisterAutomationRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, tasks TaskService) {
	automations := r.Group("/tasks")
	automations.Use(middleware.RequireAuth())
	{
		automations.GET("", func(c *gin.Context) {
			list, err := tasks.List(c.Request.Context(), actor(c))
			if err != nil {
				respondError(c, err)
				return
			}
			if list == nil {
				list = []models.Task{}
			}
			c.JSON(http.StatusOK, list)
		})

		automations.POST("", func(c *gin.Context) {
			raw, err := c.GetRawData()
			if err != nil {
				badRequest(c, "unreadable body")
				return
			}
			task, err := tasks.Create(c.Request.Context(), actor(c), raw)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusCreated, task)
		})

		automations.GET("/:id", func(c *gin.Context) {
			task, err := tasks.Get(c.Request.Context(), actor(c), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, task)
		})

		automations.PATCH("/:id", func(c *gin.Context) {
			raw, err := c.GetRawData()
			if err != nil {
				badRequest(c, "unreadable body")
				return
			}
			task, err := tasks.Update(c.Request.Context(), actor(c), c.Param("id"), raw)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, task)
		})

		automations.POST("/:id/cancel", func(c *gin.Context) {
			task, err := tasks.Cancel(c.Request.Context(), actor(c), c.Param("id"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, task)
		})

		automations.DELETE("/:id", func(c *gin.Context) {
			if err := tasks.Delete(c.Request.Context(), actor(c), c.Param("id")); err != nil {
				respondError(c, err)
				return
			}
			c.Status(http.StatusNoContent)
		})
	}
}
