package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"homehub/internal/store"
	"homehub/internal/web/api"
	"homehub/internal/web/middleware"
)

type Deps struct {
	Addr     string
	Tokens   middleware.TokenValidator
	Hub      api.StateHub
	Slots    api.SlotAssigner
	Devices  store.DeviceRepository
	Rooms    store.RoomRepository
	Tasks    api.TaskService
	Registry api.Registry
	ESP      api.ESPGateway
	// Assistant is mounted at /assistant/mcp when set.
	Assistant http.Handler
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

type WebServer struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

func NewWebServer(deps Deps) *WebServer {
	router := gin.New()
	middlewareManager := middleware.NewMiddlewareManager(deps.Tokens, deps.Logger)

	router.Use(gin.Recovery(), middlewareManager.AccessLog())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Assistant != nil {
		router.Any("/assistant/mcp", gin.WrapH(deps.Assistant))
	}

	api.RegisterDeviceRoutes(router, middlewareManager, api.DeviceDeps{
		Hub:     deps.Hub,
		Slots:   deps.Slots,
		Devices: deps.Devices,
		Rooms:   deps.Rooms,
	})
	api.RegisterAutomationRoutes(router, middlewareManager, deps.Tasks)
	api.RegisterSocketRoutes(router, middlewareManager, api.SocketDeps{
		Registry: deps.Registry,
		Hub:      deps.Hub,
		Devices:  deps.Devices,
		Rooms:    deps.Rooms,
		ESP:      deps.ESP,
		Logger:   deps.Logger,
	})

	return &WebServer{
		router: router,
		srv: &http.Server{
			Addr:              deps.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: deps.Logger,
	}
}

func (ws *WebServer) Handler() http.Handler { return ws.router }

// Start serves until Shutdown is called.
func (ws *WebServer) Start() error {
	ws.logger.Info("http server listening", zap.String("addr", ws.srv.Addr))
	if err := ws.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ws *WebServer) Shutdown(ctx context.Context) error {
	return ws.srv.Shutdown(ctx)
}
