// Package assistant exposes device control to voice and chat assistants as
// MCP tools. Every change it makes carries the assistant origin.
package assistant

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"homehub/internal/models"
	"homehub/internal/store"
)

// Hub is the synchronization hub as used by assistant tools.
type Hub interface {
	ApplyStateChange(ctx context.Context, deviceID string, proposed any, origin models.Origin, actorID string) (models.StateUpdate, error)
	QueryState(ctx context.Context, deviceID, actorID string) (models.StateUpdate, error)
}

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

type actorKey struct{}

// WithActor attaches the calling user's id to ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

type Server struct {
	mcpServer *server.MCPServer
	hub       Hub
	devices   store.DeviceRepository
	logger    *zap.Logger
}

func NewServer(hub Hub, devices store.DeviceRepository, logger *zap.Logger) *Server {
	s := &Server{
		hub:     hub,
		devices: devices,
		logger:  logger,
	}
	s.mcpServer = server.NewMCPServer(
		"homehub",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// HTTPHandler serves the tools over streamable HTTP. The bearer token of
// each request decides the acting user.
func (s *Server) HTTPHandler(tokens TokenValidator) http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			actorID, err := tokens.ValidateToken(ctx, r.Header.Get("Authorization"))
			if err != nil {
				return ctx
			}
			return WithActor(ctx, actorID)
		}),
	)
}
