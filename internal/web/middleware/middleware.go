package middleware

import (
	"context"

	"go.uber.org/zap"
)

// TokenValidator resolves a bearer token to the actor id behind it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

type MiddlewareManager struct {
	auth   TokenValidator
	logger *zap.Logger
}

func NewMiddlewareManager(auth TokenValidator, logger *zap.Logger) *MiddlewareManager {
	return &MiddlewareManager{
		auth:   auth,
		logger: logger,
	}
}
