// Package auth resolves bearer tokens to actor ids and hashes hardware
// credentials. Account management lives outside the hub.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const sessionTTL = 24 * time.Hour

type AuthModule struct {
	redis     *redis.Client
	JWTSecret string
}

// NewAuthModule validates JWTs signed with secret. When redis is non-nil,
// opaque session tokens stored under session:<token> are accepted as well.
func NewAuthModule(redis *redis.Client, secret string) *AuthModule {
	return &AuthModule{
		redis:     redis,
		JWTSecret: secret,
	}
}

// ValidateToken returns the actor id behind a bearer token. A "Bearer "
// prefix is stripped.
func (a *AuthModule) ValidateToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	userID, err := a.validateJWT(token)
	if err == nil {
		return userID, nil
	}
	if a.redis == nil {
		return "", err
	}
	return a.validateSession(ctx, token)
}

func (a *AuthModule) validateJWT(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.JWTSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	// Older tokens carry a numeric user_id.
	switch id := claims["user_id"].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatInt(int64(id), 10), nil
	}
	return "", fmt.Errorf("%w: missing user_id", ErrInvalidToken)
}

func (a *AuthModule) validateSession(ctx context.Context, token string) (string, error) {
	key := "session:" + token
	userID, err := a.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrInvalidToken
	} else if err != nil {
		return "", err
	}

	ttl, err := a.redis.TTL(ctx, key).Result()
	if err != nil {
		return "", err
	}
	// Refresh only after some time has passed.
	if ttl < sessionTTL-4*time.Hour {
		if err := a.redis.Expire(ctx, key, sessionTTL).Err(); err != nil {
			return "", err
		}
	}
	return userID, nil
}

// HashSecret hashes a room password or a device component number.
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// CompareSecret returns ErrInvalidCredentials when secret does not match hash.
func CompareSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
