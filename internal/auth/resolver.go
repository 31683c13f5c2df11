// Package auth maps inbound credentials to participant identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"conversation-service/internal/apperror"
	"conversation-service/internal/models"
)

// Resolver validates a bearer token and returns the identity behind it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (models.Identity, error)
}

// ErrMissingToken is returned when a request carries no credential.
var ErrMissingToken = errors.New("missing token")

// TokenFromRequest extracts a bearer token from the Authorization header
// or, for browser websocket clients, the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
			return "", errors.New("invalid authorization header")
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Claims are the JWT claims issued by the platform's auth service.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HMAC-signed tokens locally.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver constructs a JWTResolver for secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (models.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return models.Identity{}, apperror.AuthenticationFailure("auth.resolve", err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return models.Identity{}, apperror.AuthenticationFailure("auth.resolve", errors.New("token has no user"))
	}
	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	return models.Identity{ID: claims.UserID, Name: name}, nil
}

// IssueToken signs a token for identity. Used by tooling and tests.
func (r *JWTResolver) IssueToken(identity models.Identity, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           identity.ID,
		Name:             identity.Name,
		RegisteredClaims: claims,
	})
	return token.SignedString(r.secret)
}
