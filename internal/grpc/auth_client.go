package grpc

import (
	"context"
	"errors"

	grpc "google.golang.org/grpc"

	"conversation-service/internal/apperror"
	"conversation-service/internal/models"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

type validateTokenRequest struct {
	Token string `json:"token"`
}

type validateTokenResponse struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// AuthClient resolves identities through the auth-service gRPC API.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Resolve verifies the token and returns the authenticated identity.
func (a *AuthClient) Resolve(ctx context.Context, token string) (models.Identity, error) {
	var resp validateTokenResponse
	err := a.conn.Invoke(ctx, validateTokenMethod, &validateTokenRequest{Token: token}, &resp, grpc.CallContentSubtype(codecName))
	if err != nil {
		return models.Identity{}, apperror.AuthenticationFailure("auth.validate", err)
	}
	if !resp.Valid || resp.UserID == "" {
		return models.Identity{}, apperror.AuthenticationFailure("auth.validate", errors.New("invalid token"))
	}
	name := resp.Username
	if name == "" {
		name = resp.UserID
	}
	return models.Identity{ID: resp.UserID, Name: name}, nil
}
