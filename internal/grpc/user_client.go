package grpc

import (
	"context"

	grpc "google.golang.org/grpc"
)

const bulkUsersMethod = "/user.UserInternal/BulkUsers"

type bulkUsersRequest struct {
	IDs []string `json:"ids"`
}

type userRecord struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type bulkUsersResponse struct {
	Users []userRecord `json:"users"`
}

// UserClient wraps the user-service gRPC client.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the wrapper.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// DisplayNames fetches multiple users in one call.
func (u *UserClient) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}
	var resp bulkUsersResponse
	if err := u.conn.Invoke(ctx, bulkUsersMethod, &bulkUsersRequest{IDs: ids}, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	for _, user := range resp.Users {
		names[user.ID] = user.Username
	}
	return names, nil
}
