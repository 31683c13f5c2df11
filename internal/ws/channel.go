package ws

import (
	"context"
	"errors"

	"conversation-service/internal/models"
)

var (
	ErrQueueFull     = errors.New("send queue full")
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is one live, bidirectional client connection.
type Channel interface {
	ID() string
	Identity() models.Identity
	// Enqueue hands payload to the channel's writer without blocking.
	Enqueue(payload []byte) error
	Close(reason string)
	// Context is cancelled when the channel closes.
	Context() context.Context
}
