package ws

import (
	"context"
	"sync"

	"conversation-service/internal/models"
)

type fakeChannel struct {
	id       string
	identity models.Identity
	capacity int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	frames [][]byte
	closed string
}

func newFakeChannel(id, userID string, capacity int) *fakeChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeChannel{
		id:       id,
		identity: models.Identity{ID: userID, Name: userID},
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (f *fakeChannel) ID() string { return f.id }
func (f *fakeChannel) Identity() models.Identity { return f.identity }
func (f *fakeChannel) Context() context.Context { return f.ctx }

func (f *fakeChannel) Enqueue(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed != "" {
		return ErrChannelClosed
	}
	if f.capacity > 0 && len(f.frames) >= f.capacity {
		return ErrQueueFull
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeChannel) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == "" {
		f.closed = reason
		f.cancel()
	}
}

func (f *fakeChannel) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *fakeChannel) ClosedWith() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type staticLister map[string][]string

func (s staticLister) ListConversationIDs(ctx context.Context, userID string) ([]string, error) {
	return s[userID], nil
}
