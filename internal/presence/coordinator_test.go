package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
	"conversation-service/internal/ws"
)

type sent struct {
	conversationID string
	event          string
	data           any
	exclude        ws.Channel
}

type fakeRooms struct {
	mu     sync.Mutex
	joined map[string]bool
	sent   []sent
}

func (f *fakeRooms) Broadcast(ctx context.Context, conversationID, event string, data any, exclude ws.Channel) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{conversationID: conversationID, event: event, data: data, exclude: exclude})
	return 1
}

func (f *fakeRooms) IsJoined(ch ws.Channel, conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[ch.ID()+"/"+conversationID]
}

func (f *fakeRooms) events() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

type channel struct {
	id       string
	identity models.Identity
}

func (c channel) ID() string { return c.id }
func (c channel) Identity() models.Identity { return c.identity }
func (c channel) Enqueue([]byte) error { return nil }
func (c channel) Close(string) {}
func (c channel) Context() context.Context { return context.Background() }

var (
	start    = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	aliceTab = channel{id: "alice-tab", identity: models.Identity{ID: "alice", Name: "Alice"}}
	bobTab   = channel{id: "bob-tab", identity: models.Identity{ID: "bob", Name: "Bob"}}
)

func newCoordinator(t *testing.T) (*Coordinator, *fakeRooms, *clock.FakeClock, *repositories.MemoryStore) {
	t.Helper()
	store := repositories.NewMemoryStore()
	_, err := store.CreateConversation(context.Background(), models.Conversation{
		ID: "c1", Kind: models.KindIndividual, Participants: []string{"alice", "bob"}, CreatedAt: start, UpdatedAt: start,
	})
	require.NoError(t, err)

	rooms := &fakeRooms{joined: map[string]bool{"alice-tab/c1": true, "bob-tab/c1": true}}
	clk := clock.Fake(start)
	c := NewCoordinator(rooms, store, store, lockmap.New(), clk, Options{TypingTTL: 2 * time.Second, SweepInterval: 500 * time.Millisecond})
	return c, rooms, clk, store
}

func TestSetTypingRequiresMembership(t *testing.T) {
	c, rooms, _, _ := newCoordinator(t)
	stranger := channel{id: "eve-tab", identity: models.Identity{ID: "eve"}}

	err := c.SetTyping(context.Background(), stranger, "c1", true)
	assert.Equal(t, apperror.Validation, apperror.KindOf(err))
	assert.Empty(t, rooms.events())
}

func TestTypingExpiresWithoutExplicitStop(t *testing.T) {
	c, rooms, clk, _ := newCoordinator(t)

	require.NoError(t, c.SetTyping(context.Background(), aliceTab, "c1", true))
	events := rooms.events()
	require.Len(t, events, 1)
	assert.Equal(t, aliceTab, events[0].exclude)
	assert.Equal(t, models.UserTypingEvent{ConversationID: "c1", UserID: "alice", UserName: "Alice", IsTyping: true}, events[0].data)

	clk.Advance(1500 * time.Millisecond)
	assert.Zero(t, c.Sweep(context.Background()))
	assert.True(t, c.Typing("c1", "alice"))

	clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, c.Sweep(context.Background()))
	assert.False(t, c.Typing("c1", "alice"))

	events = rooms.events()
	require.Len(t, events, 2)
	assert.Nil(t, events[1].exclude)
	assert.False(t, events[1].data.(models.UserTypingEvent).IsTyping)
}

func TestTypingStopClearsEntry(t *testing.T) {
	c, rooms, clk, _ := newCoordinator(t)
	require.NoError(t, c.SetTyping(context.Background(), aliceTab, "c1", true))
	require.NoError(t, c.SetTyping(context.Background(), aliceTab, "c1", false))

	clk.Advance(5 * time.Second)
	assert.Zero(t, c.Sweep(context.Background()))
	assert.Len(t, rooms.events(), 2)
}

func TestRunSweepsOnTicker(t *testing.T) {
	c, rooms, clk, _ := newCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	clk.WaitForTimers(1)

	require.NoError(t, c.SetTyping(ctx, bobTab, "c1", true))
	clk.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return len(rooms.events()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestMarkReadBroadcastsOnlyOnChange(t *testing.T) {
	c, rooms, clk, store := newCoordinator(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2"} {
		_, err := store.AppendMessage(ctx, models.Message{
			ID: id, ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Content: "hi",
			ReadBy: []string{"alice"}, CreatedAt: start.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
	}
	clk.Advance(10 * time.Second)

	require.NoError(t, c.MarkRead(ctx, "c1", bobTab.identity, "", bobTab))
	events := rooms.events()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessagesRead, events[0].event)
	assert.Equal(t, models.MessagesReadEvent{ConversationID: "c1", UserID: "bob"}, events[0].data)

	require.NoError(t, c.MarkRead(ctx, "c1", bobTab.identity, "", bobTab))
	assert.Len(t, rooms.events(), 1)

	for _, id := range []string{"m1", "m2"} {
		msg, err := store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, msg.ReadBy)
	}
}

func TestMarkReadUpToMessage(t *testing.T) {
	c, _, _, store := newCoordinator(t)
	ctx := context.Background()
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := store.AppendMessage(ctx, models.Message{
			ID: id, ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Content: "hi",
			ReadBy: []string{"alice"}, CreatedAt: start.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
	}

	require.NoError(t, c.MarkRead(ctx, "c1", bobTab.identity, "m2", nil))
	m2, _ := store.GetMessage(ctx, "m2")
	m3, _ := store.GetMessage(ctx, "m3")
	assert.True(t, m2.IsReadBy("bob"))
	assert.False(t, m3.IsReadBy("bob"))
}

func TestMarkReadFailures(t *testing.T) {
	c, _, _, _ := newCoordinator(t)
	ctx := context.Background()

	err := c.MarkRead(ctx, "missing", bobTab.identity, "", nil)
	assert.Equal(t, apperror.NotFound, apperror.KindOf(err))

	err = c.MarkRead(ctx, "c1", models.Identity{ID: "eve"}, "", nil)
	assert.Equal(t, apperror.Validation, apperror.KindOf(err))

	err = c.MarkRead(ctx, "c1", bobTab.identity, "nope", nil)
	assert.Equal(t, apperror.NotFound, apperror.KindOf(err))
}
