package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/mocks"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
	"conversation-service/internal/ws"
)

type broadcast struct {
	conversationID string
	event          string
	data           any
	exclude        ws.Channel
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast
}

func (r *recorder) Broadcast(ctx context.Context, conversationID, event string, data any, exclude ws.Channel) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, broadcast{conversationID: conversationID, event: event, data: data, exclude: exclude})
	return 1
}

func (r *recorder) named(event string) []broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast
	for _, b := range r.events {
		if b.event == event {
			out = append(out, b)
		}
	}
	return out
}

type auditRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditRecorder) MessageAction(ctx context.Context, action, conversationID, messageID, userID, requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action+":"+messageID)
}

type originChannel struct{ id string }

func (o originChannel) ID() string { return o.id }
func (o originChannel) Identity() models.Identity { return models.Identity{ID: "alice"} }
func (o originChannel) Enqueue([]byte) error { return nil }
func (o originChannel) Close(string) {}
func (o originChannel) Context() context.Context { return context.Background() }

var (
	alice = models.Identity{ID: "alice", Name: "Alice"}
	bob   = models.Identity{ID: "bob", Name: "Bob"}
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	store    *repositories.MemoryStore
	hub      *recorder
	audit    *auditRecorder
	clock    *clock.FakeClock
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositories.NewMemoryStore()
	for _, conv := range []models.Conversation{
		{ID: "c1", Kind: models.KindIndividual, Participants: []string{"alice", "bob"}},
		{ID: "c2", Kind: models.KindGroup, Title: "other", Participants: []string{"alice", "carol"}},
	} {
		conv.CreatedAt, conv.UpdatedAt = start, start
		_, err := store.CreateConversation(context.Background(), conv)
		require.NoError(t, err)
	}
	f := &fixture{store: store, hub: &recorder{}, audit: &auditRecorder{}, clock: clock.Fake(start)}
	f.pipeline = New(store, store, f.hub, lockmap.New(), f.clock, f.audit, Options{MaxMessageLength: 20, PersistTimeout: time.Second})
	return f
}

func (f *fixture) send(t *testing.T, sender models.Identity, conversationID, content string) models.Message {
	t.Helper()
	msg, err := f.pipeline.Send(context.Background(), sender, models.SendMessageRequest{
		ConversationID: conversationID,
		Content:        content,
	}, nil)
	require.NoError(t, err)
	return msg
}

func TestSendPersistsAndDistributes(t *testing.T) {
	f := newFixture(t)
	origin := originChannel{id: "alice-tab"}

	msg, err := f.pipeline.Send(context.Background(), alice, models.SendMessageRequest{
		ConversationID: "c1",
		Content:        "hi",
		TempID:         "tmp-1",
	}, origin)
	require.NoError(t, err)

	assert.Equal(t, models.MessageText, msg.Type)
	assert.Equal(t, []string{"alice"}, msg.ReadBy)
	assert.Equal(t, "tmp-1", msg.TempID)
	assert.True(t, msg.CreatedAt.After(start))

	news := f.hub.named(models.EventNewMessage)
	require.Len(t, news, 1)
	assert.Equal(t, origin, news[0].exclude)
	assert.Equal(t, msg, news[0].data)

	updates := f.hub.named(models.EventConversationUpdated)
	require.Len(t, updates, 1)
	assert.Nil(t, updates[0].exclude)
	assert.Equal(t, msg.ID, updates[0].data.(models.ConversationUpdatedEvent).LastMessage.MessageID)

	conv, err := f.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, conv.LastMessage.MessageID)
	assert.Equal(t, msg.CreatedAt, conv.UpdatedAt)
}

func TestSendConcurrentOrderMatchesBroadcastOrder(t *testing.T) {
	f := newFixture(t)
	f.pipeline.opts.MaxMessageLength = 100

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			_, err := f.pipeline.Send(context.Background(), sender, models.SendMessageRequest{
				ConversationID: "c1",
				Content:        fmt.Sprintf("message %d", i),
			}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	persisted, err := f.store.ListMessages(context.Background(), "c1", models.MessagePage{})
	require.NoError(t, err)
	require.Len(t, persisted, 40)

	news := f.hub.named(models.EventNewMessage)
	require.Len(t, news, 40)
	for i, b := range news {
		assert.Equal(t, persisted[i].ID, b.data.(models.Message).ID, "broadcast %d out of order", i)
		if i > 0 {
			assert.True(t, persisted[i].CreatedAt.After(persisted[i-1].CreatedAt))
		}
	}
}

func TestSendRejections(t *testing.T) {
	cases := []struct {
		name   string
		sender models.Identity
		req    models.SendMessageRequest
		kind   apperror.Kind
	}{
		{"missing conversation", alice, models.SendMessageRequest{ConversationID: "nope", Content: "hi"}, apperror.NotFound},
		{"not a participant", bob, models.SendMessageRequest{ConversationID: "c2", Content: "hi"}, apperror.Validation},
		{"blank text", alice, models.SendMessageRequest{ConversationID: "c1", Content: "   "}, apperror.Validation},
		{"image without media", alice, models.SendMessageRequest{ConversationID: "c1", Type: models.MessageImage}, apperror.Validation},
		{"unknown type", alice, models.SendMessageRequest{ConversationID: "c1", Type: "audio", Content: "x"}, apperror.Validation},
		{"too long", alice, models.SendMessageRequest{ConversationID: "c1", Content: strings.Repeat("a", 21)}, apperror.Validation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.pipeline.Send(context.Background(), tc.sender, tc.req, nil)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperror.KindOf(err))
			assert.Empty(t, f.hub.events)
		})
	}
}

func TestSendMediaMessage(t *testing.T) {
	f := newFixture(t)
	msg, err := f.pipeline.Send(context.Background(), alice, models.SendMessageRequest{
		ConversationID: "c1",
		Type:           models.MessageImage,
		MediaURL:       "/media/cat.png",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.MessageImage, msg.Type)
	assert.Equal(t, "/media/cat.png", msg.MediaURL)
}

func TestSendReplyResolution(t *testing.T) {
	f := newFixture(t)
	target := f.send(t, alice, "c1", "question")
	elsewhere := f.send(t, alice, "c2", "elsewhere")

	reply, err := f.pipeline.Send(context.Background(), bob, models.SendMessageRequest{ConversationID: "c1", Content: "answer", ReplyTo: target.ID}, nil)
	require.NoError(t, err)
	assert.Equal(t, target.ID, reply.ReplyTo)

	missing, err := f.pipeline.Send(context.Background(), bob, models.SendMessageRequest{ConversationID: "c1", Content: "huh", ReplyTo: "gone"}, nil)
	require.NoError(t, err)
	assert.Empty(t, missing.ReplyTo)

	foreign, err := f.pipeline.Send(context.Background(), alice, models.SendMessageRequest{ConversationID: "c1", Content: "x", ReplyTo: elsewhere.ID}, nil)
	require.NoError(t, err)
	assert.Empty(t, foreign.ReplyTo)
}

func TestSendPersistenceFailureIsTransient(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	messages := new(mocks.MessageRepositoryMock)
	convs.On("GetConversation", mock.Anything, "c1").Return(models.Conversation{
		ID: "c1", Kind: models.KindIndividual, Participants: []string{"alice", "bob"}, UpdatedAt: start,
	}, nil)
	messages.On("AppendMessage", mock.Anything, mock.AnythingOfType("models.Message")).Return(nil, errors.New("connection reset"))

	hub := &recorder{}
	p := New(convs, messages, hub, lockmap.New(), clock.Fake(start), nil, Options{})
	_, err := p.Send(context.Background(), alice, models.SendMessageRequest{ConversationID: "c1", Content: "hi"}, nil)

	require.Error(t, err)
	assert.Equal(t, apperror.Transient, apperror.KindOf(err))
	assert.True(t, apperror.IsRetryable(err))
	assert.Empty(t, hub.events)
	messages.AssertExpectations(t)
}

type cancellingStore struct {
	*repositories.MemoryStore
	cancel context.CancelFunc
}

func (s cancellingStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	s.cancel()
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	return s.MemoryStore.AppendMessage(ctx, msg)
}

func TestSendSurvivesCallerCancellationAfterValidation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	store := cancellingStore{MemoryStore: f.store, cancel: cancel}
	p := New(f.store, store, f.hub, lockmap.New(), f.clock, nil, Options{})

	msg, err := p.Send(ctx, alice, models.SendMessageRequest{ConversationID: "c1", Content: "still here"}, nil)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	stored, err := f.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "still here", stored.Content)
	assert.Len(t, f.hub.named(models.EventNewMessage), 1)
}

func TestEditRoundTrip(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, alice, "c1", "helo")

	edited, err := f.pipeline.Edit(context.Background(), alice, models.EditMessageRequest{MessageID: msg.ID, Content: "hello"}, nil)
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "hello", edited.Content)

	updates := f.hub.named(models.EventMessageUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, edited, updates[0].data)
	assert.Len(t, f.hub.named(models.EventConversationUpdated), 2)
	assert.Equal(t, []string{"edited:" + msg.ID}, f.audit.actions)
}

func TestEditRejections(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, alice, "c1", "original")

	_, err := f.pipeline.Edit(context.Background(), bob, models.EditMessageRequest{MessageID: msg.ID, Content: "hijack"}, nil)
	assert.Equal(t, apperror.Ownership, apperror.KindOf(err))

	_, err = f.pipeline.Edit(context.Background(), alice, models.EditMessageRequest{MessageID: msg.ID, Content: " "}, nil)
	assert.Equal(t, apperror.Validation, apperror.KindOf(err))

	_, err = f.pipeline.Edit(context.Background(), alice, models.EditMessageRequest{MessageID: "missing", Content: "x"}, nil)
	assert.Equal(t, apperror.NotFound, apperror.KindOf(err))

	_, err = f.pipeline.Delete(context.Background(), alice, msg.ID, nil)
	require.NoError(t, err)
	_, err = f.pipeline.Edit(context.Background(), alice, models.EditMessageRequest{MessageID: msg.ID, Content: "revive"}, nil)
	assert.Equal(t, apperror.Validation, apperror.KindOf(err))
}

func TestDeleteIsSoftAndIdempotent(t *testing.T) {
	f := newFixture(t)
	target := f.send(t, alice, "c1", "oops")
	reply, err := f.pipeline.Send(context.Background(), bob, models.SendMessageRequest{ConversationID: "c1", Content: "what?", ReplyTo: target.ID}, nil)
	require.NoError(t, err)

	deleted, err := f.pipeline.Delete(context.Background(), alice, target.ID, nil)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)
	assert.Empty(t, deleted.MediaURL)
	require.Len(t, f.hub.named(models.EventMessageUpdated), 1)

	again, err := f.pipeline.Delete(context.Background(), alice, target.ID, nil)
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)
	assert.Len(t, f.hub.named(models.EventMessageUpdated), 1)
	assert.Equal(t, []string{"deleted:" + target.ID}, f.audit.actions)

	stillReply, err := f.store.GetMessage(context.Background(), reply.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, stillReply.ReplyTo)

	_, err = f.pipeline.Delete(context.Background(), bob, reply.ID+"x", nil)
	assert.Equal(t, apperror.NotFound, apperror.KindOf(err))
	_, err = f.pipeline.Delete(context.Background(), alice, reply.ID, nil)
	assert.Equal(t, apperror.Ownership, apperror.KindOf(err))
}

func TestStageNames(t *testing.T) {
	assert.Equal(t, "received", Received.String())
	assert.Equal(t, "acknowledged", Acknowledged.String())
	assert.Equal(t, "rejected", Rejected.String())
}
