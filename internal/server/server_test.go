package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/auth"
	"conversation-service/internal/client"
	"conversation-service/internal/clock"
	"conversation-service/internal/lockmap"
	"conversation-service/internal/models"
	"conversation-service/internal/pipeline"
	"conversation-service/internal/presence"
	"conversation-service/internal/repositories"
	"conversation-service/internal/users"
	"conversation-service/internal/ws"
)

const testSecret = "e2e-secret"

type stack struct {
	srv    *httptest.Server
	store  *repositories.MemoryStore
	hub    *ws.Hub
	issuer *auth.JWTResolver
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := repositories.NewMemoryStore()
	locks := lockmap.New()
	clk := clock.Real()
	hub := ws.NewHub(store)
	names := users.NewMemo(nil)
	issuer := auth.NewJWTResolver(testSecret)

	coord := presence.NewCoordinator(hub, store, store, locks, clk, presence.Options{
		TypingTTL:     300 * time.Millisecond,
		SweepInterval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coord.Run(ctx)
	}()

	router := NewRouter(Deps{
		Conversations: store,
		Messages:      store,
		Resolver:      names.Wrap(issuer),
		Directory:     names,
		Hub:           hub,
		Pipeline:      pipeline.New(store, store, hub, locks, clk, nil, pipeline.Options{}),
		Presence:      coord,
		Clock:         clk,
		Connection:    ws.ConnectionOptions{QueueSize: 64, WriteTimeout: time.Second},
		DebugRoutes:   true,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		wg.Wait()
	})
	return &stack{srv: srv, store: store, hub: hub, issuer: issuer}
}

func (s *stack) token(t *testing.T, id, name string) string {
	t.Helper()
	token, err := s.issuer.IssueToken(models.Identity{ID: id, Name: name}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return token
}

func (s *stack) fallback(t *testing.T, id, name string) *client.FallbackClient {
	return client.NewFallbackClient(s.srv.URL, s.token(t, id, name), s.srv.Client())
}

// connect starts a live session for id and waits until the server has
// admitted it.
func (s *stack) connect(t *testing.T, id, name string) *client.Session {
	t.Helper()
	token := s.token(t, id, name)
	session := client.NewSession(client.SessionOptions{
		URL:          "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws",
		Token:        token,
		Self:         models.Identity{ID: id, Name: name},
		Fallback:     client.NewFallbackClient(s.srv.URL, token, s.srv.Client()),
		TypingWindow: 300 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, session, client.EventConnected, "")
	return session
}

func waitFor(t *testing.T, s *client.Session, name, conversationID string) client.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Name == name && (conversationID == "" || ev.ConversationID == conversationID) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return client.Event{}
		}
	}
}

func TestIndividualConversationOverLiveChannels(t *testing.T) {
	st := newStack(t)
	alice := st.connect(t, "alice", "Alice")
	bob := st.connect(t, "bob", "Bob")
	require.Eventually(t, func() bool { return st.hub.Count() == 2 }, time.Second, 10*time.Millisecond)

	conv, err := st.fallback(t, "alice", "Alice").CreateConversation(context.Background(), client.CreateConversationRequest{ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	assert.Equal(t, "Bob", conv.Title)

	_, err = bob.Open(context.Background(), conv.ID)
	require.NoError(t, err)

	tempID, err := alice.Send(context.Background(), models.SendMessageRequest{ConversationID: conv.ID, Content: "hi bob"})
	require.NoError(t, err)
	ack := waitFor(t, alice, models.EventMessageAck, conv.ID)
	assert.Equal(t, tempID, ack.TempID)

	received := waitFor(t, bob, models.EventNewMessage, conv.ID)
	assert.Equal(t, ack.MessageID, received.MessageID)

	// Bob has the conversation open, so the arrival is acknowledged and
	// alice learns about it.
	read := waitFor(t, alice, models.EventMessagesRead, conv.ID)
	assert.Equal(t, "bob", read.UserID)
	msg, ok := alice.View(conv.ID).Message(ack.MessageID)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"alice", "bob"}, msg.ReadBy)

	require.NoError(t, alice.Delete(context.Background(), ack.MessageID))
	waitFor(t, bob, models.EventMessageUpdated, conv.ID)
	deleted, ok := bob.View(conv.ID).Message(ack.MessageID)
	require.True(t, ok)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	stored, err := st.store.GetMessage(context.Background(), ack.MessageID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
}

func TestReplyViaFallbackIsVisibleAfterLiveJoin(t *testing.T) {
	st := newStack(t)
	aliceHTTP := st.fallback(t, "alice", "Alice")
	bobHTTP := st.fallback(t, "bob", "Bob")

	conv, err := aliceHTTP.CreateConversation(context.Background(), client.CreateConversationRequest{ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)
	question, err := bobHTTP.Send(context.Background(), models.SendMessageRequest{ConversationID: conv.ID, Content: "question?"})
	require.NoError(t, err)
	reply, err := aliceHTTP.Send(context.Background(), models.SendMessageRequest{ConversationID: conv.ID, Content: "answer", ReplyTo: question.ID})
	require.NoError(t, err)
	assert.Equal(t, question.ID, reply.ReplyTo)

	bob := st.connect(t, "bob", "Bob")
	view, err := bob.Open(context.Background(), conv.ID)
	require.NoError(t, err)

	got, ok := view.Message(reply.ID)
	require.True(t, ok)
	target, state := view.ReplyTarget(got)
	assert.Equal(t, client.ReplyLive, state)
	assert.Equal(t, "question?", target.Content)
}

func TestTypingReachesPeerAndExpires(t *testing.T) {
	st := newStack(t)
	alice := st.connect(t, "alice", "Alice")
	bob := st.connect(t, "bob", "Bob")

	conv, err := st.fallback(t, "alice", "Alice").CreateConversation(context.Background(), client.CreateConversationRequest{ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)

	alice.Keystroke(conv.ID)
	waitFor(t, bob, models.EventUserTyping, conv.ID)
	assert.True(t, bob.Typing().IsTyping(conv.ID, "alice"))

	require.Eventually(t, func() bool {
		return !bob.Typing().IsTyping(conv.ID, "alice")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLiveSendRejectionRollsBack(t *testing.T) {
	st := newStack(t)
	alice := st.connect(t, "alice", "Alice")

	conv, err := st.fallback(t, "alice", "Alice").CreateConversation(context.Background(), client.CreateConversationRequest{ParticipantIDs: []string{"bob"}})
	require.NoError(t, err)

	tempID, err := alice.Send(context.Background(), models.SendMessageRequest{ConversationID: conv.ID, Content: "   "})
	require.NoError(t, err)
	failed := waitFor(t, alice, client.EventSendFailed, conv.ID)
	assert.Equal(t, tempID, failed.TempID)
	waitFor(t, alice, client.EventRolledBack, conv.ID)
	assert.Empty(t, alice.View(conv.ID).Entries())
}

func TestLiveChannelRequiresToken(t *testing.T) {
	st := newStack(t)
	url := "ws" + strings.TrimPrefix(st.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+st.token(t, "carol", "Carol"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestGatewayRequiresToken(t *testing.T) {
	st := newStack(t)
	resp, err := st.srv.Client().Get(st.srv.URL + "/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperationalRoutes(t *testing.T) {
	st := newStack(t)

	resp, err := st.srv.Client().Get(st.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// One request first so the HTTP counters have a sample.
	resp, err = st.srv.Client().Get(st.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = st.srv.Client().Get(st.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chat_http_requests_total")

	resp, err = st.srv.Client().Get(st.srv.URL + "/debug/connections")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
