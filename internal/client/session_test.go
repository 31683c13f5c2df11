package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/apperror"
	"conversation-service/internal/models"
)

// scriptedServer upgrades one live channel and hands its frames to the
// test.
type scriptedServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	frames chan models.Envelope
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	s := &scriptedServer{conns: make(chan *websocket.Conn, 4), frames: make(chan models.Envelope, 64)}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if json.Unmarshal(data, &env) == nil {
				s.frames <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *scriptedServer) nextFrame(t *testing.T, event string) models.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.frames:
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s frame", event)
		}
	}
}

func push(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := models.NewEnvelope(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func waitEvent(t *testing.T, s *Session, name string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", name)
		}
	}
}

func startSession(t *testing.T, srv *scriptedServer) (*Session, *websocket.Conn) {
	t.Helper()
	s := NewSession(SessionOptions{URL: srv.wsURL(), Token: "tok", Self: models.Identity{ID: "alice", Name: "Alice"}})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	waitEvent(t, s, EventConnected)
	srv.nextFrame(t, models.EventJoinConversations)
	return s, <-srv.conns
}

func TestSessionMergesAndMarksActiveConversationRead(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Type: models.MessageText, Content: "hi", ReadBy: []string{"bob"}, CreatedAt: time.Now()}
	push(t, conn, models.EventNewMessage, msg)
	push(t, conn, models.EventNewMessage, msg)

	waitEvent(t, s, models.EventNewMessage)
	read := srv.nextFrame(t, models.EventMarkRead)
	var req models.MarkReadRequest
	require.NoError(t, json.Unmarshal(read.Data, &req))
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "m1", req.UptoMessageID)

	assert.Len(t, s.View("c1").Entries(), 1)
}

func TestSessionSendConfirmsOnAck(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	tempID, err := s.Send(context.Background(), models.SendMessageRequest{ConversationID: "c1", Content: "hello"})
	require.NoError(t, err)
	frame := srv.nextFrame(t, models.EventSendMessage)
	var req models.SendMessageRequest
	require.NoError(t, json.Unmarshal(frame.Data, &req))
	assert.Equal(t, tempID, req.TempID)

	push(t, conn, models.EventMessageAck, models.MessageAckEvent{TempID: tempID, Message: models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Content: "hello", CreatedAt: time.Now(),
	}})
	ev := waitEvent(t, s, models.EventMessageAck)
	assert.Equal(t, tempID, ev.TempID)

	entries := s.View("c1").Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
}

func TestSessionErrorEventRollsBackRejectedSend(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	tempID, err := s.Send(context.Background(), models.SendMessageRequest{ConversationID: "c1", Content: "too long"})
	require.NoError(t, err)
	srv.nextFrame(t, models.EventSendMessage)

	push(t, conn, models.EventError, models.ErrorEvent{Message: "message content is too long", Code: "validation", TempID: tempID})
	failed := waitEvent(t, s, EventSendFailed)
	assert.Equal(t, tempID, failed.TempID)
	waitEvent(t, s, EventRolledBack)
	assert.Empty(t, s.View("c1").Entries())
}

func TestSessionResendsUnackedMessageAfterReconnect(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	tempID, err := s.Send(context.Background(), models.SendMessageRequest{ConversationID: "c1", Content: "are you there"})
	require.NoError(t, err)
	srv.nextFrame(t, models.EventSendMessage)
	require.NoError(t, conn.Close())

	waitEvent(t, s, EventDisconnected)
	waitEvent(t, s, EventConnected)
	again := srv.nextFrame(t, models.EventSendMessage)
	var req models.SendMessageRequest
	require.NoError(t, json.Unmarshal(again.Data, &req))
	assert.Equal(t, tempID, req.TempID)
	assert.Equal(t, "are you there", req.Content)

	conn = <-srv.conns
	push(t, conn, models.EventMessageAck, models.MessageAckEvent{TempID: tempID, Message: models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Content: "are you there", CreatedAt: time.Now(),
	}})
	waitEvent(t, s, models.EventMessageAck)

	entries := s.View("c1").Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, StatusSent, entries[0].Status)
}

func TestSessionSurfacesRefusedEditAndDelete(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	require.NoError(t, s.Edit(context.Background(), "m1", "changed"))
	srv.nextFrame(t, models.EventEditMessage)
	push(t, conn, models.EventError, models.ErrorEvent{
		Message: "only the sender can change a message", Code: "ownership",
		Request: models.EventEditMessage, MessageID: "m1",
	})
	ev := waitEvent(t, s, EventEditFailed)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, apperror.Ownership, apperror.KindOf(ev.Err))

	require.NoError(t, s.Delete(context.Background(), "m9"))
	srv.nextFrame(t, models.EventDeleteMessage)
	push(t, conn, models.EventError, models.ErrorEvent{
		Message: "message not found", Code: "not_found",
		Request: models.EventDeleteMessage, MessageID: "m9",
	})
	ev = waitEvent(t, s, EventDeleteFailed)
	assert.Equal(t, "m9", ev.MessageID)
	assert.Equal(t, apperror.NotFound, apperror.KindOf(ev.Err))
}

func TestSessionTypingFromOthersOnly(t *testing.T) {
	srv := newScriptedServer(t)
	s, conn := startSession(t, srv)

	push(t, conn, models.EventUserTyping, models.UserTypingEvent{ConversationID: "c1", UserID: "alice", IsTyping: true})
	push(t, conn, models.EventUserTyping, models.UserTypingEvent{ConversationID: "c1", UserID: "bob", IsTyping: true})
	ev := waitEvent(t, s, models.EventUserTyping)
	assert.Equal(t, "bob", ev.UserID)
	assert.Equal(t, []string{"bob"}, s.Typing().Typing("c1"))
}

func TestSessionOfflineSendUsesFallback(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"message could not be saved","retryable":true}`))
			return
		}
		var req models.SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Type: models.MessageText, Content: req.Content, TempID: req.TempID})
	}))
	defer srv.Close()

	s := NewSession(SessionOptions{Self: models.Identity{ID: "alice"}, Fallback: NewFallbackClient(srv.URL, "tok", nil)})
	tempID, err := s.Send(context.Background(), models.SendMessageRequest{ConversationID: "c1", Content: "offline"})
	require.Error(t, err)

	entry, ok := s.View("c1").Pending(tempID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)

	require.NoError(t, s.RetrySend(context.Background(), "c1", tempID))
	entries := s.View("c1").Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Message.ID)
}

func TestSessionRejectedTokenStopsRun(t *testing.T) {
	srv := newScriptedServer(t)
	s := NewSession(SessionOptions{URL: srv.wsURL(), Token: "wrong", Self: models.Identity{ID: "alice"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
