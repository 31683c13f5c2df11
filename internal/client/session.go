package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"conversation-service/internal/apperror"
	"conversation-service/internal/clock"
	"conversation-service/internal/models"
)

// Session-level events, alongside the server event names.
const (
	EventConnected     = "connected"
	EventDisconnected  = "disconnected"
	EventResynced      = "resynced"
	EventSendFailed    = "send-failed"
	EventRolledBack    = "rolled-back"
	EventEditFailed    = "edit-failed"
	EventDeleteFailed  = "delete-failed"
	EventRequestFailed = "request-failed"
)

const (
	writeWait         = 5 * time.Second
	eventBuffer       = 256
	defaultHistoryLen = 50
)

// ErrOffline is returned when neither the live channel nor a fallback is
// available.
var ErrOffline = errors.New("client: not connected")

// Event tells the embedding UI that something in a view changed.
type Event struct {
	Name           string
	ConversationID string
	MessageID      string
	TempID         string
	UserID         string
	Err            error
}

type SessionOptions struct {
	URL          string
	Token        string
	Self         models.Identity
	Fallback     *FallbackClient
	Clock        clock.Clock
	TypingWindow time.Duration
	HistoryLimit int
	Dialer       *websocket.Dialer
	NewBackOff   func() backoff.BackOff
}

// Session keeps views in sync over the live channel and falls back to the
// gateway when the channel is down.
type Session struct {
	opts   SessionOptions
	typing *TypingIndicators
	events chan Event

	mu      sync.RWMutex
	conn    *websocket.Conn
	views   map[string]*View
	active  string
	typists map[string]*InactivityTimer
	// inflight holds live sends awaiting an ack, keyed by temp id.
	inflight map[string]inflightSend

	writeMu sync.Mutex
}

type inflightSend struct {
	conn           *websocket.Conn
	conversationID string
}

func NewSession(opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = DefaultTypingWindow
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLen
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}

	s := &Session{
		opts:    opts,
		events:  make(chan Event, eventBuffer),
		views:   make(map[string]*View),
		typists:  make(map[string]*InactivityTimer),
		inflight: make(map[string]inflightSend),
	}
	s.typing = NewTypingIndicators(opts.Clock, opts.TypingWindow, func(ev models.UserTypingEvent) {
		s.emit(Event{Name: models.EventUserTyping, ConversationID: ev.ConversationID, UserID: ev.UserID})
	})
	return s
}

// Events delivers view changes. Events are dropped when the reader lags.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) Typing() *TypingIndicators { return s.typing }

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// View returns the view of a conversation, creating it empty.
func (s *Session) View(conversationID string) *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(conversationID)
}

// Run keeps the live channel up until ctx ends, reconnecting with backoff
// and resyncing every open view after each reconnect. Sends left without an
// ack by a lost channel are delivered again once the resync is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.emit(Event{Name: EventConnected})

		if err := s.writeEvent(models.EventJoinConversations, struct{}{}); err != nil {
			log.Warn().Err(err).Msg("join request failed")
		}
		s.resync(ctx)
		s.redeliver(ctx, conn)

		err = s.readLoop(ctx, conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.emit(Event{Name: EventDisconnected, Err: err})

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("user_id", s.opts.Self.ID).Msg("live channel lost, reconnecting")
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)

	op := func() error {
		c, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(apperror.AuthenticationFailure("client.dial", err))
			}
			log.Debug().Err(err).Str("url", s.opts.URL).Msg("live channel dial failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.opts.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(ctx, data)
	}
}

func (s *Session) resync(ctx context.Context) {
	if s.opts.Fallback == nil {
		return
	}
	s.mu.RLock()
	views := make([]*View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.RUnlock()

	for _, v := range views {
		page, err := s.opts.Fallback.History(ctx, v.ConversationID(), time.Time{}, s.opts.HistoryLimit)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", v.ConversationID()).Msg("history resync failed")
			continue
		}
		v.Sync(page.Messages)
		s.emit(Event{Name: EventResynced, ConversationID: v.ConversationID()})
	}
}

// redeliver re-sends placeholders written to an earlier channel and still
// pending after the resync matched what the server had persisted.
func (s *Session) redeliver(ctx context.Context, current *websocket.Conn) {
	type stale struct{ tempID, conversationID string }
	var lost []stale
	s.mu.Lock()
	for tempID, f := range s.inflight {
		if f.conn != current {
			lost = append(lost, stale{tempID, f.conversationID})
			delete(s.inflight, tempID)
		}
	}
	s.mu.Unlock()

	for _, l := range lost {
		view := s.View(l.conversationID)
		req, ok := view.Resend(l.tempID)
		if !ok {
			continue
		}
		log.Debug().Str("conversation_id", l.conversationID).Str("temp_id", l.tempID).Msg("re-sending unacknowledged message")
		if err := s.deliver(ctx, view, req); err != nil {
			log.Warn().Err(err).Str("temp_id", l.tempID).Msg("re-send failed")
		}
	}
}

func (s *Session) dispatch(ctx context.Context, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Msg("malformed live event")
		return
	}

	switch env.Event {
	case models.EventMessageAck:
		var ack models.MessageAckEvent
		if !decodeEvent(env, &ack) {
			return
		}
		s.settle(ack.TempID)
		s.View(ack.Message.ConversationID).Confirm(ack.TempID, ack.Message)
		s.emit(Event{Name: env.Event, ConversationID: ack.Message.ConversationID, MessageID: ack.Message.ID, TempID: ack.TempID})

	case models.EventNewMessage:
		var msg models.Message
		if !decodeEvent(env, &msg) {
			return
		}
		changed := s.View(msg.ConversationID).Merge(msg)
		s.typing.Clear(msg.ConversationID, msg.SenderID)
		if changed {
			s.emit(Event{Name: env.Event, ConversationID: msg.ConversationID, MessageID: msg.ID, UserID: msg.SenderID})
		}
		if msg.SenderID != s.opts.Self.ID && s.isActive(msg.ConversationID) {
			if err := s.MarkRead(ctx, msg.ConversationID); err != nil {
				log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("auto mark-read failed")
			}
		}

	case models.EventMessageUpdated:
		var msg models.Message
		if !decodeEvent(env, &msg) {
			return
		}
		s.View(msg.ConversationID).Replace(msg)
		s.emit(Event{Name: env.Event, ConversationID: msg.ConversationID, MessageID: msg.ID})

	case models.EventConversationUpdated:
		var ev models.ConversationUpdatedEvent
		if !decodeEvent(env, &ev) {
			return
		}
		out := Event{Name: env.Event, ConversationID: ev.ConversationID}
		if ev.LastMessage != nil {
			out.MessageID = ev.LastMessage.MessageID
		}
		s.emit(out)

	case models.EventUserTyping:
		var ev models.UserTypingEvent
		if !decodeEvent(env, &ev) || ev.UserID == s.opts.Self.ID {
			return
		}
		s.typing.Apply(ev)

	case models.EventMessagesRead:
		var ev models.MessagesReadEvent
		if !decodeEvent(env, &ev) {
			return
		}
		s.View(ev.ConversationID).MarkReadBy(ev.UserID)
		s.emit(Event{Name: env.Event, ConversationID: ev.ConversationID, UserID: ev.UserID})

	case models.EventConversationsJoined:
		var ev models.ConversationsJoinedEvent
		if !decodeEvent(env, &ev) {
			return
		}
		for _, id := range ev.ConversationIDs {
			s.emit(Event{Name: env.Event, ConversationID: id})
		}

	case models.EventError:
		var ev models.ErrorEvent
		if !decodeEvent(env, &ev) {
			return
		}
		err := apperror.New(apperror.ParseKind(ev.Code), "client.live", ev.Message, nil)
		switch {
		case ev.TempID != "":
			s.failPending(ev.TempID, err)
		case ev.Request == models.EventEditMessage:
			s.emit(Event{Name: EventEditFailed, MessageID: ev.MessageID, Err: err})
		case ev.Request == models.EventDeleteMessage:
			s.emit(Event{Name: EventDeleteFailed, MessageID: ev.MessageID, Err: err})
		default:
			log.Warn().Str("code", ev.Code).Str("request", ev.Request).Msg(ev.Message)
			s.emit(Event{Name: EventRequestFailed, ConversationID: ev.ConversationID, MessageID: ev.MessageID, Err: err})
		}

	default:
		log.Debug().Str("event", env.Event).Msg("unhandled live event")
	}
}

func decodeEvent(env models.Envelope, out any) bool {
	if err := json.Unmarshal(env.Data, out); err != nil {
		log.Warn().Err(err).Str("event", env.Event).Msg("malformed live event payload")
		return false
	}
	return true
}

// Open loads a conversation, makes it the active one and marks it read.
func (s *Session) Open(ctx context.Context, conversationID string) (*View, error) {
	view := s.View(conversationID)
	if s.opts.Fallback != nil {
		page, err := s.opts.Fallback.History(ctx, conversationID, time.Time{}, s.opts.HistoryLimit)
		if err != nil {
			return view, err
		}
		view.Sync(page.Messages)
	}

	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()

	if latest, ok := view.Latest(); ok && !latest.IsReadBy(s.opts.Self.ID) {
		if err := s.MarkRead(ctx, conversationID); err != nil {
			return view, err
		}
	}
	return view, nil
}

// LoadOlder fetches the page before the oldest loaded message.
func (s *Session) LoadOlder(ctx context.Context, conversationID string) (int, error) {
	if s.opts.Fallback == nil {
		return 0, ErrOffline
	}
	view := s.View(conversationID)
	before, _ := view.Oldest()
	page, err := s.opts.Fallback.History(ctx, conversationID, before, s.opts.HistoryLimit)
	if err != nil {
		return 0, err
	}
	view.Sync(page.Messages)
	return len(page.Messages), nil
}

// Send shows req optimistically and delivers it. The returned temp id
// identifies the placeholder until it is confirmed.
func (s *Session) Send(ctx context.Context, req models.SendMessageRequest) (string, error) {
	view := s.View(req.ConversationID)
	req.TempID = view.AddOptimistic(req)
	s.stopTyping(req.ConversationID)
	return req.TempID, s.deliver(ctx, view, req)
}

// RetrySend re-delivers a failed placeholder.
func (s *Session) RetrySend(ctx context.Context, conversationID, tempID string) error {
	view := s.View(conversationID)
	req, ok := view.Retry(tempID)
	if !ok {
		return apperror.NotFoundFailure("client.retry", "no failed message with that id")
	}
	return s.deliver(ctx, view, req)
}

func (s *Session) deliver(ctx context.Context, view *View, req models.SendMessageRequest) error {
	if err := s.sendLive(req); err == nil {
		return nil
	}
	if s.opts.Fallback == nil {
		err := apperror.TransientFailure("client.send", "not connected", ErrOffline)
		s.failPending(req.TempID, err)
		return err
	}

	msg, err := s.opts.Fallback.Send(ctx, req)
	if err != nil {
		s.failPending(req.TempID, err)
		return err
	}
	view.Confirm(req.TempID, msg)
	s.emit(Event{Name: models.EventMessageAck, ConversationID: msg.ConversationID, MessageID: msg.ID, TempID: req.TempID})
	return nil
}

// sendLive writes req to the live channel and remembers which channel
// carried it until the ack arrives.
func (s *Session) sendLive(req models.SendMessageRequest) error {
	s.mu.Lock()
	conn := s.conn
	if conn != nil {
		s.inflight[req.TempID] = inflightSend{conn: conn, conversationID: req.ConversationID}
	}
	s.mu.Unlock()
	if conn == nil {
		return ErrOffline
	}
	if err := s.writeTo(conn, models.EventSendMessage, req); err != nil {
		s.settle(req.TempID)
		return err
	}
	return nil
}

func (s *Session) settle(tempID string) {
	s.mu.Lock()
	delete(s.inflight, tempID)
	s.mu.Unlock()
}

// Edit changes one of the caller's messages. Over the live channel the
// change lands through message-updated, a refusal through edit-failed.
func (s *Session) Edit(ctx context.Context, messageID, content string) error {
	if err := s.writeEvent(models.EventEditMessage, models.EditMessageRequest{MessageID: messageID, Content: content}); err == nil {
		return nil
	}
	if s.opts.Fallback == nil {
		return ErrOffline
	}
	msg, err := s.opts.Fallback.Edit(ctx, messageID, content)
	if err != nil {
		return err
	}
	s.View(msg.ConversationID).Replace(msg)
	s.emit(Event{Name: models.EventMessageUpdated, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

func (s *Session) Delete(ctx context.Context, messageID string) error {
	if err := s.writeEvent(models.EventDeleteMessage, models.DeleteMessageRequest{MessageID: messageID}); err == nil {
		return nil
	}
	if s.opts.Fallback == nil {
		return ErrOffline
	}
	msg, err := s.opts.Fallback.Delete(ctx, messageID)
	if err != nil {
		return err
	}
	s.View(msg.ConversationID).Replace(msg)
	s.emit(Event{Name: models.EventMessageUpdated, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

// MarkRead acknowledges everything up to the newest loaded message.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	view := s.View(conversationID)
	req := models.MarkReadRequest{ConversationID: conversationID}
	if latest, ok := view.Latest(); ok {
		req.UptoMessageID = latest.ID
	}

	if err := s.writeEvent(models.EventMarkRead, req); err != nil {
		if s.opts.Fallback == nil {
			return ErrOffline
		}
		if err := s.opts.Fallback.MarkRead(ctx, conversationID, req.UptoMessageID); err != nil {
			return err
		}
	}
	view.MarkReadBy(s.opts.Self.ID)
	return nil
}

// Keystroke reports typing in a conversation; the typing flag drops after
// a quiet window. Typing is live-only.
func (s *Session) Keystroke(conversationID string) {
	s.mu.Lock()
	timer, ok := s.typists[conversationID]
	if !ok {
		timer = NewInactivityTimer(s.opts.Clock, s.opts.TypingWindow, func(isTyping bool) {
			if err := s.writeEvent(models.EventTyping, models.TypingRequest{ConversationID: conversationID, IsTyping: isTyping}); err != nil {
				log.Debug().Err(err).Str("conversation_id", conversationID).Msg("typing signal not sent")
			}
		})
		s.typists[conversationID] = timer
	}
	s.mu.Unlock()
	timer.Keystroke()
}

func (s *Session) stopTyping(conversationID string) {
	s.mu.RLock()
	timer, ok := s.typists[conversationID]
	s.mu.RUnlock()
	if ok {
		timer.Stop()
	}
}

// Close drops the live channel; Run then returns once its context ends or
// reconnects otherwise.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		conn.Close()
	}
}

func (s *Session) failPending(tempID string, err error) {
	s.settle(tempID)
	s.mu.RLock()
	var view *View
	for _, v := range s.views {
		if _, ok := v.Pending(tempID); ok {
			view = v
			break
		}
	}
	s.mu.RUnlock()
	if view == nil {
		return
	}

	view.Fail(tempID, err)
	s.emit(Event{Name: EventSendFailed, ConversationID: view.ConversationID(), TempID: tempID, Err: err})
	if !apperror.IsRetryable(err) {
		view.Rollback(tempID)
		s.emit(Event{Name: EventRolledBack, ConversationID: view.ConversationID(), TempID: tempID, Err: err})
	}
}

func (s *Session) writeEvent(event string, data any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrOffline
	}
	return s.writeTo(conn, event, data)
}

func (s *Session) writeTo(conn *websocket.Conn, event string, data any) error {
	payload, err := models.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Session) isActive(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active == conversationID
}

func (s *Session) viewLocked(conversationID string) *View {
	v, ok := s.views[conversationID]
	if !ok {
		v = NewView(conversationID, s.opts.Self.ID, s.opts.Clock)
		s.views[conversationID] = v
	}
	return v
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		log.Debug().Str("event", ev.Name).Msg("session event dropped")
	}
}
