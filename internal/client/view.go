// Package client keeps a participant's local picture of conversations
// consistent with the server: optimistic sends, idempotent merges of live
// and fetched messages, typing indicators and a live session with a
// request/response fallback.
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"conversation-service/internal/clock"
	"conversation-service/internal/models"
)

// Status is the delivery state of a view entry.
type Status int

const (
	StatusSent Status = iota
	StatusPending
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "sent"
	}
}

// ReplyState describes what a reply points at.
type ReplyState int

const (
	ReplyNone ReplyState = iota
	ReplyLive
	ReplyDeleted
	ReplyMissing
)

// Entry is one row of a View. Placeholders have an empty Message.ID and a
// TempID.
type Entry struct {
	Message models.Message
	Status  Status
	Err     error
}

// View is the ordered message list of one conversation.
type View struct {
	conversationID string
	selfID         string
	clock          clock.Clock

	mu      sync.RWMutex
	entries []Entry
}

// NewView builds an empty view for selfID.
func NewView(conversationID, selfID string, clk clock.Clock) *View {
	if clk == nil {
		clk = clock.Real()
	}
	return &View{conversationID: conversationID, selfID: selfID, clock: clk}
}

func (v *View) ConversationID() string { return v.conversationID }

// AddOptimistic appends a pending placeholder for draft and returns its
// temp id. draft.TempID is kept when set.
func (v *View) AddOptimistic(draft models.SendMessageRequest) string {
	tempID := draft.TempID
	if tempID == "" {
		tempID = uuid.NewString()
	}
	msgType := draft.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	placeholder := models.Message{
		ConversationID: v.conversationID,
		SenderID:       v.selfID,
		Type:           msgType,
		Content:        draft.Content,
		MediaURL:       draft.MediaURL,
		ReplyTo:        draft.ReplyTo,
		ReadBy:         []string{v.selfID},
		CreatedAt:      v.clock.Now(),
		TempID:         tempID,
	}

	v.mu.Lock()
	v.entries = append(v.entries, Entry{Message: placeholder, Status: StatusPending})
	v.mu.Unlock()
	return tempID
}

// Confirm swaps the placeholder for the persisted message. It reports
// whether the view changed.
func (v *View) Confirm(tempID string, msg models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := v.removePlaceholder(tempID)
	if msg.TempID == "" {
		msg.TempID = tempID
	}
	return v.mergeLocked(msg) || removed
}

// Fail marks the placeholder failed so it stays visible for a retry.
func (v *View) Fail(tempID string, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.placeholderIndex(tempID)
	if i < 0 {
		return false
	}
	v.entries[i].Status = StatusFailed
	v.entries[i].Err = err
	return true
}

// Rollback removes the placeholder.
func (v *View) Rollback(tempID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removePlaceholder(tempID)
}

// Pending returns the placeholder for tempID.
func (v *View) Pending(tempID string) (Entry, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i := v.placeholderIndex(tempID)
	if i < 0 {
		return Entry{}, false
	}
	return v.entries[i], true
}

// Retry flips a failed placeholder back to pending and returns the request
// that created it.
func (v *View) Retry(tempID string) (models.SendMessageRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.placeholderIndex(tempID)
	if i < 0 || v.entries[i].Status != StatusFailed {
		return models.SendMessageRequest{}, false
	}
	v.entries[i].Status = StatusPending
	v.entries[i].Err = nil
	return v.requestAt(i), true
}

// Resend returns the request of a placeholder that is still pending.
func (v *View) Resend(tempID string) (models.SendMessageRequest, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	i := v.placeholderIndex(tempID)
	if i < 0 || v.entries[i].Status != StatusPending {
		return models.SendMessageRequest{}, false
	}
	return v.requestAt(i), true
}

func (v *View) requestAt(i int) models.SendMessageRequest {
	msg := v.entries[i].Message
	return models.SendMessageRequest{
		ConversationID: v.conversationID,
		Content:        msg.Content,
		Type:           msg.Type,
		MediaURL:       msg.MediaURL,
		ReplyTo:        msg.ReplyTo,
		TempID:         msg.TempID,
	}
}

// Merge inserts a persisted message. A message already present by id is
// left alone; otherwise a matching placeholder of the caller is replaced.
func (v *View) Merge(msg models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mergeLocked(msg)
}

// Replace overwrites the entry with msg's id (edit, delete); unknown
// messages are merged.
func (v *View) Replace(msg models.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.indexOf(msg.ID); i >= 0 {
		v.entries[i].Message = msg
		return true
	}
	return v.mergeLocked(msg)
}

// Sync folds a fetched history page into the view, overwriting known
// messages with the server's copy.
func (v *View) Sync(history []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, msg := range history {
		if i := v.indexOf(msg.ID); i >= 0 {
			v.entries[i].Message = msg
			continue
		}
		v.mergeLocked(msg)
	}
}

// MarkReadBy adds userID to every persisted message's readBy and returns
// how many changed.
func (v *View) MarkReadBy(userID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for i := range v.entries {
		msg := &v.entries[i].Message
		if msg.ID == "" || msg.IsReadBy(userID) {
			continue
		}
		msg.ReadBy = append(append([]string(nil), msg.ReadBy...), userID)
		n++
	}
	return n
}

// ReplyTarget resolves what msg replies to within this view.
func (v *View) ReplyTarget(msg models.Message) (models.Message, ReplyState) {
	if msg.ReplyTo == "" {
		return models.Message{}, ReplyNone
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	i := v.indexOf(msg.ReplyTo)
	if i < 0 {
		return models.Message{}, ReplyMissing
	}
	target := v.entries[i].Message
	if target.IsDeleted {
		return target, ReplyDeleted
	}
	return target, ReplyLive
}

// Message returns the persisted message with id.
func (v *View) Message(id string) (models.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i := v.indexOf(id); i >= 0 {
		return v.entries[i].Message, true
	}
	return models.Message{}, false
}

// Entries returns a snapshot ordered by createdAt.
func (v *View) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Latest returns the newest persisted message.
func (v *View) Latest() (models.Message, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for i := len(v.entries) - 1; i >= 0; i-- {
		if v.entries[i].Message.ID != "" {
			return v.entries[i].Message, true
		}
	}
	return models.Message{}, false
}

// Oldest returns the createdAt of the oldest persisted message, for paging
// further back.
func (v *View) Oldest() (time.Time, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, e := range v.entries {
		if e.Message.ID != "" {
			return e.Message.CreatedAt, true
		}
	}
	return time.Time{}, false
}

func (v *View) mergeLocked(msg models.Message) bool {
	if msg.ID == "" || v.indexOf(msg.ID) >= 0 {
		return false
	}
	if i := v.matchPlaceholder(msg); i >= 0 {
		v.entries = append(v.entries[:i], v.entries[i+1:]...)
	}

	pos := len(v.entries)
	for i, e := range v.entries {
		if e.Message.CreatedAt.After(msg.CreatedAt) {
			pos = i
			break
		}
	}
	v.entries = append(v.entries, Entry{})
	copy(v.entries[pos+1:], v.entries[pos:])
	v.entries[pos] = Entry{Message: msg, Status: StatusSent}
	return true
}

// matchPlaceholder finds the placeholder msg completes: by temp id when
// msg carries one, else (history, lost ack) by sender, content and type.
// A temp id from another device of the same user never matches here.
func (v *View) matchPlaceholder(msg models.Message) int {
	if msg.TempID != "" {
		return v.placeholderIndex(msg.TempID)
	}
	if msg.SenderID != v.selfID {
		return -1
	}
	for i, e := range v.entries {
		p := e.Message
		if p.ID == "" && p.Content == msg.Content && p.Type == msg.Type && p.SenderID == msg.SenderID {
			return i
		}
	}
	return -1
}

func (v *View) removePlaceholder(tempID string) bool {
	i := v.placeholderIndex(tempID)
	if i < 0 {
		return false
	}
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	return true
}

func (v *View) placeholderIndex(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range v.entries {
		if e.Message.ID == "" && e.Message.TempID == tempID {
			return i
		}
	}
	return -1
}

func (v *View) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range v.entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}
