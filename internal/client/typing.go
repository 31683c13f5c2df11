package client

import (
	"sort"
	"sync"
	"time"

	"conversation-service/internal/clock"
	"conversation-service/internal/models"
)

// DefaultTypingWindow matches the server's typing expiry.
const DefaultTypingWindow = 2 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	name  string
	timer *clock.Timer
	gen   uint64
}

// TypingIndicators tracks who is typing where. Each indicator clears itself
// after the window unless refreshed, whether or not a false ever arrives.
type TypingIndicators struct {
	clock    clock.Clock
	window   time.Duration
	onChange func(ev models.UserTypingEvent)

	mu      sync.Mutex
	entries map[typingKey]*typingEntry
	gen     uint64
}

// NewTypingIndicators builds the tracker. onChange may be nil.
func NewTypingIndicators(clk clock.Clock, window time.Duration, onChange func(models.UserTypingEvent)) *TypingIndicators {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingIndicators{
		clock:    clk,
		window:   window,
		onChange: onChange,
		entries:  make(map[typingKey]*typingEntry),
	}
}

// Apply folds a user-typing event into the table.
func (t *TypingIndicators) Apply(ev models.UserTypingEvent) {
	if !ev.IsTyping {
		t.Clear(ev.ConversationID, ev.UserID)
		return
	}
	key := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	entry, existed := t.entries[key]
	if existed {
		entry.timer.Stop()
		entry.gen = gen
		entry.name = ev.UserName
	} else {
		entry = &typingEntry{name: ev.UserName, gen: gen}
		t.entries[key] = entry
	}
	entry.timer = t.clock.AfterFunc(t.window, func() { t.expire(key, gen) })
	t.mu.Unlock()

	if !existed {
		t.notify(ev)
	}
}

// Clear drops the indicator, e.g. when the sender's message arrives.
func (t *TypingIndicators) Clear(conversationID, userID string) {
	key := typingKey{conversationID: conversationID, userID: userID}
	t.mu.Lock()
	entry, ok := t.entries[key]
	if ok {
		entry.timer.Stop()
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if ok {
		t.notify(models.UserTypingEvent{ConversationID: conversationID, UserID: userID, UserName: entry.name})
	}
}

// IsTyping reports whether userID is shown typing in the conversation.
func (t *TypingIndicators) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{conversationID: conversationID, userID: userID}]
	return ok
}

// Typing lists the user ids typing in the conversation, sorted.
func (t *TypingIndicators) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for key := range t.entries {
		if key.conversationID == conversationID {
			out = append(out, key.userID)
		}
	}
	sort.Strings(out)
	return out
}

func (t *TypingIndicators) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.notify(models.UserTypingEvent{ConversationID: key.conversationID, UserID: key.userID, UserName: entry.name})
}

func (t *TypingIndicators) notify(ev models.UserTypingEvent) {
	if t.onChange != nil {
		t.onChange(ev)
	}
}
