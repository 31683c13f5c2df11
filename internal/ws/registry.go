package ws

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"conversation-service/internal/apperror"
)

const shardCount = 32

func shardFor(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

// ConversationLister finds the conversations an identity belongs to.
type ConversationLister interface {
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
}

// Registry tracks live channels per identity.
type Registry struct {
	convs  ConversationLister
	shards [shardCount]registryShard
}

type registryShard struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]Channel
}

func NewRegistry(convs ConversationLister) *Registry {
	r := &Registry{convs: convs}
	for i := range r.shards {
		r.shards[i].byIdentity = make(map[string]map[string]Channel)
	}
	return r
}

// Admit registers ch and returns the conversations its identity is in.
// Nothing is registered when the lookup fails.
func (r *Registry) Admit(ctx context.Context, ch Channel) ([]string, error) {
	identity := ch.Identity()
	if identity.ID == "" {
		return nil, apperror.AuthenticationFailure("registry.admit", nil)
	}
	ids, err := r.convs.ListConversationIDs(ctx, identity.ID)
	if err != nil {
		return nil, apperror.TransientFailure("registry.admit", "could not load conversations", err)
	}

	shard := &r.shards[shardFor(identity.ID)]
	shard.mu.Lock()
	channels, ok := shard.byIdentity[identity.ID]
	if !ok {
		channels = make(map[string]Channel)
		shard.byIdentity[identity.ID] = channels
	}
	channels[ch.ID()] = ch
	shard.mu.Unlock()
	return ids, nil
}

// Remove unregisters ch. It reports whether ch was registered.
func (r *Registry) Remove(ch Channel) bool {
	identityID := ch.Identity().ID
	shard := &r.shards[shardFor(identityID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	channels, ok := shard.byIdentity[identityID]
	if !ok {
		return false
	}
	if _, ok := channels[ch.ID()]; !ok {
		return false
	}
	delete(channels, ch.ID())
	if len(channels) == 0 {
		delete(shard.byIdentity, identityID)
	}
	return true
}

// Channels returns the live channels of identityID.
func (r *Registry) Channels(identityID string) []Channel {
	shard := &r.shards[shardFor(identityID)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	channels := shard.byIdentity[identityID]
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch)
	}
	return out
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		shard := &r.shards[i]
		shard.mu.RLock()
		for _, channels := range shard.byIdentity {
			n += len(channels)
		}
		shard.mu.RUnlock()
	}
	return n
}
