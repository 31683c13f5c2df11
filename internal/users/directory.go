// Package users resolves display names for participants.
package users

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"conversation-service/internal/auth"
	"conversation-service/internal/models"
)

// Directory looks up display names by participant id.
type Directory interface {
	DisplayNames(ctx context.Context, ids []string) (map[string]string, error)
}

// Memo remembers names from identities the service has authenticated and
// consults an optional upstream directory for the rest.
type Memo struct {
	upstream Directory

	mu    sync.RWMutex
	names map[string]string
}

// NewMemo builds a Memo. upstream may be nil.
func NewMemo(upstream Directory) *Memo {
	return &Memo{upstream: upstream, names: make(map[string]string)}
}

// Remember records identity's display name.
func (m *Memo) Remember(identity models.Identity) {
	if identity.ID == "" || identity.Name == "" {
		return
	}
	m.mu.Lock()
	m.names[identity.ID] = identity.Name
	m.mu.Unlock()
}

// DisplayNames resolves every id; unknown ids map to themselves.
func (m *Memo) DisplayNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	var missing []string

	m.mu.RLock()
	for _, id := range ids {
		if name, ok := m.names[id]; ok {
			out[id] = name
		} else {
			missing = append(missing, id)
		}
	}
	m.mu.RUnlock()

	if len(missing) > 0 && m.upstream != nil {
		names, err := m.upstream.DisplayNames(ctx, missing)
		if err != nil {
			log.Warn().Err(err).Int("ids", len(missing)).Msg("user directory lookup failed")
		}
		m.mu.Lock()
		for id, name := range names {
			if name != "" {
				m.names[id] = name
				out[id] = name
			}
		}
		m.mu.Unlock()
	}

	for _, id := range ids {
		if _, ok := out[id]; !ok {
			out[id] = id
		}
	}
	return out, nil
}

// Wrap returns a resolver that remembers every identity r resolves.
func (m *Memo) Wrap(r auth.Resolver) auth.Resolver {
	return rememberingResolver{memo: m, next: r}
}

type rememberingResolver struct {
	memo *Memo
	next auth.Resolver
}

func (r rememberingResolver) Resolve(ctx context.Context, token string) (models.Identity, error) {
	identity, err := r.next.Resolve(ctx, token)
	if err == nil {
		r.memo.Remember(identity)
	}
	return identity, err
}
