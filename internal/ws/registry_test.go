package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"conversation-service/internal/apperror"
	"conversation-service/internal/mocks"
)

func TestRegistryAdmitReturnsConversations(t *testing.T) {
	r := NewRegistry(staticLister{"alice": {"c1", "c2"}})
	ch := newFakeChannel("ch-1", "alice", 0)

	ids, err := r.Admit(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, ids)
	assert.Len(t, r.Channels("alice"), 1)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryHoldsManyChannelsPerIdentity(t *testing.T) {
	r := NewRegistry(staticLister{})
	_, err := r.Admit(context.Background(), newFakeChannel("tab-1", "alice", 0))
	require.NoError(t, err)
	_, err = r.Admit(context.Background(), newFakeChannel("tab-2", "alice", 0))
	require.NoError(t, err)

	assert.Len(t, r.Channels("alice"), 2)
}

func TestRegistryAdmitFailureRegistersNothing(t *testing.T) {
	convs := new(mocks.ConversationRepositoryMock)
	convs.On("ListConversationIDs", mock.Anything, "alice").Return(nil, errors.New("db down"))
	r := NewRegistry(convs)

	_, err := r.Admit(context.Background(), newFakeChannel("ch-1", "alice", 0))
	require.Error(t, err)
	assert.Equal(t, apperror.Transient, apperror.KindOf(err))
	assert.Zero(t, r.Count())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(staticLister{})
	ch := newFakeChannel("ch-1", "alice", 0)
	_, err := r.Admit(context.Background(), ch)
	require.NoError(t, err)

	assert.True(t, r.Remove(ch))
	assert.False(t, r.Remove(ch))
	assert.Empty(t, r.Channels("alice"))
}

func TestRegistryConcurrentAdmitRemove(t *testing.T) {
	r := NewRegistry(staticLister{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := newFakeChannel(fmt.Sprintf("ch-%d", i), fmt.Sprintf("user-%d", i%5), 0)
			_, _ = r.Admit(context.Background(), ch)
			r.Remove(ch)
			r.Remove(ch)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Count())
}
