package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"conversation-service/internal/models"
)

func TestPairKeyIgnoresOrder(t *testing.T) {
	assert.Equal(t, "alice:bob", PairKey([]string{"bob", "alice"}))
	assert.Equal(t, PairKey([]string{"alice", "bob"}), PairKey([]string{"bob", "alice"}))
	assert.NotEqual(t, PairKey([]string{"alice", "bob"}), PairKey([]string{"alice", "carol"}))

	participants := []string{"bob", "alice"}
	PairKey(participants)
	assert.Equal(t, []string{"bob", "alice"}, participants)
}

func TestNextCreatedAt(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		requested time.Time
		want      time.Time
	}{
		{"ahead of the conversation", last.Add(time.Second), last.Add(time.Second)},
		{"equal to the last update", last, last.Add(time.Millisecond)},
		{"behind a skewed clock", last.Add(-time.Minute), last.Add(time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextCreatedAt(tt.requested, last))
		})
	}
}

func TestPageLimit(t *testing.T) {
	assert.Nil(t, pageLimit(0))
	assert.Nil(t, pageLimit(-3))
	assert.Equal(t, 25, pageLimit(25))
}

func TestAdvanceUpdatedAtPipeline(t *testing.T) {
	requested := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	pipeline := advanceUpdatedAt(requested)
	require.Len(t, pipeline, 1)

	raw, err := bson.Marshal(pipeline[0])
	require.NoError(t, err)
	var stage struct {
		Set struct {
			UpdatedAt struct {
				Max bson.A `bson:"$max"`
			} `bson:"updated_at"`
		} `bson:"$set"`
	}
	require.NoError(t, bson.Unmarshal(raw, &stage))
	require.Len(t, stage.Set.UpdatedAt.Max, 2)

	add, ok := stage.Set.UpdatedAt.Max[0].(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$add", add[0].Key)
	assert.Equal(t, bson.A{"$updated_at", int64(1)}, add[0].Value)

	when, ok := stage.Set.UpdatedAt.Max[1].(bson.DateTime)
	require.True(t, ok)
	assert.True(t, requested.Equal(when.Time()))
}

func TestMemoryListMessagesWithoutLimitReturnsAll(t *testing.T) {
	store := NewMemoryStore()
	conv := seedConversation(t, store, "c1", models.KindGroup, "alice", "bob")
	base := conv.UpdatedAt
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := store.AppendMessage(context.Background(), models.Message{
			ID: id, ConversationID: conv.ID, SenderID: "alice", Type: models.MessageText,
			Content: id, CreatedAt: base.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
	}

	msgs, err := store.ListMessages(context.Background(), conv.ID, models.MessagePage{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}
