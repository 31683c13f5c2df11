// Package cluster relays room broadcasts between service instances over
// Redis pub/sub, so participants connected to different instances still
// share one room.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Channel is the pub/sub channel every instance listens on.
const Channel = "conversation-events"

// frame carries either a room payload or, with Join set, the identities
// whose channels must join the conversation's room.
type frame struct {
	Origin         string          `json:"origin"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Join           []string        `json:"join,omitempty"`
}

// Deliverer applies relayed frames to local channels.
type Deliverer interface {
	DeliverLocal(conversationID string, payload []byte) int
	JoinIdentity(identityID, conversationID string)
}

// Connect parses url, dials Redis and checks it answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

type RedisRelay struct {
	client   *redis.Client
	instance string
}

func NewRedisRelay(client *redis.Client, instanceID string) *RedisRelay {
	return &RedisRelay{client: client, instance: instanceID}
}

// Publish sends payload to every other instance.
func (r *RedisRelay) Publish(ctx context.Context, conversationID string, payload []byte) error {
	return r.send(ctx, frame{Origin: r.instance, ConversationID: conversationID, Payload: payload})
}

// PublishJoin asks every other instance to join the live channels of
// identityIDs to conversationID.
func (r *RedisRelay) PublishJoin(ctx context.Context, conversationID string, identityIDs []string) error {
	return r.send(ctx, frame{Origin: r.instance, ConversationID: conversationID, Join: identityIDs})
}

func (r *RedisRelay) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, Channel, data).Err()
}

// Run delivers frames from other instances until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, deliver Deliverer) error {
	sub := r.client.Subscribe(ctx, Channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis: subscribe: %w", err)
	}
	log.Info().Str("channel", Channel).Str("instance", r.instance).Msg("cluster relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

// handle reports whether the frame was applied locally.
func (r *RedisRelay) handle(raw string, deliver Deliverer) bool {
	var f frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		log.Warn().Err(err).Msg("cluster relay: malformed frame")
		return false
	}
	if f.Origin == r.instance || f.ConversationID == "" {
		return false
	}
	if len(f.Join) > 0 {
		for _, id := range f.Join {
			deliver.JoinIdentity(id, f.ConversationID)
		}
		return true
	}
	deliver.DeliverLocal(f.ConversationID, f.Payload)
	return true
}
