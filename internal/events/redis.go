// Package events announces lock changes to other editors over Redis.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "cora:locks"
	historyPrefix  = "cora:lock-history:"
	historyLength  = 50
)

type Kind string

const (
	LockAcquired Kind = "acquired"
	LockReleased Kind = "released"
	LockForced   Kind = "forced"
	// Deleted documents free their lock together with the document.
	DocumentDeleted Kind = "deleted"
)

type Event struct {
	Kind       Kind      `json:"kind"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Owner      string    `json:"owner"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// RedisPublisher fans lock events out on a pub/sub channel and keeps a short
// per-entity history list so late subscribers can catch up.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(redisURL string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client), nil
}

func NewRedisPublisherWithClient(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: DefaultChannel}
}

func historyKey(entityType, entityID string) string {
	return historyPrefix + entityType + ":" + entityID
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal lock event: %w", err)
	}

	key := historyKey(event.EntityType, event.EntityID)
	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, payload)
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, historyLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish lock event: %w", err)
	}
	return nil
}

// Recent returns up to limit events for one entity, newest first.
func (p *RedisPublisher) Recent(ctx context.Context, entityType, entityID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > historyLength {
		limit = historyLength
	}
	raw, err := p.client.LRange(ctx, historyKey(entityType, entityID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read lock history: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var event Event
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("decode lock event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscribe delivers events published after the subscription is confirmed.
// The returned channel closes when ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe lock events: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
