package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the part of *redis.Client the Redis sink uses.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
}

// RedisSink appends events to a capped Redis stream.
type RedisSink struct {
	client StreamClient
	stream string
	maxLen int64
}

func NewRedisSink(client StreamClient, stream string, maxLen int64) *RedisSink {
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// OpenRedis connects using a redis:// or rediss:// URL.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"action": event.Action,
			"event":  string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd activity event: %w", err)
	}
	return nil
}

func (s *RedisSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", int64(clampLimit(limit))).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange activity stream: %w", err)
	}

	events := make([]Event, 0, len(messages))
	for _, message := range messages {
		raw, ok := message.Values["event"].(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("decode activity event %s: %w", message.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}
