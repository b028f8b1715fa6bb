package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/netfabric/meshguard/pkg/types"
)

// DefaultEventKey is the Redis list holding incident lifecycle events,
// newest first.
const DefaultEventKey = "meshguard:incident-events"

// RedisSink appends incident events to a capped Redis list. Losing events
// on sink failure is acceptable; the in-memory incident table remains the
// source of truth.
type RedisSink struct {
	client *redis.Client
	key    string
	maxLen int64
}

// NewRedisSink connects to the given URL and verifies the connection.
func NewRedisSink(ctx context.Context, url, key string, maxLen int64) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if key == "" {
		key = DefaultEventKey
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{client: client, key: key, maxLen: maxLen}, nil
}

// Publish pushes one event and trims the list to its cap.
func (s *RedisSink) Publish(ctx context.Context, ev types.IncidentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling incident event: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing incident event: %w", err)
	}
	return nil
}

// Close releases the connection.
func (s *RedisSink) Close() error { return s.client.Close() }
