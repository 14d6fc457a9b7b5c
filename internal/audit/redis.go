package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultStream = "tenantauth:audit"

// RedisStreamSink appends events to a Redis stream, capped approximately at
// MaxLen entries.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStreamSink returns a sink writing to stream (default "tenantauth:audit").
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) (*RedisStreamSink, error) {
	if client == nil {
		return nil, errors.New("audit: redis client is required")
	}
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = defaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}, nil
}

func (s *RedisStreamSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"type": e.Type, "event": string(payload)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("audit: xadd %s: %w", s.stream, err)
	}
	return nil
}
