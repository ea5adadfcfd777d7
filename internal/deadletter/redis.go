// Package deadletter holds the external dead-letter backends: a Redis stream,
// a Kafka topic and an append-only file. Each implements saga.DeadLetterSink
// and is normally wrapped by orders.FallbackSink.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"ordersaga/internal/orders/saga"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "orders:dead-letters"

// StreamAdder is the subset of a Redis client the stream sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends dead letters to a Redis stream. The stream is only
// trimmed when a maximum length is configured.
type RedisStreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink constructs a sink. A zero maxLen leaves the stream uncapped.
func NewRedisStreamSink(client StreamAdder, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"order_id": letter.Order.ID,
			"attempts": strconv.Itoa(letter.Attempts),
			"data":     string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
