package queue

import (
	"context"

	"stock_hold/internal/audit"

	rd "github.com/redis/go-redis/v9"
)

// StreamSink 把审计事件追加到 Redis Stream，由 Relay 异步转发到 Kafka。
type StreamSink struct {
	rdb    *rd.Client
	stream string
	maxLen int64
}

func NewStreamSink(rdb *rd.Client, stream string) *StreamSink {
	return &StreamSink{rdb: rdb, stream: stream, maxLen: 100000}
}

func (s *StreamSink) Record(ctx context.Context, e audit.Event) error {
	msg := EventMessage(e)
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: msg.streamValues(),
	}).Err()
}
