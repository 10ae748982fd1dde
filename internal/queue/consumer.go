package queue

import (
	"context"
	"encoding/json"

	"stock_hold/internal/model"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Archiver 持久化审计事件，重复 event_id 返回 created=false。
type Archiver interface {
	SaveAuditRecord(ctx context.Context, rec *model.AuditRecord) (bool, error)
}

// Consumer 从 Kafka 读取审计事件并归档到 audit_records。
type Consumer struct {
	r     *kafka.Reader
	store Archiver
	log   zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, store Archiver, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		store: store,
		log:   log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if err := c.handle(ctx, m.Value); err != nil {
			c.log.Error().Err(err).Int64("offset", m.Offset).Msg("archive audit event")
		}
	}
}

// handle 解码并归档一条消息。脏消息只记日志跳过。
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var msg EventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Warn().Err(err).Msg("consumer unmarshal")
		return nil
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("consumer invalid message")
		return nil
	}

	rec := &model.AuditRecord{
		EventID:    msg.ID,
		Type:       msg.Type,
		ActorID:    msg.ActorID,
		Payload:    string(msg.Payload),
		OccurredAt: msg.OccurredAt,
	}
	created, err := c.store.SaveAuditRecord(ctx, rec)
	if err != nil {
		return err
	}
	if !created {
		// 幂等：重复消息直接当作成功
		c.log.Debug().Str("event_id", msg.ID).Msg("duplicate audit event")
	}
	return nil
}
