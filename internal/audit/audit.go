// Package audit 定义预占与下单链路产生的审计事件，以及事件的投递出口。
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// 事件类型。
const (
	HoldCreated  = "hold.created"
	HoldRenewed  = "hold.renewed"
	HoldReleased = "hold.released"
	HoldsSwept   = "holds.swept"
	OrderCreated = "order.created"
	OrderStatus  = "order.status"
	FraudBlocked = "fraud.blocked"
)

// Event 是一条审计事件。ID 全局唯一，下游按 ID 去重。
type Event struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent 生成带新 ID 的事件，payload 编码为 JSON。
func NewEvent(typ, actorID string, at time.Time, payload any) (Event, error) {
	e := Event{ID: uuid.NewString(), Type: typ, ActorID: actorID, OccurredAt: at.UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrapf(err, "encode %s payload", typ)
		}
		e.Payload = b
	}
	return e, nil
}

// Sink 接收审计事件。调用方在业务提交之后调用，投递失败只记日志，不影响业务结果。
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Emit 构造事件并投递，失败时写 WARN 日志后吞掉错误。
func Emit(ctx context.Context, sink Sink, log zerolog.Logger, typ, actorID string, at time.Time, payload any) {
	if sink == nil {
		return
	}
	e, err := NewEvent(typ, actorID, at, payload)
	if err == nil {
		err = sink.Record(ctx, e)
	}
	if err != nil {
		log.Warn().Err(err).Str("event", typ).Str("actor_id", actorID).Msg("audit event dropped")
	}
}

// LogSink 把事件写进结构化日志，未配置 Redis 时使用。
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Record(_ context.Context, e Event) error {
	s.Log.Info().
		Str("event_id", e.ID).
		Str("event", e.Type).
		Str("actor_id", e.ActorID).
		Time("occurred_at", e.OccurredAt).
		RawJSON("payload", nonEmpty(e.Payload)).
		Msg("audit")
	return nil
}

func nonEmpty(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// Recorder 在内存里保存事件，测试用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error // 非 nil 时 Record 直接返回它
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, e)
	return nil
}

// Events 返回已记录事件的副本，types 非空时只返回这些类型。
func (r *Recorder) Events(types ...string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(types) == 0 || contains(types, e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
