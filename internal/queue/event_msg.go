package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"stock_hold/internal/audit"
)

// EventMessage 是写入 Redis Stream / Kafka 的审计事件。
type EventMessage audit.Event

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m EventMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.Type == "" {
		return fmt.Errorf("type is required")
	}
	if m.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("payload is not valid json")
	}
	return nil
}

// streamValues 编码为 XADD 字段。
func (m EventMessage) streamValues() map[string]any {
	return map[string]any{
		"event_id":    m.ID,
		"type":        m.Type,
		"actor_id":    m.ActorID,
		"occurred_at": m.OccurredAt.UnixNano(),
		"payload":     string(m.Payload),
	}
}

func parseEventMessage(values map[string]interface{}) (EventMessage, error) {
	id, err := getStreamString(values, "event_id")
	if err != nil {
		return EventMessage{}, err
	}
	typ, err := getStreamString(values, "type")
	if err != nil {
		return EventMessage{}, err
	}
	atStr, err := getStreamString(values, "occurred_at")
	if err != nil {
		return EventMessage{}, err
	}
	at, err := strconv.ParseInt(atStr, 10, 64)
	if err != nil {
		return EventMessage{}, fmt.Errorf("invalid occurred_at %q", atStr)
	}
	// actor_id 与 payload 可以为空
	actor, _ := getStreamString(values, "actor_id")
	payload, _ := getStreamString(values, "payload")

	msg := EventMessage{
		ID:         id,
		Type:       typ,
		ActorID:    actor,
		OccurredAt: time.Unix(0, at).UTC(),
	}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	if err := msg.Validate(); err != nil {
		return EventMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
