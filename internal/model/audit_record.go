package model

import "time"

// AuditRecord 是从 Kafka 归档下来的审计事件，EventID 唯一保证重复消费幂等。
type AuditRecord struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	EventID    string    `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Type       string    `gorm:"size:64;not null;index" json:"type"`
	ActorID    string    `gorm:"size:64;index" json:"actor_id"`
	Payload    string    `gorm:"type:text" json:"payload"`
	OccurredAt time.Time `gorm:"not null" json:"occurred_at"`
}

func (AuditRecord) TableName() string { return "audit_records" }

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{
		&Product{}, &Reservation{}, &Order{}, &OrderLine{}, &OrderStatusEntry{}, &Actor{}, &AuditRecord{},
	}
}
