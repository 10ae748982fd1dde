package store

import (
	"context"

	"stock_hold/internal/model"

	"gorm.io/gorm/clause"
)

// SaveAuditRecord 归档一条审计事件；event_id 冲突说明是重复消息，返回 false。
func (s *Store) SaveAuditRecord(ctx context.Context, rec *model.AuditRecord) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, classify("save audit record", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AuditRecords 按类型查询归档事件，type 为空时返回全部。
func (s *Store) AuditRecords(ctx context.Context, eventType string) ([]model.AuditRecord, error) {
	q := s.db.WithContext(ctx).Order("id")
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	var list []model.AuditRecord
	if err := q.Find(&list).Error; err != nil {
		return nil, classify("audit records", err)
	}
	return list, nil
}
