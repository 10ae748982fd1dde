package store

import (
	"context"
	"errors"

	"stock_hold/internal/apperr"
	"stock_hold/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActorStatus 读取上游维护的账户标记，没有记录时视为 active。
func (s *Store) ActorStatus(ctx context.Context, actorID string) (model.ActorStatus, error) {
	var a model.Actor
	err := s.db.WithContext(ctx).Where("id = ?", actorID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ActorActive, nil
	}
	if err != nil {
		return "", classify("actor status", err)
	}
	return a.Status, nil
}

// SetActorStatus 由上游账户系统调用，写入或覆盖标记。
func (s *Store) SetActorStatus(ctx context.Context, actorID string, status model.ActorStatus) error {
	switch status {
	case model.ActorActive, model.ActorUnverified, model.ActorSuspended:
	default:
		return apperr.Invalid("set actor status", "unknown status "+string(status))
	}
	a := model.Actor{ID: actorID, Status: status}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&a).Error
	return classify("set actor status", err)
}
