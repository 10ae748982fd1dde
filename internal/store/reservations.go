package store

import (
	"context"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// HeldQuantity 统计 now 时刻商品上仍有效的预占数量之和。
// excludeActor 非空时排除该 actor 自己的预占（提交时自己的 hold 就是自己的额度）。
func (t *Tx) HeldQuantity(productID uint, now time.Time, excludeActor string) (int64, error) {
	q := t.db.Model(&model.Reservation{}).
		Where("product_id = ? AND expires_at > ?", productID, now)
	if excludeActor != "" {
		q = q.Where("actor_id <> ?", excludeActor)
	}
	var sum int64
	if err := q.Select("COALESCE(SUM(quantity), 0)").Row().Scan(&sum); err != nil {
		return 0, errors.Wrapf(err, "sum holds for product %d", productID)
	}
	return sum, nil
}

func (t *Tx) InsertReservation(r *model.Reservation) error {
	return errors.Wrap(t.db.Create(r).Error, "insert reservation")
}

// FindReservation 按 ID 读取预占，不存在返回 NotFound。
func (t *Tx) FindReservation(id string) (*model.Reservation, error) {
	var r model.Reservation
	if err := t.db.Where("id = ?", id).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("find reservation", "reservation not found")
		}
		return nil, errors.Wrap(err, "find reservation")
	}
	return &r, nil
}

func (t *Tx) ExtendReservation(id string, expiresAt, now time.Time) error {
	err := t.db.Model(&model.Reservation{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{"expires_at": expiresAt, "updated_at": now}).Error
	return errors.Wrap(err, "extend reservation")
}

func (t *Tx) DeleteReservation(id string) (int64, error) {
	res := t.db.Where("id = ?", id).Delete(&model.Reservation{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete reservation")
}

// ExtendSessionHolds 把 actor 在同一会话里仍有效的预占统一续到 expiresAt。
// 已过期的预占不会被续回来。
func (t *Tx) ExtendSessionHolds(actorID, sessionID string, expiresAt, now time.Time) (int64, error) {
	res := t.db.Model(&model.Reservation{}).
		Where("actor_id = ? AND session_id = ? AND expires_at > ?", actorID, sessionID, now).
		UpdateColumns(map[string]any{"expires_at": expiresAt, "updated_at": now})
	return res.RowsAffected, errors.Wrap(res.Error, "extend session holds")
}

// DeleteActorHolds 删除某 actor 在某商品上的全部预占（下单消费）。
func (t *Tx) DeleteActorHolds(actorID string, productID uint) (int64, error) {
	res := t.db.Where("actor_id = ? AND product_id = ?", actorID, productID).Delete(&model.Reservation{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete actor holds")
}

// DeleteSessionHolds 清理同一购物会话里剩余的购物车行。
func (t *Tx) DeleteSessionHolds(actorID, sessionID string) (int64, error) {
	res := t.db.Where("actor_id = ? AND session_id = ?", actorID, sessionID).Delete(&model.Reservation{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete session holds")
}

// DeleteExpired 删除 expires_at <= now 的预占，返回删除条数。
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&model.Reservation{})
	if res.Error != nil {
		return 0, classify("delete expired", res.Error)
	}
	return res.RowsAffected, nil
}

// ActiveHolds 列出 actor 当前有效的预占。
func (s *Store) ActiveHolds(ctx context.Context, actorID string, now time.Time) ([]model.Reservation, error) {
	var list []model.Reservation
	err := s.db.WithContext(ctx).
		Where("actor_id = ? AND expires_at > ?", actorID, now).
		Order("created_at").
		Find(&list).Error
	if err != nil {
		return nil, classify("active holds", err)
	}
	return list, nil
}

// CountReservations 统计预占行数（含已过期未清理的），用于观测。
func (s *Store) CountReservations(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Reservation{}).Count(&n).Error; err != nil {
		return 0, classify("count reservations", err)
	}
	return n, nil
}
