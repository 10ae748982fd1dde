package store

import (
	"context"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CreateOrder 连同明细与首条状态一起写入。
func (t *Tx) CreateOrder(o *model.Order) error {
	return errors.Wrap(t.db.Create(o).Error, "create order")
}

// FindOrderByPaymentRef 查找同一 actor 同一支付凭证的已有订单，没有时返回 (nil, nil)。
func (t *Tx) FindOrderByPaymentRef(actorID, ref string) (*model.Order, error) {
	var o model.Order
	err := preloadOrder(t.db).
		Where("actor_id = ? AND payment_reference = ?", actorID, ref).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find order by payment reference")
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := preloadOrder(s.db.WithContext(ctx)).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, classify("get order", err)
	}
	return &o, nil
}

// AppendOrderStatus 追加一条状态历史，订单本身不做修改。
func (s *Store) AppendOrderStatus(ctx context.Context, orderID string, entry model.OrderStatusEntry) (*model.Order, error) {
	err := s.InTx(ctx, "append order status", func(tx *Tx) error {
		var n int64
		if err := tx.db.Model(&model.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("append order status", "order not found")
		}
		entry.ID = 0
		entry.OrderID = orderID
		return tx.db.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

// OrderStats 是风控需要的历史下单信号。
type OrderStats struct {
	Last24h       int64
	Last7d        int64
	Lifetime      int64
	AverageAmount int64 // 单位：分
}

// ActorOrderStats 统计 actor 在 now 之前的下单次数与平均金额。
func (s *Store) ActorOrderStats(ctx context.Context, actorID string, now time.Time) (OrderStats, error) {
	db := s.db.WithContext(ctx)
	var st OrderStats

	if err := db.Model(&model.Order{}).
		Where("actor_id = ? AND created_at > ? AND created_at <= ?", actorID, now.Add(-24*time.Hour), now).
		Count(&st.Last24h).Error; err != nil {
		return OrderStats{}, classify("order stats", err)
	}
	if err := db.Model(&model.Order{}).
		Where("actor_id = ? AND created_at > ? AND created_at <= ?", actorID, now.Add(-7*24*time.Hour), now).
		Count(&st.Last7d).Error; err != nil {
		return OrderStats{}, classify("order stats", err)
	}

	var avg float64
	row := db.Model(&model.Order{}).
		Where("actor_id = ? AND created_at <= ?", actorID, now).
		Select("COUNT(*), COALESCE(AVG(total), 0)").
		Row()
	if err := row.Scan(&st.Lifetime, &avg); err != nil {
		return OrderStats{}, classify("order stats", err)
	}
	st.AverageAmount = int64(avg)
	return st, nil
}

func preloadOrder(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id") })
}
