package store

import (
	"context"

	"stock_hold/internal/apperr"
	"stock_hold/internal/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// LockProduct 通过自增 hold_version 对商品行加写锁，并返回锁定后的最新数据。
// 同一商品上的「检查可售 → 写预占 / 扣库存」因此在事务间串行。
func (t *Tx) LockProduct(id uint) (*model.Product, error) {
	res := t.db.Model(&model.Product{}).
		Where("id = ?", id).
		UpdateColumn("hold_version", gorm.Expr("hold_version + 1"))
	if res.Error != nil {
		return nil, errors.Wrapf(res.Error, "lock product %d", id)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("lock product", "product not found")
	}
	var p model.Product
	if err := t.db.First(&p, id).Error; err != nil {
		return nil, errors.Wrapf(err, "load product %d", id)
	}
	return &p, nil
}

// GetProduct 事务内不加锁读取商品，用于只读预检。
func (t *Tx) GetProduct(id uint) (*model.Product, error) {
	var p model.Product
	if err := t.db.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("get product", "product not found")
		}
		return nil, errors.Wrapf(err, "get product %d", id)
	}
	return &p, nil
}

// DecrementStock 条件扣减：仅当在手库存 >= qty 时生效，返回是否扣减成功。qty 必须为正。
func (t *Tx) DecrementStock(id uint, qty int64) (bool, error) {
	if qty <= 0 {
		return false, apperr.Invalid("decrement stock", "quantity must be > 0")
	}
	res := t.db.Model(&model.Product{}).
		Where("id = ? AND stock_on_hand >= ?", id, qty).
		UpdateColumn("stock_on_hand", gorm.Expr("stock_on_hand - ?", qty))
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "decrement stock %d", id)
	}
	return res.RowsAffected == 1, nil
}

// CreateProduct 新建商品。
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	if p.StockOnHand < 0 {
		return apperr.Invalid("create product", "stock must be >= 0")
	}
	return classify("create product", s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	var list []model.Product
	if err := s.db.WithContext(ctx).Order("id").Find(&list).Error; err != nil {
		return nil, classify("list products", err)
	}
	return list, nil
}

func (s *Store) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, classify("get product", err)
	}
	return &p, nil
}

// AddStock 外部库存管理入库，只允许增加。
func (s *Store) AddStock(ctx context.Context, id uint, delta int64) (*model.Product, error) {
	if delta <= 0 {
		return nil, apperr.Invalid("add stock", "delta must be > 0")
	}
	var out *model.Product
	err := s.InTx(ctx, "add stock", func(tx *Tx) error {
		res := tx.db.Model(&model.Product{}).
			Where("id = ?", id).
			UpdateColumn("stock_on_hand", gorm.Expr("stock_on_hand + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("add stock", "product not found")
		}
		var p model.Product
		if err := tx.db.First(&p, id).Error; err != nil {
			return err
		}
		out = &p
		return nil
	})
	return out, err
}

// DeleteProduct 删除商品并级联删除其全部预占。
func (s *Store) DeleteProduct(ctx context.Context, id uint) error {
	return s.InTx(ctx, "delete product", func(tx *Tx) error {
		if err := tx.db.Where("product_id = ?", id).Delete(&model.Reservation{}).Error; err != nil {
			return err
		}
		res := tx.db.Delete(&model.Product{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("delete product", "product not found")
		}
		return nil
	})
}
