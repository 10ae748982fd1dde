package model

import "time"

// Product 可售商品。StockOnHand 为权威在手库存，只由下单提交（扣减）和库存管理（增加）修改，
// 预占逻辑从不直接改它。
type Product struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string `gorm:"size:128;not null" json:"name"`
	StockOnHand int64  `gorm:"not null;default:0" json:"stock_on_hand"`
	Price       int64  `gorm:"not null" json:"price"` // 单位：分

	// HoldVersion 每次加行锁时自增，用来在同一事务里串行化「检查可售 → 写预占」。
	HoldVersion int64 `gorm:"not null;default:0" json:"-"`

	Reservations []Reservation `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Product) TableName() string { return "products" }
