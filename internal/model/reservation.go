package model

import "time"

// Reservation 是一条购物车行对商品库存的限时占用（hold）。
// 不变量：ExpiresAt = 最近一次刷新时间 + 租约时长。
type Reservation struct {
	ID        string    `gorm:"size:36;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID uint   `gorm:"not null;index" json:"product_id"`
	ActorID   string `gorm:"size:64;not null;index" json:"actor_id"`
	SessionID string `gorm:"size:64;index" json:"session_id,omitempty"`
	Quantity  int64  `gorm:"not null" json:"quantity"`

	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}

func (Reservation) TableName() string { return "reservations" }

// ActiveAt 判断在 now 时刻是否仍占用库存。
func (r Reservation) ActiveAt(now time.Time) bool {
	return r.ExpiresAt.After(now)
}
