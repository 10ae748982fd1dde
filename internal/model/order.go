package model

import "time"

// OrderStatus 订单状态历史里的取值，只追加不修改。
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// Valid 校验外部传入的状态值。
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusCreated, OrderStatusPaid, OrderStatusShipped, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Order 只由一次成功的提交创建，创建后除状态历史外不可变。
type Order struct {
	ID        string    `gorm:"size:36;primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ActorID   string `gorm:"size:64;not null;index;uniqueIndex:idx_actor_payment_ref" json:"actor_id"`
	SessionID string `gorm:"size:64" json:"session_id,omitempty"`
	// PaymentReference 与 ActorID 组成幂等键，重复提交直接返回已有订单。
	PaymentReference string `gorm:"size:128;not null;uniqueIndex:idx_actor_payment_ref" json:"payment_reference"`
	Total            int64  `gorm:"not null" json:"total"` // 单位：分
	IPAddress        string `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent        string `gorm:"size:255" json:"user_agent,omitempty"`

	Lines   []OrderLine        `gorm:"constraint:OnDelete:CASCADE" json:"lines"`
	History []OrderStatusEntry `gorm:"constraint:OnDelete:CASCADE" json:"history"`
}

func (Order) TableName() string { return "orders" }

// OrderLine 提交时固化单价，之后改价不影响历史订单。
type OrderLine struct {
	ID        uint   `gorm:"primarykey" json:"-"`
	OrderID   string `gorm:"size:36;not null;index" json:"-"`
	ProductID uint   `gorm:"not null;index" json:"product_id"`
	Quantity  int64  `gorm:"not null" json:"quantity"`
	UnitPrice int64  `gorm:"not null" json:"unit_price"`
}

func (OrderLine) TableName() string { return "order_lines" }

type OrderStatusEntry struct {
	ID        uint        `gorm:"primarykey" json:"-"`
	OrderID   string      `gorm:"size:36;not null;index" json:"-"`
	Status    OrderStatus `gorm:"size:32;not null" json:"status"`
	Note      string      `gorm:"size:255" json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (OrderStatusEntry) TableName() string { return "order_status_history" }

// CurrentStatus 返回最后一条状态。
func (o Order) CurrentStatus() OrderStatus {
	if len(o.History) == 0 {
		return ""
	}
	return o.History[len(o.History)-1].Status
}
