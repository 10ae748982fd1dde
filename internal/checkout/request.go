package checkout

import (
	"math"
	"sort"

	"stock_hold/internal/apperr"
)

// Line 是下单请求中的一行。
type Line struct {
	ProductID uint  `json:"product_id" binding:"required,min=1"`
	Quantity  int64 `json:"quantity" binding:"required,min=1"`
}

// CommitRequest 是一次下单提交。PaymentReference 在同一 actor 下唯一，重复提交返回同一订单。
type CommitRequest struct {
	ActorID          string
	SessionID        string
	PaymentReference string
	IPAddress        string
	UserAgent        string
	Lines            []Line
}

// line 是合并后的行，index 指向请求中该商品首次出现的位置。
type line struct {
	index     int
	productID uint
	quantity  int64
}

// normalize 校验请求并合并同一商品的多行，结果按 index 排序。
func normalize(req CommitRequest) ([]line, error) {
	const op = "validate order"
	if req.ActorID == "" {
		return nil, apperr.Invalid(op, "actor is required")
	}
	if req.PaymentReference == "" {
		return nil, apperr.Invalid(op, "payment reference is required")
	}
	if len(req.Lines) == 0 {
		return nil, apperr.Invalid(op, "order has no lines")
	}

	byProduct := make(map[uint]*line, len(req.Lines))
	out := make([]*line, 0, len(req.Lines))
	for i, l := range req.Lines {
		if l.ProductID == 0 {
			return nil, apperr.Invalid(op, "product_id is required")
		}
		if l.Quantity <= 0 {
			return nil, apperr.Invalid(op, "quantity must be > 0")
		}
		if existing, ok := byProduct[l.ProductID]; ok {
			if existing.quantity > math.MaxInt64-l.Quantity {
				return nil, apperr.Invalid(op, "merged quantity is too large")
			}
			existing.quantity += l.Quantity
			continue
		}
		nl := &line{index: i, productID: l.ProductID, quantity: l.Quantity}
		byProduct[l.ProductID] = nl
		out = append(out, nl)
	}

	lines := make([]line, len(out))
	for i, l := range out {
		lines[i] = *l
	}
	return lines, nil
}

// lockOrder 返回按商品 ID 升序的副本，事务内按此顺序加锁。
func lockOrder(lines []line) []line {
	sorted := append([]line(nil), lines...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].productID < sorted[j].productID })
	return sorted
}
