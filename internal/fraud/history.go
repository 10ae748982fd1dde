package fraud

import (
	"context"

	"stock_hold/internal/clock"
	"stock_hold/internal/store"
)

// StoreHistory 从订单表和 actor 标记表统计历史信号。
type StoreHistory struct {
	store *store.Store
	clock clock.Clock
}

func NewStoreHistory(s *store.Store, clk clock.Clock) *StoreHistory {
	return &StoreHistory{store: s, clock: clk}
}

func (h *StoreHistory) History(ctx context.Context, actorID string) (History, error) {
	st, err := h.store.ActorOrderStats(ctx, actorID, h.clock.Now())
	if err != nil {
		return History{}, err
	}
	status, err := h.store.ActorStatus(ctx, actorID)
	if err != nil {
		return History{}, err
	}
	return History{
		Orders24h:      st.Last24h,
		Orders7d:       st.Last7d,
		LifetimeOrders: st.Lifetime,
		AvgOrderValue:  st.AverageAmount,
		ActorStatus:    status,
	}, nil
}
