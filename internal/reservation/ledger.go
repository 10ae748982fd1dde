// Package reservation 维护购物车行对库存的限时预占（hold），并计算可售数量。
package reservation

import (
	"context"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/metrics"
	"stock_hold/internal/model"
	"stock_hold/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HoldRequest 是加购时的预占请求。
type HoldRequest struct {
	ProductID uint
	Quantity  int64
	ActorID   string
	SessionID string
}

// Ledger 是预占的权威记录。先到先得，不抢占仍在租期内的预占。
type Ledger struct {
	store   *store.Store
	clock   clock.Clock
	lease   time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
	sink    audit.Sink
}

func NewLedger(s *store.Store, clk clock.Clock, lease time.Duration, log zerolog.Logger, m *metrics.Metrics, sink audit.Sink) *Ledger {
	return &Ledger{store: s, clock: clk, lease: lease, log: log, metrics: m, sink: sink}
}

// Lease 返回租约时长。
func (l *Ledger) Lease() time.Duration { return l.lease }

// CreateHold 在商品行锁内检查可售并写入预占，检查与写入是同一个事务。
func (l *Ledger) CreateHold(ctx context.Context, req HoldRequest) (*model.Reservation, error) {
	const op = "create hold"
	if req.Quantity <= 0 {
		return nil, l.rejectHold(apperr.Invalid(op, "quantity must be > 0"))
	}
	if req.ActorID == "" {
		return nil, l.rejectHold(apperr.Invalid(op, "actor is required"))
	}

	var out *model.Reservation
	err := apperr.RetryTransient(ctx, func() error {
		now := l.clock.Now()
		return l.store.InTx(ctx, op, func(tx *store.Tx) error {
			p, err := tx.LockProduct(req.ProductID)
			if err != nil {
				return err
			}
			held, err := tx.HeldQuantity(p.ID, now, "")
			if err != nil {
				return err
			}
			avail := l.available(p.ID, p.StockOnHand, held)
			if req.Quantity > avail {
				return apperr.InsufficientStock(op, apperr.Shortfall{
					ProductID: p.ID, Requested: req.Quantity, Available: avail,
				})
			}

			r := &model.Reservation{
				ID:        uuid.NewString(),
				CreatedAt: now,
				UpdatedAt: now,
				ProductID: p.ID,
				ActorID:   req.ActorID,
				SessionID: req.SessionID,
				Quantity:  req.Quantity,
				ExpiresAt: now.Add(l.lease),
			}
			if err := tx.InsertReservation(r); err != nil {
				return err
			}
			out = r
			return l.touchSession(tx, r.ActorID, r.SessionID, now)
		})
	})
	if err != nil {
		return nil, l.rejectHold(err)
	}

	l.metrics.HoldsCreated.Inc()
	audit.Emit(ctx, l.sink, l.log, audit.HoldCreated, out.ActorID, out.CreatedAt, holdPayload(out))
	return out, nil
}

// RenewHold 把 expiresAt 推到 now + lease，不重新检查可售。
// 租约已过的预占视为不存在：顺手删除并返回 NotFound，调用方需要重新加购。
func (l *Ledger) RenewHold(ctx context.Context, id, actorID string) (*model.Reservation, error) {
	const op = "renew hold"
	var (
		out     *model.Reservation
		expired bool
	)
	err := apperr.RetryTransient(ctx, func() error {
		now := l.clock.Now()
		expired = false
		return l.store.InTx(ctx, op, func(tx *store.Tx) error {
			r, err := tx.FindReservation(id)
			if err != nil {
				return err
			}
			if r.ActorID != actorID {
				return apperr.NotOwner(op, "reservation belongs to another actor")
			}
			if !r.ActiveAt(now) {
				expired = true
				_, err := tx.DeleteReservation(id)
				return err
			}
			r.ExpiresAt = now.Add(l.lease)
			r.UpdatedAt = now
			if err := tx.ExtendReservation(id, r.ExpiresAt, now); err != nil {
				return err
			}
			out = r
			return l.touchSession(tx, r.ActorID, r.SessionID, now)
		})
	})
	if err != nil {
		return nil, err
	}
	if expired {
		l.log.Debug().Str("reservation_id", id).Msg("renew on lapsed hold")
		return nil, apperr.NotFound(op, "reservation expired")
	}

	l.metrics.HoldsRenewed.Inc()
	audit.Emit(ctx, l.sink, l.log, audit.HoldRenewed, actorID, out.UpdatedAt, holdPayload(out))
	return out, nil
}

// ReleaseHold 删除预占。预占不存在（已释放/已清理）不算错误。
func (l *Ledger) ReleaseHold(ctx context.Context, id, actorID string) error {
	const op = "release hold"
	var released *model.Reservation
	err := apperr.RetryTransient(ctx, func() error {
		released = nil
		now := l.clock.Now()
		return l.store.InTx(ctx, op, func(tx *store.Tx) error {
			r, err := tx.FindReservation(id)
			if apperr.Is(err, apperr.KindNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if r.ActorID != actorID {
				return apperr.NotOwner(op, "reservation belongs to another actor")
			}
			n, err := tx.DeleteReservation(id)
			if err != nil {
				return err
			}
			if n > 0 {
				released = r
			}
			return l.touchSession(tx, r.ActorID, r.SessionID, now)
		})
	})
	if err != nil {
		return err
	}
	if released != nil {
		l.metrics.HoldsReleased.Inc()
		audit.Emit(ctx, l.sink, l.log, audit.HoldReleased, actorID, l.clock.Now(), holdPayload(released))
	}
	return nil
}

// Available 每次调用都按当前时间重新计算，不做缓存。
func (l *Ledger) Available(ctx context.Context, productID uint) (int64, error) {
	var avail int64
	err := apperr.RetryTransient(ctx, func() error {
		now := l.clock.Now()
		return l.store.InTx(ctx, "available", func(tx *store.Tx) error {
			p, err := tx.LockProduct(productID)
			if err != nil {
				return err
			}
			held, err := tx.HeldQuantity(p.ID, now, "")
			if err != nil {
				return err
			}
			avail = l.available(p.ID, p.StockOnHand, held)
			return nil
		})
	})
	return avail, err
}

// ActorHolds 返回 actor 当前仍有效的预占（购物车视图）。
func (l *Ledger) ActorHolds(ctx context.Context, actorID string) ([]model.Reservation, error) {
	var list []model.Reservation
	err := apperr.RetryTransient(ctx, func() error {
		var err error
		list, err = l.store.ActiveHolds(ctx, actorID, l.clock.Now())
		return err
	})
	return list, err
}

func (l *Ledger) available(productID uint, stock, held int64) int64 {
	avail, violated := Available(stock, held)
	if violated {
		l.metrics.InvariantViolations.Inc()
		l.log.Error().
			Uint("product_id", productID).
			Int64("stock_on_hand", stock).
			Int64("held", held).
			Msg("availability invariant violated: active holds exceed stock on hand")
	}
	return avail
}

// touchSession 购物车每次变动都把同一会话里其余仍有效的预占续到 now + lease。
func (l *Ledger) touchSession(tx *store.Tx, actorID, sessionID string, now time.Time) error {
	n, err := tx.ExtendSessionHolds(actorID, sessionID, now.Add(l.lease), now)
	if err != nil {
		return err
	}
	if n > 1 {
		l.log.Debug().Str("actor_id", actorID).Str("session_id", sessionID).Int64("holds", n).Msg("session holds refreshed")
	}
	return nil
}

func (l *Ledger) rejectHold(err error) error {
	l.metrics.HoldsRejected.WithLabelValues(apperr.KindOf(err).String()).Inc()
	return err
}

func holdPayload(r *model.Reservation) map[string]any {
	return map[string]any{
		"reservation_id": r.ID,
		"product_id":     r.ProductID,
		"quantity":       r.Quantity,
		"session_id":     r.SessionID,
		"expires_at":     r.ExpiresAt,
	}
}
