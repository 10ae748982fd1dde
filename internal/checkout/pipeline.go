// Package checkout 把预占转换为订单：校验可售 → 风控 → 单事务扣库存并消费预占 → 落单。
package checkout

import (
	"context"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/fraud"
	"stock_hold/internal/metrics"
	"stock_hold/internal/model"
	"stock_hold/internal/reservation"
	"stock_hold/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage 是一次提交所处的阶段。
type Stage string

const (
	StageValidating    Stage = "validating"
	StageFraudChecking Stage = "fraud_checking"
	StageCommitting    Stage = "committing"
	StageCompleted     Stage = "completed"
	StageRejected      Stage = "rejected"
)

// Pipeline 是唯一会扣减在手库存、生成订单的路径。
type Pipeline struct {
	store   *store.Store
	clock   clock.Clock
	gate    fraud.Gate
	history fraud.HistoryProvider
	sink    audit.Sink
	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewPipeline(s *store.Store, clk clock.Clock, gate fraud.Gate, history fraud.HistoryProvider,
	sink audit.Sink, log zerolog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store:   s,
		clock:   clk,
		gate:    gate,
		history: history,
		sink:    sink,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer("stock_hold/checkout"),
	}
}

// Commit 执行一次下单。任何失败出口都不会留下部分扣减。
func (p *Pipeline) Commit(ctx context.Context, req CommitRequest) (*model.Order, error) {
	ctx, span := p.tracer.Start(ctx, "checkout.commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("actor.id", req.ActorID),
		attribute.String("payment.reference", req.PaymentReference),
		attribute.Int("order.lines", len(req.Lines)),
	)
	start := time.Now()
	defer func() { p.metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	log := p.log.With().
		Str("actor_id", req.ActorID).
		Str("payment_reference", req.PaymentReference).
		Logger()

	stage := StageValidating
	reject := func(err error) (*model.Order, error) {
		kind := apperr.KindOf(err)
		p.metrics.OrdersRejected.WithLabelValues(string(stage), kind.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		span.AddEvent(string(StageRejected), trace.WithAttributes(attribute.String("stage", string(stage))))
		log.Info().Str("stage", string(stage)).Str("kind", kind.String()).Err(err).Msg("order rejected")
		return nil, err
	}

	// Validating
	span.AddEvent(string(stage))
	lines, err := normalize(req)
	if err != nil {
		return reject(err)
	}
	existing, total, err := p.precheck(ctx, req.ActorID, req.PaymentReference, lines)
	if err != nil {
		return reject(err)
	}
	if existing != nil {
		log.Info().Str("order_id", existing.ID).Msg("duplicate commit, returning existing order")
		return existing, nil
	}

	// FraudChecking
	stage = StageFraudChecking
	span.AddEvent(string(stage))
	if err := p.checkFraud(ctx, req, total); err != nil {
		return reject(err)
	}

	// Committing
	stage = StageCommitting
	span.AddEvent(string(stage))
	var (
		order *model.Order
		fresh bool
	)
	err = apperr.RetryTransient(ctx, func() error {
		var err error
		order, fresh, err = p.commitTx(ctx, req, lines)
		return err
	})
	if err != nil {
		return reject(err)
	}

	// Completed
	stage = StageCompleted
	span.AddEvent(string(stage))
	span.SetAttributes(attribute.String("order.id", order.ID), attribute.Int64("order.total", order.Total))
	span.SetStatus(codes.Ok, "order committed")
	if !fresh {
		log.Info().Str("order_id", order.ID).Msg("duplicate commit, returning existing order")
		return order, nil
	}

	p.metrics.OrdersCommitted.Inc()
	log.Info().Str("order_id", order.ID).Int64("total", order.Total).Msg("order committed")
	audit.Emit(ctx, p.sink, log, audit.OrderCreated, order.ActorID, order.CreatedAt, orderPayload(order))
	return order, nil
}

// precheck 在只读事务里按当前时间重新计算每一行的可售数量，并算出订单金额。
// 同一支付凭证已有订单时直接返回该订单。
func (p *Pipeline) precheck(ctx context.Context, actorID, paymentRef string, lines []line) (*model.Order, int64, error) {
	const op = "validate order"
	var (
		existing *model.Order
		total    int64
	)
	err := apperr.RetryTransient(ctx, func() error {
		now := p.clock.Now()
		existing, total = nil, 0
		return p.store.InTx(ctx, op, func(tx *store.Tx) error {
			o, err := tx.FindOrderByPaymentRef(actorID, paymentRef)
			if err != nil || o != nil {
				existing = o
				return err
			}
			for _, l := range lines {
				prod, err := tx.GetProduct(l.productID)
				if err != nil {
					return err
				}
				held, err := tx.HeldQuantity(prod.ID, now, actorID)
				if err != nil {
					return err
				}
				avail, _ := reservation.Available(prod.StockOnHand, held)
				if l.quantity > avail {
					return apperr.InsufficientStock(op, apperr.Shortfall{
						Line: l.index, ProductID: prod.ID, Requested: l.quantity, Available: avail,
					})
				}
				total += prod.Price * l.quantity
			}
			return nil
		})
	})
	return existing, total, err
}

func (p *Pipeline) checkFraud(ctx context.Context, req CommitRequest, total int64) error {
	const op = "fraud check"
	ctx, span := p.tracer.Start(ctx, "checkout.fraud_check")
	defer span.End()

	hist, err := p.history.History(ctx, req.ActorID)
	if err != nil {
		return asTransient(op, err)
	}
	v, err := p.gate.Evaluate(ctx, fraud.Input{
		ActorID:   req.ActorID,
		Amount:    total,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		History:   hist,
	})
	if err != nil {
		return asTransient(op, err)
	}
	span.SetAttributes(attribute.Bool("fraud.allowed", v.Allowed), attribute.String("fraud.rule", v.Rule))
	if !v.Allowed {
		return apperr.FraudSuspected(op, v.Rule)
	}
	return nil
}

// commitTx 在单个事务内完成全部行的加锁、复核、扣减和预占消费，并写入订单。
// fresh=false 表示并发的重复提交已经先一步落单。
func (p *Pipeline) commitTx(ctx context.Context, req CommitRequest, lines []line) (*model.Order, bool, error) {
	const op = "commit order"
	now := p.clock.Now()
	var (
		order *model.Order
		fresh bool
	)
	err := p.store.InTx(ctx, op, func(tx *store.Tx) error {
		o, err := tx.FindOrderByPaymentRef(req.ActorID, req.PaymentReference)
		if err != nil {
			return err
		}
		if o != nil {
			order = o
			return nil
		}

		order = &model.Order{
			ID:               uuid.NewString(),
			CreatedAt:        now,
			ActorID:          req.ActorID,
			SessionID:        req.SessionID,
			PaymentReference: req.PaymentReference,
			IPAddress:        req.IPAddress,
			UserAgent:        req.UserAgent,
		}
		byProduct := make(map[uint]model.OrderLine, len(lines))
		for _, l := range lockOrder(lines) {
			prod, err := tx.LockProduct(l.productID)
			if err != nil {
				return err
			}
			held, err := tx.HeldQuantity(prod.ID, now, req.ActorID)
			if err != nil {
				return err
			}
			avail, _ := reservation.Available(prod.StockOnHand, held)
			if l.quantity > avail {
				return apperr.InsufficientStock(op, apperr.Shortfall{
					Line: l.index, ProductID: prod.ID, Requested: l.quantity, Available: avail,
				})
			}
			ok, err := tx.DecrementStock(prod.ID, l.quantity)
			if err != nil {
				return err
			}
			if !ok {
				return apperr.InsufficientStock(op, apperr.Shortfall{
					Line: l.index, ProductID: prod.ID, Requested: l.quantity, Available: avail,
				})
			}
			if _, err := tx.DeleteActorHolds(req.ActorID, prod.ID); err != nil {
				return err
			}
			byProduct[prod.ID] = model.OrderLine{ProductID: prod.ID, Quantity: l.quantity, UnitPrice: prod.Price}
			order.Total += prod.Price * l.quantity
		}
		if req.SessionID != "" {
			if _, err := tx.DeleteSessionHolds(req.ActorID, req.SessionID); err != nil {
				return err
			}
		}

		// 明细保持请求里的顺序
		for _, l := range lines {
			order.Lines = append(order.Lines, byProduct[l.productID])
		}
		order.History = []model.OrderStatusEntry{{Status: model.OrderStatusCreated, CreatedAt: now}}
		if err := tx.CreateOrder(order); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return order, fresh, nil
}

// AppendStatus 追加一条订单状态。created 只能由提交产生。
func (p *Pipeline) AppendStatus(ctx context.Context, orderID string, status model.OrderStatus, note string) (*model.Order, error) {
	const op = "append order status"
	if !status.Valid() || status == model.OrderStatusCreated {
		return nil, apperr.Invalid(op, "unsupported status "+string(status))
	}
	now := p.clock.Now()
	var order *model.Order
	err := apperr.RetryTransient(ctx, func() error {
		var err error
		order, err = p.store.AppendOrderStatus(ctx, orderID, model.OrderStatusEntry{Status: status, Note: note, CreatedAt: now})
		return err
	})
	if err != nil {
		return nil, err
	}
	audit.Emit(ctx, p.sink, p.log, audit.OrderStatus, order.ActorID, now, map[string]any{
		"order_id": order.ID,
		"status":   status,
		"note":     note,
	})
	return order, nil
}

func (p *Pipeline) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var order *model.Order
	err := apperr.RetryTransient(ctx, func() error {
		var err error
		order, err = p.store.GetOrder(ctx, orderID)
		return err
	})
	return order, err
}

func asTransient(op string, err error) error {
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return apperr.Transient(op, err)
}

func orderPayload(o *model.Order) map[string]any {
	lines := make([]map[string]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, map[string]any{
			"product_id": l.ProductID,
			"quantity":   l.Quantity,
			"unit_price": l.UnitPrice,
		})
	}
	return map[string]any{
		"order_id":          o.ID,
		"session_id":        o.SessionID,
		"payment_reference": o.PaymentReference,
		"total":             o.Total,
		"lines":             lines,
	}
}
