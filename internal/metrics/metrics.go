package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总预占与下单链路的指标，注册到调用方传入的 Registerer。
type Metrics struct {
	HoldsCreated        prometheus.Counter
	HoldsRejected       *prometheus.CounterVec
	HoldsRenewed        prometheus.Counter
	HoldsReleased       prometheus.Counter
	SweptHolds          prometheus.Counter
	SweepRuns           *prometheus.CounterVec
	OrdersCommitted     prometheus.Counter
	OrdersRejected      *prometheus.CounterVec
	FraudBlocks         *prometheus.CounterVec
	InvariantViolations prometheus.Counter
	CommitDuration      prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HoldsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "holds_created_total",
			Help: "Reservations successfully created.",
		}),
		HoldsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "holds_rejected_total",
			Help: "Reservation attempts rejected, by error kind.",
		}, []string{"kind"}),
		HoldsRenewed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "holds_renewed_total",
			Help: "Reservation lease renewals.",
		}),
		HoldsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "holds_released_total",
			Help: "Reservations released by their owner.",
		}),
		SweptHolds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "holds_swept_total",
			Help: "Expired reservations removed by the sweeper.",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "sweep_runs_total",
			Help: "Sweeper passes, by result.",
		}, []string{"result"}),
		OrdersCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "orders_committed_total",
			Help: "Orders committed.",
		}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "orders_rejected_total",
			Help: "Order commits rejected, by stage and error kind.",
		}, []string{"stage", "kind"}),
		FraudBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "fraud_blocks_total",
			Help: "Fraud gate blocks, by rule.",
		}, []string{"rule"}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stock_hold", Name: "availability_invariant_violations_total",
			Help: "Times on-hand stock minus active holds was negative.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stock_hold", Name: "commit_duration_seconds",
			Help:    "Order commit latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.HoldsCreated, m.HoldsRejected, m.HoldsRenewed, m.HoldsReleased,
		m.SweptHolds, m.SweepRuns, m.OrdersCommitted, m.OrdersRejected,
		m.FraudBlocks, m.InvariantViolations, m.CommitDuration,
	)
	return m
}

// NewUnregistered 供测试使用，每次返回独立的 registry。
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
