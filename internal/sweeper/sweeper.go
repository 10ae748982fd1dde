// Package sweeper 周期性清理已过期的预占。
// 可售数量的计算本身按 expires_at 过滤，清理只负责控制表的大小，不影响正确性。
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/metrics"

	"github.com/rs/zerolog"
)

var ErrAlreadyStarted = errors.New("sweeper already started")

// Store 是清理所需的最小存储接口。
type Store interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper 由服务生命周期持有：Start 启动后台循环，Shutdown 停止并等待退出。
type Sweeper struct {
	store    Store
	clock    clock.Clock
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
	sink     audit.Sink

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s Store, clk clock.Clock, interval time.Duration, log zerolog.Logger, m *metrics.Metrics, sink audit.Sink) *Sweeper {
	return &Sweeper{store: s, clock: clk, interval: interval, log: log, metrics: m, sink: sink}
}

// Start 启动清理循环，立即返回。ctx 取消或调用 Shutdown 时循环退出。
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
	return nil
}

// Shutdown 停止循环并等待当前一轮结束；ctx 到期则放弃等待。
func (w *Sweeper) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce 删除 expires_at <= now 的预占，返回删除条数。
func (w *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := w.clock.Now()
	n, err := w.store.DeleteExpired(ctx, now)
	if err != nil {
		w.metrics.SweepRuns.WithLabelValues("error").Inc()
		return 0, err
	}
	w.metrics.SweepRuns.WithLabelValues("ok").Inc()
	if n > 0 {
		w.metrics.SweptHolds.Add(float64(n))
		w.log.Debug().Int64("removed", n).Msg("expired holds swept")
		audit.Emit(ctx, w.sink, w.log, audit.HoldsSwept, "", now, map[string]int64{"removed": n})
	}
	return n, nil
}
