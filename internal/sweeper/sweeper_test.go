package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/metrics"
	"stock_hold/internal/model"
	"stock_hold/internal/store"
	"stock_hold/internal/store/storetest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *store.Store, expires ...time.Time) {
	t.Helper()
	p := storetest.Product(t, s, "widget", 100, 100)
	err := s.InTx(context.Background(), "seed", func(tx *store.Tx) error {
		for i, at := range expires {
			r := &model.Reservation{
				ID: string(rune('a'+i)) + "-hold", ProductID: p.ID, ActorID: "A",
				Quantity: 1, ExpiresAt: at, CreatedAt: t0, UpdatedAt: t0,
			}
			if err := tx.InsertReservation(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	clk := clock.NewFake(t0)
	m := metrics.NewUnregistered()
	rec := &audit.Recorder{}
	w := New(s, clk, time.Minute, zerolog.Nop(), m, rec)

	seed(t, s, t0.Add(-time.Minute), t0, t0.Add(time.Minute))

	n, err := w.SweepOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("SweepOnce = %d, %v; want 2", n, err)
	}
	n, _ = w.SweepOnce(ctx)
	if n != 0 {
		t.Errorf("second sweep removed %d", n)
	}
	if got := testutil.ToFloat64(m.SweptHolds); got != 2 {
		t.Errorf("swept metric = %v", got)
	}
	if got := testutil.ToFloat64(m.SweepRuns.WithLabelValues("ok")); got != 2 {
		t.Errorf("runs metric = %v", got)
	}
	if len(rec.Events(audit.HoldsSwept)) != 1 {
		t.Errorf("expected one holds.swept event")
	}
}

func TestLoopRunsWithoutTraffic(t *testing.T) {
	s := storetest.New(t)
	clk := clock.NewFake(t0)
	w := New(s, clk, 5*time.Millisecond, zerolog.Nop(), metrics.NewUnregistered(), nil)

	seed(t, s, t0.Add(time.Minute))
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v", err)
	}
	clk.Advance(2 * time.Minute)

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := s.CountReservations(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweeper did not remove expired hold, %d rows left", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

type failingStore struct{}

func (failingStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestSweepErrorCounted(t *testing.T) {
	m := metrics.NewUnregistered()
	w := New(failingStore{}, clock.NewFake(t0), time.Minute, zerolog.Nop(), m, nil)
	if _, err := w.SweepOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := testutil.ToFloat64(m.SweepRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("error runs = %v", got)
	}
	if err := w.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before Start: %v", err)
	}
}
