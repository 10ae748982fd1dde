package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"stock_hold/internal/apperr"
	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/metrics"
	"stock_hold/internal/model"
	"stock_hold/internal/store"
	"stock_hold/internal/store/storetest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"pgregory.net/rapid"
)

const lease = 15 * time.Minute

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.Store
	clock  *clock.Fake
	ledger *Ledger
	m      *metrics.Metrics
	events *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  storetest.New(t),
		clock:  clock.NewFake(t0),
		m:      metrics.NewUnregistered(),
		events: &audit.Recorder{},
	}
	f.ledger = NewLedger(f.store, f.clock, lease, zerolog.Nop(), f.m, f.events)
	return f
}

func (f *fixture) available(t *testing.T, productID uint) int64 {
	t.Helper()
	n, err := f.ledger.Available(context.Background(), productID)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	return n
}

func TestAvailableClamp(t *testing.T) {
	tests := []struct {
		stock, held int64
		want        int64
		violated    bool
	}{
		{5, 0, 5, false},
		{5, 5, 0, false},
		{5, 3, 2, false},
		{5, 7, 0, true},
		{0, 0, 0, false},
	}
	for _, tt := range tests {
		got, violated := Available(tt.stock, tt.held)
		if got != tt.want || violated != tt.violated {
			t.Errorf("Available(%d, %d) = %d, %v; want %d, %v", tt.stock, tt.held, got, violated, tt.want, tt.violated)
		}
	}
}

// 库存 5，A 占 5，B 占 1 失败；A 的租约过期后 B 成功。
func TestHoldBlockedUntilLeaseExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "console", 5, 49900)

	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 5, ActorID: "A"}); err != nil {
		t.Fatalf("A hold: %v", err)
	}
	_, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 1, ActorID: "B"})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("B hold err = %v, want insufficient_stock", err)
	}
	e, _ := apperr.As(err)
	if e.Shortfall.Available != 0 || e.Shortfall.Requested != 1 {
		t.Errorf("shortfall = %+v", e.Shortfall)
	}

	f.clock.Advance(lease)
	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 1, ActorID: "B"}); err != nil {
		t.Fatalf("B hold after expiry: %v", err)
	}
	if got := testutil.ToFloat64(f.m.HoldsRejected.WithLabelValues("insufficient_stock")); got != 1 {
		t.Errorf("rejected metric = %v", got)
	}
	if n := len(f.events.Events(audit.HoldCreated)); n != 2 {
		t.Errorf("hold.created events = %d", n)
	}
}

func TestLeaseExcludedFromAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 10, 1000)

	r, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 4, ActorID: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if !r.ExpiresAt.Equal(t0.Add(lease)) {
		t.Errorf("expiresAt = %v", r.ExpiresAt)
	}

	f.clock.Advance(lease - time.Second)
	if got := f.available(t, p.ID); got != 6 {
		t.Errorf("just before expiry available = %d, want 6", got)
	}
	f.clock.Advance(time.Second)
	if got := f.available(t, p.ID); got != 10 {
		t.Errorf("at expiry available = %d, want 10", got)
	}
}

func TestRenewSetsLeaseFromNow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 10, 1000)
	r, _ := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 2, ActorID: "A"})

	f.clock.Advance(10 * time.Minute)
	renewed, err := f.ledger.RenewHold(ctx, r.ID, "A")
	if err != nil {
		t.Fatalf("RenewHold: %v", err)
	}
	want := t0.Add(10*time.Minute + lease)
	if !renewed.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", renewed.ExpiresAt, want)
	}

	// 时钟回拨时也按 now + lease 设置，不保留更晚的旧值
	f.clock.Set(t0.Add(time.Minute))
	renewed, err = f.ledger.RenewHold(ctx, r.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(time.Minute + lease); !renewed.ExpiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", renewed.ExpiresAt, want)
	}

	// 续约后原来的过期时间点不再释放库存
	f.clock.Set(t0.Add(lease))
	if got := f.available(t, p.ID); got != 8 {
		t.Errorf("available = %d, want 8", got)
	}
}

// 同一会话里加购、续约、删除都会把其余仍有效的预占一起续上；别的会话和已过期的预占不受影响。
func TestCartMutationRefreshesSessionHolds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	x := storetest.Product(t, f.store, "x", 1, 100)
	y := storetest.Product(t, f.store, "y", 5, 100)
	z := storetest.Product(t, f.store, "z", 5, 100)

	hx, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: x.ID, Quantity: 1, ActorID: "A", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := f.ledger.CreateHold(ctx, HoldRequest{ProductID: z.ID, Quantity: 1, ActorID: "A", SessionID: "other"})

	f.clock.Advance(14 * time.Minute)
	hy, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: y.ID, Quantity: 1, ActorID: "A", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(2 * time.Minute)
	if got := f.available(t, x.ID); got != 0 {
		t.Errorf("x available after adding y = %d, want 0", got)
	}
	if got := f.available(t, z.ID); got != 5 {
		t.Errorf("other session hold should lapse, z available = %d", got)
	}
	if _, err := f.ledger.RenewHold(ctx, other.ID, "A"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("renew lapsed other-session hold err = %v", err)
	}

	// 删除 y 也算一次购物车变动
	f.clock.Advance(12 * time.Minute)
	if err := f.ledger.ReleaseHold(ctx, hy.ID, "A"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(10 * time.Minute)
	if got := f.available(t, x.ID); got != 0 {
		t.Errorf("x available after releasing y = %d, want 0", got)
	}

	holds, err := f.ledger.ActorHolds(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(holds) != 1 || holds[0].ID != hx.ID {
		t.Fatalf("holds = %+v", holds)
	}
	if want := t0.Add(28*time.Minute + lease); !holds[0].ExpiresAt.Equal(want) {
		t.Errorf("x expiresAt = %v, want %v", holds[0].ExpiresAt, want)
	}

	// 过期的预占不会被同会话的新操作救回来
	f.clock.Advance(lease)
	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: y.ID, Quantity: 1, ActorID: "A", SessionID: "s"}); err != nil {
		t.Fatal(err)
	}
	if got := f.available(t, x.ID); got != 1 {
		t.Errorf("lapsed x revived, available = %d", got)
	}
}

func TestRenewErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 10, 1000)
	r, _ := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 2, ActorID: "A"})

	if _, err := f.ledger.RenewHold(ctx, "missing", "A"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing err = %v", err)
	}
	if _, err := f.ledger.RenewHold(ctx, r.ID, "B"); !apperr.Is(err, apperr.KindNotOwner) {
		t.Errorf("other actor err = %v", err)
	}

	f.clock.Advance(lease)
	if _, err := f.ledger.RenewHold(ctx, r.ID, "A"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("lapsed err = %v", err)
	}
	if n, _ := f.store.CountReservations(ctx); n != 0 {
		t.Errorf("lapsed hold not removed, %d rows left", n)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 10, 1000)
	r, _ := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 3, ActorID: "A"})

	if err := f.ledger.ReleaseHold(ctx, r.ID, "B"); !apperr.Is(err, apperr.KindNotOwner) {
		t.Fatalf("other actor release err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := f.ledger.ReleaseHold(ctx, r.ID, "A"); err != nil {
			t.Fatalf("release #%d: %v", i, err)
		}
		if got := f.available(t, p.ID); got != 10 {
			t.Errorf("release #%d available = %d", i, got)
		}
	}
	if n := len(f.events.Events(audit.HoldReleased)); n != 1 {
		t.Errorf("hold.released events = %d, want 1", n)
	}

	// 已过期并被清理的预占
	r2, _ := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 1, ActorID: "A"})
	f.clock.Advance(lease)
	if _, err := f.store.DeleteExpired(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.ReleaseHold(ctx, r2.ID, "A"); err != nil {
		t.Errorf("release swept hold: %v", err)
	}
}

func TestCreateHoldValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 10, 1000)

	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 0, ActorID: "A"}); !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("zero qty err = %v", err)
	}
	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 1}); !apperr.Is(err, apperr.KindInvalid) {
		t.Errorf("no actor err = %v", err)
	}
	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: 999, Quantity: 1, ActorID: "A"}); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("missing product err = %v", err)
	}
}

func TestInvariantViolationIsClampedAndCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "lamp", 5, 1000)
	if _, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 5, ActorID: "A"}); err != nil {
		t.Fatal(err)
	}
	// 绕过业务逻辑直接改库存，制造账目错误
	if err := f.store.DB().Model(&model.Product{}).Where("id = ?", p.ID).Update("stock_on_hand", 2).Error; err != nil {
		t.Fatal(err)
	}
	if got := f.available(t, p.ID); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
	if got := testutil.ToFloat64(f.m.InvariantViolations); got != 1 {
		t.Errorf("violations = %v, want 1", got)
	}
}

// 两个 actor 并发各占 4，库存 5，只有一个成功。
func TestConcurrentHoldsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := storetest.Product(t, f.store, "gpu", 5, 99900)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, actor := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, actor string) {
			defer wg.Done()
			_, errs[i] = f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: 4, ActorID: actor})
		}(i, actor)
	}
	wg.Wait()

	ok, short := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindInsufficientStock):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Errorf("ok=%d short=%d, want 1/1", ok, short)
	}
	if got := f.available(t, p.ID); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
}

func TestActiveHoldsNeverExceedStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		stock := rapid.Int64Range(0, 20).Draw(rt, "stock")
		p := storetest.Product(t, f.store, "prop", stock, 100)
		actors := []string{"A", "B", "C"}
		var held []*model.Reservation

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				actor := rapid.SampledFrom(actors).Draw(rt, "actor")
				qty := rapid.Int64Range(1, 8).Draw(rt, "qty")
				r, err := f.ledger.CreateHold(ctx, HoldRequest{ProductID: p.ID, Quantity: qty, ActorID: actor})
				if err == nil {
					held = append(held, r)
				} else if !apperr.Is(err, apperr.KindInsufficientStock) {
					rt.Fatalf("create: %v", err)
				}
			case 1:
				if len(held) > 0 {
					r := held[rapid.IntRange(0, len(held)-1).Draw(rt, "renew")]
					if _, err := f.ledger.RenewHold(ctx, r.ID, r.ActorID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
						rt.Fatalf("renew: %v", err)
					}
				}
			case 2:
				if len(held) > 0 {
					r := held[rapid.IntRange(0, len(held)-1).Draw(rt, "release")]
					if err := f.ledger.ReleaseHold(ctx, r.ID, r.ActorID); err != nil {
						rt.Fatalf("release: %v", err)
					}
				}
			case 3:
				f.clock.Advance(time.Duration(rapid.IntRange(1, 20).Draw(rt, "minutes")) * time.Minute)
			}

			var sum int64
			err := f.store.InTx(ctx, "check", func(tx *store.Tx) error {
				var err error
				sum, err = tx.HeldQuantity(p.ID, f.clock.Now(), "")
				return err
			})
			if err != nil {
				rt.Fatalf("sum: %v", err)
			}
			if sum > stock {
				rt.Fatalf("active holds %d exceed stock %d", sum, stock)
			}
		}
	})
	if got := testutil.ToFloat64(f.m.InvariantViolations); got != 0 {
		t.Errorf("invariant violations = %v", got)
	}
}
