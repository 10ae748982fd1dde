package fraud

import (
	"context"
	"testing"
	"time"

	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/config"
	"stock_hold/internal/metrics"
	"stock_hold/internal/model"
	"stock_hold/internal/store"
	"stock_hold/internal/store/storetest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var (
	t0  = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg = config.FraudConfig{VelocityLimit24h: 5, AmountMultiple: 5, FirstOrderLimit: 100000}
)

func newGate(t *testing.T, c config.FraudConfig) (*RuleGate, *audit.Recorder, *metrics.Metrics) {
	t.Helper()
	rec := &audit.Recorder{}
	m := metrics.NewUnregistered()
	g, err := NewRuleGate(c, clock.NewFake(t0), zerolog.Nop(), m, rec)
	if err != nil {
		t.Fatalf("NewRuleGate: %v", err)
	}
	return g, rec, m
}

func TestEvaluate(t *testing.T) {
	regular := History{Orders24h: 1, Orders7d: 3, LifetimeOrders: 10, AvgOrderValue: 2000, ActorStatus: model.ActorActive}

	tests := []struct {
		name     string
		in       Input
		wantRule string
	}{
		{"regular order", Input{Amount: 2500, History: regular}, ""},
		{"at velocity limit", Input{Amount: 2500, History: History{Orders24h: 5, LifetimeOrders: 5, AvgOrderValue: 2000}}, ""},
		{"above velocity limit", Input{Amount: 2500, History: History{Orders24h: 6, LifetimeOrders: 6, AvgOrderValue: 2000}}, "velocity_24h"},
		{"amount spike", Input{Amount: 10001, History: regular}, "amount_spike"},
		{"exactly five times average", Input{Amount: 10000, History: regular}, ""},
		{"first order under limit", Input{Amount: 99999}, ""},
		{"first order over limit", Input{Amount: 100001}, "first_order_limit"},
		{"unverified actor", Input{Amount: 100, History: History{ActorStatus: model.ActorUnverified}}, "actor_flagged"},
		{"suspended actor", Input{Amount: 100, History: History{LifetimeOrders: 3, AvgOrderValue: 100, ActorStatus: model.ActorSuspended}}, "actor_flagged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, _ := newGate(t, cfg)
			tt.in.ActorID = "alice"
			v, err := g.Evaluate(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if tt.wantRule == "" {
				if !v.Allowed {
					t.Errorf("blocked by %s, want allow", v.Rule)
				}
				return
			}
			if v.Allowed || v.Rule != tt.wantRule {
				t.Errorf("verdict = %+v, want block by %s", v, tt.wantRule)
			}
		})
	}
}

func TestBlockIsAudited(t *testing.T) {
	g, rec, m := newGate(t, cfg)
	in := Input{ActorID: "mallory", Amount: 500, IPAddress: "10.0.0.1", History: History{Orders24h: 6, LifetimeOrders: 6, AvgOrderValue: 500}}

	v, err := g.Evaluate(context.Background(), in)
	if err != nil || v.Allowed {
		t.Fatalf("verdict = %+v, %v", v, err)
	}
	events := rec.Events(audit.FraudBlocked)
	if len(events) != 1 || events[0].ActorID != "mallory" {
		t.Fatalf("events = %+v", events)
	}
	if got := testutil.ToFloat64(m.FraudBlocks.WithLabelValues("velocity_24h")); got != 1 {
		t.Errorf("block metric = %v", got)
	}
}

func TestExtraRules(t *testing.T) {
	c := cfg
	c.ExtraRules = []config.RuleSpec{{Name: "no_agent", Expression: `user_agent == ""`, Reason: "missing user agent"}}
	g, _, _ := newGate(t, c)

	v, _ := g.Evaluate(context.Background(), Input{Amount: 100, UserAgent: ""})
	if v.Allowed || v.Rule != "no_agent" {
		t.Errorf("verdict = %+v", v)
	}
	v, _ = g.Evaluate(context.Background(), Input{Amount: 100, UserAgent: "curl/8"})
	if !v.Allowed {
		t.Errorf("verdict = %+v", v)
	}
}

func TestBadRulesRejected(t *testing.T) {
	for _, expr := range []string{"orders_24h >", "amount + 1", "unknown_var > 1"} {
		c := cfg
		c.ExtraRules = []config.RuleSpec{{Name: "bad", Expression: expr}}
		if _, err := NewRuleGate(c, clock.NewFake(t0), zerolog.Nop(), metrics.NewUnregistered(), nil); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}

func TestStoreHistory(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	for i, age := range []time.Duration{time.Hour, 2 * time.Hour, 3 * 24 * time.Hour} {
		o := &model.Order{
			ID: string(rune('a' + i)), ActorID: "alice", PaymentReference: string(rune('a' + i)),
			Total: 3000, CreatedAt: t0.Add(-age),
		}
		if err := s.InTx(ctx, "seed", func(tx *store.Tx) error { return tx.CreateOrder(o) }); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetActorStatus(ctx, "alice", model.ActorUnverified); err != nil {
		t.Fatal(err)
	}

	h, err := NewStoreHistory(s, clock.NewFake(t0)).History(ctx, "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := History{Orders24h: 2, Orders7d: 3, LifetimeOrders: 3, AvgOrderValue: 3000, ActorStatus: model.ActorUnverified}
	if h != want {
		t.Errorf("history = %+v, want %+v", h, want)
	}
}
