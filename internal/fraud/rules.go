package fraud

import (
	"context"
	"fmt"

	"stock_hold/internal/audit"
	"stock_hold/internal/clock"
	"stock_hold/internal/config"
	"stock_hold/internal/metrics"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// 内置规则，按顺序求值，第一条命中即拦截。
var builtinRules = []config.RuleSpec{
	{
		Name:       "velocity_24h",
		Expression: "orders_24h > velocity_limit",
		Reason:     "too many orders in the last 24h",
	},
	{
		Name:       "amount_spike",
		Expression: "lifetime_orders > 0 && avg_order_value > 0 && amount > avg_order_value * amount_multiple",
		Reason:     "order amount far above historical average",
	},
	{
		Name:       "first_order_limit",
		Expression: "lifetime_orders == 0 && amount > first_order_limit",
		Reason:     "first order amount above limit",
	},
	{
		Name:       "actor_flagged",
		Expression: `actor_status in ["unverified", "suspended"]`,
		Reason:     "actor is flagged upstream",
	},
}

type rule struct {
	spec config.RuleSpec
	prg  cel.Program
}

// RuleGate 用 CEL 规则评估订单。
type RuleGate struct {
	rules   []rule
	cfg     config.FraudConfig
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	sink    audit.Sink
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("orders_24h", cel.IntType),
		cel.Variable("orders_7d", cel.IntType),
		cel.Variable("lifetime_orders", cel.IntType),
		cel.Variable("avg_order_value", cel.IntType),
		cel.Variable("amount", cel.IntType),
		cel.Variable("actor_status", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("velocity_limit", cel.IntType),
		cel.Variable("amount_multiple", cel.IntType),
		cel.Variable("first_order_limit", cel.IntType),
	)
}

// NewRuleGate 编译内置规则与 cfg.ExtraRules；任何一条编译失败或结果不是 bool 都返回错误。
func NewRuleGate(cfg config.FraudConfig, clk clock.Clock, log zerolog.Logger, m *metrics.Metrics, sink audit.Sink) (*RuleGate, error) {
	env, err := newEnv()
	if err != nil {
		return nil, errors.Wrap(err, "cel env")
	}
	specs := append(append([]config.RuleSpec{}, builtinRules...), cfg.ExtraRules...)

	g := &RuleGate{cfg: cfg, clock: clk, log: log, metrics: m, sink: sink}
	for _, spec := range specs {
		ast, iss := env.Compile(spec.Expression)
		if iss.Err() != nil {
			return nil, errors.Wrapf(iss.Err(), "compile fraud rule %s", spec.Name)
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("fraud rule %s must evaluate to bool, got %s", spec.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "program fraud rule %s", spec.Name)
		}
		g.rules = append(g.rules, rule{spec: spec, prg: prg})
	}
	return g, nil
}

func (g *RuleGate) activation(in Input) map[string]any {
	return map[string]any{
		"orders_24h":        in.History.Orders24h,
		"orders_7d":         in.History.Orders7d,
		"lifetime_orders":   in.History.LifetimeOrders,
		"avg_order_value":   in.History.AvgOrderValue,
		"amount":            in.Amount,
		"actor_status":      string(in.History.ActorStatus),
		"ip":                in.IPAddress,
		"user_agent":        in.UserAgent,
		"velocity_limit":    g.cfg.VelocityLimit24h,
		"amount_multiple":   g.cfg.AmountMultiple,
		"first_order_limit": g.cfg.FirstOrderLimit,
	}
}

// Evaluate 依次求值规则。规则求值出错视为系统错误返回，不当作放行。
func (g *RuleGate) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	vars := g.activation(in)
	for _, r := range g.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return Verdict{}, errors.Wrapf(err, "eval fraud rule %s", r.spec.Name)
		}
		hit, ok := out.Value().(bool)
		if !ok {
			return Verdict{}, fmt.Errorf("fraud rule %s returned %T", r.spec.Name, out.Value())
		}
		if hit {
			v := Block(r.spec.Name, r.spec.Reason)
			g.recordBlock(ctx, in, v)
			return v, nil
		}
	}
	return Allow(), nil
}

func (g *RuleGate) recordBlock(ctx context.Context, in Input, v Verdict) {
	g.metrics.FraudBlocks.WithLabelValues(v.Rule).Inc()
	g.log.Warn().
		Str("actor_id", in.ActorID).
		Str("rule", v.Rule).
		Str("reason", v.Reason).
		Int64("amount", in.Amount).
		Int64("orders_24h", in.History.Orders24h).
		Int64("orders_7d", in.History.Orders7d).
		Int64("avg_order_value", in.History.AvgOrderValue).
		Str("actor_status", string(in.History.ActorStatus)).
		Str("ip", in.IPAddress).
		Msg("order blocked by fraud gate")

	audit.Emit(ctx, g.sink, g.log, audit.FraudBlocked, in.ActorID, g.clock.Now(), map[string]any{
		"rule":            v.Rule,
		"reason":          v.Reason,
		"amount":          in.Amount,
		"ip_address":      in.IPAddress,
		"user_agent":      in.UserAgent,
		"orders_24h":      in.History.Orders24h,
		"orders_7d":       in.History.Orders7d,
		"lifetime_orders": in.History.LifetimeOrders,
		"avg_order_value": in.History.AvgOrderValue,
		"actor_status":    in.History.ActorStatus,
	})
}
