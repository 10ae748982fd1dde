// Package fraud 在下单前给出放行/拦截结论，规则以 CEL 表达式描述。
package fraud

import (
	"context"

	"stock_hold/internal/model"
)

// History 是 actor 的近期下单信号。
type History struct {
	Orders24h      int64
	Orders7d       int64
	LifetimeOrders int64
	AvgOrderValue  int64 // 单位：分
	ActorStatus    model.ActorStatus
}

// Input 是一次待提交订单的风控输入。
type Input struct {
	ActorID   string
	Amount    int64 // 单位：分
	IPAddress string
	UserAgent string
	History   History
}

// Verdict 是风控结论。Allowed 为 false 时 Rule/Reason 说明命中的规则。
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Block(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

// Gate 只做判断；拦截时记录审计事件是它唯一的副作用。
type Gate interface {
	Evaluate(ctx context.Context, in Input) (Verdict, error)
}

// HistoryProvider 提供 actor 的历史信号。
type HistoryProvider interface {
	History(ctx context.Context, actorID string) (History, error)
}
