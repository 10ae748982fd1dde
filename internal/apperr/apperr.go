package apperr

import (
	"errors"
	"fmt"
)

// Kind 是调用方可以分支判断的封闭错误类别。
type Kind int

const (
	KindUnknown Kind = iota
	KindInsufficientStock
	KindFraudSuspected
	KindNotFound
	KindNotOwner
	KindTransient
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindFraudSuspected:
		return "fraud_suspected"
	case KindNotFound:
		return "not_found"
	case KindNotOwner:
		return "not_owner"
	case KindTransient:
		return "transient"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Shortfall 描述库存不足的那一行，便于客户端按实际可售数量重试。
type Shortfall struct {
	Line      int   `json:"line"`
	ProductID uint  `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
}

// Error 携带类别、操作名和可选的上下文。
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Shortfall *Shortfall
	Reason    string // fraud 拦截原因
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf 返回错误链上第一个 *Error 的类别。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断 err 是否属于指定类别。
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// As 取出错误链上的 *Error。
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func InsufficientStock(op string, s Shortfall) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Op:        op,
		Msg:       fmt.Sprintf("product %d: requested %d, available %d", s.ProductID, s.Requested, s.Available),
		Shortfall: &s,
	}
}

func FraudSuspected(op, reason string) *Error {
	return &Error{Kind: KindFraudSuspected, Op: op, Msg: "order blocked by fraud check", Reason: reason}
}

func NotFound(op, msg string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

func NotOwner(op, msg string) *Error {
	return &Error{Kind: KindNotOwner, Op: op, Msg: msg}
}

func Invalid(op, msg string) *Error {
	return &Error{Kind: KindInvalid, Op: op, Msg: msg}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Msg: "temporary failure, try again", Err: err}
}
