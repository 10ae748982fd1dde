package redis

import "fmt"

// CommitLockKey 标记某 actor 某支付凭证的提交正在进行。
func CommitLockKey(actorID, paymentRef string) string {
	return fmt.Sprintf("stock_hold:commit:lock:%s:%s", actorID, paymentRef)
}

// RateLimitActorKey 按 actor 限流。
func RateLimitActorKey(actorID string) string {
	return fmt.Sprintf("stock_hold:rate_limit:actor:%s", actorID)
}

// RateLimitIPKey 没有 actor 标识时按 IP 限流。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("stock_hold:rate_limit:ip:%s", ip)
}
