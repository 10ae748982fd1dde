package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaReleaseCommitLockIfMatch 仅当锁值匹配 token 时才删除，避免误删后来者的锁。
const luaReleaseCommitLockIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// AcquireCommitLock 用 SET NX 占住 (actor, paymentRef)，同一笔支付的并发提交只放行一个。
// ttl 兜底进程崩溃时锁不释放的情况。
func AcquireCommitLock(ctx context.Context, rdb *rd.Client, actorID, paymentRef, token string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, CommitLockKey(actorID, paymentRef), token, ttl).Result()
}

// ReleaseCommitLockIfMatch 安全释放提交锁。
func ReleaseCommitLockIfMatch(ctx context.Context, rdb *rd.Client, actorID, paymentRef, token string) error {
	_, err := rdb.Eval(ctx, luaReleaseCommitLockIfMatch, []string{CommitLockKey(actorID, paymentRef)}, token).Int()
	return err
}
