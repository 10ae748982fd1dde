package middleware

import (
	"fmt"
	"net/http"
	"time"

	rediskey "stock_hold/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ActorHeader 携带调用方（买家）标识。
const ActorHeader = "X-Actor-ID"

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(毫秒)，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数，ARGV[4]=member，ARGV[5]=limit
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

// RedisRateLimit Redis 分布式限流，按 X-Actor-ID，缺失时按 IP。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log zerolog.Logger) gin.HandlerFunc {
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		var key string
		if actor := c.GetHeader(ActorHeader); actor != "" {
			key = rediskey.RateLimitActorKey(actor)
		} else {
			key = rediskey.RateLimitIPKey(c.ClientIP())
		}

		nowTime := time.Now()
		now := nowTime.UnixMilli()
		windowStart := now - windowSec*1000
		member := fmt.Sprintf("%d-%d", now, nowTime.UnixNano())

		res, err := rdb.Eval(c.Request.Context(), luaRateLimit, []string{key},
			now, windowStart, windowSec, member, limit).Int()
		if err != nil {
			// Redis 出错时放行（降级策略）
			log.Warn().Err(err).Msg("rate limit unavailable")
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  http.StatusTooManyRequests,
				"error": "rate_limited",
				"msg":   "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
