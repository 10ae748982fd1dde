package apperr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryBaseDelay 是第一次重试前的等待时间。
var RetryBaseDelay = 50 * time.Millisecond

// RetryTransient 执行 fn，仅当返回 Transient 类错误时退避后再试一次。
// 其他类别（库存不足、欺诈、不存在等）立即返回，不重试。
func RetryTransient(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryBaseDelay
	b.RandomizationFactor = 0.2

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if Is(err, KindTransient) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, 1), ctx))
}
