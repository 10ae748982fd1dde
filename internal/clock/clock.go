package clock

import (
	"sync"
	"time"
)

// Clock 抽象当前时间，租约过期判断统一走这里，测试里用 Fake 推进时间。
type Clock interface {
	Now() time.Time
}

// Real 使用系统时钟。
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake 是可手动推进的时钟，并发安全。
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 将时钟向前推进 d。
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
