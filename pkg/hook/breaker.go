package hook

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState string

// 预定义熔断器状态
const (
	BreakerClosed   BreakerState = "closed"    // 正常，调用放行
	BreakerOpen     BreakerState = "open"      // 熔断，调用直接跳过
	BreakerHalfOpen BreakerState = "half-open" // 半开，放行单个探测调用
)

// Breaker 每个钩子注册对应一个熔断器
// 连续失败达到阈值后熔断，冷却窗口过后放行一次探测调用
type Breaker struct {
	threshold int
	cooldown  time.Duration

	state           BreakerState
	failures        int
	lastFailureTime time.Time
	openedAt        time.Time
	probing         bool
	mu              sync.Mutex
}

// NewBreaker 创建熔断器
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     BreakerClosed,
	}
}

// Allow 检查是否放行调用
// 熔断状态下冷却窗口过后转入半开，且恰好放行一个探测调用
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		// 探测调用进行中，其余调用继续跳过
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// OnSuccess 记录成功
// 半开状态下的成功关闭熔断器并清零失败计数
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	b.state = BreakerClosed
}

// OnFailure 记录失败
// 返回熔断器是否因本次失败而打开
func (b *Breaker) OnFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	// 半开状态下探测失败，重新熔断并重置冷却
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.probing = false
		return true
	}

	b.failures++
	if b.state == BreakerClosed && b.threshold > 0 && b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return true
	}
	return false
}

// State 获取当前状态
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 获取连续失败次数
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailureTime 获取最近一次失败时间
func (b *Breaker) LastFailureTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureTime
}
