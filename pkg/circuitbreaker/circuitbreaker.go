package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 正常放行
	StateOpen                  // 直接拒绝
	StateHalfOpen              // 试探恢复
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen 熔断器打开时返回
var ErrOpen = errors.New("circuit breaker is open")

// Config 熔断器配置
type Config struct {
	Name string
	// 连续失败多少次后打开
	FailureThreshold int
	// 半开状态下成功多少次后关闭
	SuccessThreshold int
	// 打开状态持续多久后进入半开
	OpenTimeout time.Duration
	// 半开状态下同时放行的最大请求数
	HalfOpenMaxRequests int
	// 状态变化回调（持锁外调用）
	OnStateChange func(name string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// Breaker 熔断器
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probes   int
	okProbes int
	openedAt time.Time
}

// New 创建熔断器
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// WithClock 替换时钟，用于测试
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Execute 在熔断保护下执行 fn；打开状态直接返回 ErrOpen
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.probes = 0
		b.okProbes = 0
	}
	to := b.state

	var err error
	switch b.state {
	case StateOpen:
		err = ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMaxRequests {
			err = ErrOpen
		} else {
			b.probes++
		}
	}
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case StateClosed:
		if ok {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		}
	case StateHalfOpen:
		if !ok {
			b.trip()
			break
		}
		b.probes--
		b.okProbes++
		if b.okProbes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// trip 调用方需持锁
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probes = 0
	b.okProbes = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State 返回当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 强制关闭
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.okProbes = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
