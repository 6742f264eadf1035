package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器：并发上限加新建速率
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	rate     *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数，同时作为突发上限
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConns: maxConns,
		rate:     rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可，成功后必须调用 Release
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.maxConns {
		return false
	}
	if !l.rate.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
