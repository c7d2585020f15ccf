package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// TokenBucket 令牌桶
type TokenBucket struct {
	capacity   float64
	tokens     float64
	rate       float64 // 每秒产生令牌数
	lastRefill time.Time
	mu         sync.Mutex
}

func NewTokenBucket(capacity, rate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		rate:       float64(rate),
		lastRefill: time.Now(),
	}
}

// Allow 尝试获取一个令牌
func (tb *TokenBucket) Allow() bool {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastRefill).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastRefill)
}

// RateLimiterConfig 限流配置，QPS 为 0 表示不限
type RateLimiterConfig struct {
	GlobalQPS  int64
	IPQPSLimit int64
	BurstSize  int64
}

// RateLimiter 全局 + 单 IP 两级限流
type RateLimiter struct {
	config       RateLimiterConfig
	globalBucket *TokenBucket
	ipBuckets    sync.Map // IP -> *TokenBucket
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{config: config}
	if config.GlobalQPS > 0 {
		rl.globalBucket = NewTokenBucket(config.GlobalQPS+config.BurstSize, config.GlobalQPS)
	}
	return rl
}

func (rl *RateLimiter) ipBucket(ip string) *TokenBucket {
	if bucket, ok := rl.ipBuckets.Load(ip); ok {
		return bucket.(*TokenBucket)
	}
	bucket := NewTokenBucket(rl.config.IPQPSLimit+rl.config.BurstSize, rl.config.IPQPSLimit)
	actual, _ := rl.ipBuckets.LoadOrStore(ip, bucket)
	return actual.(*TokenBucket)
}

// Allow 先检查全局，再检查 IP
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.globalBucket != nil && !rl.globalBucket.Allow() {
		return false
	}
	if rl.config.IPQPSLimit > 0 && !rl.ipBucket(ip).Allow() {
		return false
	}
	return true
}

// Middleware Gin 中间件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    http.StatusTooManyRequests,
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Cleanup 清理空闲超过 idle 的 IP 桶，由调用方定期执行
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	now := time.Now()
	removed := 0
	rl.ipBuckets.Range(func(key, value interface{}) bool {
		if value.(*TokenBucket).idleSince(now) > idle {
			rl.ipBuckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
