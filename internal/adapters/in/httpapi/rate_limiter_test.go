package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(2, 1)
	start := tb.lastRefill

	assert.True(t, tb.allowAt(start))
	assert.True(t, tb.allowAt(start))
	assert.False(t, tb.allowAt(start))

	assert.False(t, tb.allowAt(start.Add(500*time.Millisecond)))
	assert.True(t, tb.allowAt(start.Add(time.Second)))

	// 长时间空闲后不超过容量
	later := start.Add(time.Hour)
	assert.True(t, tb.allowAt(later))
	assert.True(t, tb.allowAt(later))
	assert.False(t, tb.allowAt(later))
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{IPQPSLimit: 1, BurstSize: 1})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_Global(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GlobalQPS: 1})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{IPQPSLimit: 10})
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	stale := rl.ipBucket("10.0.0.1")
	stale.mu.Lock()
	stale.lastRefill = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	assert.Equal(t, 1, rl.Cleanup(10*time.Minute))
	_, ok := rl.ipBuckets.Load("10.0.0.1")
	assert.False(t, ok)
	_, ok = rl.ipBuckets.Load("10.0.0.2")
	assert.True(t, ok)
}
