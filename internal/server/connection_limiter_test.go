package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestGlobalLimiter_AcquireRelease(t *testing.T) {
	limiter := &globalLimiter{max: 3}

	for i := 0; i < 3; i++ {
		require.True(t, limiter.acquire())
	}
	assert.False(t, limiter.acquire())

	limiter.release()
	assert.True(t, limiter.acquire())
	assert.EqualValues(t, 3, limiter.current.Load())
}

func TestGlobalLimiter_Concurrent(t *testing.T) {
	limiter := &globalLimiter{max: 100}

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- limiter.acquire()
		}()
	}

	close(start)
	wg.Wait()
	close(results)

	acquired := 0
	for ok := range results {
		if ok {
			acquired++
		}
	}
	assert.Equal(t, 100, acquired)
	assert.EqualValues(t, 100, limiter.current.Load())
}

func TestGlobalLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	limiter := &globalLimiter{max: 5}

	limiter.release()
	assert.EqualValues(t, 0, limiter.current.Load())
}

func TestIPLimiter_EnforcesPerIPCap(t *testing.T) {
	limiter := &ipLimiter{ips: make(map[string]int), maxPer: 2}

	require.True(t, limiter.acquire("10.0.0.1"))
	require.True(t, limiter.acquire("10.0.0.1"))
	assert.False(t, limiter.acquire("10.0.0.1"))

	// Other origins are unaffected.
	assert.True(t, limiter.acquire("10.0.0.2"))

	limiter.release("10.0.0.1")
	assert.True(t, limiter.acquire("10.0.0.1"))
}

func TestIPLimiter_ReleaseUnknownIPIsNoop(t *testing.T) {
	limiter := &ipLimiter{ips: make(map[string]int), maxPer: 2}

	limiter.release("10.0.0.99")
	assert.True(t, limiter.acquire("10.0.0.99"))
}

func TestChurnLimiter_BurstThenThrottle(t *testing.T) {
	limiter := &churnLimiter{
		limiters: make(map[string]*churnEntry),
		rate:     rate.Limit(1),
		burst:    3,
	}

	for i := 0; i < 3; i++ {
		require.True(t, limiter.allow("10.0.0.1"))
	}
	assert.False(t, limiter.allow("10.0.0.1"))

	// Each origin gets its own bucket.
	assert.True(t, limiter.allow("10.0.0.2"))
}

func TestConnectionLimits_ReportsReason(t *testing.T) {
	limits := NewConnectionLimits(2, 1, 100, 100)

	ok, reason := limits.Acquire("10.0.0.1")
	require.True(t, ok)
	assert.Empty(t, reason)

	// Second connection from the same origin hits the per-IP cap, and the
	// global slot taken during the attempt is rolled back.
	ok, reason = limits.Acquire("10.0.0.1")
	require.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.EqualValues(t, 1, limits.Current())

	ok, reason = limits.Acquire("10.0.0.2")
	require.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = limits.Acquire("10.0.0.3")
	require.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)
}

func TestConnectionLimits_ChurnRejectedBeforeSlotTaken(t *testing.T) {
	limits := NewConnectionLimits(10, 10, 1, 1)

	ok, _ := limits.Acquire("10.0.0.1")
	require.True(t, ok)

	ok, reason := limits.Acquire("10.0.0.1")
	require.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)
	assert.EqualValues(t, 1, limits.Current())
}

func TestConnectionLimits_ReleaseFreesBothScopes(t *testing.T) {
	limits := NewConnectionLimits(1, 1, 100, 100)

	ok, _ := limits.Acquire("10.0.0.1")
	require.True(t, ok)

	limits.Release("10.0.0.1")
	assert.EqualValues(t, 0, limits.Current())

	ok, _ = limits.Acquire("10.0.0.1")
	assert.True(t, ok)
}
