package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowWithinBudget(t *testing.T) {
	m := NewPerMinute(5)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "send:u1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i)
	}

	ok, err := m.Allow(ctx, "send:u1")
	require.NoError(t, err)
	assert.False(t, ok, "budget exhausted")
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewPerMinute(1)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "send:u1")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "send:u1")
	assert.False(t, ok)

	// A different user and a different operation both have fresh budgets.
	ok, _ = m.Allow(ctx, "send:u2")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "report:u1")
	assert.True(t, ok)
}

func TestTokensRefillOverTime(t *testing.T) {
	m := NewPerMinute(6000) // 100/s so the test refills quickly
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 6000; i++ {
		_, _ = m.Allow(ctx, "k")
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	time.Sleep(50 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok, "elapsed time must restore tokens")
}

func TestEvictStaleDropsIdleBuckets(t *testing.T) {
	m := NewPerMinute(10)
	defer m.Close()
	ctx := context.Background()

	_, _ = m.Allow(ctx, "old")
	m.mu.Lock()
	m.buckets["old"].lastAccess = time.Now().Add(-staleThreshold - time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	_, ok := m.buckets["old"]
	m.mu.Unlock()
	assert.False(t, ok)
}

func TestAllowConcurrent(t *testing.T) {
	m := NewPerMinute(1000)
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := m.Allow(ctx, fmt.Sprintf("user-%d", n%5))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestCloseIdempotent(t *testing.T) {
	m := NewPerMinute(1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for i := 0; i < 1000; i++ {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
