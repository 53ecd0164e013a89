package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAllowWithinQuota(t *testing.T) {
	l := New(3, 1)
	now := time.Now()
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(1, Cheap, now)
		assert.True(t, ok)
	}
	ok, secs := l.Allow(1, Cheap, now)
	assert.False(t, ok)
	assert.Greater(t, secs, uint64(0))
}

func TestWindowResetAfterExpiry(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	ok, _ := l.Allow(1, Cheap, now)
	assert.True(t, ok)
	ok, _ = l.Allow(1, Cheap, now)
	assert.False(t, ok)

	later := now.Add(cheapWindow + time.Millisecond)
	ok, _ = l.Allow(1, Cheap, later)
	assert.True(t, ok)
}

func TestRejectionHasNoSideEffect(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	ok, _ := l.Allow(1, Cheap, now)
	assert.True(t, ok)

	for i := 0; i < 5; i++ {
		ok, _ = l.Allow(1, Cheap, now.Add(time.Millisecond))
		assert.False(t, ok)
	}

	later := now.Add(cheapWindow + time.Millisecond)
	ok, _ = l.Allow(1, Cheap, later)
	assert.True(t, ok)
}

func TestIndependentUsers(t *testing.T) {
	l := New(1, 1)
	now := time.Now()
	ok1, _ := l.Allow(1, Cheap, now)
	ok2, _ := l.Allow(2, Cheap, now)
	assert.True(t, ok1)
	assert.True(t, ok2)
}

// TestRateLimitFairness: within any window, accepted events for one user
// never exceed the configured quota (spec section 8).
func TestRateLimitFairness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		quota := rapid.IntRange(1, 20).Draw(t, "quota")
		attempts := rapid.IntRange(quota, quota*3).Draw(t, "attempts")

		l := New(quota, quota)
		now := time.Now()
		accepted := 0
		for i := 0; i < attempts; i++ {
			ok, _ := l.Allow(1, Cheap, now)
			if ok {
				accepted++
			}
		}
		if accepted > quota {
			t.Fatalf("accepted %d events, quota was %d", accepted, quota)
		}
	})
}
