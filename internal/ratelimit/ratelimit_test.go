package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, opts Options) *Limiter {
	t.Helper()
	l := New(opts)
	t.Cleanup(l.Stop)
	return l
}

// exhaust drives requests until the limiter rejects, bounded so a broken
// limiter cannot spin forever.
func exhaust(t *testing.T, l *Limiter, client string) int {
	t.Helper()
	for i := 0; i < 10_000; i++ {
		if !l.Check(client, "/api/test") {
			return i
		}
	}
	t.Fatal("limiter never rejected")
	return 0
}

func TestCheckAllowsWithinBudget(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 600, BurstLimit: 10})
	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("10.0.0.1", "/api/sources"))
	}
}

func TestBurstWindowCapsRapidRequests(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 5})

	allowed := exhaust(t, l, "10.0.0.1")
	assert.Equal(t, 5, allowed, "burst window caps before the token bucket")
}

func TestTokenBucketGate(t *testing.T) {
	// A tiny bucket with a huge burst limit so the bucket rejects first.
	l := newTestLimiter(t, Options{RequestsPerMinute: 60, BurstLimit: 1000})

	allowed := exhaust(t, l, "10.0.0.1")
	// The bucket starts full at RequestsPerMinute tokens.
	assert.InDelta(t, 60, allowed, 2)
}

func TestViolationsEscalateToSuspicious(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 2, SuspiciousAfter: 5, BlockAfter: 20})

	for i := 0; i < 8; i++ {
		l.Check("10.0.0.1", "/api/test")
	}
	assert.True(t, l.Status("10.0.0.1").Suspicious)
	assert.False(t, l.Status("10.0.0.1").Blocked)
}

func TestRepeatOffendersGetBlocked(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 2, SuspiciousAfter: 3, BlockAfter: 6})

	for i := 0; i < 10; i++ {
		l.Check("10.0.0.1", "/api/test")
	}
	status := l.Status("10.0.0.1")
	require.True(t, status.Blocked)
	assert.False(t, status.BlockedUntil.IsZero())

	// Traffic while blocked is rejected and keeps extending the block.
	before := status.BlockedUntil
	time.Sleep(5 * time.Millisecond)
	assert.False(t, l.Check("10.0.0.1", "/api/test"))
	assert.True(t, l.Status("10.0.0.1").BlockedUntil.After(before))
}

func TestClientsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 3})

	exhaust(t, l, "10.0.0.1")
	assert.True(t, l.Check("10.0.0.2", "/api/test"), "one noisy client does not starve another")
}

func TestClearResetsClient(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 2, SuspiciousAfter: 2, BlockAfter: 4})

	for i := 0; i < 10; i++ {
		l.Check("10.0.0.1", "/api/test")
	}
	require.True(t, l.Status("10.0.0.1").Blocked)

	l.Clear("10.0.0.1")
	status := l.Status("10.0.0.1")
	assert.False(t, status.Blocked)
	assert.Equal(t, 0, status.Violations)
	assert.True(t, l.Check("10.0.0.1", "/api/test"))
}

func TestMarkAgentFlagsBots(t *testing.T) {
	l := newTestLimiter(t, Options{})

	l.MarkAgent("10.0.0.1", "curl/8.4.0")
	assert.True(t, l.Status("10.0.0.1").Suspicious)

	l.MarkAgent("10.0.0.2", "Mozilla/5.0 (X11; Linux x86_64)")
	assert.False(t, l.Status("10.0.0.2").Suspicious)
}

func TestSuspiciousClientsGetStricterBucket(t *testing.T) {
	opts := Options{RequestsPerMinute: 100, BurstLimit: 1000}
	l := newTestLimiter(t, opts)

	normal := exhaust(t, l, "normal")

	l.MarkAgent("bot", "python-requests/2.31")
	limited := exhaust(t, l, "bot")
	assert.Less(t, limited, normal)
}

func TestOnViolationHookObservesRejections(t *testing.T) {
	l := newTestLimiter(t, Options{RequestsPerMinute: 100_000, BurstLimit: 1})

	var mu sync.Mutex
	var reasons []string
	l.OnViolation = func(client, endpoint, reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, fmt.Sprintf("%s %s %s", client, endpoint, reason))
	}

	require.True(t, l.Check("10.0.0.1", "/api/test"))
	require.False(t, l.Check("10.0.0.1", "/api/test"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 1)
	assert.Equal(t, "10.0.0.1 /api/test burst_exceeded", reasons[0])
}

func TestStatusForUnknownClient(t *testing.T) {
	l := newTestLimiter(t, Options{})
	status := l.Status("never-seen")
	assert.Equal(t, "never-seen", status.Client)
	assert.False(t, status.Suspicious)
	assert.False(t, status.Blocked)
}
