package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireSpacesRequestsAfterBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: 80 * time.Millisecond, Burst: 1}, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "a.test"))
	require.NoError(t, l.Acquire(ctx, "a.test"))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 70*time.Millisecond,
		"second acquire should wait roughly one delay period")
}

func TestAcquireAllowsBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: time.Second, Burst: 3}, nil)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "burst.test"))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond,
		"burst tokens should be consumed without waiting")
}

func TestDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: time.Second, Burst: 1}, nil)
	ctx := context.Background()

	// Exhaust a.test.
	require.NoError(t, l.Acquire(ctx, "a.test"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "b.test"))
	require.Less(t, time.Since(start), 200*time.Millisecond,
		"a.test exhaustion must not delay b.test")
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: 10 * time.Second, Burst: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Acquire(ctx, "slow.test"))
	err := l.Acquire(ctx, "slow.test")
	require.Error(t, err)
}

func TestCooldownBlocksUntilWindowExpires(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: time.Millisecond, Burst: 4}, nil)
	ctx := context.Background()

	l.Cooldown(ctx, "cool.test", 100*time.Millisecond)
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "cool.test"))
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPolicyDelayRaisesButNeverLowersFloor(t *testing.T) {
	t.Parallel()

	src := &staticDelays{delays: map[string]time.Duration{
		"slowpoke.test": 200 * time.Millisecond,
		"eager.test":    time.Millisecond,
	}}
	l := New(Config{FloorDelay: 50 * time.Millisecond, Burst: 1}, src)
	ctx := context.Background()

	// Policy above the floor wins.
	require.NoError(t, l.Acquire(ctx, "slowpoke.test"))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "slowpoke.test"))
	require.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)

	// Policy below the floor is clamped to the floor.
	require.NoError(t, l.Acquire(ctx, "eager.test"))
	start = time.Now()
	require.NoError(t, l.Acquire(ctx, "eager.test"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestConcurrentAcquireSingleDomainConvergesToRate(t *testing.T) {
	t.Parallel()

	l := New(Config{FloorDelay: 30 * time.Millisecond, Burst: 1}, nil)
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx, "shared.test"))
		}()
	}
	wg.Wait()

	// burst=1, so n acquisitions need at least (n-1) delay periods.
	require.GreaterOrEqual(t, time.Since(start), (n-1)*30*time.Millisecond-10*time.Millisecond)
}

// --- fakes ---

type staticDelays struct {
	delays map[string]time.Duration
}

func (s *staticDelays) CrawlDelay(_ context.Context, domain string) time.Duration {
	return s.delays[domain]
}
