package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		err    error
		want   Transience
	}{
		{"ok 200", 200, nil, ClassOK},
		{"ok 204", 204, nil, ClassOK},
		{"server error", 500, nil, ClassTransient},
		{"bad gateway", 502, nil, ClassTransient},
		{"too many requests", 429, nil, ClassTransient},
		{"not found", 404, nil, ClassPermanent},
		{"forbidden", 403, nil, ClassPermanent},
		{"gone", 410, nil, ClassPermanent},
		{"request timeout", 0, context.DeadlineExceeded, ClassTransient},
		{"dns failure", 0, &net.DNSError{Err: "no such host", Name: "x.test", IsNotFound: true}, ClassPermanent},
		{"net timeout", 0, &timeoutErr{}, ClassTransient},
		{"generic transport error", 0, errors.New("connection reset by peer"), ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.status, tc.err))
		})
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewBackoffPolicy(100*time.Millisecond, time.Second)

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, time.Second)
	}

	// Attempt 3 (800ms nominal) must exceed attempt 0's jitter ceiling (100ms).
	require.Greater(t, p.Delay(3), 100*time.Millisecond)
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	p := NewBackoffPolicy(0, 0)
	require.Equal(t, 250*time.Millisecond, p.baseDelay)
	require.Equal(t, 5*time.Second, p.maxDelay)
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }
