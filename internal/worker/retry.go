package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"
)

// Transience classifies a fetch outcome for the retry policy. Explicit
// classification replaces error-type matching: workers branch on the class,
// not on concrete error values.
type Transience int

// Fetch outcome classes.
const (
	ClassOK Transience = iota
	ClassTransient
	ClassPermanent
)

// Classify maps a fetch result to a retry class. Timeouts, connection
// resets, 5xx, and 429 are transient; other 4xx and unresolvable hosts are
// permanent. A deadline hit here is the per-request timeout, not session
// cancellation; the worker loop checks its own context before retrying.
func Classify(statusCode int, err error) Transience {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ClassTransient
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return ClassPermanent
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return ClassTransient
		}
		return ClassTransient
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	case statusCode >= 400:
		return ClassPermanent
	default:
		return ClassOK
	}
}

// BackoffPolicy computes jittered exponential retry delays.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoffPolicy builds a policy with sane defaults.
func NewBackoffPolicy(base, max time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	return &BackoffPolicy{baseDelay: base, maxDelay: max}
}

// Delay returns the wait duration before the given (zero-based) retry attempt.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *BackoffPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
