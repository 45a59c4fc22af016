package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bskyfetch/internal"
)

// RequestLimiter paces outbound requests with a token bucket
type RequestLimiter struct {
	limiter *rate.Limiter
	mutex   sync.RWMutex
	waited  time.Duration
	calls   int64
}

// NewRequestLimiter creates a limiter allowing perSecond requests per second.
// A non-positive rate disables limiting.
func NewRequestLimiter(perSecond float64, burst int) *RequestLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RequestLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// NewRequestLimiterFromString creates a limiter from a rate string such as "5/s".
// An empty string yields nil, meaning no limiting.
func NewRequestLimiterFromString(spec string) (internal.RateLimiter, error) {
	perSecond, err := ParseRateLimit(spec)
	if err != nil {
		return nil, internal.NewConfigurationError("rate_limit", err.Error())
	}
	if perSecond <= 0 {
		return nil, nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return NewRequestLimiter(perSecond, burst), nil
}

// Wait blocks until one request may be sent or ctx is done
func (r *RequestLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	r.mutex.Lock()
	r.waited += time.Since(start)
	r.calls++
	r.mutex.Unlock()
	return nil
}

// SetRate changes the sustained rate; non-positive disables limiting
func (r *RequestLimiter) SetRate(perSecond float64) {
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
}

// Rate returns the current rate in requests per second, 0 when unlimited
func (r *RequestLimiter) Rate() float64 {
	limit := r.limiter.Limit()
	if limit == rate.Inf {
		return 0
	}
	return float64(limit)
}

// Stats returns the number of admitted requests and the total time spent waiting
func (r *RequestLimiter) Stats() (calls int64, waited time.Duration) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.calls, r.waited
}

// ParseRateLimit parses rate strings into requests per second.
// Accepted forms: "10" (per second), "5/s", "300/m", "1000/h".
func ParseRateLimit(rateStr string) (float64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	numStr, unit := rateStr, "s"
	if i := strings.Index(rateStr, "/"); i >= 0 {
		numStr = strings.TrimSpace(rateStr[:i])
		unit = strings.ToLower(strings.TrimSpace(rateStr[i+1:]))
	}

	value, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if value < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %s", numStr)
	}

	switch unit {
	case "s", "sec", "second":
		return value, nil
	case "m", "min", "minute":
		return value / 60, nil
	case "h", "hour":
		return value / 3600, nil
	default:
		return 0, fmt.Errorf("unsupported rate unit: %s (supported: s, m, h)", unit)
	}
}

// FormatRate renders a per-second rate in a human-readable way
func FormatRate(perSecond float64) string {
	switch {
	case perSecond <= 0:
		return "unlimited"
	case perSecond >= 1:
		return fmt.Sprintf("%.2f req/s", perSecond)
	default:
		return fmt.Sprintf("%.2f req/min", perSecond*60)
	}
}
