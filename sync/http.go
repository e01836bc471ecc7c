package sync

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// HTTPRequestTimeout is the default timeout for all HTTP requests to external APIs.
const HTTPRequestTimeout = 60 * time.Second

// RetryPolicy bounds the attempts made for retryable failures.
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"baseDelay"`
	MaxDelay  time.Duration `yaml:"maxDelay"`
}

// DefaultRetryPolicy is used when the configuration leaves retry unset.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  4,
	BaseDelay: 500 * time.Millisecond,
	MaxDelay:  30 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// Delay returns the backoff before the given retry (1 based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay) * math.Pow(2, float64(retry-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails with a non retryable error,
// or the attempts are used up.
func (p RetryPolicy) Do(ctx context.Context, operation string, fn func() error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}
		delay := p.Delay(attempt)
		log.Printf("Warning: %s attempt %d/%d failed, retrying in %s: %v", operation, attempt, p.Attempts, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", operation, p.Attempts, err)
}
