package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the upstream circuit breaker.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`
	// Interval after which closed-state counts are reset.
	Interval time.Duration `yaml:"interval"`
	// Timeout before an open circuit becomes half-open.
	Timeout time.Duration `yaml:"timeout"`
	// MinRequests before the failure ratio is considered.
	MinRequests uint32 `yaml:"min_requests"`
	// FailureRatio at or above which the circuit opens.
	FailureRatio float64 `yaml:"failure_ratio"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:      true,
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

// upstreamStatusError marks a 5xx answer as a breaker failure while still
// carrying the response back to the caller.
type upstreamStatusError struct {
	resp *http.Response
}

func (e *upstreamStatusError) Error() string { return "upstream answered " + e.resp.Status }

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker[*http.Response] {
	defaults := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaults.FailureRatio
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("upstream circuit breaker state changed",
				"upstream", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A client that gives up is not an upstream failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
}
