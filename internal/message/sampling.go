package message

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy decides whether a message is recorded. count is the 1-based
// index of the message in its transaction and lastRecordedMillis the Unix
// time in milliseconds of the last recorded message, or -1 if none was.
type Strategy interface {
	IsRecordable(msg *Message, count int64, lastRecordedMillis int64) bool
}

// Sampling strategy names.
const (
	SamplingCount         = "count"
	SamplingProbabilistic = "probabilistic"
	SamplingTemporal      = "temporal"
)

// Sampling defaults.
const (
	DefaultSamplingCount       = 10
	DefaultSamplingProbability = 0.01
	DefaultSamplingInterval    = time.Second
)

// SamplingConfig selects and parameterizes a strategy.
type SamplingConfig struct {
	Type        string        `yaml:"type"`
	Count       int64         `yaml:"count"`
	Probability float64       `yaml:"probability"`
	Interval    time.Duration `yaml:"interval"`
}

// NewStrategy builds the strategy described by cfg. An empty type samples
// every message.
func NewStrategy(cfg SamplingConfig) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "":
		return CountStrategy{N: 1}, nil
	case SamplingCount:
		n := cfg.Count
		if n == 0 {
			n = DefaultSamplingCount
		}
		if n < 0 {
			return nil, fmt.Errorf("count sampling requires a positive count, got %d", n)
		}
		return CountStrategy{N: n}, nil
	case SamplingProbabilistic:
		p := cfg.Probability
		if p == 0 {
			p = DefaultSamplingProbability
		}
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("probability must be within [0, 1], got %g", p)
		}
		return NewProbabilisticStrategy(p, nil), nil
	case SamplingTemporal:
		interval := cfg.Interval
		if interval == 0 {
			interval = DefaultSamplingInterval
		}
		if interval < 0 {
			return nil, fmt.Errorf("temporal sampling requires a positive interval, got %s", interval)
		}
		return NewTemporalStrategy(interval, nil), nil
	default:
		return nil, fmt.Errorf("unknown sampling strategy %q", cfg.Type)
	}
}

// CountStrategy records every Nth message.
type CountStrategy struct {
	N int64
}

func (s CountStrategy) IsRecordable(_ *Message, count int64, _ int64) bool {
	if s.N <= 1 {
		return true
	}
	return count%s.N == 0
}

// ProbabilisticStrategy records each message with probability P.
type ProbabilisticStrategy struct {
	p     float64
	float func() float64
}

// NewProbabilisticStrategy creates a strategy drawing from float, which must
// return values in [0, 1). A nil float uses math/rand/v2.
func NewProbabilisticStrategy(p float64, float func() float64) *ProbabilisticStrategy {
	if float == nil {
		float = rand.Float64
	}
	return &ProbabilisticStrategy{p: p, float: float}
}

func (s *ProbabilisticStrategy) IsRecordable(*Message, int64, int64) bool {
	return s.float() < s.p
}

// TemporalStrategy records a message when at least Interval elapsed since the
// last recorded one. The first message is always recorded.
type TemporalStrategy struct {
	interval time.Duration
	now      func() time.Time
}

// NewTemporalStrategy creates a temporal strategy. A nil now uses time.Now.
func NewTemporalStrategy(interval time.Duration, now func() time.Time) *TemporalStrategy {
	if now == nil {
		now = time.Now
	}
	return &TemporalStrategy{interval: interval, now: now}
}

func (s *TemporalStrategy) IsRecordable(_ *Message, _ int64, lastRecordedMillis int64) bool {
	if lastRecordedMillis < 0 {
		return true
	}
	return s.now().UnixMilli()-lastRecordedMillis >= s.interval.Milliseconds()
}
