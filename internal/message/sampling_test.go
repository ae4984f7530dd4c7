package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountStrategy(t *testing.T) {
	s := CountStrategy{N: 3}
	var recorded []int64
	for i := int64(1); i <= 10; i++ {
		if s.IsRecordable(nil, i, -1) {
			recorded = append(recorded, i)
		}
	}
	assert.Equal(t, []int64{3, 6, 9}, recorded)

	assert.True(t, CountStrategy{N: 1}.IsRecordable(nil, 7, -1))
	assert.True(t, CountStrategy{}.IsRecordable(nil, 7, -1))
}

func TestProbabilisticStrategy(t *testing.T) {
	draws := []float64{0.05, 0.5, 0.09, 0.1}
	next := 0
	s := NewProbabilisticStrategy(0.1, func() float64 {
		v := draws[next]
		next++
		return v
	})

	var got []bool
	for range draws {
		got = append(got, s.IsRecordable(nil, 1, -1))
	}
	assert.Equal(t, []bool{true, false, true, false}, got)
}

func TestTemporalStrategy(t *testing.T) {
	now := time.UnixMilli(10_000)
	s := NewTemporalStrategy(time.Second, func() time.Time { return now })

	assert.True(t, s.IsRecordable(nil, 1, -1), "first message is always recorded")
	assert.False(t, s.IsRecordable(nil, 2, 9_500))
	assert.True(t, s.IsRecordable(nil, 2, 9_000))
	assert.True(t, s.IsRecordable(nil, 2, 1_000))
}

func TestNewStrategy(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SamplingConfig
		want    Strategy
		wantErr bool
	}{
		{name: "default samples everything", cfg: SamplingConfig{}, want: CountStrategy{N: 1}},
		{name: "count", cfg: SamplingConfig{Type: "count", Count: 5}, want: CountStrategy{N: 5}},
		{name: "count default", cfg: SamplingConfig{Type: "COUNT"}, want: CountStrategy{N: DefaultSamplingCount}},
		{name: "negative count", cfg: SamplingConfig{Type: "count", Count: -1}, wantErr: true},
		{name: "probability out of range", cfg: SamplingConfig{Type: "probabilistic", Probability: 1.5}, wantErr: true},
		{name: "negative interval", cfg: SamplingConfig{Type: "temporal", Interval: -time.Second}, wantErr: true},
		{name: "unknown", cfg: SamplingConfig{Type: "sometimes"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStrategy(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
		})
	}

	s, err := NewStrategy(SamplingConfig{Type: "probabilistic", Probability: 0.5})
	require.NoError(t, err)
	assert.IsType(t, &ProbabilisticStrategy{}, s)

	s, err = NewStrategy(SamplingConfig{Type: "temporal", Interval: 2 * time.Second})
	require.NoError(t, err)
	require.IsType(t, &TemporalStrategy{}, s)
	assert.Equal(t, 2*time.Second, s.(*TemporalStrategy).interval)
}
