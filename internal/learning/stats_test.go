package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecayWeight(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		ts   time.Time
		want float64
	}{
		{"fresh", now, 1},
		{"one half-life", now.Add(-30 * 24 * time.Hour), 0.5},
		{"two half-lives", now.Add(-60 * 24 * time.Hour), 0.25},
		{"missing timestamp", time.Time{}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DecayWeight(tt.ts, now), 1e-6)
		})
	}
}

func TestEffectiveSampleSize(t *testing.T) {
	assert.InDelta(t, 10.0, EffectiveSampleSize([]float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}), 1e-9)
	// (1+0.5)^2 / (1+0.25) = 1.8
	assert.InDelta(t, 1.8, EffectiveSampleSize([]float64{1, 0.5}), 1e-9)
	assert.Zero(t, EffectiveSampleSize(nil))
}

func TestBinomialTest(t *testing.T) {
	tests := []struct {
		name        string
		wins, total int
		want        float64
		delta       float64
	}{
		{"7 of 10", 7, 10, 352.0 / 1024, 1e-9},
		{"10 of 10", 10, 10, 2.0 / 1024, 1e-9},
		{"5 of 10", 5, 10, 1, 1e-9},
		{"3 of 20", 3, 20, 0.002577, 1e-5},
		{"normal approximation 60 of 100", 60, 100, 0.0455, 1e-3},
		{"empty", 0, 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BinomialTest(tt.wins, tt.total, 0.5), tt.delta)
		})
	}
}

func TestTestWinRateRequiresTenSamples(t *testing.T) {
	// 9/9 has p ~ 0.004 but the sample is too small to act on
	s := TestWinRate(9, 9)
	assert.Less(t, s.PValue, 0.05)
	assert.False(t, s.Significant)

	s = TestWinRate(10, 10)
	assert.True(t, s.Significant)
	assert.Equal(t, "limited data, interpret with caution", s.Interpretation)
}

func TestWilsonInterval(t *testing.T) {
	ci := WilsonInterval(0, 0)
	assert.Equal(t, Interval{Lower: 0, Upper: 1, Width: 1}, ci)

	ci = WilsonInterval(7, 10)
	assert.InDelta(t, 0.3968, ci.Lower, 1e-3)
	assert.InDelta(t, 0.8922, ci.Upper, 1e-3)
}

func TestNormalCDF(t *testing.T) {
	assert.InDelta(t, 0.5, NormalCDF(0), 1e-7)
	assert.InDelta(t, 0.9750, NormalCDF(1.96), 1e-4)
	assert.InDelta(t, 0.0250, NormalCDF(-1.96), 1e-4)
}
