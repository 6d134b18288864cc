package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/signal"
)

type fakeSource struct {
	mu       sync.Mutex
	results  map[string]*signal.Result
	failing  map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
}

func (f *fakeSource) Analyze(ctx context.Context, symbol string, _ signal.Options) (*signal.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[symbol] {
		return nil, signal.ErrUpstreamUnavailable
	}
	r, ok := f.results[symbol]
	if !ok {
		return &signal.Result{Decision: "WAIT", Confidence: 30}, nil
	}
	cp := *r
	return &cp, nil
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	tests := []struct {
		decision string
		conf     float64
		want     Strength
	}{
		{"ENTER", 75, Strong},
		{"ENTER", 74.9, Moderate},
		{"enter", 55, Moderate},
		{"ENTER", 54, Weak},
		{"WAIT", 90, Weak},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.decision, tt.conf), "%s %.1f", tt.decision, tt.conf)
	}
}

func TestScanRanksResults(t *testing.T) {
	src := &fakeSource{results: map[string]*signal.Result{
		"BTCUSDT": {Decision: "ENTER", Direction: fleet.Long, Confidence: 60},
		"ETHUSDT": {Decision: "ENTER", Direction: fleet.Short, Confidence: 80},
		"SOLUSDT": {Decision: "ENTER", Direction: fleet.Long, Confidence: 70,
			BotsConsulted: []signal.BotVote{{Signal: "green"}, {Signal: "red"}}},
	}}
	sc := NewScanner(src, ScannerConfig{Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}},
		WithClock(func() time.Time { return t0 }))

	res, err := sc.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 4)

	var order []string
	for _, r := range res.Results {
		order = append(order, r.Symbol)
	}
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT", "BTCUSDT", "XRPUSDT"}, order)
	assert.Equal(t, Strong, res.Results[0].Signal)
	assert.Equal(t, 1, res.Results[1].GreenBots)
	assert.Equal(t, 2, res.Results[1].TotalBots)
	assert.Equal(t, 1, res.Cycle)
	assert.Len(t, sc.Opportunities(), 4)
	assert.False(t, sc.Scanning())
}

func TestScanBoundsConcurrency(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	symbols := []string{"A", "B", "C", "D", "E", "F", "G"}
	sc := NewScanner(src, ScannerConfig{Symbols: symbols, Concurrency: 3})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sc.Scan(context.Background())
	}()

	require.Eventually(t, func() bool { return src.inFlight.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, sc.Scanning())
	_, err := sc.Scan(context.Background())
	assert.True(t, errors.Is(err, ErrScanInProgress))

	for range symbols {
		src.gate <- struct{}{}
	}
	<-done
	assert.Equal(t, int32(3), src.peak.Load())
	assert.False(t, sc.Scanning())
}

func TestScanFallsBackToCache(t *testing.T) {
	now := t0
	src := &fakeSource{
		results: map[string]*signal.Result{"BTCUSDT": {Decision: "ENTER", Confidence: 80}},
		failing: map[string]bool{},
	}
	sc := NewScanner(src, ScannerConfig{Symbols: []string{"BTCUSDT"}, CacheTTL: time.Minute},
		WithClock(func() time.Time { return now }))

	_, err := sc.Scan(context.Background())
	require.NoError(t, err)

	src.failing["BTCUSDT"] = true
	now = t0.Add(30 * time.Second)
	res, err := sc.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.FromCache)
	require.Len(t, res.Results, 1)

	now = t0.Add(2 * time.Minute)
	res, err = sc.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}
