package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newMemStore() *memStore { return &memStore{data: make(map[string]interface{})} }

func (m *memStore) LoadRecord(_ context.Context, key string, v interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return false, nil
	}
	if stats, ok := rec.(EffectivenessStats); ok {
		*(v.(*EffectivenessStats)) = stats
	}
	return true, nil
}

func (m *memStore) SaveRecord(_ context.Context, key string, v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch rec := v.(type) {
	case EffectivenessStats:
		m.data[key] = rec
	default:
		m.data[key] = v
	}
	return nil
}

func newTestFilter(opts ...Option) *Filter {
	opts = append([]Option{WithClock(func() time.Time { return now }), WithLogger(logging.Discard())}, opts...)
	return NewFilter(opts...)
}

// outcomes builds trades and matching knowledge from a win pattern
func outcomes(b *fleet.Bot, wins []bool, conf float64, dir fleet.Direction) {
	for i, w := range wins {
		pnl := -1.0
		typ := fleet.Failure
		if w {
			pnl, typ = 1, fleet.Success
		}
		closed := now.Add(-time.Duration(len(wins)-i) * time.Minute)
		b.Trades = append(b.Trades, &fleet.Trade{
			Position: fleet.Position{Symbol: b.Symbol, Direction: dir, Confidence: conf, OpenedAt: closed.Add(-time.Minute)},
			PnL:      pnl,
			ClosedAt: closed,
		})
		b.Knowledge = append(b.Knowledge, &fleet.KnowledgeEntry{
			Timestamp: closed, Type: typ, PnL: pnl, Confidence: conf, Direction: dir, Symbol: b.Symbol, Hour: 3,
		})
		b.Stats.Trades++
	}
}

func pattern(wins, total int) []bool {
	out := make([]bool, total)
	for i := 0; i < wins; i++ {
		out[i] = true
	}
	return out
}

func testBot() *fleet.Bot {
	return &fleet.Bot{ID: "b1", Name: "alpha", Symbol: "BTCUSDT", InitialBalance: 100, CurrentBalance: 100}
}

func TestEvaluateNoData(t *testing.T) {
	f := newTestFilter()
	b := testBot()
	outcomes(b, pattern(0, 9), 90, fleet.Long)

	v := f.Evaluate(b, Candidate{Symbol: "BTCUSDT", Direction: fleet.Long, Confidence: 90})
	assert.True(t, v.Allowed)
	assert.True(t, v.NoData)
	assert.Contains(t, v.Reason, "1 more")
}

func TestSevenOfTenIsNotSignificant(t *testing.T) {
	b := testBot()
	// wins first so the last six hold four wins and momentum stays neutral
	outcomes(b, []bool{true, true, true, false, true, false, true, false, true, true}, 90, fleet.Long)
	h := newHistory(b.Trades, b.Knowledge, now)

	r := checkConfidenceZone(h, Candidate{Confidence: 90})
	assert.Equal(t, Neutral, r.Outcome)
	assert.Zero(t, r.Boost)
	assert.InDelta(t, 0.34375, r.PValue, 1e-6)

	v := newTestFilter().Evaluate(b, Candidate{Symbol: "BTCUSDT", Direction: fleet.Long, Confidence: 90})
	assert.True(t, v.Allowed)
	assert.Zero(t, v.ConfidenceBoost)
}

func TestFreshLosingBucketDoesNotBlock(t *testing.T) {
	b := testBot()
	outcomes(b, []bool{true, false, true, true, false, true, false, true, false, true}, 60, fleet.Long)
	// five straight losses at high confidence: ESS 5 is below the minimum
	outcomesKnowledgeOnly(b, 5, 90)

	h := newHistory(b.Trades, b.Knowledge, now)
	r := checkConfidenceZone(h, Candidate{Confidence: 90})
	assert.Equal(t, Neutral, r.Outcome)

	v := newTestFilter().Evaluate(b, Candidate{Symbol: "BTCUSDT", Direction: fleet.Long, Confidence: 90})
	assert.True(t, v.Allowed)
}

func outcomesKnowledgeOnly(b *fleet.Bot, losses int, conf float64) {
	for i := 0; i < losses; i++ {
		b.Knowledge = append(b.Knowledge, &fleet.KnowledgeEntry{
			Timestamp: now.Add(-time.Hour), Type: fleet.Failure, PnL: -1, Confidence: conf, Hour: 14,
		})
	}
}

func TestSignificantZoneBlocks(t *testing.T) {
	b := testBot()
	outcomes(b, pattern(3, 20), 90, fleet.Long)

	v := newTestFilter().Evaluate(b, Candidate{Symbol: "BTCUSDT", Direction: fleet.Long, Confidence: 90})
	require.False(t, v.Allowed)
	assert.Equal(t, "confidence_zone", v.BlockedBy)
	assert.Contains(t, v.Reason, "zone high")
}

func TestSignificantZoneBoosts(t *testing.T) {
	b := testBot()
	// losses first so the last six are all wins: +5 zone, +3 direction,
	// +3 hour, +4 symbol, +2 momentum
	w := pattern(17, 20)
	for i, j := 0, len(w)-1; i < j; i, j = i+1, j-1 {
		w[i], w[j] = w[j], w[i]
	}
	outcomes(b, w, 90, fleet.Long)

	v := newTestFilter().Evaluate(b, Candidate{Symbol: "BTCUSDT", Direction: fleet.Long, Confidence: 90, Hour: 2})
	require.True(t, v.Allowed)
	assert.Equal(t, 17, v.ConfidenceBoost)
	assert.Equal(t, 5, v.SignificantChecks)
	assert.Len(t, v.Insights, 5)
}

func TestMomentumColdStreak(t *testing.T) {
	b := testBot()
	outcomes(b, []bool{true, true, true, true, false, false, false, false, false, true}, 70, fleet.Short)
	h := newHistory(b.Trades, b.Knowledge, now)
	r := checkMomentum(h, Candidate{})
	assert.Equal(t, Boost, r.Outcome)
	assert.Equal(t, -5, r.Boost)
}

func TestFoldFirstBlockWins(t *testing.T) {
	results := []CheckResult{
		{Name: "a", Outcome: Boost, Boost: 5, Significant: true, Insight: "good"},
		{Name: "b", Outcome: Block, Significant: true, Reason: "bad hour"},
		{Name: "c", Outcome: Block, Significant: true, Reason: "bad symbol"},
	}
	v := fold(results)
	assert.False(t, v.Allowed)
	assert.Equal(t, "b", v.BlockedBy)
	assert.Equal(t, "bad hour", v.Reason)
	assert.Zero(t, v.ConfidenceBoost)
}

func TestBotAlignmentSkipsWithoutBots(t *testing.T) {
	h := newHistory(nil, nil, now)
	assert.Equal(t, Neutral, checkBotAlignment(h, Candidate{TotalBots: 0}).Outcome)
	assert.Equal(t, Neutral, checkRegime(h, Candidate{}).Outcome)
}

func TestThesisContrarianBoost(t *testing.T) {
	var knowledge []*fleet.KnowledgeEntry
	for i := 0; i < 15; i++ {
		aligned := i < 2
		knowledge = append(knowledge, &fleet.KnowledgeEntry{Timestamp: now, ThesisAligned: &aligned})
	}
	r := checkThesis(newHistory(nil, knowledge, now), Candidate{})
	assert.Equal(t, Boost, r.Outcome)
	assert.Equal(t, 3, r.Boost)
	assert.Contains(t, r.Insight, "contrarian")
}

func TestShouldInject(t *testing.T) {
	f := newTestFilter()
	b := testBot()
	for i := 0; i < 12; i++ {
		b.Knowledge = append(b.Knowledge, &fleet.KnowledgeEntry{Timestamp: now, WasInjected: true, Type: fleet.Failure, PnL: -1})
	}
	assert.False(t, f.ShouldInject(b))

	b.Knowledge = b.Knowledge[:7]
	assert.True(t, f.ShouldInject(b))
}

func TestOnTradeClosedRetrainsEveryFifty(t *testing.T) {
	store := newMemStore()
	f := newTestFilter(WithStore(store))
	b := testBot()

	b.Stats.Trades = 49
	assert.False(t, f.OnTradeClosed(context.Background(), b))
	b.Stats.Trades = 50
	assert.True(t, f.OnTradeClosed(context.Background(), b))
	assert.Contains(t, store.data, "learning:b1")
	b.Stats.Trades = 99
	assert.False(t, f.OnTradeClosed(context.Background(), b))
	b.Stats.Trades = 100
	assert.True(t, f.OnTradeClosed(context.Background(), b))
}

func TestEffectiveness(t *testing.T) {
	store := newMemStore()
	f := newTestFilter(WithStore(store))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		f.TrackOutcome(ctx, true, i < 2)
	}
	for i := 0; i < 7; i++ {
		f.TrackOutcome(ctx, false, i < 5)
	}
	assert.Nil(t, f.Effectiveness())

	f.TrackOutcome(ctx, false, true)
	e := f.Effectiveness()
	require.NotNil(t, e)
	assert.Equal(t, 20, e.TotalEvaluated)
	assert.InDelta(t, 10.0/12, e.BlockedAccuracy, 1e-9)
	assert.InDelta(t, 6.0/8, e.AllowedWinRate, 1e-9)
	assert.True(t, e.IsEffective)
	assert.Contains(t, store.data, "learning:effectiveness")

	restored := newTestFilter(WithStore(store))
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, f.Stats(), restored.Stats())
}

func TestCounterfactuals(t *testing.T) {
	f := newTestFilter()
	cf := NewCounterfactuals(f)
	ctx := context.Background()
	expiry := now.Add(time.Hour)

	cf.Watch("b1", "ETHUSDT", fleet.Long, 100, 102, 99, expiry)
	cf.Watch("b1", "ETHUSDT", fleet.Short, 100, 98, 101, expiry)
	assert.Equal(t, "", cf.Watch("b1", "ETHUSDT", fleet.Long, 100, 0, 99, expiry))
	assert.Equal(t, 2, cf.Pending("ETHUSDT"))

	// long hits its target, short hits its stop
	assert.Equal(t, 2, cf.Observe(ctx, "ETHUSDT", 102.5, now))
	s := f.Stats()
	assert.Equal(t, 2, s.Blocked)
	assert.Equal(t, 1, s.BlockedWouldLose)

	cf.Watch("b1", "ETHUSDT", fleet.Long, 100, 102, 99, expiry)
	assert.Equal(t, 0, cf.Observe(ctx, "ETHUSDT", 100.5, now))
	assert.Equal(t, 1, cf.Observe(ctx, "ETHUSDT", 100.5, expiry))
	assert.Equal(t, 3, f.Stats().Blocked)
	assert.Equal(t, 1, f.Stats().BlockedWouldLose)
	assert.Zero(t, cf.Pending("ETHUSDT"))
}

func TestReport(t *testing.T) {
	f := newTestFilter()
	b := testBot()
	assert.False(t, f.Report(b).HasData)

	outcomes(b, pattern(12, 20), 75, fleet.Long)
	r := f.Report(b)
	assert.True(t, r.HasData)
	assert.Equal(t, 20, r.TotalTrades)
	assert.Equal(t, "low", r.StatisticalPower)
	require.Contains(t, r.DirectionStats, "LONG")
	assert.Equal(t, 12, r.DirectionStats["LONG"].Wins)
	require.Contains(t, r.HourStats, "00:00-03:59")
	assert.NotEmpty(t, r.Patterns)
}
