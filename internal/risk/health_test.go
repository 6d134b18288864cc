package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bot-fleet-engine/internal/fleet"
)

func longPosition(openedAgo time.Duration) *fleet.Position {
	return &fleet.Position{
		ID: "p1", Symbol: "BTCUSDT", Direction: fleet.Long, Mode: fleet.Intraday,
		Entry: 100, Size: 1000, Margin: 100, Leverage: 10, Fee: 0.4,
		TP: 110, SL: 95, Liquidation: 90.04, OpenedAt: now.Add(-openedAgo),
	}
}

func TestEvaluatePositionHealth(t *testing.T) {
	tests := []struct {
		name   string
		pos    *fleet.Position
		price  float64
		action HealthAction
		score  int
	}{
		{"in profit", longPosition(10 * time.Minute), 104, ActionHold, 100},
		{"near stop is watched", longPosition(10 * time.Minute), 99, ActionWatch, 40},
		{"near stop and losing closes", longPosition(10 * time.Minute), 95.5, ActionClose, 12},
		{"severe loss", longPosition(10 * time.Minute), 94, ActionClose, 5},
		{"late but profitable holds", longPosition(600 * time.Minute), 101, ActionHold, 90},
		{"timed out with any loss", longPosition(600 * time.Minute), 99.9, ActionClose, 15},
		{"near liquidation", &fleet.Position{
			Direction: fleet.Short, Mode: fleet.Scalping, Entry: 100, Size: 5000, Margin: 100, Leverage: 50,
			Fee: 2, TP: 99, SL: 102.5, Liquidation: 101.992, OpenedAt: now,
		}, 100.5, ActionClose, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := EvaluatePositionHealth(tt.pos, tt.price, now)
			assert.Equal(t, tt.action, h.Action, h.Reason)
			assert.Equal(t, tt.score, h.HealthScore)
		})
	}
}

func TestEvaluatePortfolio(t *testing.T) {
	empty := EvaluatePortfolio(nil, nil, now)
	assert.Equal(t, 100, empty.AvgHealth)

	a := longPosition(10 * time.Minute)
	b := longPosition(10 * time.Minute)
	b.Symbol = "ETHUSDT"
	got := EvaluatePortfolio([]*fleet.Position{a, b}, map[string]float64{"BTCUSDT": 94}, now)
	// ETHUSDT has no price and is scored at entry: pnl -0.4% -> 59.6
	assert.Equal(t, 5, got.WorstHealth)
	assert.Equal(t, 1, got.ToClose)
	assert.Equal(t, 33, got.AvgHealth)
}

func TestBotRiskStatus(t *testing.T) {
	g, _, _ := newGovernor(t)
	b := bot("b1", 92.5)
	addTrades(b, now.Add(-time.Hour), 1, -1.5)

	s := g.BotRiskStatus(b)
	assert.InDelta(t, 7.5, s.DrawdownPct, 1e-9)
	assert.InDelta(t, -0.5, s.DailyPnL, 1e-9)
	assert.InDelta(t, 0.5, s.DailyLossPct, 1e-9)
	assert.Equal(t, 1, s.ConsecutiveLosses)
	assert.False(t, s.InCooldown)
	// 100 - 20 - 3 - 6
	assert.Equal(t, 71, s.HealthScore)

	g.Cooldown(b, "manual")
	s = g.BotRiskStatus(b)
	assert.True(t, s.InCooldown)
	assert.Equal(t, 30, s.CooldownRemaining)
}
