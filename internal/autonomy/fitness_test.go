package autonomy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bot-fleet-engine/internal/fleet"
)

func fitnessBot(pnls ...float64) *fleet.Bot {
	var trades []*fleet.Trade
	for _, p := range pnls {
		trades = append(trades, &fleet.Trade{PnL: p, PnLPct: p * 2})
	}
	return botWith("f", "BTCUSDT", fleet.StatusRunning, 50, 50, trades...)
}

func TestScoreFitness(t *testing.T) {
	tests := []struct {
		name         string
		bot          *fleet.Bot
		score        int
		insufficient bool
	}{
		{"too few trades", fitnessBot(1, 1, 1), 50, true},
		{"all wins", fitnessBot(1, 1, 1, 1, 1, 1, 1, 1, 1, 1), 90, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ScoreFitness(tt.bot)
			assert.Equal(t, tt.score, f.Score)
			assert.Equal(t, tt.insufficient, f.Insufficient)
		})
	}
}

func TestScoreFitnessComponents(t *testing.T) {
	f := ScoreFitness(fitnessBot(2, -1, 2, -1, 2, -1, 2, -1))
	assert.False(t, f.Insufficient)
	assert.Equal(t, 8, f.Trades)
	assert.InDelta(t, 50, f.WinRate, 1e-9)
	assert.InDelta(t, 2, f.ProfitFactor, 1e-9)
	assert.Equal(t, 50, f.WinRateScore)
	assert.Equal(t, 100, f.PFScore)
	// the deepest trough is one $1 loss after a $52 peak
	assert.InDelta(t, 1.0/52*100, f.MaxDrawdown, 1e-9)
	assert.Greater(t, f.Sharpe, 0.0)
}
