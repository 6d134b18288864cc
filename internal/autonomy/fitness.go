package autonomy

import (
	"math"

	"bot-fleet-engine/internal/fleet"
)

const (
	fitnessMinTrades   = 8
	sharpeMaxPeriods   = 252
	neutralFitness     = 50
	profitFactorNoLoss = 5.0
)

// Fitness scores a bot's track record on a 0..100 scale
type Fitness struct {
	Score        int     `json:"score"`
	Insufficient bool    `json:"insufficient"`
	Trades       int     `json:"trades"`
	WinRate      float64 `json:"win_rate"` // percent
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"` // percent of initial balance
	Sharpe       float64 `json:"sharpe"`
	Sortino      float64 `json:"sortino"`

	WinRateScore int `json:"win_rate_score"`
	PFScore      int `json:"pf_score"`
	DDScore      int `json:"dd_score"`
	SharpeScore  int `json:"sharpe_score"`
	SortinoScore int `json:"sortino_score"`
}

func clamp100(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// ScoreFitness blends win rate, profit factor, drawdown and risk-adjusted
// returns. Fewer than 8 trades yields a neutral, insufficient score.
func ScoreFitness(bot *fleet.Bot) Fitness {
	trades := bot.Trades
	n := len(trades)
	if n < fitnessMinTrades {
		return Fitness{Score: neutralFitness, Insufficient: true, Trades: n}
	}

	initial := bot.InitialBalance
	if initial <= 0 {
		initial = 100
	}

	var wins int
	var grossProfit, grossLoss float64
	balance, peak, maxDD := initial, initial, 0.0
	returns := make([]float64, 0, n)
	for _, t := range trades {
		if t.Win() {
			wins++
			grossProfit += t.PnL
		} else {
			grossLoss += -t.PnL
		}
		balance += t.PnL
		if balance > peak {
			peak = balance
		}
		if peak > 0 {
			if dd := (peak - balance) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
		r := t.PnLPct
		if r == 0 && t.PnL != 0 {
			r = t.PnL / initial * 100
		}
		returns = append(returns, r)
	}

	wr := float64(wins) / float64(n)
	var pf float64
	switch {
	case grossLoss > 0:
		pf = grossProfit / grossLoss
	case grossProfit > 0:
		pf = profitFactorNoLoss
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	avg := sum / float64(n)
	var variance, downside float64
	var negatives int
	for _, r := range returns {
		variance += (r - avg) * (r - avg)
		if r < 0 {
			downside += r * r
			negatives++
		}
	}
	std := math.Sqrt(variance / float64(n))
	var sharpe float64
	if std > 0 {
		sharpe = avg / std * math.Sqrt(float64(min(n, sharpeMaxPeriods)))
	}
	downsideDev := 0.001
	if negatives > 0 {
		downsideDev = math.Sqrt(downside / float64(negatives))
	}
	sortino := avg / downsideDev

	f := Fitness{
		Trades:       n,
		WinRate:      wr * 100,
		ProfitFactor: pf,
		MaxDrawdown:  maxDD,
		Sharpe:       sharpe,
		Sortino:      sortino,
		WinRateScore: int(math.Round(clamp100((wr - 0.4) * 500))),
		PFScore:      int(math.Round(clamp100((pf - 1) * 100))),
		DDScore:      int(math.Round(clamp100(100 - maxDD*5))),
		SharpeScore:  int(math.Round(clamp100(50 + sharpe*25))),
		SortinoScore: int(math.Round(clamp100(50 + sortino*20))),
	}
	f.Score = int(math.Round(
		clamp100((wr-0.4)*500)*0.25 +
			clamp100((pf-1)*100)*0.20 +
			clamp100(100-maxDD*5)*0.20 +
			clamp100(50+sharpe*25)*0.20 +
			clamp100(50+sortino*20)*0.15))
	return f
}
