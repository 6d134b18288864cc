package risk

import (
	"fmt"
	"math"
	"time"

	"bot-fleet-engine/internal/fleet"
)

// HealthAction is the triage recommendation. It is advisory only.
type HealthAction string

const (
	ActionHold   HealthAction = "HOLD"
	ActionWatch  HealthAction = "WATCH"
	ActionReduce HealthAction = "REDUCE"
	ActionClose  HealthAction = "CLOSE"
)

// Health is the triage of one open position
type Health struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Direction   fleet.Direction `json:"direction"`
	PnL         float64         `json:"pnl"`
	PnLPct      float64         `json:"pnl_pct"`
	Progress    float64         `json:"progress"`
	LiqDistPct  float64         `json:"liq_dist_pct"`
	ElapsedMin  float64         `json:"elapsed_min"`
	HealthScore int             `json:"health_score"`
	Action      HealthAction    `json:"action"`
	Reason      string          `json:"reason"`
}

// noDistance stands in for a missing stop, target or liquidation price
const noDistance = 999.0

// EvaluatePositionHealth scores a position from 0 (close now) to 100
func EvaluatePositionHealth(pos *fleet.Position, price float64, now time.Time) Health {
	isLong := pos.Direction == fleet.Long

	fee := pos.Fee
	if fee == 0 {
		fee = pos.Size * fleet.FeeRate
	}
	var pnl float64
	if pos.Entry > 0 {
		pnl = (price-pos.Entry)/pos.Entry*pos.Size*pos.Direction.Sign() - fee
	}
	var pnlPct float64
	if pos.Margin > 0 {
		pnlPct = pnl / pos.Margin * 100
	}

	liqDist := noDistance
	if pos.Liquidation > 0 && price > 0 {
		liqDist = math.Abs(pos.Liquidation-price) / price * 100
	}

	progress := 50.0
	if span := math.Abs(pos.TP - pos.SL); span > 0 {
		if isLong {
			progress = (price - pos.SL) / span * 100
		} else {
			progress = (pos.SL - price) / span * 100
		}
	}
	progress = math.Max(0, math.Min(100, progress))

	elapsed := now.Sub(pos.OpenedAt).Minutes()
	horizon := pos.Mode.Profile().TriageHorizon.Minutes()

	h := Health{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Progress:   progress,
		LiqDistPct: liqDist,
		ElapsedMin: elapsed,
		Action:     ActionHold,
	}

	var score float64
	switch {
	case pnlPct < -50:
		h.Action, score = ActionClose, 5
		h.Reason = fmt.Sprintf("severe loss: %.1f%%", pnlPct)
	case liqDist < 2:
		h.Action, score = ActionClose, 3
		h.Reason = fmt.Sprintf("near liquidation: %.1f%%", liqDist)
	case elapsed > horizon*1.5 && pnlPct < 0:
		h.Action, score = ActionClose, 15
		h.Reason = fmt.Sprintf("timed out at 1.5x holding time with %.1f%% loss", pnlPct)
	case progress < 15 && pnlPct < -3:
		h.Action, score = ActionClose, 12
		h.Reason = fmt.Sprintf("near stop (progress %.0f%%) and losing", progress)
	case elapsed > horizon*0.8 && pnlPct < 0 && progress < 35:
		h.Action, score = ActionClose, 20
		h.Reason = fmt.Sprintf("no recovery (progress %.0f%%)", progress)
	case pnlPct < -20:
		h.Action, score = ActionReduce, 25
		h.Reason = fmt.Sprintf("loss %.1f%%, monitor", pnlPct)
	case progress < 30:
		h.Action, score = ActionWatch, 40
		h.Reason = fmt.Sprintf("near stop (progress %.0f%%)", progress)
	case pnlPct > 0:
		score = 80 + math.Min(20, pnlPct)
		h.Reason = fmt.Sprintf("in profit +%.1f%%", pnlPct)
	default:
		score = 60 + pnlPct
		h.Reason = fmt.Sprintf("normal, %.1f%%", pnlPct)
	}
	h.HealthScore = clampScore(score)
	return h
}

func clampScore(s float64) int {
	return int(math.Max(0, math.Min(100, math.Round(s))))
}

// PortfolioHealth aggregates triage over several positions
type PortfolioHealth struct {
	Positions   []Health `json:"positions"`
	AvgHealth   int      `json:"avg_health"`
	WorstHealth int      `json:"worst_health"`
	ToClose     int      `json:"to_close"`
}

// EvaluatePortfolio triages every position. Positions without a price are
// scored at their entry.
func EvaluatePortfolio(positions []*fleet.Position, prices map[string]float64, now time.Time) PortfolioHealth {
	out := PortfolioHealth{AvgHealth: 100, WorstHealth: 100}
	if len(positions) == 0 {
		return out
	}
	sum := 0
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			price = p.Entry
		}
		h := EvaluatePositionHealth(p, price, now)
		out.Positions = append(out.Positions, h)
		sum += h.HealthScore
		if h.HealthScore < out.WorstHealth {
			out.WorstHealth = h.HealthScore
		}
		if h.Action == ActionClose {
			out.ToClose++
		}
	}
	out.AvgHealth = int(math.Round(float64(sum) / float64(len(positions))))
	return out
}

// BotStatus summarizes how close a bot is to its guardrails
type BotStatus struct {
	DrawdownPct          float64 `json:"drawdown_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	DailyPnL             float64 `json:"daily_pnl"`
	DailyLossPct         float64 `json:"daily_loss_pct"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct"`
	ConsecutiveLosses    int     `json:"consecutive_losses"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	InCooldown           bool    `json:"in_cooldown"`
	CooldownRemaining    int     `json:"cooldown_remaining_min"`
	HealthScore          int     `json:"health_score"`
}

// BotRiskStatus reports the bot's distance to each guardrail
func (g *Governor) BotRiskStatus(bot *fleet.Bot) BotStatus {
	cfg := g.Config()
	now := g.now()

	dd := drawdownPct(bot)
	daily, _ := dailyPnL(bot, now)
	var dailyLoss float64
	if daily < 0 {
		dailyLoss = math.Abs(daily) / initialBalance(bot) * 100
	}
	consec := trailingLosses(bot.Trades)
	br := g.cooldowns.Get(bot.ID)
	remaining := br.RemainingMinutes(now)

	return BotStatus{
		DrawdownPct:          dd,
		MaxDrawdownPct:       cfg.MaxDrawdownPct,
		DailyPnL:             daily,
		DailyLossPct:         dailyLoss,
		MaxDailyLossPct:      cfg.MaxDailyLossPct,
		ConsecutiveLosses:    consec,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		InCooldown:           remaining > 0,
		CooldownRemaining:    remaining,
		HealthScore:          healthScore(cfg, dd, dailyLoss, consec),
	}
}

// healthScore spends 40 points on drawdown, 30 on daily loss and 30 on the streak
func healthScore(cfg Config, dd, dailyLoss float64, consec int) int {
	score := 100.0
	score -= dd / cfg.MaxDrawdownPct * 40
	score -= dailyLoss / cfg.MaxDailyLossPct * 30
	score -= float64(consec) / float64(cfg.MaxConsecutiveLosses) * 30
	return clampScore(score)
}
