package scanner

import (
	"sort"
	"strings"
	"time"

	"bot-fleet-engine/internal/signal"
)

// Confidence floors for the radar classes
const (
	StrongConfidence   = 75.0
	ModerateConfidence = 55.0
)

// Classify grades an analysis. Only ENTER decisions can be strong or moderate.
func Classify(decision string, confidence float64) Strength {
	if !strings.EqualFold(decision, signal.DecisionEnter) {
		return Weak
	}
	switch {
	case confidence >= StrongConfidence:
		return Strong
	case confidence >= ModerateConfidence:
		return Moderate
	default:
		return Weak
	}
}

// Evaluate turns an analysis result into a radar opportunity
func Evaluate(symbol string, res *signal.Result, now time.Time) *Opportunity {
	decision := res.Decision
	if decision == "" {
		decision = signal.DecisionWait
	}
	return &Opportunity{
		Symbol:     symbol,
		Direction:  res.Direction,
		Decision:   decision,
		Confidence: res.Confidence,
		Signal:     Classify(decision, res.Confidence),
		RiskReward: res.RiskReward,
		TP:         res.TP,
		SL:         res.SL,
		Price:      res.Price,
		Reason:     res.Reason,
		GreenBots:  res.GreenBots(),
		TotalBots:  len(res.BotsConsulted),
		ScannedAt:  now,
	}
}

var strengthOrder = map[Strength]int{Strong: 0, Moderate: 1, Weak: 2}

// Rank orders opportunities by class, then by confidence descending
func Rank(ops []Opportunity) {
	sort.SliceStable(ops, func(i, j int) bool {
		oi, oj := strengthOrder[ops[i].Signal], strengthOrder[ops[j].Signal]
		if oi != oj {
			return oi < oj
		}
		return ops[i].Confidence > ops[j].Confidence
	})
}
