package learning

import (
	"fmt"
	"time"

	"bot-fleet-engine/internal/fleet"
)

// Outcome is a check's three-way result
type Outcome int

const (
	Neutral Outcome = iota
	Boost
	Block
)

func (o Outcome) String() string {
	switch o {
	case Boost:
		return "boost"
	case Block:
		return "block"
	default:
		return "neutral"
	}
}

// CheckResult is the verdict of one pattern check
type CheckResult struct {
	Name        string  `json:"name"`
	Outcome     Outcome `json:"outcome"`
	Boost       int     `json:"boost,omitempty"`
	Significant bool    `json:"significant"`
	PValue      float64 `json:"p_value,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Insight     string  `json:"insight,omitempty"`
}

// Candidate is the entry under evaluation
type Candidate struct {
	Symbol     string
	Direction  fleet.Direction
	Confidence float64
	Regime     string // empty when unknown
	GreenBots  int
	TotalBots  int
	Hour       int // UTC hour of the evaluation
}

type weightedTrade struct {
	*fleet.Trade
	weight float64
}

type weightedEntry struct {
	*fleet.KnowledgeEntry
	weight float64
}

// history is the decay-weighted view of one bot's records
type history struct {
	trades    []weightedTrade
	knowledge []weightedEntry
	raw       []*fleet.Trade
}

func newHistory(trades []*fleet.Trade, knowledge []*fleet.KnowledgeEntry, now time.Time) *history {
	h := &history{raw: trades}
	h.trades = make([]weightedTrade, 0, len(trades))
	for _, t := range trades {
		ts := t.ClosedAt
		if ts.IsZero() {
			ts = t.OpenedAt
		}
		h.trades = append(h.trades, weightedTrade{Trade: t, weight: DecayWeight(ts, now)})
	}
	h.knowledge = make([]weightedEntry, 0, len(knowledge))
	for _, k := range knowledge {
		h.knowledge = append(h.knowledge, weightedEntry{KnowledgeEntry: k, weight: DecayWeight(k.Timestamp, now)})
	}
	return h
}

func (h *history) tradeBucket(keep func(*fleet.Trade) bool) bucket {
	var b bucket
	for _, t := range h.trades {
		if keep(t.Trade) {
			b = append(b, sample{win: t.Win(), pnl: t.PnL, weight: t.weight})
		}
	}
	return b
}

func (h *history) knowledgeBucket(keep func(*fleet.KnowledgeEntry) bool) bucket {
	var b bucket
	for _, k := range h.knowledge {
		if keep(k.KnowledgeEntry) {
			b = append(b, sample{win: k.Win(), pnl: k.PnL, weight: k.weight})
		}
	}
	return b
}

// check is one pure pattern test
type check func(h *history, c Candidate) CheckResult

type namedCheck struct {
	name string
	fn   check
}

// checks run in this order; the first significant block wins
var checks = []namedCheck{
	{"confidence_zone", checkConfidenceZone},
	{"direction", checkDirection},
	{"hour", checkHour},
	{"symbol", checkSymbol},
	{"momentum", checkMomentum},
	{"regime", checkRegime},
	{"thesis", checkThesis},
	{"bot_alignment", checkBotAlignment},
}

// bucketRule is the common block/boost shape shared by most checks
type bucketRule struct {
	minESS     float64
	blockBelow float64
	boostAbove float64
	boost      int
}

func (r bucketRule) apply(b bucket, reason, insight func(wr float64, sig Significance) string) CheckResult {
	if b.ess() < r.minESS {
		return CheckResult{Outcome: Neutral}
	}
	wr := b.winRate()
	sig := b.significance()
	if !sig.Significant {
		return CheckResult{Outcome: Neutral, PValue: sig.PValue}
	}
	if r.blockBelow > 0 && wr < r.blockBelow {
		return CheckResult{Outcome: Block, Significant: true, PValue: sig.PValue, Reason: reason(wr, sig)}
	}
	if wr > r.boostAbove {
		return CheckResult{Outcome: Boost, Boost: r.boost, Significant: true, PValue: sig.PValue, Insight: insight(wr, sig)}
	}
	return CheckResult{Outcome: Neutral, PValue: sig.PValue}
}

func pct(v float64) float64 { return v * 100 }

// confidenceZone buckets confidence into low (<65), mid (65-80) and high (>=80)
func confidenceZone(c float64) string {
	switch {
	case c >= 80:
		return "high"
	case c >= 65:
		return "mid"
	default:
		return "low"
	}
}

func checkConfidenceZone(h *history, c Candidate) CheckResult {
	zone := confidenceZone(c.Confidence)
	b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool { return confidenceZone(k.Confidence) == zone })
	return bucketRule{minESS: 8, blockBelow: 0.35, boostAbove: 0.60, boost: 5}.apply(b,
		func(wr float64, s Significance) string {
			return fmt.Sprintf("zone %s (%.0f%%): WR %.0f%% (p=%.3f)", zone, c.Confidence, pct(wr), s.PValue)
		},
		func(wr float64, s Significance) string {
			return fmt.Sprintf("zone %s: WR %.0f%% (n=%d, p=%.3f)", zone, pct(wr), s.SampleSize, s.PValue)
		})
}

func checkDirection(h *history, c Candidate) CheckResult {
	current := h.tradeBucket(func(t *fleet.Trade) bool { return t.Direction == c.Direction })
	if current.ess() < 8 {
		return CheckResult{Outcome: Neutral}
	}
	opposite := h.tradeBucket(func(t *fleet.Trade) bool { return t.Direction == c.Direction.Opposite() })
	wr := current.winRate()
	oppWR := opposite.winRate()
	sig := current.significance()

	if sig.Significant && wr < 0.35 && oppWR > 0.50 {
		return CheckResult{Outcome: Block, Significant: true, PValue: sig.PValue,
			Reason: fmt.Sprintf("%s WR %.0f%% vs %s %.0f%% (p=%.3f)", c.Direction, pct(wr), c.Direction.Opposite(), pct(oppWR), sig.PValue)}
	}
	if sig.Significant && wr > 0.60 {
		return CheckResult{Outcome: Boost, Boost: 3, Significant: true, PValue: sig.PValue,
			Insight: fmt.Sprintf("%s WR %.0f%%, favorable direction", c.Direction, pct(wr))}
	}
	return CheckResult{Outcome: Neutral, PValue: sig.PValue}
}

func checkHour(h *history, c Candidate) CheckResult {
	block := c.Hour / 4
	b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool { return k.Hour/4 == block })
	start := block * 4
	return bucketRule{minESS: 8, blockBelow: 0.30, boostAbove: 0.65, boost: 3}.apply(b,
		func(wr float64, s Significance) string {
			return fmt.Sprintf("hours %02d:00-%02d:59: WR %.0f%% (p=%.3f)", start, start+3, pct(wr), s.PValue)
		},
		func(wr float64, s Significance) string {
			return fmt.Sprintf("good hours: WR %.0f%%", pct(wr))
		})
}

func checkSymbol(h *history, c Candidate) CheckResult {
	b := h.tradeBucket(func(t *fleet.Trade) bool { return t.Symbol == c.Symbol })
	return bucketRule{minESS: 10, blockBelow: 0.35, boostAbove: 0.60, boost: 4}.apply(b,
		func(wr float64, s Significance) string {
			return fmt.Sprintf("%s: WR %.0f%% over %d trades (p=%.3f)", c.Symbol, pct(wr), s.SampleSize, s.PValue)
		},
		func(wr float64, s Significance) string {
			return fmt.Sprintf("%s: WR %.0f%%, favorable symbol", c.Symbol, pct(wr))
		})
}

// checkMomentum looks at the raw last six trades; no decay is applied
func checkMomentum(h *history, _ Candidate) CheckResult {
	if len(h.raw) < 6 {
		return CheckResult{Outcome: Neutral}
	}
	wins := 0
	for _, t := range h.raw[len(h.raw)-6:] {
		if t.PnL > 0 {
			wins++
		}
	}
	switch {
	case wins >= 5:
		return CheckResult{Outcome: Boost, Boost: 2, Significant: true,
			Insight: fmt.Sprintf("hot streak: %d/6 recent wins", wins)}
	case wins <= 1:
		return CheckResult{Outcome: Boost, Boost: -5, Significant: true,
			Insight: fmt.Sprintf("cold streak: %d/6 recent wins, confidence reduced", wins)}
	}
	return CheckResult{Outcome: Neutral}
}

func checkRegime(h *history, c Candidate) CheckResult {
	if c.Regime == "" {
		return CheckResult{Outcome: Neutral}
	}
	b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool { return k.Regime == c.Regime })
	return bucketRule{minESS: 8, blockBelow: 0.30, boostAbove: 0.65, boost: 4}.apply(b,
		func(wr float64, s Significance) string {
			return fmt.Sprintf("regime %q: WR %.0f%% (p=%.3f)", c.Regime, pct(wr), s.PValue)
		},
		func(wr float64, s Significance) string {
			return fmt.Sprintf("regime %q: WR %.0f%%", c.Regime, pct(wr))
		})
}

// checkThesis rewards an external consensus that is reliably right or reliably wrong
func checkThesis(h *history, _ Candidate) CheckResult {
	var withThesis []weightedEntry
	weights := make([]float64, 0, len(h.knowledge))
	for _, k := range h.knowledge {
		if k.ThesisAligned != nil {
			withThesis = append(withThesis, k)
			weights = append(weights, k.weight)
		}
	}
	if EffectiveSampleSize(weights) < 12 {
		return CheckResult{Outcome: Neutral}
	}
	aligned := 0
	for _, k := range withThesis {
		if *k.ThesisAligned {
			aligned++
		}
	}
	accuracy := float64(aligned) / float64(len(withThesis))
	sig := TestWinRate(aligned, len(withThesis))
	if !sig.Significant {
		return CheckResult{Outcome: Neutral, PValue: sig.PValue}
	}
	switch {
	case accuracy < 0.35:
		return CheckResult{Outcome: Boost, Boost: 3, Significant: true, PValue: sig.PValue,
			Insight: fmt.Sprintf("thesis accuracy %.0f%%, contrarian signal", pct(accuracy))}
	case accuracy > 0.65:
		return CheckResult{Outcome: Boost, Boost: 3, Significant: true, PValue: sig.PValue,
			Insight: fmt.Sprintf("thesis accuracy %.0f%%, reliable", pct(accuracy))}
	}
	return CheckResult{Outcome: Neutral, PValue: sig.PValue}
}

func alignmentBucket(ratio float64) string {
	switch {
	case ratio > 0.75:
		return "high"
	case ratio >= 0.50:
		return "mid"
	default:
		return "low"
	}
}

func checkBotAlignment(h *history, c Candidate) CheckResult {
	if c.TotalBots <= 0 {
		return CheckResult{Outcome: Neutral}
	}
	current := alignmentBucket(float64(c.GreenBots) / float64(c.TotalBots))
	b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool {
		return k.TotalBots > 0 && alignmentBucket(float64(k.GreenBots)/float64(k.TotalBots)) == current
	})
	return bucketRule{minESS: 8, blockBelow: 0.35, boostAbove: 0.65, boost: 3}.apply(b,
		func(wr float64, s Significance) string {
			return fmt.Sprintf("bot alignment %s: WR %.0f%% (p=%.3f)", current, pct(wr), s.PValue)
		},
		func(wr float64, s Significance) string {
			return fmt.Sprintf("bot alignment %s: WR %.0f%%, sweet spot", current, pct(wr))
		})
}

// fold vetoes on the first significant block, otherwise sums significant boosts
func fold(results []CheckResult) Verdict {
	v := Verdict{Allowed: true, ChecksRun: len(results), Results: results}
	for _, r := range results {
		if r.Outcome == Block && r.Significant {
			return Verdict{Allowed: false, Reason: r.Reason, BlockedBy: r.Name, ChecksRun: len(results), Results: results}
		}
	}
	for _, r := range results {
		if r.Significant {
			v.SignificantChecks++
		}
		if r.Outcome == Boost && r.Significant {
			v.ConfidenceBoost += r.Boost
		}
		if r.Insight != "" {
			v.Insights = append(v.Insights, r.Insight)
		}
	}
	return v
}
