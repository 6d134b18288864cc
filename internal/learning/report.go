package learning

import (
	"fmt"
	"math"
	"sort"

	"bot-fleet-engine/internal/fleet"
)

// BucketStats describes one slice of history
type BucketStats struct {
	Count       int       `json:"count"`
	Wins        int       `json:"wins"`
	WinRate     float64   `json:"win_rate"`
	ESS         float64   `json:"effective_sample_size"`
	PnL         float64   `json:"pnl,omitempty"`
	Significant bool      `json:"significant"`
	PValue      float64   `json:"p_value"`
	CI          *Interval `json:"confidence_interval,omitempty"`
}

// Report is the operator view of what a bot has learned
type Report struct {
	HasData             bool                   `json:"has_data"`
	Message             string                 `json:"message,omitempty"`
	TotalTrades         int                    `json:"total_trades"`
	EffectiveSampleSize int                    `json:"effective_sample_size"`
	StatisticalPower    string                 `json:"statistical_power"`
	DirectionStats      map[string]BucketStats `json:"direction_stats,omitempty"`
	HourStats           map[string]BucketStats `json:"hour_stats,omitempty"`
	RegimeStats         map[string]BucketStats `json:"regime_stats,omitempty"`
	OptimalConfidence   *int                   `json:"optimal_confidence,omitempty"`
	OptimalTPSL         *TPSL                  `json:"optimal_tpsl,omitempty"`
	Effectiveness       *Effectiveness         `json:"effectiveness,omitempty"`
	Patterns            []string               `json:"patterns"`
	LastRetrain         int                    `json:"last_retrain"`
}

// Report summarizes the bot's learned patterns
func (f *Filter) Report(bot *fleet.Bot) Report {
	if len(bot.Trades) < MinTrades {
		return Report{
			HasData:          false,
			Message:          fmt.Sprintf("needs %d more trades to learn", MinTrades-len(bot.Trades)),
			StatisticalPower: "none",
		}
	}

	h := newHistory(bot.Trades, bot.Knowledge, f.now())
	all := h.tradeBucket(func(*fleet.Trade) bool { return true })
	ess := all.ess()

	power := "low"
	switch {
	case ess >= 50:
		power = "high"
	case ess >= 25:
		power = "medium"
	}

	r := Report{
		HasData:             true,
		TotalTrades:         len(bot.Trades),
		EffectiveSampleSize: int(math.Round(ess)),
		StatisticalPower:    power,
		DirectionStats:      directionStats(h),
		HourStats:           hourStats(h),
		RegimeStats:         regimeStats(h),
		Effectiveness:       f.Effectiveness(),
	}
	if th, ok := f.OptimalConfidence(bot); ok {
		r.OptimalConfidence = &th
	}
	if tpsl, ok := f.OptimalTPSL(bot); ok {
		r.OptimalTPSL = &tpsl
	}

	r.Patterns = detectPatterns(h, ess, r.OptimalConfidence)
	r.Patterns = append(r.Patterns, ManagementPatterns(bot.Knowledge)...)

	f.mu.Lock()
	r.LastRetrain = f.lastRetrain[bot.ID]
	f.mu.Unlock()
	return r
}

func statsFor(b bucket, withCI bool) BucketStats {
	sig := b.significance()
	s := BucketStats{
		Count:       len(b),
		Wins:        b.wins(),
		WinRate:     b.winRate(),
		ESS:         b.ess(),
		Significant: sig.Significant,
		PValue:      sig.PValue,
	}
	for _, x := range b {
		s.PnL += x.pnl
	}
	if withCI {
		ci := sig.CI
		s.CI = &ci
	}
	return s
}

func directionStats(h *history) map[string]BucketStats {
	out := make(map[string]BucketStats)
	for _, dir := range []fleet.Direction{fleet.Long, fleet.Short} {
		d := dir
		b := h.tradeBucket(func(t *fleet.Trade) bool { return t.Direction == d })
		if len(b) < 5 {
			continue
		}
		out[string(dir)] = statsFor(b, true)
	}
	return out
}

func hourStats(h *history) map[string]BucketStats {
	out := make(map[string]BucketStats)
	for block := 0; block < 6; block++ {
		blk := block
		b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool { return k.Hour/4 == blk })
		if len(b) < 4 {
			continue
		}
		out[fmt.Sprintf("%02d:00-%02d:59", block*4, block*4+3)] = statsFor(b, false)
	}
	return out
}

func regimeStats(h *history) map[string]BucketStats {
	out := make(map[string]BucketStats)
	seen := make(map[string]bool)
	for _, k := range h.knowledge {
		if k.Regime == "" || seen[k.Regime] {
			continue
		}
		seen[k.Regime] = true
		regime := k.Regime
		b := h.knowledgeBucket(func(e *fleet.KnowledgeEntry) bool { return e.Regime == regime })
		if len(b) < 4 {
			continue
		}
		out[regime] = statsFor(b, false)
	}
	return out
}

func detectPatterns(h *history, ess float64, optimal *int) []string {
	var patterns []string

	longs := h.tradeBucket(func(t *fleet.Trade) bool { return t.Direction == fleet.Long })
	shorts := h.tradeBucket(func(t *fleet.Trade) bool { return t.Direction == fleet.Short })
	if len(longs) >= 8 && len(shorts) >= 8 {
		lw, sw := longs.winRate(), shorts.winRate()
		if math.Abs(lw-sw) > 0.15 {
			better := fleet.Long
			if sw > lw {
				better = fleet.Short
			}
			patterns = append(patterns, fmt.Sprintf("better at %s (%.0f%% WR)", better, pct(math.Max(lw, sw))))
		}
	}

	if optimal != nil {
		patterns = append(patterns, fmt.Sprintf("optimal confidence: >=%d%% (cross-validated)", *optimal))
	}

	losses := make(map[int]float64)
	for _, k := range h.knowledge {
		if !k.Win() {
			losses[(k.Hour/4)*4] += k.weight
		}
	}
	blocks := make([]int, 0, len(losses))
	for b := range losses {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool {
		if losses[blocks[i]] == losses[blocks[j]] {
			return blocks[i] < blocks[j]
		}
		return losses[blocks[i]] > losses[blocks[j]]
	})
	if len(blocks) > 0 && losses[blocks[0]] >= 3 {
		patterns = append(patterns, fmt.Sprintf("avoid %02d:00-%02d:59 (most losses)", blocks[0], blocks[0]+3))
	}

	var winSum, lossSum float64
	var wins, lossCount int
	for _, t := range h.raw {
		if t.PnL > 0 {
			winSum += t.PnL
			wins++
		} else {
			lossSum += t.PnL
			lossCount++
		}
	}
	if wins >= 5 && lossCount >= 5 && lossSum != 0 {
		avgWin := winSum / float64(wins)
		avgLoss := math.Abs(lossSum / float64(lossCount))
		switch ratio := avgWin / avgLoss; {
		case ratio > 1.5:
			patterns = append(patterns, fmt.Sprintf("favorable R:R: wins avg +$%.2f vs losses -$%.2f", avgWin, avgLoss))
		case ratio < 0.7:
			patterns = append(patterns, "unfavorable R:R: losses larger than wins")
		}
	}

	if ess < 25 {
		patterns = append(patterns, fmt.Sprintf("low sample size (n~%.0f), patterns are provisional", ess))
	}
	return patterns
}

// ManagementPatterns reports how position management flags relate to outcomes
func ManagementPatterns(knowledge []*fleet.KnowledgeEntry) []string {
	var patterns []string

	var inj, injWins, noInj, noInjWins int
	var be, beWins, partial, partialWins int
	for _, k := range knowledge {
		if k.WasInjected {
			inj++
			if k.Win() {
				injWins++
			}
		} else {
			noInj++
			if k.Win() {
				noInjWins++
			}
		}
		if k.MovedToBreakeven {
			be++
			if k.Win() {
				beWins++
			}
		}
		if k.WasPartialClosed {
			partial++
			if k.Win() {
				partialWins++
			}
		}
	}

	if inj >= 8 && noInj >= 8 {
		injWR := float64(injWins) / float64(inj)
		noInjWR := float64(noInjWins) / float64(noInj)
		switch {
		case injWR > noInjWR+0.1:
			patterns = append(patterns, fmt.Sprintf("injection effective (%.0f%% vs %.0f%% without)", pct(injWR), pct(noInjWR)))
		case injWR < noInjWR-0.1:
			patterns = append(patterns, "injection not effective, consider disabling")
		}
	}
	if be >= 10 {
		if beWR := float64(beWins) / float64(be); beWR > 0.65 {
			patterns = append(patterns, fmt.Sprintf("breakeven stop effective (%.0f%% WR)", pct(beWR)))
		}
	}
	if partial >= 10 {
		patterns = append(patterns, fmt.Sprintf("partial closes: %.0f%% WR over %d trades", pct(float64(partialWins)/float64(partial)), partial))
	}
	return patterns
}
