package learning

import (
	"math"
	"sort"
	"time"

	"bot-fleet-engine/internal/fleet"
)

const (
	cvFolds           = 3
	minKnowledgeForCV = 20
	minEntriesForTPSL = 15
	maxFoldStd        = 0.15
	minTrainAbove     = 5
	minTestAbove      = 2
	minTPSLBucketESS  = 5
)

var confidenceThresholds = []int{50, 55, 60, 65, 70, 75, 80}

type foldScores struct {
	test   []float64
	counts []float64
}

// OptimalConfidence picks the entry confidence threshold with the best
// held-out win rate under 3-fold cross validation. A threshold is returned
// only when its held-out win rate beats 50% and varies less than 0.15 across
// folds.
func OptimalConfidence(knowledge []*fleet.KnowledgeEntry) (int, bool) {
	if len(knowledge) < minKnowledgeForCV {
		return 0, false
	}

	results := make(map[int]*foldScores, len(confidenceThresholds))
	for _, th := range confidenceThresholds {
		results[th] = &foldScores{}
	}

	foldSize := len(knowledge) / cvFolds
	for fold := 0; fold < cvFolds; fold++ {
		testStart := fold * foldSize
		testEnd := testStart + foldSize

		train := make([]*fleet.KnowledgeEntry, 0, len(knowledge)-foldSize)
		train = append(train, knowledge[:testStart]...)
		train = append(train, knowledge[testEnd:]...)
		test := knowledge[testStart:testEnd]

		for _, th := range confidenceThresholds {
			if _, trainN := countAbove(train, th); trainN < minTrainAbove {
				continue
			}
			testWins, testN := countAbove(test, th)
			if testN < minTestAbove {
				continue
			}
			results[th].test = append(results[th].test, float64(testWins)/float64(testN))
			results[th].counts = append(results[th].counts, float64(testN))
		}
	}

	best := 0
	bestScore := math.Inf(-1)
	bestStd := math.Inf(1)
	for _, th := range confidenceThresholds {
		r := results[th]
		if len(r.test) < 2 {
			continue
		}
		avgTest := mean(r.test)
		avgCount := mean(r.counts)
		std := stddev(r.test, avgTest)
		score := avgTest*math.Sqrt(avgCount) - std*10
		if avgTest > 0.50 && score > bestScore {
			bestScore = score
			best = th
			bestStd = std
		}
	}

	if best == 0 || bestStd >= maxFoldStd {
		return 0, false
	}
	return best, true
}

func countAbove(entries []*fleet.KnowledgeEntry, th int) (wins, n int) {
	for _, k := range entries {
		if k.Confidence >= float64(th) {
			n++
			if k.Win() {
				wins++
			}
		}
	}
	return wins, n
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// stddev is the population standard deviation around m
func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var v float64
	for _, x := range xs {
		v += (x - m) * (x - m)
	}
	return math.Sqrt(v / float64(len(xs)))
}

// OptimalTPSL buckets knowledge by stop multiplier (nearest 0.5) and picks
// the significant bucket with the highest decay-weighted expectancy. The
// target multiplier keeps at least a 2:1 reward to risk.
func OptimalTPSL(knowledge []*fleet.KnowledgeEntry, now time.Time) (TPSL, bool) {
	var withATR []*fleet.KnowledgeEntry
	for _, k := range knowledge {
		if k.EntryATRPct > 0 && k.SLMult > 0 {
			withATR = append(withATR, k)
		}
	}
	if len(withATR) < minEntriesForTPSL {
		return TPSL{}, false
	}

	buckets := make(map[float64]bucket)
	for _, k := range withATR {
		key := math.Round(k.SLMult*2) / 2
		buckets[key] = append(buckets[key], sample{win: k.Win(), pnl: k.PnL, weight: DecayWeight(k.Timestamp, now)})
	}

	keys := make([]float64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Float64s(keys)

	var (
		bestMult float64
		bestExp  = math.Inf(-1)
		bestP    float64
	)
	for _, mult := range keys {
		b := buckets[mult]
		if b.ess() < minTPSLBucketESS {
			continue
		}
		exp := b.expectancy()
		sig := b.significance()
		if sig.Significant && exp > bestExp {
			bestExp = exp
			bestMult = mult
			bestP = sig.PValue
		}
	}
	if bestMult == 0 {
		return TPSL{}, false
	}
	return TPSL{
		SLMult: bestMult,
		TPMult: math.Max(bestMult*2, bestMult+1.5),
		PValue: bestP,
	}, true
}
