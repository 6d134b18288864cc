package learning

import (
	"math"
	"time"
)

const (
	// HalfLife is the age at which a record's weight halves
	HalfLife = 30 * 24 * time.Hour
	// SignificanceLevel is the p-value threshold for acting on a bucket
	SignificanceLevel = 0.05
	// minSignificantSample is the smallest raw sample a significance claim accepts
	minSignificantSample = 10
	// normalApproxSample switches the binomial test to the normal approximation
	normalApproxSample = 30
	missingTimestampWeight = 0.5
)

// DecayWeight returns 0.5^(age/HalfLife). Records without a timestamp weigh 0.5.
func DecayWeight(ts, now time.Time) float64 {
	if ts.IsZero() {
		return missingTimestampWeight
	}
	age := now.Sub(ts)
	return math.Pow(0.5, float64(age)/float64(HalfLife))
}

// EffectiveSampleSize is Kish's estimator (Σw)²/Σw²
func EffectiveSampleSize(weights []float64) float64 {
	var sum, sumSq float64
	for _, w := range weights {
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}

// BinomialTest returns the two-sided p-value of observing wins out of total
// under a fair process with success probability p0.
func BinomialTest(wins, total int, p0 float64) float64 {
	if total <= 0 {
		return 1
	}
	if total >= normalApproxSample {
		p := float64(wins) / float64(total)
		se := math.Sqrt(p0 * (1 - p0) / float64(total))
		z := (p - p0) / se
		return 2 * (1 - NormalCDF(math.Abs(z)))
	}

	observed := binomialPMF(wins, total, p0)
	var pValue float64
	for k := 0; k <= total; k++ {
		prob := binomialPMF(k, total, p0)
		// relative tolerance so symmetric tails compare equal
		if prob <= observed*(1+1e-7) {
			pValue += prob
		}
	}
	return math.Min(1, pValue)
}

func binomialPMF(k, n int, p float64) float64 {
	return binomialCoeff(n, k) * math.Pow(p, float64(k)) * math.Pow(1-p, float64(n-k))
}

func binomialCoeff(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	if k == 0 || k == n {
		return 1
	}
	result := 1.0
	for i := 0; i < k; i++ {
		result = result * float64(n-i) / float64(i+1)
	}
	return result
}

// NormalCDF uses the Abramowitz-Stegun erf approximation
func NormalCDF(x float64) float64 {
	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)
	sign := 1.0
	if x < 0 {
		sign = -1
	}
	x = math.Abs(x) / math.Sqrt2
	t := 1 / (1 + p*x)
	y := 1 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return 0.5 * (1 + sign*y)
}

// Interval is a confidence interval for a proportion
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Width float64 `json:"width"`
}

// WilsonInterval returns the 95% Wilson score interval for wins/total
func WilsonInterval(wins, total int) Interval {
	if total <= 0 {
		return Interval{Lower: 0, Upper: 1, Width: 1}
	}
	const z = 1.96
	n := float64(total)
	p := float64(wins) / n
	denom := 1 + z*z/n
	center := (p + z*z/(2*n)) / denom
	margin := (z / denom) * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))
	return Interval{
		Lower: math.Max(0, center-margin),
		Upper: math.Min(1, center+margin),
		Width: 2 * margin,
	}
}

// Significance summarizes a win-rate test against 50%
type Significance struct {
	Significant    bool     `json:"significant"`
	PValue         float64  `json:"p_value"`
	WinRate        float64  `json:"win_rate"`
	CI             Interval `json:"confidence_interval"`
	SampleSize     int      `json:"sample_size"`
	Interpretation string   `json:"interpretation"`
}

// TestWinRate checks whether wins/total differs from a coin flip. Samples
// under 10 are never significant.
func TestWinRate(wins, total int) Significance {
	wr := 0.0
	if total > 0 {
		wr = float64(wins) / float64(total)
	}
	pValue := BinomialTest(wins, total, 0.5)

	var interp string
	switch {
	case total < minSignificantSample:
		interp = "insufficient data (need 10+ trades)"
	case total < normalApproxSample:
		interp = "limited data, interpret with caution"
	case pValue < 0.01 && wr > 0.5:
		interp = "highly significant edge"
	case pValue < 0.01:
		interp = "highly significant underperformance"
	case pValue < SignificanceLevel && wr > 0.5:
		interp = "significant edge"
	case pValue < SignificanceLevel:
		interp = "significant underperformance"
	default:
		interp = "not statistically different from random"
	}

	return Significance{
		Significant:    pValue < SignificanceLevel && total >= minSignificantSample,
		PValue:         pValue,
		WinRate:        wr,
		CI:             WilsonInterval(wins, total),
		SampleSize:     total,
		Interpretation: interp,
	}
}

// sample is one weighted outcome
type sample struct {
	win    bool
	pnl    float64
	weight float64
}

// bucket is a weighted set of outcomes
type bucket []sample

func (b bucket) ess() float64 {
	ws := make([]float64, len(b))
	for i, s := range b {
		ws[i] = s.weight
	}
	return EffectiveSampleSize(ws)
}

// winRate is the decay-weighted win rate
func (b bucket) winRate() float64 {
	var total, won float64
	for _, s := range b {
		total += s.weight
		if s.win {
			won += s.weight
		}
	}
	if total == 0 {
		return 0
	}
	return won / total
}

// wins is the unweighted win count used by significance tests
func (b bucket) wins() int {
	n := 0
	for _, s := range b {
		if s.win {
			n++
		}
	}
	return n
}

func (b bucket) significance() Significance {
	return TestWinRate(b.wins(), len(b))
}

// expectancy is the decay-weighted mean PnL
func (b bucket) expectancy() float64 {
	var total, pnl float64
	for _, s := range b {
		total += s.weight
		pnl += s.pnl * s.weight
	}
	if total == 0 {
		return 0
	}
	return pnl / total
}
