// Package signal defines the external analysis collaborators the engine
// consumes and an HTTP client for them.
package signal

import (
	"context"
	"errors"
	"strings"
	"time"

	"bot-fleet-engine/internal/fleet"
)

// ErrUpstreamUnavailable is returned when the analysis backend fails, times
// out or is short-circuited by the breaker.
var ErrUpstreamUnavailable = errors.New("signal source unavailable")

// Decisions returned by the analysis backend
const (
	DecisionEnter = "ENTER"
	DecisionWait  = "WAIT"
	DecisionLong  = "LONG"
	DecisionShort = "SHORT"
)

// Options parameterize one analysis call
type Options struct {
	Leverage    int               `json:"leverage"`
	Timeframe   string            `json:"interval"`
	Temperature fleet.Temperature `json:"temperature,omitempty"`
}

// OptionsFor derives the analysis options from a bot's mode
func OptionsFor(mode fleet.Mode, temp fleet.Temperature) Options {
	p := mode.Profile()
	return Options{Leverage: p.Leverage, Timeframe: p.Timeframe, Temperature: temp}
}

// BotVote is one consulted analysis bot's opinion
type BotVote struct {
	Name   string `json:"name"`
	Signal string `json:"signal"`
	Vote   string `json:"vote,omitempty"`
}

// Green reports whether the vote supports entering
func (v BotVote) Green() bool {
	if Normalize(v.Signal) == "green" {
		return true
	}
	return v.Vote == "ENTER" || v.Vote == "GO"
}

// Normalize maps the backend's signal vocabulary to green/red/yellow/neutral
func Normalize(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "green", "go", "bullish", "lean_bull", "enter":
		return "green"
	case "red", "stop", "bearish", "lean_bear":
		return "red"
	case "yellow", "wait", "neutral", "caution":
		return "yellow"
	default:
		return "neutral"
	}
}

// Result is the analysis backend's answer for one symbol
type Result struct {
	Symbol        string          `json:"symbol"`
	Direction     fleet.Direction `json:"direction"`
	Decision      string          `json:"decision"`
	Confidence    float64         `json:"confidence"`
	RiskReward    float64         `json:"rr_ratio"`
	Price         float64         `json:"price"`
	ATR           float64         `json:"atr"`
	ATRPct        float64         `json:"atr_pct"`
	TP            float64         `json:"tp,omitempty"`
	SL            float64         `json:"sl,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	BotsConsulted []BotVote       `json:"bots"`
	Candles       []fleet.Candle  `json:"candles,omitempty"`
	AnalyzedAt    time.Time       `json:"analyzed_at"`
}

// EntryDirection resolves the trade side from the direction field, falling
// back to a LONG/SHORT decision.
func (r *Result) EntryDirection() (fleet.Direction, bool) {
	if r.Direction.Valid() {
		return r.Direction, true
	}
	switch strings.ToUpper(r.Decision) {
	case DecisionLong:
		return fleet.Long, true
	case DecisionShort:
		return fleet.Short, true
	}
	return "", false
}

// Actionable reports whether the decision asks for an entry
func (r *Result) Actionable() bool {
	switch strings.ToUpper(r.Decision) {
	case DecisionEnter, DecisionLong, DecisionShort:
		return true
	}
	return false
}

// GreenBots counts the consulted bots that support entering
func (r *Result) GreenBots() int {
	n := 0
	for _, b := range r.BotsConsulted {
		if b.Green() {
			n++
		}
	}
	return n
}

// Alignment is the share of consulted bots supporting the entry. It is 1
// when no bots were consulted.
func (r *Result) Alignment() float64 {
	if len(r.BotsConsulted) == 0 {
		return 1
	}
	return float64(r.GreenBots()) / float64(len(r.BotsConsulted))
}

// Source analyzes a symbol. Calls may block on the network.
type Source interface {
	Analyze(ctx context.Context, symbol string, opts Options) (*Result, error)
}

// MarketScore is the global sentiment gauge, -100 (fear) to 100 (greed)
type MarketScore struct {
	Score  float64 `json:"score"`
	Regime string  `json:"regime"`
}

// Bearish reports whether the regime label leans down
func (m MarketScore) Bearish() bool {
	r := strings.ToUpper(m.Regime)
	return strings.Contains(r, "BEARISH") || strings.Contains(r, "FEAR")
}

// Bullish reports whether the regime label leans up
func (m MarketScore) Bullish() bool {
	r := strings.ToUpper(m.Regime)
	return strings.Contains(r, "BULLISH") || strings.Contains(r, "GREED")
}

// Correlation describes how a symbol moves against the market leader
type Correlation struct {
	Aligned       bool   `json:"aligned"`
	StrengthLabel string `json:"strength_label"` // outperform, underperform, inline
}

// MarketContext supplies optional market-wide context. Every lookup may
// report absence.
type MarketContext interface {
	MarketScore() (MarketScore, bool)
	SymbolCorrelation(symbol string) (*Correlation, bool)
	Thesis(symbol string) (*fleet.Thesis, bool)
}
