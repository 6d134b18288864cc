// Package fleet holds the paper-trading data model shared by every engine
// component: bots, positions, closed trades and the knowledge derived from them.
package fleet

import (
	"time"
)

// History caps. Oldest records are evicted first.
const (
	MaxTrades    = 200
	MaxKnowledge = 200
	FeeRate      = 0.0004
)

// Direction is the side of a position
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Sign is +1 for LONG and -1 for SHORT
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Opposite returns the other side
func (d Direction) Opposite() Direction {
	if d == Short {
		return Long
	}
	return Short
}

// Mode is a bot's latency class
type Mode string

const (
	Scalping     Mode = "scalping"
	Intraday     Mode = "intraday"
	Swing        Mode = "swing"
	ModePosition Mode = "position"
)

// ModeProfile holds the per-mode constants
type ModeProfile struct {
	HoldingTime   time.Duration // expected holding time used by the zone machine
	TriageHorizon time.Duration // expected holding time used by health triage
	TickInterval  time.Duration
	Timeframe     string // candle interval requested from the signal source
	Leverage      int
	SLMult        float64 // ATR multiplier for the stop
	TPMult        float64 // ATR multiplier for the target
	MaxSLPct      float64 // stop distance cap, % of price
	FallbackSL    float64 // stop distance as price fraction when ATR is unavailable
	FallbackTP    float64
}

var modeProfiles = map[Mode]ModeProfile{
	Scalping: {
		HoldingTime: 15 * time.Minute, TriageHorizon: 10 * time.Minute, TickInterval: 45 * time.Second, Timeframe: "1m",
		Leverage: 50, SLMult: 1.5, TPMult: 3.0, MaxSLPct: 0.5, FallbackSL: 0.0015, FallbackTP: 0.004,
	},
	Intraday: {
		HoldingTime: 480 * time.Minute, TriageHorizon: 360 * time.Minute, TickInterval: 60 * time.Second, Timeframe: "15m",
		Leverage: 35, SLMult: 1.8, TPMult: 4.0, MaxSLPct: 1.5, FallbackSL: 0.008, FallbackTP: 0.02,
	},
	Swing: {
		HoldingTime: 4320 * time.Minute, TriageHorizon: 2880 * time.Minute, TickInterval: 120 * time.Second, Timeframe: "1h",
		Leverage: 20, SLMult: 2.0, TPMult: 5.0, MaxSLPct: 3.0, FallbackSL: 0.02, FallbackTP: 0.05,
	},
	ModePosition: {
		HoldingTime: 43200 * time.Minute, TriageHorizon: 20160 * time.Minute, TickInterval: 240 * time.Second, Timeframe: "1d",
		Leverage: 10, SLMult: 2.5, TPMult: 6.0, MaxSLPct: 5.0, FallbackSL: 0.035, FallbackTP: 0.08,
	},
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	_, ok := modeProfiles[m]
	return ok
}

// Profile returns the constants for m. Unknown modes fall back to intraday.
func (m Mode) Profile() ModeProfile {
	if p, ok := modeProfiles[m]; ok {
		return p
	}
	return modeProfiles[Intraday]
}

// Temperature is a risk appetite preset
type Temperature string

const (
	Conservative Temperature = "conservative"
	Normal       Temperature = "normal"
	Aggressive   Temperature = "aggressive"
)

// TemperatureProfile carries the entry thresholds for a temperature
type TemperatureProfile struct {
	MinConfidence float64
	RiskPct       float64
	BotAlignment  float64
}

var temperatureProfiles = map[Temperature]TemperatureProfile{
	Conservative: {MinConfidence: 80, RiskPct: 1, BotAlignment: 0.85},
	Normal:       {MinConfidence: 65, RiskPct: 2, BotAlignment: 0.70},
	Aggressive:   {MinConfidence: 50, RiskPct: 3, BotAlignment: 0.50},
}

// Valid reports whether t is a known temperature
func (t Temperature) Valid() bool {
	_, ok := temperatureProfiles[t]
	return ok
}

// Profile returns the thresholds for t. Unknown temperatures fall back to normal.
func (t Temperature) Profile() TemperatureProfile {
	if p, ok := temperatureProfiles[t]; ok {
		return p
	}
	return temperatureProfiles[Normal]
}

// Zone is a position's risk/reward classification
type Zone string

const (
	ZoneEntry   Zone = "entry"
	ZoneRed     Zone = "red"
	ZoneNeutral Zone = "neutral"
	ZoneGreen   Zone = "green"
	ZoneGolden  Zone = "golden"
)

// BotStatus is a bot's lifecycle state
type BotStatus string

const (
	StatusIdle     BotStatus = "idle"
	StatusRunning  BotStatus = "running"
	StatusArchived BotStatus = "archived"
)

// ZoneChange is one entry of a position's zone history
type ZoneChange struct {
	Zone  Zone      `json:"zone"`
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Thesis is the external consensus snapshot captured at entry and exit
type Thesis struct {
	Consensus string    `json:"consensus"` // BULLISH, BEARISH, NEUTRAL
	Score     float64   `json:"score"`
	BullVotes int       `json:"bull_votes"`
	BearVotes int       `json:"bear_votes"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is an open paper position
type Position struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Entry       float64   `json:"entry"`
	OpenedAt    time.Time `json:"opened_at"`
	Size        float64   `json:"size"`
	Margin      float64   `json:"margin"`
	Leverage    int       `json:"leverage"`
	Fee         float64   `json:"fee"`
	TP          float64   `json:"tp"`
	SL          float64   `json:"sl"`
	Liquidation float64   `json:"liquidation"`
	OriginalTP  float64   `json:"original_tp"`
	OriginalSL  float64   `json:"original_sl"`

	Confidence float64 `json:"confidence"`
	Mode       Mode    `json:"mode"`
	Regime     string  `json:"regime,omitempty"`
	GreenBots  int     `json:"green_bots"`
	TotalBots  int     `json:"total_bots"`
	Thesis     *Thesis `json:"thesis,omitempty"`

	ATR    float64 `json:"atr"`
	ATRPct float64 `json:"atr_pct"`
	SLMult float64 `json:"sl_mult"`
	TPMult float64 `json:"tp_mult"`

	Zone        Zone         `json:"zone"`
	ZoneHistory []ZoneChange `json:"zone_history"`

	Injected         bool      `json:"injected"`
	InjectionAmount  float64   `json:"injection_amount"`
	InjectionPrice   float64   `json:"injection_price,omitempty"`
	InjectionTime    time.Time `json:"injection_time,omitempty"`
	MovedToBreakeven bool      `json:"moved_to_breakeven"`
	TrailingActive   bool      `json:"trailing_active"`
	PartialClosed    bool      `json:"partial_closed"`
	PartialAmount    float64   `json:"partial_amount"`
	PartialPrice     float64   `json:"partial_price,omitempty"`
	PartialTime      time.Time `json:"partial_time,omitempty"`
	MaxPnLPct        float64   `json:"max_pnl_pct"`

	SniperTrade bool `json:"sniper_trade"`
	Shadow      bool `json:"shadow"`
}

// UnrealizedPct returns the unrealized return relative to entry, signed by direction
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.Entry <= 0 {
		return 0
	}
	return (price - p.Entry) / p.Entry * 100 * p.Direction.Sign()
}

// RecordZone appends a zone change keeping the history chronological
func (p *Position) RecordZone(zone Zone, at time.Time, price float64) {
	if n := len(p.ZoneHistory); n > 0 && at.Before(p.ZoneHistory[n-1].Time) {
		at = p.ZoneHistory[n-1].Time
	}
	p.Zone = zone
	p.ZoneHistory = append(p.ZoneHistory, ZoneChange{Zone: zone, Time: at, Price: price})
}

// Trade is an immutable snapshot of a closed position
type Trade struct {
	Position
	ExitPrice   float64   `json:"exit_price"`
	PnL         float64   `json:"pnl"`
	PnLPct      float64   `json:"pnl_pct"`
	Reason      string    `json:"reason"`
	ClosedAt    time.Time `json:"closed_at"`
	FinalZone   Zone      `json:"final_zone"`
	CloseThesis *Thesis   `json:"close_thesis,omitempty"`
	TPPctUsed   float64   `json:"tp_pct_used"`
	SLPctUsed   float64   `json:"sl_pct_used"`
}

// Win reports whether the trade closed in profit
func (t *Trade) Win() bool {
	return t.PnL > 0
}

// Outcome of a knowledge entry
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// KnowledgeEntry is one lesson derived from a trade
type KnowledgeEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Type             Outcome   `json:"type"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	Confidence       float64   `json:"confidence"`
	PnL              float64   `json:"pnl"`
	DurationMin      int       `json:"duration_min"`
	Reason           string    `json:"reason"`
	Hour             int       `json:"hour"`
	Mode             Mode      `json:"mode"`
	Regime           string    `json:"regime,omitempty"`
	Leverage         int       `json:"leverage"`
	GreenBots        int       `json:"green_bots"`
	TotalBots        int       `json:"total_bots"`
	ThesisAligned    *bool     `json:"thesis_aligned,omitempty"`
	WasInjected      bool      `json:"was_injected"`
	InjectionAmount  float64   `json:"injection_amount"`
	WasPartialClosed bool      `json:"was_partial_closed"`
	FinalZone        Zone      `json:"final_zone"`
	MaxPnLPct        float64   `json:"max_pnl_pct"`
	MovedToBreakeven bool      `json:"moved_to_breakeven"`
	TrailingActive   bool      `json:"trailing_active"`
	EntryATRPct      float64   `json:"entry_atr_pct"`
	SLMult           float64   `json:"sl_mult"`
	TPMult           float64   `json:"tp_mult"`
	TPPctUsed        float64   `json:"tp_pct_used"`
	SLPctUsed        float64   `json:"sl_pct_used"`
	Insight          string    `json:"insight"`
}

// Win reports whether the entry records a profitable outcome
func (k *KnowledgeEntry) Win() bool {
	return k.PnL > 0 || k.Type == Success
}

// Stats are running totals for a bot. Shadow trades count toward the
// trade/win/loss counters but never toward TotalPnL.
type Stats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	TotalPnL float64 `json:"total_pnl"`
}

// WinRate returns wins/trades in [0,1]
func (s Stats) WinRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Bot is one autonomous paper-trading agent
type Bot struct {
	SchemaVersion int `json:"schema_version"`

	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Symbol      string      `json:"symbol"`
	Mode        Mode        `json:"mode"`
	Temperature Temperature `json:"temperature"`
	Status      BotStatus   `json:"status"`

	InitialBalance float64 `json:"initial_balance"`
	CurrentBalance float64 `json:"current_balance"`

	Positions []*Position       `json:"positions"`
	Trades    []*Trade          `json:"trades"`
	Knowledge []*KnowledgeEntry `json:"knowledge"`
	Stats     Stats             `json:"stats"`

	LossStreak       int       `json:"loss_streak"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`
	ChecksRun        int       `json:"checks_run"`
	LastCheck        time.Time `json:"last_check,omitempty"`
	LowFitnessStreak int       `json:"low_fitness_streak"`

	CreatedAt      time.Time `json:"created_at"`
	AutoCreated    bool      `json:"auto_created"`
	CreationReason string    `json:"creation_reason,omitempty"`
	ArchivedAt     time.Time `json:"archived_at,omitempty"`
	ArchiveReason  string    `json:"archive_reason,omitempty"`
}

// Running reports whether the bot is active
func (b *Bot) Running() bool {
	return b.Status == StatusRunning
}

// HasOpenPosition reports whether the bot holds any position
func (b *Bot) HasOpenPosition() bool {
	return len(b.Positions) > 0
}

// Position returns the open position with the given ID
func (b *Bot) Position(id string) *Position {
	for _, p := range b.Positions {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// DrawdownPct is the all-time loss of the wallet vs. its initial balance
func (b *Bot) DrawdownPct() float64 {
	if b.InitialBalance <= 0 {
		return 0
	}
	return (b.InitialBalance - b.CurrentBalance) / b.InitialBalance * 100
}

// TradesSince returns the trades closed at or after t
func (b *Bot) TradesSince(t time.Time) []*Trade {
	var out []*Trade
	for _, tr := range b.Trades {
		if !tr.ClosedAt.Before(t) {
			out = append(out, tr)
		}
	}
	return out
}

// Clone returns a deep copy so readers outside the owner never share state
func (b *Bot) Clone() *Bot {
	if b == nil {
		return nil
	}
	c := *b
	c.Positions = make([]*Position, len(b.Positions))
	for i, p := range b.Positions {
		pc := *p
		pc.ZoneHistory = append([]ZoneChange(nil), p.ZoneHistory...)
		c.Positions[i] = &pc
	}
	c.Trades = append([]*Trade(nil), b.Trades...)
	c.Knowledge = append([]*KnowledgeEntry(nil), b.Knowledge...)
	return &c
}

// Candle is one OHLC bar supplied by the signal source
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
