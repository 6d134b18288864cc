package autonomy

import (
	"errors"
	"fmt"
	"time"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/scanner"
)

const (
	// StateSchemaVersion is the current persisted state layout
	StateSchemaVersion = 2

	stateKey = "autonomy:state"
)

var (
	ErrInvalidLevel        = errors.New("autonomy level must be 1, 2 or 3")
	ErrInvalidConfig       = errors.New("invalid autonomy config")
	ErrSuggestionNotFound  = errors.New("suggestion not found")
	ErrSuggestionNotActive = errors.New("suggestion is not pending")
	ErrFleetFull           = errors.New("bot limit reached")
)

// Level is the autonomy level
type Level int

const (
	LevelSuggest  Level = 1
	LevelSemiAuto Level = 2
	LevelFullAuto Level = 3
)

// Valid reports whether l is 1..3
func (l Level) Valid() bool {
	return l >= LevelSuggest && l <= LevelFullAuto
}

// Name is the operator-facing label
func (l Level) Name() string {
	switch l {
	case LevelSuggest:
		return "Suggestions"
	case LevelSemiAuto:
		return "Semi-Auto"
	case LevelFullAuto:
		return "Full Auto"
	default:
		return "Unknown"
	}
}

// PromoteRule is the threshold set for entering a level
type PromoteRule struct {
	MinTrades   int     `json:"min_trades"`
	MinWinRate  float64 `json:"min_win_rate"` // percent
	MinPnL      float64 `json:"min_pnl"`
	Description string  `json:"description"`
}

// PromoteRules are keyed by the level being entered
var PromoteRules = map[Level]PromoteRule{
	LevelSemiAuto: {MinTrades: 8, MinWinRate: 50, MinPnL: 0, Description: "8+ trades, WR >= 50%, PnL >= 0: semi-auto"},
	LevelFullAuto: {MinTrades: 20, MinWinRate: 53, MinPnL: 2, Description: "20+ trades, WR >= 53%, PnL >= $2: full auto"},
}

// Demotion thresholds. The weekly figure is reported but does not demote.
const (
	DemoteDailyLossPct  = 8.0
	WeeklyLossWarnPct   = 15.0
	maxActiveBots       = 10
	manualBotBuffer     = 5
	fullAutoMinConf     = 50.0
	suggestionDedupe    = 5 * time.Minute
	maxSuggestions      = 20
	maxHistory          = 100
	maxTuneHistory      = 50
	minCheckGap         = 60 * time.Second
	firstCheckDelay     = 30 * time.Second
	tuneInterval        = 5 * time.Minute
	staleChecks         = 200
	lowFitnessScore     = 20
	lowFitnessCycles    = 2
	rebalanceShare      = 0.10
	rebalanceMinAmount  = 2.0
	rebalanceMinWRGap   = 20.0
	rebalanceMinTrades  = 5
	killFitnessMinTrade = 10
)

// DirectionBias restricts the sniper's trade side
type DirectionBias string

const (
	BiasRegime DirectionBias = "regime"
	BiasLong   DirectionBias = "long"
	BiasShort  DirectionBias = "short"
	BiasBoth   DirectionBias = "both"
)

// Valid reports whether d is a known bias
func (d DirectionBias) Valid() bool {
	switch d {
	case BiasRegime, BiasLong, BiasShort, BiasBoth:
		return true
	}
	return false
}

// Config is the operator-tunable part of the autonomy state
type Config struct {
	MaxAutoBots        int               `json:"max_auto_bots" yaml:"max_auto_bots"`
	AutoWallet         float64           `json:"auto_wallet" yaml:"auto_wallet"`
	AutoMode           fleet.Mode        `json:"auto_mode" yaml:"auto_mode"`
	AutoTemp           fleet.Temperature `json:"auto_temp" yaml:"auto_temp"`
	MinRadarConfidence float64           `json:"min_radar_confidence" yaml:"min_radar_confidence"`
	MinRadarSignal     scanner.Strength  `json:"min_radar_signal" yaml:"min_radar_signal"`
	KillDrawdown       float64           `json:"kill_drawdown" yaml:"kill_drawdown"`
	RebalanceEnabled   bool              `json:"rebalance_enabled" yaml:"rebalance_enabled"`
	CheckIntervalMs    int               `json:"check_interval_ms" yaml:"check_interval_ms"`

	SniperEnabled    bool          `json:"sniper_enabled" yaml:"sniper_enabled"`
	SniperMinConf    float64       `json:"sniper_min_conf" yaml:"sniper_min_conf"`
	SniperLeverage   int           `json:"sniper_leverage" yaml:"sniper_leverage"`
	SniperMarginPct  float64       `json:"sniper_margin_pct" yaml:"sniper_margin_pct"`
	SniperDirection  DirectionBias `json:"sniper_direction" yaml:"sniper_direction"`
	SniperBlacklist  []string      `json:"sniper_blacklist" yaml:"sniper_blacklist"`
	SniperWhitelist  []string      `json:"sniper_whitelist" yaml:"sniper_whitelist"`
	SniperShadowMode bool          `json:"sniper_shadow_mode" yaml:"sniper_shadow_mode"`
}

// DefaultConfig returns the stock configuration
func DefaultConfig() Config {
	return Config{
		MaxAutoBots:        10,
		AutoWallet:         50,
		AutoMode:           fleet.Intraday,
		AutoTemp:           fleet.Normal,
		MinRadarConfidence: 55,
		MinRadarSignal:     scanner.Moderate,
		KillDrawdown:       20,
		RebalanceEnabled:   true,
		CheckIntervalMs:    90000,
		SniperEnabled:      false,
		SniperMinConf:      78,
		SniperLeverage:     50,
		SniperMarginPct:    5,
		SniperDirection:    BiasRegime,
		SniperBlacklist:    []string{},
		SniperWhitelist:    []string{},
		SniperShadowMode:   true,
	}
}

// CheckInterval returns the periodic check interval
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// Validate rejects values the controller cannot act on
func (c Config) Validate() error {
	switch {
	case c.MaxAutoBots < 1 || c.MaxAutoBots > 50:
		return fmt.Errorf("%w: max_auto_bots must be in [1,50]", ErrInvalidConfig)
	case c.AutoWallet <= 0:
		return fmt.Errorf("%w: auto_wallet must be positive", ErrInvalidConfig)
	case !c.AutoMode.Valid():
		return fmt.Errorf("%w: unknown auto_mode %q", ErrInvalidConfig, c.AutoMode)
	case !c.AutoTemp.Valid():
		return fmt.Errorf("%w: unknown auto_temp %q", ErrInvalidConfig, c.AutoTemp)
	case c.MinRadarConfidence < 0 || c.MinRadarConfidence > 100:
		return fmt.Errorf("%w: min_radar_confidence must be in [0,100]", ErrInvalidConfig)
	case c.MinRadarSignal != scanner.Strong && c.MinRadarSignal != scanner.Moderate:
		return fmt.Errorf("%w: min_radar_signal must be strong or moderate", ErrInvalidConfig)
	case c.KillDrawdown <= 0 || c.KillDrawdown > 100:
		return fmt.Errorf("%w: kill_drawdown must be in (0,100]", ErrInvalidConfig)
	case c.CheckIntervalMs < int(minCheckGap/time.Millisecond):
		return fmt.Errorf("%w: check_interval_ms must be at least %d", ErrInvalidConfig, minCheckGap/time.Millisecond)
	case c.SniperMinConf < 0 || c.SniperMinConf > 100:
		return fmt.Errorf("%w: sniper_min_conf must be in [0,100]", ErrInvalidConfig)
	case c.SniperLeverage < 1 || c.SniperLeverage > 125:
		return fmt.Errorf("%w: sniper_leverage must be in [1,125]", ErrInvalidConfig)
	case c.SniperMarginPct < 1 || c.SniperMarginPct > 25:
		return fmt.Errorf("%w: sniper_margin_pct must be in [1,25]", ErrInvalidConfig)
	case !c.SniperDirection.Valid():
		return fmt.Errorf("%w: unknown sniper_direction %q", ErrInvalidConfig, c.SniperDirection)
	}
	return nil
}

func (c Config) clone() Config {
	c.SniperBlacklist = append([]string{}, c.SniperBlacklist...)
	c.SniperWhitelist = append([]string{}, c.SniperWhitelist...)
	return c
}

// SniperConfig is the effective sniper profile handed to the orchestrator
type SniperConfig struct {
	Enabled    bool          `json:"enabled"`
	MinConf    float64       `json:"min_conf"`
	Leverage   int           `json:"leverage"`
	MarginPct  float64       `json:"margin_pct"`
	Direction  DirectionBias `json:"direction"`
	Blacklist  []string      `json:"blacklist"`
	Whitelist  []string      `json:"whitelist"`
	ShadowMode bool          `json:"shadow_mode"`
}

// Blacklisted reports whether symbol is on the blacklist
func (s *SniperConfig) Blacklisted(symbol string) bool {
	return contains(s.Blacklist, symbol)
}

// Whitelisted reports whether symbol may trade under the whitelist. An
// empty whitelist admits everything.
func (s *SniperConfig) Whitelisted(symbol string) bool {
	return len(s.Whitelist) == 0 || contains(s.Whitelist, symbol)
}

// SuggestionStatus tracks an L1 suggestion
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionApproved SuggestionStatus = "approved"
)

// Suggestion is a proposed bot awaiting operator approval
type Suggestion struct {
	ID         string           `json:"id"`
	Symbol     string           `json:"symbol"`
	Direction  fleet.Direction  `json:"direction"`
	Confidence float64          `json:"confidence"`
	Signal     scanner.Strength `json:"signal"`
	Timestamp  time.Time        `json:"timestamp"`
	Status     SuggestionStatus `json:"status"`
	BotID      string           `json:"bot_id,omitempty"`
}

// Action is one entry of the autonomous action log
type Action struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Level     Level     `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// TuneEvent records one sniper auto-tune pass that changed something
type TuneEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Trades    int       `json:"trades"`
	Changes   []string  `json:"changes"`
}

// State is the persisted controller state
type State struct {
	SchemaVersion     int          `json:"schema_version"`
	Level             Level        `json:"level"`
	ManualOverride    bool         `json:"manual_override"`
	Config            Config       `json:"config"`
	AutoBotIDs        []string     `json:"auto_bot_ids"`
	TotalAutoTrades   int          `json:"total_auto_trades"`
	TotalAutoWins     int          `json:"total_auto_wins"`
	TotalAutoPnL      float64      `json:"total_auto_pnl"`
	PromotedAt        *time.Time   `json:"promoted_at,omitempty"`
	DemotedAt         *time.Time   `json:"demoted_at,omitempty"`
	Suggestions       []Suggestion `json:"suggestions"`
	History           []Action     `json:"history"`
	SniperTuneHistory []TuneEvent  `json:"sniper_tune_history"`
}

// DefaultState is a fresh L1 controller
func DefaultState() State {
	return State{
		SchemaVersion:     StateSchemaVersion,
		Level:             LevelSuggest,
		Config:            DefaultConfig(),
		AutoBotIDs:        []string{},
		Suggestions:       []Suggestion{},
		History:           []Action{},
		SniperTuneHistory: []TuneEvent{},
	}
}

// MigrateState upgrades a loaded state. The record must have been decoded
// over DefaultState so absent fields already carry defaults. Version 1
// records may hold the older, stricter radar settings, which are reset.
func MigrateState(s *State) error {
	if s.SchemaVersion > StateSchemaVersion {
		return fmt.Errorf("autonomy state schema version %d is newer than supported %d", s.SchemaVersion, StateSchemaVersion)
	}
	def := DefaultConfig()

	if s.SchemaVersion < 1 {
		if !s.Level.Valid() {
			s.Level = LevelSuggest
		}
		s.SchemaVersion = 1
	}

	if s.SchemaVersion < 2 {
		if s.Config.MinRadarConfidence > 65 {
			s.Config.MinRadarConfidence = def.MinRadarConfidence
		}
		if s.Config.MinRadarSignal == scanner.Strong {
			s.Config.MinRadarSignal = def.MinRadarSignal
		}
		if s.Config.CheckIntervalMs > 100000 {
			s.Config.CheckIntervalMs = def.CheckIntervalMs
		}
		s.SchemaVersion = 2
	}

	if s.AutoBotIDs == nil {
		s.AutoBotIDs = []string{}
	}
	if s.Config.SniperBlacklist == nil {
		s.Config.SniperBlacklist = []string{}
	}
	if s.Config.SniperWhitelist == nil {
		s.Config.SniperWhitelist = []string{}
	}
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	if len(s.SniperTuneHistory) > maxTuneHistory {
		s.SniperTuneHistory = s.SniperTuneHistory[len(s.SniperTuneHistory)-maxTuneHistory:]
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
