// Package risk is the final pre-trade gate and post-trade guardrail for the
// bot fleet. Checks are evaluated in a fixed order and the first failing one
// is reported; nothing is mutated by a failed check except the bot's loss
// streak marker and, past the safety valve, its cooldown.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"bot-fleet-engine/internal/circuit"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/notification"
)

const (
	// ConfigSchemaVersion is the current persisted config layout
	ConfigSchemaVersion = 1

	configKey = "risk:config"

	streakMarker      = 3
	streakSafetyValve = 10
	safetyCooldown    = 5 * time.Minute
	minMarginPct      = 0.5
	defaultInitial    = 100.0
)

// ErrInvalidConfig is returned by UpdateConfig for out-of-range values
var ErrInvalidConfig = errors.New("invalid risk config")

// Config holds the guardrail thresholds
type Config struct {
	SchemaVersion        int     `json:"schema_version" yaml:"schema_version"`
	MaxDailyLossPct      float64 `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxPositionPct       float64 `json:"max_position_pct" yaml:"max_position_pct"`
	MaxOpenPositions     int     `json:"max_open_positions" yaml:"max_open_positions"`
	MaxSameSymbol        int     `json:"max_same_symbol" yaml:"max_same_symbol"`
	CooldownMinutes      int     `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	MinBalance           float64 `json:"min_balance" yaml:"min_balance"`
}

// DefaultConfig returns the stock guardrails
func DefaultConfig() Config {
	return Config{
		SchemaVersion:        ConfigSchemaVersion,
		MaxDailyLossPct:      5,
		MaxDrawdownPct:       15,
		MaxConsecutiveLosses: 5,
		MaxPositionPct:       25,
		MaxOpenPositions:     10,
		MaxSameSymbol:        2,
		CooldownMinutes:      30,
		MinBalance:           5,
	}
}

// Validate rejects thresholds that would disable or break the gate
func (c Config) Validate() error {
	switch {
	case c.MaxDailyLossPct <= 0 || c.MaxDailyLossPct > 100:
		return fmt.Errorf("%w: max_daily_loss_pct must be in (0,100]", ErrInvalidConfig)
	case c.MaxDrawdownPct <= 0 || c.MaxDrawdownPct > 100:
		return fmt.Errorf("%w: max_drawdown_pct must be in (0,100]", ErrInvalidConfig)
	case c.MaxConsecutiveLosses <= 0:
		return fmt.Errorf("%w: max_consecutive_losses must be positive", ErrInvalidConfig)
	case c.MaxPositionPct < minMarginPct || c.MaxPositionPct > 100:
		return fmt.Errorf("%w: max_position_pct must be in [0.5,100]", ErrInvalidConfig)
	case c.MaxOpenPositions <= 0:
		return fmt.Errorf("%w: max_open_positions must be positive", ErrInvalidConfig)
	case c.MaxSameSymbol <= 0:
		return fmt.Errorf("%w: max_same_symbol must be positive", ErrInvalidConfig)
	case c.CooldownMinutes < 0:
		return fmt.Errorf("%w: cooldown_minutes must not be negative", ErrInvalidConfig)
	case c.MinBalance < 0:
		return fmt.Errorf("%w: min_balance must not be negative", ErrInvalidConfig)
	}
	return nil
}

// MigrateConfig upgrades a stored config. Unversioned records predate the
// per-symbol cap and the minimum balance; zero values take the defaults.
func MigrateConfig(c Config) Config {
	def := DefaultConfig()
	if c.SchemaVersion < 1 {
		if c.MaxDailyLossPct == 0 {
			c.MaxDailyLossPct = def.MaxDailyLossPct
		}
		if c.MaxDrawdownPct == 0 {
			c.MaxDrawdownPct = def.MaxDrawdownPct
		}
		if c.MaxConsecutiveLosses == 0 {
			c.MaxConsecutiveLosses = def.MaxConsecutiveLosses
		}
		if c.MaxPositionPct == 0 {
			c.MaxPositionPct = def.MaxPositionPct
		}
		if c.MaxOpenPositions == 0 {
			c.MaxOpenPositions = def.MaxOpenPositions
		}
		if c.MaxSameSymbol == 0 {
			c.MaxSameSymbol = def.MaxSameSymbol
		}
		if c.CooldownMinutes == 0 {
			c.CooldownMinutes = def.CooldownMinutes
		}
		if c.MinBalance == 0 {
			c.MinBalance = def.MinBalance
		}
	}
	c.SchemaVersion = ConfigSchemaVersion
	return c
}

// Check is the gate's verdict
type Check struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

var allowed = Check{Allowed: true}

// FleetView exposes the running bots. It is read while the caller holds
// the fleet's state lock.
type FleetView interface {
	RunningBots() []*fleet.Bot
}

// BotController stops bots on guardrail breaches. Called with the fleet's
// state lock held.
type BotController interface {
	StopBot(id, reason string) error
}

// Store persists the config
type Store interface {
	LoadRecord(ctx context.Context, key string, v interface{}) (bool, error)
	SaveRecord(ctx context.Context, key string, v interface{}) error
}

// Governor is the risk gate. One instance per process.
type Governor struct {
	mu     sync.RWMutex
	config Config
	paused bool

	cooldowns *circuit.Book
	fleet     FleetView
	control   BotController
	store     Store
	notifier  notification.Sink
	events    events.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures a Governor
type Option func(*Governor)

// WithStore persists the config
func WithStore(s Store) Option { return func(g *Governor) { g.store = s } }

// WithNotifier sets the user-visible notification sink
func WithNotifier(n notification.Sink) Option { return func(g *Governor) { g.notifier = n } }

// WithEvents sets the event publisher
func WithEvents(p events.Publisher) Option { return func(g *Governor) { g.events = p } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(g *Governor) { g.now = now } }

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(g *Governor) { g.logger = l } }

// WithConfig seeds the thresholds used until a persisted config is loaded
func WithConfig(cfg Config) Option {
	return func(g *Governor) {
		cfg.SchemaVersion = ConfigSchemaVersion
		g.config = cfg
	}
}

// WithCooldowns shares a breaker book
func WithCooldowns(b *circuit.Book) Option { return func(g *Governor) { g.cooldowns = b } }

// NewGovernor creates a governor with the default config
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		config: DefaultConfig(),
		logger: logging.WithComponent("risk"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.cooldowns == nil {
		g.cooldowns = circuit.NewBook()
	}
	return g
}

// Attach wires the fleet once the orchestrator exists
func (g *Governor) Attach(view FleetView, ctl BotController) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fleet = view
	g.control = ctl
}

// Load restores the persisted config
func (g *Governor) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	var cfg Config
	found, err := g.store.LoadRecord(ctx, configKey, &cfg)
	if err != nil {
		return fmt.Errorf("load risk config: %w", err)
	}
	if !found {
		return nil
	}
	cfg = MigrateConfig(cfg)
	if err := cfg.Validate(); err != nil {
		g.logger.WithError(err).Warn("Stored risk config rejected, keeping defaults")
		return nil
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
	g.logger.Info("Risk config loaded", "max_daily_loss_pct", cfg.MaxDailyLossPct, "max_drawdown_pct", cfg.MaxDrawdownPct)
	return nil
}

// Config returns a copy of the thresholds
func (g *Governor) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// UpdateConfig validates, applies and persists new thresholds
func (g *Governor) UpdateConfig(ctx context.Context, cfg Config) error {
	cfg.SchemaVersion = ConfigSchemaVersion
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
	g.logger.Info("Risk config updated", "config", cfg)
	if g.store != nil {
		if err := g.store.SaveRecord(ctx, configKey, cfg); err != nil {
			return fmt.Errorf("save risk config: %w", err)
		}
	}
	return nil
}

// Paused reports whether the emergency stop is in force
func (g *Governor) Paused() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

// CanTrade runs the pre-trade gate for bot. A zero margin skips the
// position size check.
func (g *Governor) CanTrade(bot *fleet.Bot, margin float64) Check {
	cfg := g.Config()
	now := g.now()

	checks := []func() Check{
		g.checkGlobalPause,
		func() Check { return checkMinBalance(bot, cfg) },
		func() Check { return checkDailyLoss(bot, cfg, now) },
		func() Check { return checkDrawdown(bot, cfg) },
		func() Check { return g.checkConsecutiveLosses(bot, now) },
		func() Check { return g.checkCooldown(bot, now) },
		func() Check { return g.checkMaxPositions(cfg) },
		func() Check { return g.checkSameSymbol(bot, cfg) },
		func() Check { return checkPositionSize(bot, cfg, margin) },
	}
	for _, check := range checks {
		if c := check(); !c.Allowed {
			g.logger.Info("Entry blocked by risk governor", "bot_id", bot.ID, "rule", c.Rule, "reason", c.Reason)
			g.publishBlock(bot, c.Reason)
			return c
		}
	}
	return allowed
}

func (g *Governor) checkGlobalPause() Check {
	if g.Paused() {
		return Check{Reason: "system paused by emergency stop", Rule: "global_pause"}
	}
	return allowed
}

func checkMinBalance(bot *fleet.Bot, cfg Config) Check {
	if bot.CurrentBalance < cfg.MinBalance {
		return Check{Reason: fmt.Sprintf("balance $%.2f < minimum $%.2f", bot.CurrentBalance, cfg.MinBalance), Rule: "min_balance"}
	}
	return allowed
}

func initialBalance(bot *fleet.Bot) float64 {
	if bot.InitialBalance > 0 {
		return bot.InitialBalance
	}
	return defaultInitial
}

// dailyPnL is the net realized PnL of trades closed on now's UTC date
func dailyPnL(bot *fleet.Bot, now time.Time) (pnl float64, count int) {
	y, m, d := now.UTC().Date()
	for _, t := range bot.Trades {
		ty, tm, td := t.ClosedAt.UTC().Date()
		if ty == y && tm == m && td == d {
			pnl += t.PnL
			count++
		}
	}
	return pnl, count
}

func checkDailyLoss(bot *fleet.Bot, cfg Config, now time.Time) Check {
	pnl, n := dailyPnL(bot, now)
	if n == 0 || pnl >= 0 {
		return allowed
	}
	lossPct := math.Abs(pnl) / initialBalance(bot) * 100
	if lossPct >= cfg.MaxDailyLossPct {
		return Check{
			Reason: fmt.Sprintf("daily loss %.1f%% >= %.1f%%, paused until tomorrow", lossPct, cfg.MaxDailyLossPct),
			Rule:   "daily_loss",
		}
	}
	return allowed
}

func drawdownPct(bot *fleet.Bot) float64 {
	initial := initialBalance(bot)
	return (initial - bot.CurrentBalance) / initial * 100
}

func checkDrawdown(bot *fleet.Bot, cfg Config) Check {
	if dd := drawdownPct(bot); dd >= cfg.MaxDrawdownPct {
		return Check{Reason: fmt.Sprintf("drawdown %.1f%% >= %.1f%%, bot stopped", dd, cfg.MaxDrawdownPct), Rule: "drawdown"}
	}
	return allowed
}

// trailingLosses counts closed trades with pnl <= 0 from the newest backwards
func trailingLosses(trades []*fleet.Trade) int {
	n := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].PnL > 0 {
			break
		}
		n++
	}
	return n
}

// checkConsecutiveLosses marks the loss streak used by sizing. Only the
// safety valve blocks, with a short cooldown.
func (g *Governor) checkConsecutiveLosses(bot *fleet.Bot, now time.Time) Check {
	if len(bot.Trades) < streakMarker {
		return allowed
	}
	n := trailingLosses(bot.Trades)
	if n >= streakMarker {
		if bot.LossStreak != n {
			g.logger.Info("Loss streak, reducing size", "bot_id", bot.ID, "streak", n)
		}
		bot.LossStreak = n
	} else if bot.LossStreak > 0 {
		g.logger.Info("Loss streak ended, size normalized", "bot_id", bot.ID)
		bot.LossStreak = 0
	}

	if n >= streakSafetyValve {
		until := g.cooldowns.Trip(bot.ID, safetyCooldown, fmt.Sprintf("%d consecutive losses", n), now)
		bot.CooldownUntil = until
		return Check{Reason: fmt.Sprintf("%d consecutive losses, 5 min pause to recalibrate", n), Rule: "consecutive_losses"}
	}
	return allowed
}

func (g *Governor) checkCooldown(bot *fleet.Bot, now time.Time) Check {
	ok, reason := g.cooldowns.Check(bot.ID, now)
	if ok {
		if !bot.CooldownUntil.IsZero() {
			bot.CooldownUntil = time.Time{}
		}
		return allowed
	}
	return Check{Reason: reason, Rule: "cooldown"}
}

func (g *Governor) runningBots() []*fleet.Bot {
	g.mu.RLock()
	view := g.fleet
	g.mu.RUnlock()
	if view == nil {
		return nil
	}
	return view.RunningBots()
}

func (g *Governor) checkMaxPositions(cfg Config) Check {
	total := 0
	for _, b := range g.runningBots() {
		total += len(b.Positions)
	}
	if total >= cfg.MaxOpenPositions {
		return Check{Reason: fmt.Sprintf("%d/%d open positions, limit reached", total, cfg.MaxOpenPositions), Rule: "max_positions"}
	}
	return allowed
}

func (g *Governor) checkSameSymbol(bot *fleet.Bot, cfg Config) Check {
	same := 0
	for _, b := range g.runningBots() {
		if b.ID != bot.ID && b.Symbol == bot.Symbol && len(b.Positions) > 0 {
			same++
		}
	}
	if same >= cfg.MaxSameSymbol {
		return Check{Reason: fmt.Sprintf("%d bots already hold %s", same, bot.Symbol), Rule: "same_symbol"}
	}
	return allowed
}

func checkPositionSize(bot *fleet.Bot, cfg Config, margin float64) Check {
	if margin <= 0 {
		return allowed
	}
	maxMargin := bot.CurrentBalance * cfg.MaxPositionPct / 100
	if margin > maxMargin {
		return Check{
			Reason: fmt.Sprintf("margin $%.2f > max %.0f%% ($%.2f)", margin, cfg.MaxPositionPct, maxMargin),
			Rule:   "position_size",
		}
	}
	return allowed
}

// CalculateOptimalMargin sizes the next position from the bot's record.
// The result always lies within [0.5%, MaxPositionPct%] of the balance.
func (g *Governor) CalculateOptimalMargin(bot *fleet.Bot, baseRiskPct float64) float64 {
	cfg := g.Config()
	balance := bot.CurrentBalance
	if balance <= 0 {
		return 0
	}

	multiplier := 1.0
	if len(bot.Trades) >= 10 {
		switch wr := bot.Stats.WinRate(); {
		case wr < 0.40:
			multiplier *= 0.7
		case wr > 0.60:
			multiplier *= 1.1
		}
	}

	streak := bot.LossStreak
	if streak >= streakMarker {
		// 3 losses -> 64%, 5 -> 40%, 7 -> 16%, floor 15%
		multiplier *= math.Max(0.15, 1-float64(streak)*0.12)
	}

	if len(bot.Trades) >= 2 && streak == 0 {
		recent := bot.Trades
		if len(recent) > 3 {
			recent = recent[len(recent)-3:]
		}
		wins := 0
		for _, t := range recent {
			if t.PnL > 0 {
				wins++
			}
		}
		if wins >= 2 {
			multiplier *= 1.05
		}
	}

	margin := balance * baseRiskPct / 100 * multiplier
	lo := balance * minMarginPct / 100
	hi := balance * cfg.MaxPositionPct / 100
	return math.Max(lo, math.Min(hi, margin))
}

// AfterTrade re-runs the loss guardrails once a trade has closed. A daily
// loss or drawdown breach stops the bot; a loss streak only cools it down.
func (g *Governor) AfterTrade(bot *fleet.Bot) {
	cfg := g.Config()
	now := g.now()

	if c := checkDailyLoss(bot, cfg, now); !c.Allowed {
		g.pauseBot(bot, c.Reason)
		return
	}
	if c := checkDrawdown(bot, cfg); !c.Allowed {
		g.pauseBot(bot, c.Reason)
		return
	}
	if c := g.checkConsecutiveLosses(bot, now); !c.Allowed {
		g.publishBlock(bot, c.Reason)
	}
}

func (g *Governor) pauseBot(bot *fleet.Bot, reason string) {
	g.publishBlock(bot, reason)
	g.mu.RLock()
	ctl := g.control
	g.mu.RUnlock()
	if ctl == nil {
		return
	}
	if err := ctl.StopBot(bot.ID, reason); err != nil {
		g.logger.WithError(err).Error("Failed to stop bot after guardrail breach", "bot_id", bot.ID)
		return
	}
	g.logger.Warn("Bot stopped by risk governor", "bot_id", bot.ID, "bot", bot.Name, "reason", reason)
	g.notify(fmt.Sprintf("%s stopped: %s", bot.Name, reason), notification.SeverityError, 10*time.Second)
}

// EmergencyStop pauses the whole fleet and returns the number of bots stopped
func (g *Governor) EmergencyStop(reason string) int {
	g.mu.Lock()
	g.paused = true
	ctl := g.control
	g.mu.Unlock()

	stopped := 0
	if ctl != nil {
		for _, b := range g.runningBots() {
			if err := ctl.StopBot(b.ID, "emergency stop"); err != nil {
				g.logger.WithError(err).Error("Emergency stop failed for bot", "bot_id", b.ID)
				continue
			}
			stopped++
		}
	}

	msg := fmt.Sprintf("EMERGENCY STOP: %d bots stopped", stopped)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	g.logger.Warn(msg)
	if g.events != nil {
		g.events.Publish(events.Event{Type: events.EventEmergencyStop, Message: msg, Data: map[string]interface{}{"stopped": stopped}})
	}
	g.notify(msg, notification.SeverityError, 15*time.Second)
	return stopped
}

// Resume lifts the emergency stop and clears every cooldown
func (g *Governor) Resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cooldowns.ResetAll()

	g.logger.Info("Risk governor resumed")
	if g.events != nil {
		g.events.Publish(events.Event{Type: events.EventResume, Message: "risk governor resumed, bots may trade"})
	}
	g.notify("trading resumed", notification.SeveritySuccess, 5*time.Second)
}

// Cooldowns exposes the breaker book
func (g *Governor) Cooldowns() *circuit.Book {
	return g.cooldowns
}

// Cooldown pauses one bot's entries for the configured cooldown
func (g *Governor) Cooldown(bot *fleet.Bot, reason string) time.Time {
	d := time.Duration(g.Config().CooldownMinutes) * time.Minute
	until := g.cooldowns.Trip(bot.ID, d, reason, g.now())
	bot.CooldownUntil = until
	return until
}

func (g *Governor) publishBlock(bot *fleet.Bot, reason string) {
	if g.events == nil {
		return
	}
	g.events.Publish(events.Event{
		Type:    events.EventRiskBlock,
		Message: bot.Name + ": " + reason,
		Data:    map[string]interface{}{"bot_id": bot.ID, "reason": reason},
	})
}

func (g *Governor) notify(msg string, sev notification.Severity, d time.Duration) {
	if g.notifier != nil {
		g.notifier.Notify(msg, sev, d)
	}
}
