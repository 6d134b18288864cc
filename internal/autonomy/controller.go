// Package autonomy supervises the fleet: it promotes and demotes its own
// authority, turns radar opportunities into bots, retires underperformers,
// moves capital between bots and self-tunes the sniper profile.
package autonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/scheduler"
)

// Fleet is the orchestrator surface the controller acts through. Bots
// returns snapshots, archived bots included. The controller never holds its
// own lock while calling into Fleet.
type Fleet interface {
	Bots() []*fleet.Bot
	Opportunities() []scanner.Opportunity
	LaunchBot(spec fleet.Spec) (*fleet.Bot, error) // creates and starts
	StopBot(id, reason string) error
	ClosePositions(id, reason string) error
	ArchiveBot(id, reason string) error
	UpdateBot(id string, fn func(*fleet.Bot)) error
	TransferBalance(fromID, toID string, amount float64) error
	RiskCheck(bot *fleet.Bot) risk.Check
}

// Store persists the controller state
type Store interface {
	LoadRecord(ctx context.Context, key string, v interface{}) (bool, error)
	SaveRecord(ctx context.Context, key string, v interface{}) error
}

// GlobalStats aggregates the auto-created bots, retired ones included
type GlobalStats struct {
	TotalTrades int     `json:"total_trades"`
	TotalWins   int     `json:"total_wins"`
	TotalPnL    float64 `json:"total_pnl"`
	WinRate     float64 `json:"win_rate"` // percent
	ActiveBots  int     `json:"active_bots"`
	TotalBots   int     `json:"total_bots"`
}

// Status is the operator-facing snapshot
type Status struct {
	Running            bool                  `json:"running"`
	Level              Level                 `json:"level"`
	LevelName          string                `json:"level_name"`
	ManualOverride     bool                  `json:"manual_override"`
	Config             Config                `json:"config"`
	Stats              GlobalStats           `json:"stats"`
	AutoBots           int                   `json:"auto_bots"`
	PendingSuggestions int                   `json:"pending_suggestions"`
	Suggestions        []Suggestion          `json:"suggestions"`
	History            []Action              `json:"history"`
	TuneHistory        []TuneEvent           `json:"tune_history"`
	PromoteRules       map[Level]PromoteRule `json:"promote_rules"`
	DemoteDailyLossPct float64               `json:"demote_daily_loss_pct"`
	WeeklyLossPct      float64               `json:"weekly_loss_pct"`
	WeeklyLossWarnPct  float64               `json:"weekly_loss_warn_pct"`
	PromotedAt         *time.Time            `json:"promoted_at,omitempty"`
	DemotedAt          *time.Time            `json:"demoted_at,omitempty"`
}

// Controller is the autonomy supervisor. One instance per process.
type Controller struct {
	mu        sync.RWMutex
	state     State
	lastCheck time.Time
	lastTune  time.Time
	handle    *scheduler.Handle

	fleet    Fleet
	store    Store
	notifier notification.Sink
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithStore persists the state
func WithStore(s Store) Option { return func(c *Controller) { c.store = s } }

// WithNotifier sets the user-visible notification sink
func WithNotifier(n notification.Sink) Option { return func(c *Controller) { c.notifier = n } }

// WithEvents sets the event publisher
func WithEvents(p events.Publisher) Option { return func(c *Controller) { c.events = p } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithConfig seeds the config used until a persisted state is loaded
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.state.Config = cfg.clone() }
}

// NewController creates an L1 controller with the default config
func NewController(f Fleet, opts ...Option) *Controller {
	c := &Controller{
		state:  DefaultState(),
		fleet:  f,
		logger: logging.WithComponent("autonomy"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load restores the persisted state. The record is decoded over the
// defaults so fields added since it was written keep their default values.
func (c *Controller) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	st := DefaultState()
	st.SchemaVersion = 0
	found, err := c.store.LoadRecord(ctx, stateKey, &st)
	if err != nil {
		return fmt.Errorf("load autonomy state: %w", err)
	}
	if !found {
		return nil
	}
	if err := MigrateState(&st); err != nil {
		return err
	}
	if err := st.Config.Validate(); err != nil {
		c.logger.WithError(err).Warn("Stored autonomy config rejected, keeping defaults")
		st.Config = DefaultConfig()
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.logger.Info("Autonomy state loaded", "level", st.Level, "auto_bots", len(st.AutoBotIDs))
	return nil
}

// Start schedules the periodic check on sched. The first check runs after
// 30 seconds.
func (c *Controller) Start(sched *scheduler.Scheduler) {
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return
	}
	interval := c.state.Config.CheckInterval()
	level := c.state.Level
	c.handle = sched.Every("autonomy", interval, firstCheckDelay, c.PeriodicCheck)
	c.mu.Unlock()

	c.logger.Info("Autonomy started", "level", level, "interval", interval)
	c.notify("Autonomy started", notification.SeveritySuccess)
}

// Stop cancels the periodic check
func (c *Controller) Stop() {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.Cancel()
	c.logger.Info("Autonomy stopped")
	c.notify("Autonomy stopped", notification.SeverityInfo)
}

// Running reports whether the periodic check is scheduled
func (c *Controller) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle != nil
}

// Shutdown stops the periodic check and every running auto-created bot
func (c *Controller) Shutdown(ctx context.Context) {
	c.Stop()
	ids := c.autoBotIDs()
	for _, b := range c.fleet.Bots() {
		if b.Running() && contains(ids, b.ID) {
			if err := c.fleet.StopBot(b.ID, "autonomy shutdown"); err != nil {
				c.logger.WithError(err).Warn("Failed to stop auto bot", "bot_id", b.ID)
			}
		}
	}
	c.save(ctx)
	c.logger.Warn("Autonomy shut down, auto bots stopped")
	c.notify("Autonomy shut down", notification.SeverityWarning)
}

// PeriodicCheck runs one supervision cycle. Cycles closer than 60 seconds
// apart are skipped.
func (c *Controller) PeriodicCheck(ctx context.Context) {
	now := c.now()
	c.mu.Lock()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < minCheckGap {
		c.mu.Unlock()
		return
	}
	c.lastCheck = now
	level := c.state.Level
	cfg := c.state.Config
	c.mu.Unlock()

	c.logger.Debug("Autonomy check", "level", level, "level_name", level.Name())

	c.evaluateEscalation()
	c.evaluateOpportunities()
	c.evaluateKills()
	if cfg.RebalanceEnabled {
		c.evaluateRebalance()
	}
	if cfg.SniperEnabled {
		c.SniperAutoTune(ctx, false)
	}
	c.save(ctx)
}

// SetLevel forces a level and disables automatic demotion
func (c *Controller) SetLevel(ctx context.Context, n int) error {
	level := Level(n)
	if !level.Valid() {
		return ErrInvalidLevel
	}
	c.mu.Lock()
	old := c.state.Level
	c.state.Level = level
	c.state.ManualOverride = true
	c.mu.Unlock()

	msg := fmt.Sprintf("Autonomy level forced %d -> %d (%s)", old, level, level.Name())
	c.logger.Info(msg)
	c.publish(events.EventAutonomyLevel, msg, map[string]interface{}{"from": old, "to": level, "manual": true})
	c.notify(msg, notification.SeveritySuccess)
	c.save(ctx)
	return nil
}

// ClearOverride re-enables automatic demotion
func (c *Controller) ClearOverride(ctx context.Context) {
	c.mu.Lock()
	c.state.ManualOverride = false
	c.mu.Unlock()
	c.save(ctx)
}

// Configure applies a JSON patch over the current config. Fields absent
// from the patch are left untouched.
func (c *Controller) Configure(ctx context.Context, patch []byte) (Config, error) {
	c.mu.RLock()
	cfg := c.state.Config.clone()
	c.mu.RUnlock()

	if err := json.Unmarshal(patch, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	for i, s := range cfg.SniperBlacklist {
		cfg.SniperBlacklist[i] = strings.ToUpper(s)
	}
	for i, s := range cfg.SniperWhitelist {
		cfg.SniperWhitelist[i] = strings.ToUpper(s)
	}

	c.mu.Lock()
	c.state.Config = cfg
	c.mu.Unlock()
	c.logger.Info("Autonomy config updated")
	c.save(ctx)
	return cfg.clone(), nil
}

// Config returns a copy of the current config
func (c *Controller) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Config.clone()
}

// Level returns the current level
func (c *Controller) Level() Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Level
}

// Status returns the operator snapshot
func (c *Controller) Status() Status {
	bots := c.fleet.Bots()
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Running:            c.handle != nil,
		Level:              c.state.Level,
		LevelName:          c.state.Level.Name(),
		ManualOverride:     c.state.ManualOverride,
		Config:             c.state.Config.clone(),
		Stats:              c.globalStats(bots),
		AutoBots:           len(c.state.AutoBotIDs),
		Suggestions:        append([]Suggestion{}, c.state.Suggestions...),
		History:            lastActions(c.state.History, 10),
		TuneHistory:        append([]TuneEvent{}, c.state.SniperTuneHistory...),
		PromoteRules:       PromoteRules,
		DemoteDailyLossPct: DemoteDailyLossPct,
		WeeklyLossPct:      lossPct(bots, now.AddDate(0, 0, -7)),
		WeeklyLossWarnPct:  WeeklyLossWarnPct,
		PromotedAt:         c.state.PromotedAt,
		DemotedAt:          c.state.DemotedAt,
	}
	for _, s := range c.state.Suggestions {
		if s.Status == SuggestionPending {
			st.PendingSuggestions++
		}
	}
	return st
}

func lastActions(h []Action, n int) []Action {
	if len(h) > n {
		h = h[len(h)-n:]
	}
	return append([]Action{}, h...)
}

// globalStats must be called with c.mu held
func (c *Controller) globalStats(bots []*fleet.Bot) GlobalStats {
	var gs GlobalStats
	for _, b := range bots {
		if !contains(c.state.AutoBotIDs, b.ID) {
			continue
		}
		gs.TotalBots++
		if b.Running() {
			gs.ActiveBots++
		}
		gs.TotalTrades += b.Stats.Trades
		gs.TotalWins += b.Stats.Wins
		gs.TotalPnL += b.Stats.TotalPnL
	}
	gs.TotalTrades += c.state.TotalAutoTrades
	gs.TotalWins += c.state.TotalAutoWins
	gs.TotalPnL += c.state.TotalAutoPnL
	if gs.TotalTrades > 0 {
		gs.WinRate = float64(gs.TotalWins) / float64(gs.TotalTrades) * 100
	}
	return gs
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// pnlSince sums the non-shadow pnl of trades closed at or after from
func pnlSince(bots []*fleet.Bot, from time.Time) float64 {
	var pnl float64
	for _, b := range bots {
		for _, t := range b.TradesSince(from) {
			if !t.Shadow {
				pnl += t.PnL
			}
		}
	}
	return pnl
}

func runningInitial(bots []*fleet.Bot) float64 {
	var total float64
	for _, b := range bots {
		if !b.Running() {
			continue
		}
		if b.InitialBalance > 0 {
			total += b.InitialBalance
		} else {
			total += 100
		}
	}
	return total
}

// lossPct reports the loss since from as a percent of the running bots'
// initial capital; gains report 0.
func lossPct(bots []*fleet.Bot, from time.Time) float64 {
	pnl := pnlSince(bots, from)
	initial := runningInitial(bots)
	if pnl >= 0 || initial <= 0 {
		return 0
	}
	return math.Abs(pnl) / initial * 100
}

func (c *Controller) evaluateEscalation() {
	bots := c.fleet.Bots()
	now := c.now()

	c.mu.Lock()
	stats := c.globalStats(bots)
	cur := c.state.Level
	var promoted, demoted bool
	var msg string

	if cur < LevelFullAuto {
		next := cur + 1
		rule := PromoteRules[next]
		if stats.TotalTrades >= rule.MinTrades && stats.WinRate >= rule.MinWinRate && stats.TotalPnL >= rule.MinPnL {
			c.state.Level = next
			c.state.PromotedAt = &now
			promoted = true
			msg = fmt.Sprintf("Promoted: level %d -> %d (%s): %s", cur, next, next.Name(), rule.Description)
			c.logActionLocked("promote", msg)
		}
	}

	if !promoted && !c.state.ManualOverride && cur > LevelSuggest {
		if daily := lossPct(bots, startOfDay(now)); daily >= DemoteDailyLossPct {
			c.state.Level = max(LevelSuggest, cur-1)
			c.state.DemotedAt = &now
			demoted = true
			msg = fmt.Sprintf("Demoted: level %d -> %d (%s): daily loss %.1f%% >= %.0f%%",
				cur, c.state.Level, c.state.Level.Name(), daily, DemoteDailyLossPct)
			c.logActionLocked("demote", msg)
		}
	}
	level := c.state.Level
	c.mu.Unlock()

	switch {
	case promoted:
		c.logger.Info(msg)
		c.publish(events.EventAutonomyLevel, msg, map[string]interface{}{"from": cur, "to": level})
		c.notifyFor(msg, notification.SeveritySuccess, 10*time.Second)
	case demoted:
		c.logger.Warn(msg)
		c.publish(events.EventAutonomyLevel, msg, map[string]interface{}{"from": cur, "to": level})
		c.notifyFor(msg, notification.SeverityError, 10*time.Second)
	}
}

// pruneAutoBots drops archived or missing bots from the auto roster and
// returns the remaining IDs. Must be called with c.mu held.
func (c *Controller) pruneAutoBotsLocked(bots []*fleet.Bot) []string {
	live := make(map[string]bool, len(bots))
	for _, b := range bots {
		if b.Status != fleet.StatusArchived {
			live[b.ID] = true
		}
	}
	kept := c.state.AutoBotIDs[:0:0]
	for _, id := range c.state.AutoBotIDs {
		if live[id] {
			kept = append(kept, id)
		}
	}
	c.state.AutoBotIDs = kept
	return kept
}

func (c *Controller) evaluateOpportunities() {
	ops := c.fleet.Opportunities()
	bots := c.fleet.Bots()
	now := c.now()

	c.mu.Lock()
	level := c.state.Level
	cfg := c.state.Config.clone()
	if len(ops) == 0 {
		c.mu.Unlock()
		if level >= LevelSemiAuto {
			c.logger.Info("Autonomy: radar has no data yet, waiting for a scan", "level", level)
		}
		return
	}
	autoIDs := c.pruneAutoBotsLocked(bots)
	c.mu.Unlock()

	var active []*fleet.Bot
	running := map[string]bool{}
	for _, b := range bots {
		if b.Status == fleet.StatusArchived {
			continue
		}
		active = append(active, b)
		if b.Running() {
			running[b.Symbol] = true
		}
	}
	if len(active) >= maxActiveBots {
		c.logger.Info("Autonomy: fleet bot limit reached", "limit", maxActiveBots)
		return
	}
	if len(autoIDs) >= cfg.MaxAutoBots {
		c.logger.Info("Autonomy: auto bot limit reached", "limit", cfg.MaxAutoBots)
		return
	}

	minConf := cfg.MinRadarConfidence
	valid := map[scanner.Strength]bool{scanner.Strong: true, scanner.Moderate: true}
	if level >= LevelFullAuto {
		minConf = math.Min(minConf, fullAutoMinConf)
	} else if cfg.MinRadarSignal == scanner.Strong {
		valid = map[scanner.Strength]bool{scanner.Strong: true}
	}

	var candidates, enters []scanner.Opportunity
	for _, o := range ops {
		if !strings.EqualFold(o.Decision, "ENTER") {
			continue
		}
		enters = append(enters, o)
		if valid[o.Signal] && o.Confidence >= minConf {
			candidates = append(candidates, o)
		}
	}
	if len(candidates) == 0 {
		if level >= LevelSemiAuto {
			if len(enters) == 0 {
				c.logger.Info("Autonomy: no ENTER signals, market is waiting", "scanned", len(ops))
			} else {
				c.logger.Info("Autonomy: ENTER signals below threshold",
					"enter", len(enters), "best", enters[0].Symbol, "confidence", enters[0].Confidence, "min", minConf)
			}
		}
		return
	}

	var fresh []scanner.Opportunity
	for _, o := range candidates {
		if !running[o.Symbol] {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) == 0 {
		c.logger.Info("Autonomy: opportunities already covered by running bots")
		return
	}

	if sn := c.GetSniperConfig(); sn != nil {
		filtered := fresh[:0:0]
		for _, o := range fresh {
			if sn.Blacklisted(o.Symbol) || !sn.Whitelisted(o.Symbol) || o.Confidence < sn.MinConf {
				continue
			}
			filtered = append(filtered, o)
		}
		if len(filtered) == 0 {
			c.logger.Info("Autonomy: sniper filtered every opportunity", "count", len(fresh))
			return
		}
		fresh = filtered
	}

	best := fresh[0]
	probe := &fleet.Bot{
		ID:             "autonomy-probe",
		Name:           "AutoCheck",
		Symbol:         best.Symbol,
		Mode:           cfg.AutoMode,
		Temperature:    cfg.AutoTemp,
		Status:         fleet.StatusIdle,
		InitialBalance: cfg.AutoWallet,
		CurrentBalance: cfg.AutoWallet,
		Positions:      []*fleet.Position{},
		Trades:         []*fleet.Trade{},
	}
	if chk := c.fleet.RiskCheck(probe); !chk.Allowed {
		c.logger.Info("Autonomy: opportunity blocked by risk", "symbol", best.Symbol, "reason", chk.Reason)
		return
	}

	if level == LevelSuggest {
		c.suggest(best, now)
		return
	}
	if _, err := c.autoCreate(best.Symbol, best.Direction, best.Confidence); err != nil {
		c.logger.WithError(err).Warn("Autonomy: auto-create failed", "symbol", best.Symbol)
	}
}

func (c *Controller) suggest(o scanner.Opportunity, now time.Time) {
	c.mu.Lock()
	for _, s := range c.state.Suggestions {
		if s.Symbol == o.Symbol && now.Sub(s.Timestamp) < suggestionDedupe {
			c.mu.Unlock()
			return
		}
	}
	sug := Suggestion{
		ID:         uuid.NewString(),
		Symbol:     o.Symbol,
		Direction:  o.Direction,
		Confidence: o.Confidence,
		Signal:     o.Signal,
		Timestamp:  now,
		Status:     SuggestionPending,
	}
	c.state.Suggestions = append(c.state.Suggestions, sug)
	if n := len(c.state.Suggestions); n > maxSuggestions {
		c.state.Suggestions = c.state.Suggestions[n-maxSuggestions:]
	}
	msg := fmt.Sprintf("%s %s %.0f%%", o.Symbol, o.Direction, o.Confidence)
	c.logActionLocked("suggest", msg)
	c.mu.Unlock()

	c.logger.Info("Autonomy suggestion", "symbol", o.Symbol, "direction", o.Direction, "confidence", o.Confidence)
	c.publish(events.EventSuggestion, "Suggest bot "+msg, map[string]interface{}{"suggestion": sug})
	c.notifyFor(fmt.Sprintf("Suggestion: %s, create bot?", msg), notification.SeverityInfo, 8*time.Second)
}

// Suggestions returns a copy of the suggestion queue
func (c *Controller) Suggestions() []Suggestion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Suggestion{}, c.state.Suggestions...)
}

// ApproveSuggestion creates the suggested bot. Only pending suggestions
// can be approved.
func (c *Controller) ApproveSuggestion(ctx context.Context, id string) (*fleet.Bot, error) {
	c.mu.Lock()
	idx := -1
	for i := range c.state.Suggestions {
		if c.state.Suggestions[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return nil, ErrSuggestionNotFound
	}
	sug := c.state.Suggestions[idx]
	if sug.Status != SuggestionPending {
		c.mu.Unlock()
		return nil, ErrSuggestionNotActive
	}
	c.state.Suggestions[idx].Status = SuggestionApproved
	c.mu.Unlock()

	bot, err := c.autoCreate(sug.Symbol, sug.Direction, sug.Confidence)
	if err == nil {
		c.mu.Lock()
		for i := range c.state.Suggestions {
			if c.state.Suggestions[i].ID == id {
				c.state.Suggestions[i].BotID = bot.ID
			}
		}
		c.mu.Unlock()
	}
	c.save(ctx)
	return bot, err
}

func (c *Controller) autoCreate(symbol string, dir fleet.Direction, confidence float64) (*fleet.Bot, error) {
	bots := c.fleet.Bots()
	c.mu.RLock()
	cfg := c.state.Config.clone()
	c.mu.RUnlock()

	active := 0
	for _, b := range bots {
		if b.Status != fleet.StatusArchived {
			active++
		}
	}
	if active >= cfg.MaxAutoBots+manualBotBuffer {
		return nil, ErrFleetFull
	}

	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:3]
	bot, err := c.fleet.LaunchBot(fleet.Spec{
		Name:           fmt.Sprintf("Auto_%s_%s", symbol, short),
		Symbol:         symbol,
		Mode:           cfg.AutoMode,
		Temperature:    cfg.AutoTemp,
		Wallet:         cfg.AutoWallet,
		AutoCreated:    true,
		CreationReason: fmt.Sprintf("Radar: %s %s %.0f%%", symbol, dir, confidence),
	})
	if err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("Auto-created %s for %s (%.0f%% conf)", bot.Name, symbol, confidence)
	c.mu.Lock()
	c.state.AutoBotIDs = append(c.state.AutoBotIDs, bot.ID)
	c.logActionLocked("create", msg)
	c.mu.Unlock()

	c.logger.Info(msg, "bot_id", bot.ID)
	c.publish(events.EventAutonomyAction, msg, map[string]interface{}{"action": "create", "bot_id": bot.ID, "symbol": symbol})
	c.notifyFor(msg, notification.SeveritySuccess, 8*time.Second)
	return bot, nil
}

func (c *Controller) autoBotIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string{}, c.state.AutoBotIDs...)
}

func autoBots(bots []*fleet.Bot, ids []string) []*fleet.Bot {
	var out []*fleet.Bot
	for _, b := range bots {
		if contains(ids, b.ID) {
			out = append(out, b)
		}
	}
	return out
}

// shouldKill returns the retirement reason for a bot, if any, and the
// updated low-fitness streak.
func (c *Controller) shouldKill(bot *fleet.Bot, cfg Config) (string, int) {
	streak := bot.LowFitnessStreak
	if dd := bot.DrawdownPct(); dd >= cfg.KillDrawdown {
		return fmt.Sprintf("drawdown %.1f%% >= %.0f%%", dd, cfg.KillDrawdown), streak
	}
	if len(bot.Trades) >= killFitnessMinTrade {
		if f := ScoreFitness(bot); !f.Insufficient {
			if f.Score < lowFitnessScore {
				streak++
				if streak >= lowFitnessCycles {
					return fmt.Sprintf("fitness %d/100 for %d cycles (WR %.0f%%, PF %.2f, DD %.1f%%)",
						f.Score, streak, f.WinRate, f.ProfitFactor, f.MaxDrawdown), streak
				}
			} else {
				streak = 0
			}
		}
	}
	if bot.Running() && len(bot.Trades) == 0 && bot.ChecksRun > staleChecks {
		return fmt.Sprintf("%d checks without a trade", bot.ChecksRun), streak
	}
	return "", streak
}

func (c *Controller) evaluateKills() {
	c.mu.RLock()
	level := c.state.Level
	cfg := c.state.Config.clone()
	ids := append([]string{}, c.state.AutoBotIDs...)
	c.mu.RUnlock()
	if level < LevelSemiAuto {
		return
	}

	bots := autoBots(c.fleet.Bots(), ids)
	ranked := make([]Fitness, 0, len(bots))
	for _, b := range bots {
		if f := ScoreFitness(b); !f.Insufficient {
			ranked = append(ranked, f)
		}
	}
	if len(ranked) > 0 {
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
		c.logger.Debug("Autonomy fitness ranking", "top", ranked[0].Score, "bottom", ranked[len(ranked)-1].Score, "ranked", len(ranked))
	}

	for _, b := range bots {
		if b.Status == fleet.StatusArchived {
			continue
		}
		reason, streak := c.shouldKill(b, cfg)
		if streak != b.LowFitnessStreak {
			if err := c.fleet.UpdateBot(b.ID, func(live *fleet.Bot) { live.LowFitnessStreak = streak }); err != nil {
				c.logger.WithError(err).Warn("Failed to record fitness streak", "bot_id", b.ID)
			}
		}
		if reason != "" {
			c.autoKill(b, reason)
		}
	}
}

// autoKill archives a bot. Bots with open positions are left to manage them.
func (c *Controller) autoKill(bot *fleet.Bot, reason string) {
	if bot.HasOpenPosition() {
		return
	}
	if err := c.fleet.ArchiveBot(bot.ID, reason); err != nil {
		c.logger.WithError(err).Warn("Autonomy: archive failed", "bot_id", bot.ID)
		return
	}

	msg := fmt.Sprintf("Auto-archived %s: %s", bot.Name, reason)
	c.mu.Lock()
	c.state.TotalAutoTrades += bot.Stats.Trades
	c.state.TotalAutoWins += bot.Stats.Wins
	c.state.TotalAutoPnL += bot.Stats.TotalPnL
	if i := indexOf(c.state.AutoBotIDs, bot.ID); i >= 0 {
		c.state.AutoBotIDs = append(c.state.AutoBotIDs[:i:i], c.state.AutoBotIDs[i+1:]...)
	}
	c.logActionLocked("archive", msg)
	c.mu.Unlock()

	c.logger.Warn(msg, "bot_id", bot.ID)
	c.publish(events.EventAutonomyAction, msg, map[string]interface{}{"action": "archive", "bot_id": bot.ID, "reason": reason})
	c.notifyFor(msg, notification.SeverityWarning, 8*time.Second)
}

func (c *Controller) evaluateRebalance() {
	c.mu.RLock()
	level := c.state.Level
	ids := append([]string{}, c.state.AutoBotIDs...)
	c.mu.RUnlock()
	if level < LevelFullAuto {
		return
	}

	var idle []*fleet.Bot
	for _, b := range autoBots(c.fleet.Bots(), ids) {
		if b.Running() && !b.HasOpenPosition() {
			idle = append(idle, b)
		}
	}
	if len(idle) < 2 {
		return
	}
	var seasoned []*fleet.Bot
	for _, b := range idle {
		if len(b.Trades) >= rebalanceMinTrades {
			seasoned = append(seasoned, b)
		}
	}
	if len(seasoned) < 2 {
		return
	}
	sort.SliceStable(seasoned, func(i, j int) bool {
		return seasoned[i].Stats.WinRate() > seasoned[j].Stats.WinRate()
	})
	best, worst := seasoned[0], seasoned[len(seasoned)-1]
	bestWR, worstWR := best.Stats.WinRate()*100, worst.Stats.WinRate()*100
	if bestWR-worstWR < rebalanceMinWRGap {
		return
	}
	amount := worst.CurrentBalance * rebalanceShare
	if amount < rebalanceMinAmount {
		return
	}
	if err := c.fleet.TransferBalance(worst.ID, best.ID, amount); err != nil {
		c.logger.WithError(err).Warn("Autonomy: rebalance failed")
		return
	}

	msg := fmt.Sprintf("Rebalanced $%.2f from %s (%.0f%% WR) to %s (%.0f%% WR)", amount, worst.Name, worstWR, best.Name, bestWR)
	c.mu.Lock()
	c.logActionLocked("rebalance", msg)
	c.mu.Unlock()
	c.logger.Info(msg)
	c.publish(events.EventAutonomyAction, msg, map[string]interface{}{"action": "rebalance", "from": worst.ID, "to": best.ID, "amount": amount})
}

// History returns the action log, oldest first
func (c *Controller) History() []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Action{}, c.state.History...)
}

func (c *Controller) logActionLocked(kind, msg string) {
	c.state.History = append(c.state.History, Action{
		Type:      kind,
		Message:   msg,
		Level:     c.state.Level,
		Timestamp: c.now(),
	})
	if n := len(c.state.History); n > maxHistory {
		c.state.History = c.state.History[n-maxHistory:]
	}
}

func (c *Controller) save(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.mu.RLock()
	data, err := json.Marshal(c.state)
	c.mu.RUnlock()
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode autonomy state")
		return
	}
	if err := c.store.SaveRecord(ctx, stateKey, json.RawMessage(data)); err != nil {
		c.logger.WithError(err).Error("Failed to save autonomy state")
	}
}

func (c *Controller) publish(t events.EventType, msg string, data map[string]interface{}) {
	if c.events != nil {
		c.events.Publish(events.Event{Type: t, Message: msg, Data: data})
	}
}

func (c *Controller) notify(msg string, sev notification.Severity) {
	c.notifyFor(msg, sev, 5*time.Second)
}

func (c *Controller) notifyFor(msg string, sev notification.Severity, d time.Duration) {
	if c.notifier != nil {
		c.notifier.Notify(msg, sev, d)
	}
}
