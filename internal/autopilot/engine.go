// Package autopilot runs the bot fleet. The Engine owns every bot, drives
// the per-tick flow (analysis, entry pipeline, position management) and
// executes the decisions of the zone machine, the learning filter, the risk
// governor and the autonomy controller against the paper ledger.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/database"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/learning"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/metrics"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/scheduler"
	"bot-fleet-engine/internal/signal"
)

var (
	ErrBotNotFound   = errors.New("bot not found")
	ErrBotArchived   = errors.New("bot is archived")
	ErrOpenPositions = errors.New("bot has open positions")
	ErrFleetFull     = errors.New("fleet bot limit reached")
)

// Config holds the orchestrator settings
type Config struct {
	MaxChecks      int           `json:"max_checks" yaml:"max_checks"`
	MaxManualBots  int           `json:"max_manual_bots" yaml:"max_manual_bots"`
	MinWallet      float64       `json:"min_wallet" yaml:"min_wallet"`
	MaxWallet      float64       `json:"max_wallet" yaml:"max_wallet"`
	MinRiskReward  float64       `json:"min_risk_reward" yaml:"min_risk_reward"`
	ThesisMaxAge   time.Duration `json:"thesis_max_age" yaml:"thesis_max_age"`
	RadarInterval  time.Duration `json:"radar_interval" yaml:"radar_interval"`
	RadarOffset    time.Duration `json:"radar_offset" yaml:"radar_offset"`
	TickStagger    time.Duration `json:"tick_stagger" yaml:"tick_stagger"`
	TickBaseOffset time.Duration `json:"tick_base_offset" yaml:"tick_base_offset"`
}

// DefaultConfig returns the stock orchestrator settings
func DefaultConfig() Config {
	return Config{
		MaxChecks:      500,
		MaxManualBots:  10,
		MinWallet:      10,
		MaxWallet:      100000,
		MinRiskReward:  1.2,
		ThesisMaxAge:   5 * time.Minute,
		RadarInterval:  90 * time.Second,
		RadarOffset:    15 * time.Second,
		TickStagger:    5 * time.Second,
		TickBaseOffset: 3 * time.Second,
	}
}

// Sniper is the autonomy surface consulted on every entry
type Sniper interface {
	GetSniperConfig() *autonomy.SniperConfig
	Screen(symbol string, dir fleet.Direction, confidence float64, market *signal.MarketScore) autonomy.ScreenResult
}

// Journal records closed trades outside the bot records
type Journal interface {
	JournalTrade(ctx context.Context, botID string, t *fleet.Trade) error
}

type closedTrade struct {
	botID string
	trade *fleet.Trade
}

// Engine is the fleet orchestrator. One mutex serializes every state
// mutation; signal source and market context calls are made without it.
type Engine struct {
	mu      sync.Mutex
	bots    map[string]*fleet.Bot
	handles map[string]*scheduler.Handle
	prices  map[string]float64
	dirty   map[string]bool
	removed []string
	closed  []closedTrade
	radarH  *scheduler.Handle

	cfg             Config
	source          signal.Source
	market          signal.MarketContext
	radar           *scanner.Scanner
	filter          *learning.Filter
	counterfactuals *learning.Counterfactuals
	governor        *risk.Governor
	sniper          Sniper
	sched           *scheduler.Scheduler
	store           database.Store
	journal         Journal
	events          events.Publisher
	notifier        notification.Sink
	metrics         *metrics.Registry
	logger          *logging.Logger
	now             func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithConfig overrides the default settings
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithMarketContext sets the optional market context
func WithMarketContext(m signal.MarketContext) Option { return func(e *Engine) { e.market = m } }

// WithRadar sets the radar scanner
func WithRadar(s *scanner.Scanner) Option { return func(e *Engine) { e.radar = s } }

// WithLearning sets the learning filter
func WithLearning(f *learning.Filter) Option { return func(e *Engine) { e.filter = f } }

// WithSniper sets the sniper screen
func WithSniper(s Sniper) Option { return func(e *Engine) { e.sniper = s } }

// WithScheduler runs bot ticks and the radar on sched
func WithScheduler(s *scheduler.Scheduler) Option { return func(e *Engine) { e.sched = s } }

// WithStore persists bots
func WithStore(s database.Store) Option { return func(e *Engine) { e.store = s } }

// WithJournal records closed trades
func WithJournal(j Journal) Option { return func(e *Engine) { e.journal = j } }

// WithEvents sets the event publisher
func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

// WithNotifier sets the user-visible notification sink
func WithNotifier(n notification.Sink) Option { return func(e *Engine) { e.notifier = n } }

// WithMetrics sets the Prometheus registry
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates the orchestrator and attaches it to the governor
func NewEngine(source signal.Source, governor *risk.Governor, opts ...Option) *Engine {
	e := &Engine{
		bots:    make(map[string]*fleet.Bot),
		handles: make(map[string]*scheduler.Handle),
		prices:  make(map[string]float64),
		dirty:   make(map[string]bool),
		cfg:     DefaultConfig(),
		source:  source,
		logger:  logging.WithComponent("autopilot"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if governor == nil {
		governor = risk.NewGovernor()
	}
	e.governor = governor
	if e.filter == nil {
		e.filter = learning.NewFilter(learning.WithClock(e.now))
	}
	e.counterfactuals = learning.NewCounterfactuals(e.filter)
	governor.Attach(lockedFleet{e}, lockedFleet{e})
	return e
}

// SetSniper wires the autonomy controller once it exists
func (e *Engine) SetSniper(s Sniper) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sniper = s
}

// Governor returns the risk governor
func (e *Engine) Governor() *risk.Governor {
	return e.governor
}

// Learning returns the learning filter
func (e *Engine) Learning() *learning.Filter {
	return e.filter
}

// Load restores every persisted bot. Records written by older versions are
// migrated; unreadable records are skipped.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	keys, err := e.store.ListKeys(ctx, database.BotKeyPrefix)
	if err != nil {
		return fmt.Errorf("list bots: %w", err)
	}
	now := e.now()
	loaded := 0
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		var b fleet.Bot
		found, err := e.store.LoadRecord(ctx, key, &b)
		if err != nil || !found {
			e.logger.WithError(err).Warn("Skipping unreadable bot record", "key", key)
			continue
		}
		if err := fleet.MigrateBot(&b, now); err != nil {
			e.logger.WithError(err).Warn("Skipping bot record", "key", key)
			continue
		}
		e.bots[b.ID] = &b
		loaded++
	}
	e.logger.Info("Bots loaded", "count", loaded)
	return nil
}

// Start schedules the radar and every bot persisted as running
func (e *Engine) Start(ctx context.Context) {
	if e.sched == nil {
		return
	}
	e.mu.Lock()
	if e.radar != nil && e.radarH == nil {
		e.radarH = e.sched.Every("radar", e.cfg.RadarInterval, e.cfg.RadarOffset, e.RunRadar)
	}
	for _, b := range e.sortedLocked() {
		if b.Running() {
			e.scheduleLocked(b)
		}
	}
	e.updateGaugesLocked()
	e.mu.Unlock()
	e.logger.Info("Autopilot engine started")
}

// Shutdown cancels every scheduled tick and flushes pending writes
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	for id, h := range e.handles {
		h.Cancel()
		delete(e.handles, id)
	}
	if e.radarH != nil {
		e.radarH.Cancel()
		e.radarH = nil
	}
	e.mu.Unlock()
	e.flush(ctx)
	e.logger.Info("Autopilot engine stopped")
}

// RunRadar runs one radar scan and records the scanned prices
func (e *Engine) RunRadar(ctx context.Context) {
	if e.radar == nil {
		return
	}
	res, err := e.radar.Scan(ctx)
	if err != nil {
		if !errors.Is(err, scanner.ErrScanInProgress) {
			e.logger.WithError(err).Warn("Radar scan failed")
		}
		return
	}
	e.metrics.ObserveRadar(res.Duration)
	e.mu.Lock()
	for _, o := range res.Results {
		if o.Price > 0 {
			e.prices[o.Symbol] = o.Price
		}
	}
	e.mu.Unlock()
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// CreateBot adds an idle bot from an operator request
func (e *Engine) CreateBot(ctx context.Context, spec fleet.Spec) (*fleet.Bot, error) {
	if spec.Wallet < e.cfg.MinWallet || spec.Wallet > e.cfg.MaxWallet {
		return nil, fmt.Errorf("%w: wallet must be between %.0f and %.0f", fleet.ErrInvalidSpec, e.cfg.MinWallet, e.cfg.MaxWallet)
	}
	e.mu.Lock()
	active := 0
	for _, b := range e.bots {
		if b.Status != fleet.StatusArchived {
			active++
		}
	}
	if active >= e.cfg.MaxManualBots {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bots", ErrFleetFull, e.cfg.MaxManualBots)
	}
	bot, err := e.addLocked(spec)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.flush(ctx)
	return bot, nil
}

// LaunchBot creates a bot and starts it. It is the autonomy controller's
// entry point and is not subject to the operator bot limit.
func (e *Engine) LaunchBot(spec fleet.Spec) (*fleet.Bot, error) {
	e.mu.Lock()
	bot, err := e.addLocked(spec)
	if err == nil {
		err = e.startLocked(bot.ID)
		bot = e.bots[bot.ID].Clone()
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	e.flush(context.Background())
	return bot, nil
}

func (e *Engine) addLocked(spec fleet.Spec) (*fleet.Bot, error) {
	bot, err := fleet.NewBot(spec, e.now())
	if err != nil {
		return nil, err
	}
	e.bots[bot.ID] = bot
	e.dirty[bot.ID] = true
	e.logger.Info("Bot created", "bot_id", bot.ID, "bot", bot.Name, "symbol", bot.Symbol, "mode", bot.Mode, "auto", bot.AutoCreated)
	e.publish(events.EventBotCreated, fmt.Sprintf("%s created (%s %s)", bot.Name, bot.Symbol, bot.Mode), map[string]interface{}{"bot_id": bot.ID})
	e.notify(fmt.Sprintf("Bot %s created", bot.Name), notification.SeveritySuccess)
	return bot.Clone(), nil
}

// StartBot sets a bot running and schedules its ticks
func (e *Engine) StartBot(ctx context.Context, id string) error {
	e.mu.Lock()
	err := e.startLocked(id)
	e.mu.Unlock()
	e.flush(ctx)
	return err
}

func (e *Engine) startLocked(id string) error {
	bot, ok := e.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	if bot.Status == fleet.StatusArchived {
		return ErrBotArchived
	}
	bot.Status = fleet.StatusRunning
	bot.ChecksRun = 0
	e.dirty[id] = true
	e.scheduleLocked(bot)
	e.updateGaugesLocked()
	e.publish(events.EventBotStarted, bot.Name+" started", map[string]interface{}{"bot_id": id})
	e.notify(fmt.Sprintf("Bot %s started", bot.Name), notification.SeveritySuccess)
	return nil
}

// scheduleLocked staggers ticks so bots do not hit the signal source together
func (e *Engine) scheduleLocked(bot *fleet.Bot) {
	if e.sched == nil {
		return
	}
	index := 0
	for _, b := range e.sortedLocked() {
		if b.ID == bot.ID {
			break
		}
		if b.Running() {
			index++
		}
	}
	offset := time.Duration(index)*e.cfg.TickStagger + e.cfg.TickBaseOffset
	interval := bot.Mode.Profile().TickInterval
	id := bot.ID
	e.handles[id] = e.sched.Every("bot:"+id, interval, offset, func(ctx context.Context) {
		e.Tick(ctx, id)
	})
	e.logger.Debug("Bot scheduled", "bot_id", id, "interval", interval, "offset", offset)
}

// StopBot stops a bot. Stopping an idle bot is a no-op.
func (e *Engine) StopBot(id, reason string) error {
	e.mu.Lock()
	err := e.stopLocked(id, reason)
	e.mu.Unlock()
	e.flush(context.Background())
	return err
}

func (e *Engine) stopLocked(id, reason string) error {
	bot, ok := e.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	if h := e.handles[id]; h != nil {
		h.Cancel()
		delete(e.handles, id)
	}
	if !bot.Running() {
		return nil
	}
	bot.Status = fleet.StatusIdle
	e.dirty[id] = true
	e.updateGaugesLocked()
	msg := bot.Name + " stopped"
	if reason != "" {
		msg += ": " + reason
	}
	e.logger.Info("Bot stopped", "bot_id", id, "reason", reason)
	e.publish(events.EventBotStopped, msg, map[string]interface{}{"bot_id": id, "reason": reason})
	e.notify(msg, notification.SeverityWarning)
	return nil
}

// ClosePositions force-closes every open position of a bot at the last
// known price
func (e *Engine) ClosePositions(id, reason string) error {
	e.mu.Lock()
	err := e.closeAllLocked(id, reason)
	e.mu.Unlock()
	e.flush(context.Background())
	return err
}

func (e *Engine) closeAllLocked(id, reason string) error {
	bot, ok := e.bots[id]
	if !ok {
		return ErrBotNotFound
	}
	for _, pos := range append([]*fleet.Position(nil), bot.Positions...) {
		price := e.prices[pos.Symbol]
		if price <= 0 {
			price = pos.Entry
		}
		if _, err := e.closeLocked(bot, pos.ID, price, reason, nil); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveBot stops a bot, force-closes its positions and archives it
func (e *Engine) ArchiveBot(id, reason string) error {
	e.mu.Lock()
	err := e.archiveLocked(id, reason)
	e.mu.Unlock()
	e.flush(context.Background())
	return err
}

func (e *Engine) archiveLocked(id, reason string) error {
	if err := e.stopLocked(id, reason); err != nil {
		return err
	}
	if err := e.closeAllLocked(id, "forced close"); err != nil {
		return err
	}
	bot := e.bots[id]
	bot.Status = fleet.StatusArchived
	bot.ArchivedAt = e.now()
	bot.ArchiveReason = reason
	e.dirty[id] = true
	e.publish(events.EventBotArchived, bot.Name+" archived", map[string]interface{}{"bot_id": id, "reason": reason})
	e.notify(fmt.Sprintf("Bot %s archived", bot.Name), notification.SeverityInfo)
	return nil
}

// RestoreBot brings an archived bot back as idle
func (e *Engine) RestoreBot(ctx context.Context, id string) error {
	e.mu.Lock()
	bot, ok := e.bots[id]
	if !ok {
		e.mu.Unlock()
		return ErrBotNotFound
	}
	bot.Status = fleet.StatusIdle
	bot.ArchivedAt = time.Time{}
	bot.ArchiveReason = ""
	e.dirty[id] = true
	e.mu.Unlock()
	e.flush(ctx)
	e.notify(fmt.Sprintf("Bot %s restored", bot.Name), notification.SeveritySuccess)
	return nil
}

// DeleteBot removes a bot. Bots holding positions are refused; use
// ForceDeleteBot or ArchiveBot for those.
func (e *Engine) DeleteBot(ctx context.Context, id string) error {
	e.mu.Lock()
	bot, ok := e.bots[id]
	if !ok {
		e.mu.Unlock()
		return ErrBotNotFound
	}
	_ = e.stopLocked(id, "deleted")
	if bot.HasOpenPosition() {
		e.mu.Unlock()
		e.flush(ctx)
		return ErrOpenPositions
	}
	e.removeLocked(bot)
	e.mu.Unlock()
	e.flush(ctx)
	return nil
}

// ForceDeleteBot closes every position and removes the bot
func (e *Engine) ForceDeleteBot(ctx context.Context, id string) error {
	e.mu.Lock()
	bot, ok := e.bots[id]
	if !ok {
		e.mu.Unlock()
		return ErrBotNotFound
	}
	_ = e.stopLocked(id, "deleted")
	err := e.closeAllLocked(id, "forced close")
	if err == nil {
		e.removeLocked(bot)
	}
	e.mu.Unlock()
	e.flush(ctx)
	return err
}

func (e *Engine) removeLocked(bot *fleet.Bot) {
	delete(e.bots, bot.ID)
	delete(e.dirty, bot.ID)
	e.removed = append(e.removed, bot.ID)
	e.filter.Forget(bot.ID)
	e.governor.Cooldowns().Forget(bot.ID)
	e.updateGaugesLocked()
	e.logger.Info("Bot deleted", "bot_id", bot.ID, "bot", bot.Name)
	e.notify(fmt.Sprintf("Bot %s deleted", bot.Name), notification.SeverityInfo)
}

// ============================================================================
// QUERIES
// ============================================================================

// Bots returns snapshots of every bot, archived ones included, oldest first
func (e *Engine) Bots() []*fleet.Bot {
	e.mu.Lock()
	defer e.mu.Unlock()
	sorted := e.sortedLocked()
	out := make([]*fleet.Bot, len(sorted))
	for i, b := range sorted {
		out[i] = b.Clone()
	}
	return out
}

// Bot returns a snapshot of one bot
func (e *Engine) Bot(id string) (*fleet.Bot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bots[id]
	if !ok {
		return nil, ErrBotNotFound
	}
	return b.Clone(), nil
}

// RunningBots returns snapshots of the running bots
func (e *Engine) RunningBots() []*fleet.Bot {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*fleet.Bot
	for _, b := range e.runningLocked() {
		out = append(out, b.Clone())
	}
	return out
}

// Opportunities returns the radar's last ranked results
func (e *Engine) Opportunities() []scanner.Opportunity {
	if e.radar == nil {
		return nil
	}
	return e.radar.Opportunities()
}

// Price returns the last known price of symbol
func (e *Engine) Price(symbol string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	return p, ok && p > 0
}

// SetPrice records an externally observed price
func (e *Engine) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	e.mu.Lock()
	e.prices[symbol] = price
	e.mu.Unlock()
}

func (e *Engine) sortedLocked() []*fleet.Bot {
	out := make([]*fleet.Bot, 0, len(e.bots))
	for _, b := range e.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) runningLocked() []*fleet.Bot {
	var out []*fleet.Bot
	for _, b := range e.sortedLocked() {
		if b.Running() {
			out = append(out, b)
		}
	}
	return out
}

func (e *Engine) updateGaugesLocked() {
	running, positions := 0, 0
	for _, b := range e.bots {
		if b.Running() {
			running++
			positions += len(b.Positions)
		}
	}
	e.metrics.SetFleet(running, positions)
}

// ============================================================================
// AUTONOMY AND RISK HOOKS
// ============================================================================

// UpdateBot applies fn to the live bot and persists it
func (e *Engine) UpdateBot(id string, fn func(*fleet.Bot)) error {
	e.mu.Lock()
	bot, ok := e.bots[id]
	if ok {
		fn(bot)
		e.dirty[id] = true
	}
	e.mu.Unlock()
	if !ok {
		return ErrBotNotFound
	}
	e.flush(context.Background())
	return nil
}

// TransferBalance moves free balance between two bots
func (e *Engine) TransferBalance(fromID, toID string, amount float64) error {
	e.mu.Lock()
	from, ok1 := e.bots[fromID]
	to, ok2 := e.bots[toID]
	if !ok1 || !ok2 {
		e.mu.Unlock()
		return ErrBotNotFound
	}
	err := fleet.Transfer(from, to, amount)
	if err == nil {
		e.dirty[fromID] = true
		e.dirty[toID] = true
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.logger.Info("Balance transferred", "from", fromID, "to", toID, "amount", amount)
	e.flush(context.Background())
	return nil
}

// RiskCheck runs the risk gate for bot without opening anything
func (e *Engine) RiskCheck(bot *fleet.Bot) risk.Check {
	e.mu.Lock()
	defer e.mu.Unlock()
	if live, ok := e.bots[bot.ID]; ok {
		bot = live
	}
	return e.governor.CanTrade(bot, 0)
}

// EmergencyStop stops every running bot and pauses new entries
func (e *Engine) EmergencyStop(reason string) int {
	e.mu.Lock()
	n := e.governor.EmergencyStop(reason)
	e.mu.Unlock()
	e.flush(context.Background())
	return n
}

// Resume lifts the emergency stop. Stopped bots stay idle until started.
func (e *Engine) Resume() {
	e.governor.Resume()
}

// PositionHealth triages every open position at the last known prices
func (e *Engine) PositionHealth() map[string]risk.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := make(map[string]risk.Health)
	for _, b := range e.bots {
		for _, p := range b.Positions {
			price := e.prices[p.Symbol]
			if price <= 0 {
				price = p.Entry
			}
			out[p.ID] = risk.EvaluatePositionHealth(p, price, now)
		}
	}
	return out
}

// PortfolioHealth aggregates the triage over every open position
func (e *Engine) PortfolioHealth() risk.PortfolioHealth {
	e.mu.Lock()
	defer e.mu.Unlock()
	var positions []*fleet.Position
	for _, b := range e.bots {
		positions = append(positions, b.Positions...)
	}
	return risk.EvaluatePortfolio(positions, e.prices, e.now())
}

// BotRiskStatus reports one bot's standing against the guardrails
func (e *Engine) BotRiskStatus(id string) (risk.BotStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bots[id]
	if !ok {
		return risk.BotStatus{}, ErrBotNotFound
	}
	return e.governor.BotRiskStatus(b), nil
}

// lockedFleet is the governor's view of the fleet. The governor is only
// ever invoked with e.mu held, so these methods must not lock.
type lockedFleet struct{ e *Engine }

func (l lockedFleet) RunningBots() []*fleet.Bot { return l.e.runningLocked() }

func (l lockedFleet) StopBot(id, reason string) error { return l.e.stopLocked(id, reason) }

// ============================================================================
// SIDE EFFECTS
// ============================================================================

// flush persists dirty bots and post-processes closed trades. It runs
// without the state lock.
func (e *Engine) flush(ctx context.Context) {
	// a tick may have cancelled its own context by stopping the bot
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	var saves []*fleet.Bot
	for id := range e.dirty {
		if b, ok := e.bots[id]; ok {
			saves = append(saves, b.Clone())
		}
	}
	e.dirty = make(map[string]bool)
	removed := e.removed
	e.removed = nil
	closed := e.closed
	e.closed = nil
	retrain := make(map[string]*fleet.Bot)
	for _, c := range closed {
		if b, ok := e.bots[c.botID]; ok {
			retrain[c.botID] = b.Clone()
		}
	}
	e.mu.Unlock()

	for _, c := range closed {
		e.filter.TrackOutcome(ctx, false, c.trade.Win())
		if e.journal != nil {
			if err := e.journal.JournalTrade(ctx, c.botID, c.trade); err != nil {
				e.logger.WithError(err).Warn("Failed to journal trade", "bot_id", c.botID)
			}
		}
	}
	for _, b := range retrain {
		e.filter.OnTradeClosed(ctx, b)
	}

	if e.store == nil {
		return
	}
	for _, b := range saves {
		if err := e.store.SaveRecord(ctx, database.BotKey(b.ID), b); err != nil {
			e.logger.WithError(err).Error("Failed to save bot", "bot_id", b.ID)
		}
	}
	for _, id := range removed {
		if err := e.store.DeleteRecord(ctx, database.BotKey(id)); err != nil && !errors.Is(err, database.ErrNotFound) {
			e.logger.WithError(err).Error("Failed to delete bot record", "bot_id", id)
		}
	}
}

func (e *Engine) publish(t events.EventType, msg string, data map[string]interface{}) {
	if e.events != nil {
		e.events.Publish(events.Event{Type: t, Message: msg, Data: data})
	}
}

func (e *Engine) notify(msg string, sev notification.Severity) {
	if e.notifier != nil {
		e.notifier.Notify(msg, sev, 5*time.Second)
	}
}
