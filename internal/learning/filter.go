// Package learning implements the statistical entry filter. Every verdict is
// backed by decay-weighted history and a significance test; buckets that are
// indistinguishable from chance never block an entry.
package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
)

const (
	// MinTrades is the history length below which the filter has no opinion
	MinTrades = 10
	// RetrainInterval is the number of closed trades between retrains
	RetrainInterval = 50

	effectivenessKey = "learning:effectiveness"
	modelSchema      = 1
)

// Store is the persistence the filter needs
type Store interface {
	LoadRecord(ctx context.Context, key string, v interface{}) (bool, error)
	SaveRecord(ctx context.Context, key string, v interface{}) error
}

// Verdict is the filter's answer for one candidate entry
type Verdict struct {
	Allowed           bool          `json:"allowed"`
	NoData            bool          `json:"no_data,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	BlockedBy         string        `json:"blocked_by,omitempty"`
	ConfidenceBoost   int           `json:"confidence_boost"`
	Insights          []string      `json:"insights,omitempty"`
	ChecksRun         int           `json:"checks_run"`
	SignificantChecks int           `json:"significant_checks"`
	Results           []CheckResult `json:"results,omitempty"`
}

// TPSL is a recommended pair of ATR multipliers
type TPSL struct {
	SLMult float64 `json:"sl_mult"`
	TPMult float64 `json:"tp_mult"`
	PValue float64 `json:"p_value"`
}

// Model is the derived state recomputed on retrain and persisted per bot
type Model struct {
	SchemaVersion     int       `json:"schema_version"`
	BotID             string    `json:"bot_id"`
	OptimalConfidence *int      `json:"optimal_confidence,omitempty"`
	OptimalTPSL       *TPSL     `json:"optimal_tpsl,omitempty"`
	RetrainedAt       time.Time `json:"retrained_at"`
	TradesCount       int       `json:"trades_count"`
	KnowledgeCount    int       `json:"knowledge_count"`
}

// Filter is the per-process learning service. Bots are passed in per call;
// the filter only keeps derived caches and audit counters.
type Filter struct {
	mu          sync.Mutex
	store       Store
	logger      *logging.Logger
	now         func() time.Time
	lastRetrain map[string]int
	models      map[string]*Model
	stats       EffectivenessStats
}

// Option configures a Filter
type Option func(*Filter)

// WithStore persists models and effectiveness counters
func WithStore(s Store) Option {
	return func(f *Filter) { f.store = s }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// NewFilter creates a learning filter
func NewFilter(opts ...Option) *Filter {
	f := &Filter{
		logger:      logging.WithComponent("learning"),
		now:         time.Now,
		lastRetrain: make(map[string]int),
		models:      make(map[string]*Model),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load restores the effectiveness counters from the store
func (f *Filter) Load(ctx context.Context) error {
	if f.store == nil {
		return nil
	}
	var stats EffectivenessStats
	found, err := f.store.LoadRecord(ctx, effectivenessKey, &stats)
	if err != nil {
		return fmt.Errorf("load effectiveness: %w", err)
	}
	if found {
		f.mu.Lock()
		f.stats = stats
		f.mu.Unlock()
	}
	return nil
}

// Evaluate runs every pattern check against the candidate
func (f *Filter) Evaluate(bot *fleet.Bot, c Candidate) Verdict {
	if len(bot.Trades) < MinTrades {
		return Verdict{
			Allowed: true,
			NoData:  true,
			Reason:  fmt.Sprintf("need %d more trades", MinTrades-len(bot.Trades)),
		}
	}

	h := newHistory(bot.Trades, bot.Knowledge, f.now())
	results := make([]CheckResult, len(checks))
	for i, ch := range checks {
		r := ch.fn(h, c)
		r.Name = ch.name
		results[i] = r
	}

	v := fold(results)
	if !v.Allowed {
		f.logger.Info("Entry blocked by learning filter", "bot_id", bot.ID, "check", v.BlockedBy, "reason", v.Reason)
	}
	return v
}

// OnTradeClosed retrains the bot's model every RetrainInterval closed trades.
// The lifetime trade counter is used so retraining continues after the
// history cap is reached.
func (f *Filter) OnTradeClosed(ctx context.Context, bot *fleet.Bot) bool {
	f.mu.Lock()
	last := f.lastRetrain[bot.ID]
	due := bot.Stats.Trades-last >= RetrainInterval
	if due {
		f.lastRetrain[bot.ID] = bot.Stats.Trades
		delete(f.models, bot.ID)
	}
	f.mu.Unlock()

	if !due {
		return false
	}
	f.retrain(ctx, bot)
	return true
}

func (f *Filter) retrain(ctx context.Context, bot *fleet.Bot) *Model {
	m := f.computeModel(bot)

	f.mu.Lock()
	f.models[bot.ID] = m
	f.mu.Unlock()

	if f.store != nil {
		if err := f.store.SaveRecord(ctx, modelKey(bot.ID), m); err != nil {
			f.logger.WithError(err).Warn("Failed to persist learning model", "bot_id", bot.ID)
		}
	}
	f.logger.Info("Retrained learning model", "bot_id", bot.ID, "bot", bot.Name, "trades", bot.Stats.Trades)
	return m
}

func (f *Filter) computeModel(bot *fleet.Bot) *Model {
	now := f.now()
	m := &Model{
		SchemaVersion:  modelSchema,
		BotID:          bot.ID,
		RetrainedAt:    now,
		TradesCount:    bot.Stats.Trades,
		KnowledgeCount: len(bot.Knowledge),
	}
	if th, ok := OptimalConfidence(bot.Knowledge); ok {
		m.OptimalConfidence = &th
	}
	if tpsl, ok := OptimalTPSL(bot.Knowledge, now); ok {
		m.OptimalTPSL = &tpsl
	}
	return m
}

func modelKey(botID string) string {
	return "learning:" + botID
}

// model returns the cached model, recomputing it when the knowledge changed
func (f *Filter) model(bot *fleet.Bot) *Model {
	f.mu.Lock()
	m, ok := f.models[bot.ID]
	f.mu.Unlock()
	if ok && m.KnowledgeCount == len(bot.Knowledge) && m.TradesCount == bot.Stats.Trades {
		return m
	}

	m = f.computeModel(bot)
	f.mu.Lock()
	f.models[bot.ID] = m
	f.mu.Unlock()
	return m
}

// OptimalConfidence returns the cross-validated confidence threshold for bot
func (f *Filter) OptimalConfidence(bot *fleet.Bot) (int, bool) {
	m := f.model(bot)
	if m.OptimalConfidence == nil {
		return 0, false
	}
	return *m.OptimalConfidence, true
}

// OptimalTPSL returns the learned ATR multipliers for bot
func (f *Filter) OptimalTPSL(bot *fleet.Bot) (TPSL, bool) {
	m := f.model(bot)
	if m.OptimalTPSL == nil {
		return TPSL{}, false
	}
	return *m.OptimalTPSL, true
}

// Forget drops cached state for a deleted bot
func (f *Filter) Forget(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, botID)
	delete(f.lastRetrain, botID)
}

// ShouldInject reports whether capital injection is still worth doing. It
// only says no when injected trades have a significantly poor record.
func (f *Filter) ShouldInject(bot *fleet.Bot) bool {
	h := newHistory(nil, bot.Knowledge, f.now())
	b := h.knowledgeBucket(func(k *fleet.KnowledgeEntry) bool { return k.WasInjected })
	if len(b) < 8 {
		return true
	}
	wr := b.winRate()
	sig := b.significance()
	if sig.Significant && wr < 0.40 {
		f.logger.Info("Injection blocked", "bot_id", bot.ID, "win_rate", wr, "p_value", sig.PValue)
		return false
	}
	return true
}
