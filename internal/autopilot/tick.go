package autopilot

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/learning"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/signal"
)

// Outcome summarizes what one tick did
type Outcome string

const (
	OutcomeSkipped Outcome = "skipped"
	OutcomeStopped Outcome = "stopped"
	OutcomeError   Outcome = "error"
	OutcomeStale   Outcome = "stale"
	OutcomeManaged Outcome = "managed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeOpened  Outcome = "opened"
)

// Entry pipeline stages, in evaluation order
const (
	StageDecision    = "decision"
	StageSniper      = "sniper"
	StageConfidence  = "confidence"
	StageAlignment   = "alignment"
	StageRiskReward  = "risk_reward"
	StageLearning    = "learning"
	StageOptimal     = "optimal_confidence"
	StageRegime      = "regime"
	StageCorrelation = "correlation"
	StageThesis      = "thesis"
	StageSizing      = "sizing"
	StageVolatility  = "volatility"
	StageRisk        = "risk"
	StageLedger      = "ledger"
)

// TickResult reports one tick
type TickResult struct {
	Outcome    Outcome `json:"outcome"`
	Stage      string  `json:"stage,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
}

// MarketView is the optional market context gathered for one tick
type MarketView struct {
	Score       *signal.MarketScore
	Correlation *signal.Correlation
	Thesis      *fleet.Thesis
}

// EntryDecision is the outcome of the entry pipeline
type EntryDecision struct {
	Allowed    bool             `json:"allowed"`
	Stage      string           `json:"stage,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Direction  fleet.Direction  `json:"direction,omitempty"`
	Confidence float64          `json:"confidence"`
	Shadow     bool             `json:"shadow"`
	Sniper     bool             `json:"sniper"`
	Verdict    learning.Verdict `json:"verdict"`
}

func reject(stage, format string, args ...interface{}) EntryDecision {
	return EntryDecision{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Tick runs one evaluation cycle for a bot: manage the open position, then
// look for an entry when none is left.
func (e *Engine) Tick(ctx context.Context, id string) TickResult {
	start := time.Now()
	if e.radar != nil && e.radar.Scanning() {
		e.metrics.SkipTick("scanning")
		return TickResult{Outcome: OutcomeSkipped, Reason: "radar scan in progress"}
	}

	e.mu.Lock()
	bot, ok := e.bots[id]
	if !ok || !bot.Running() {
		e.mu.Unlock()
		e.metrics.SkipTick("not_running")
		return TickResult{Outcome: OutcomeSkipped, Reason: "bot not running"}
	}
	now := e.now()
	bot.ChecksRun++
	bot.LastCheck = now
	e.dirty[id] = true
	if bot.ChecksRun >= e.cfg.MaxChecks {
		reason := fmt.Sprintf("check limit reached (%d)", e.cfg.MaxChecks)
		_ = e.stopLocked(id, reason)
		e.mu.Unlock()
		e.flush(ctx)
		return TickResult{Outcome: OutcomeStopped, Reason: reason}
	}
	symbol, mode, temp := bot.Symbol, bot.Mode, bot.Temperature
	log := e.logger.ForBot(id, bot.Name, symbol)
	e.mu.Unlock()

	res, err := e.source.Analyze(ctx, symbol, signal.OptionsFor(mode, temp))
	if err != nil || res == nil {
		if err == nil {
			err = signal.ErrUpstreamUnavailable
		}
		log.WithError(err).Warn("Analysis failed")
		e.flush(ctx)
		e.metrics.ObserveTick(string(mode), string(OutcomeError), time.Since(start))
		return TickResult{Outcome: OutcomeError, Reason: err.Error()}
	}
	mv := e.marketView(symbol)
	if res.Price > 0 {
		e.counterfactuals.Observe(ctx, symbol, res.Price, now)
	}

	e.mu.Lock()
	bot, ok = e.bots[id]
	if !ok || !bot.Running() {
		e.mu.Unlock()
		e.flush(ctx)
		return TickResult{Outcome: OutcomeStale, Reason: "bot stopped during analysis"}
	}
	if res.Price > 0 {
		e.prices[symbol] = res.Price
	}

	result := TickResult{Outcome: OutcomeSkipped, Reason: "no price"}
	if bot.HasOpenPosition() {
		e.manageLocked(bot, res, mv)
		result = TickResult{Outcome: OutcomeManaged}
	}
	if !bot.HasOpenPosition() && bot.Running() && res.Price > 0 {
		result = e.enterLocked(bot, res, mv)
	}
	e.updateGaugesLocked()
	e.mu.Unlock()

	e.flush(ctx)
	e.metrics.ObserveTick(string(mode), string(result.Outcome), time.Since(start))
	return result
}

// marketView gathers the optional market context. MarketContext lookups
// may block, so this runs without the state lock.
func (e *Engine) marketView(symbol string) MarketView {
	var mv MarketView
	if e.market == nil {
		return mv
	}
	if ms, ok := e.market.MarketScore(); ok {
		mv.Score = &ms
	}
	if c, ok := e.market.SymbolCorrelation(symbol); ok {
		mv.Correlation = c
	}
	if t, ok := e.market.Thesis(symbol); ok {
		mv.Thesis = t
	}
	return mv
}

func (e *Engine) enterLocked(bot *fleet.Bot, res *signal.Result, mv MarketView) TickResult {
	d := e.evaluateEntryLocked(bot, res, mv)
	if !d.Allowed {
		e.metrics.BlockEntry(d.Stage)
		e.logger.Debug("Entry skipped", "bot_id", bot.ID, "stage", d.Stage, "reason", d.Reason)
		return TickResult{Outcome: OutcomeBlocked, Stage: d.Stage, Reason: d.Reason}
	}
	pos, stage, err := e.openLocked(bot, res, mv, d)
	if err != nil {
		e.metrics.BlockEntry(stage)
		e.logger.Debug("Entry skipped", "bot_id", bot.ID, "stage", stage, "reason", err.Error())
		return TickResult{Outcome: OutcomeBlocked, Stage: stage, Reason: err.Error()}
	}
	return TickResult{Outcome: OutcomeOpened, PositionID: pos.ID}
}

// EvaluateEntry runs the entry pipeline for a bot against an analysis
// result without opening anything.
func (e *Engine) EvaluateEntry(id string, res *signal.Result, mv MarketView) (EntryDecision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bot, ok := e.bots[id]
	if !ok {
		return EntryDecision{}, ErrBotNotFound
	}
	return e.evaluateEntryLocked(bot, res, mv), nil
}

func (e *Engine) evaluateEntryLocked(bot *fleet.Bot, res *signal.Result, mv MarketView) EntryDecision {
	now := e.now()
	temp := bot.Temperature.Profile()

	dir, ok := res.EntryDirection()
	if !res.Actionable() || !ok {
		return reject(StageDecision, "decision %s", res.Decision)
	}
	conf := res.Confidence

	var screen struct{ active, shadow bool }
	if e.sniper != nil {
		sr := e.sniper.Screen(bot.Symbol, dir, conf, mv.Score)
		if sr.Active && !sr.Allowed {
			return reject(StageSniper, "%s", sr.Reason)
		}
		screen.active, screen.shadow = sr.Active, sr.Shadow
	}
	if !screen.active && conf < temp.MinConfidence {
		return reject(StageConfidence, "confidence %.0f%% < %.0f%%", conf, temp.MinConfidence)
	}

	if len(res.BotsConsulted) > 0 {
		if a := res.Alignment(); a < temp.BotAlignment {
			return reject(StageAlignment, "alignment %.0f%% < %.0f%%", a*100, temp.BotAlignment*100)
		}
	}

	if res.RiskReward > 0 && res.RiskReward < e.cfg.MinRiskReward {
		return reject(StageRiskReward, "R:R %.2f < %.1f", res.RiskReward, e.cfg.MinRiskReward)
	}

	cand := learning.Candidate{
		Symbol:     bot.Symbol,
		Direction:  dir,
		Confidence: conf,
		GreenBots:  res.GreenBots(),
		TotalBots:  len(res.BotsConsulted),
		Hour:       now.UTC().Hour(),
	}
	if mv.Score != nil {
		cand.Regime = mv.Score.Regime
	}
	verdict := e.filter.Evaluate(bot, cand)
	if !verdict.Allowed {
		e.watchBlocked(bot, res, dir, now)
		e.publish(events.EventLearningBlock, fmt.Sprintf("%s: learning blocked %s (%s)", bot.Name, dir, verdict.Reason),
			map[string]interface{}{"bot_id": bot.ID, "check": verdict.BlockedBy})
		d := reject(StageLearning, "%s", verdict.Reason)
		d.Verdict = verdict
		return d
	}
	if verdict.ConfidenceBoost != 0 {
		conf = math.Max(0, math.Min(100, conf+float64(verdict.ConfidenceBoost)))
	}

	if opt, ok := e.filter.OptimalConfidence(bot); ok {
		adj := 0.0
		if verdict.ConfidenceBoost > 0 {
			adj = math.Min(5, float64(verdict.ConfidenceBoost))
		}
		threshold := float64(opt) - adj
		if conf < threshold {
			d := reject(StageOptimal, "confidence %.0f%% < learned optimum %.0f%%", conf, threshold)
			d.Verdict = verdict
			return d
		}
	}

	if mv.Score != nil {
		if limit, ok := regimeLimit(bot.Temperature); ok {
			score := mv.Score.Score
			if dir == fleet.Long && score < -limit {
				return reject(StageRegime, "LONG against market score %.0f", score)
			}
			if dir == fleet.Short && score > limit {
				return reject(StageRegime, "SHORT against market score %.0f", score)
			}
		}
	}

	if c := mv.Correlation; c != nil && bot.Temperature != fleet.Aggressive {
		if dir == fleet.Long && c.StrengthLabel == "underperform" && !c.Aligned {
			return reject(StageCorrelation, "%s underperforming and divergent for LONG", bot.Symbol)
		}
		if dir == fleet.Short && c.StrengthLabel == "outperform" && c.Aligned {
			return reject(StageCorrelation, "%s outperforming for SHORT", bot.Symbol)
		}
	}

	if th := mv.Thesis; th != nil && now.Sub(th.Timestamp) < e.cfg.ThesisMaxAge {
		consensus := strings.ToUpper(th.Consensus)
		opposing := (dir == fleet.Long && consensus == "BEARISH") || (dir == fleet.Short && consensus == "BULLISH")
		votes := th.BearVotes
		if dir == fleet.Short {
			votes = th.BullVotes
		}
		switch bot.Temperature {
		case fleet.Conservative:
			if opposing {
				return reject(StageThesis, "%s against %s consensus", dir, consensus)
			}
		case fleet.Normal:
			if opposing && votes >= 5 {
				return reject(StageThesis, "%s against strong %s consensus (%d votes)", dir, consensus, votes)
			}
		}
	}

	return EntryDecision{
		Allowed:    true,
		Direction:  dir,
		Confidence: conf,
		Shadow:     screen.shadow,
		Sniper:     screen.active,
		Verdict:    verdict,
	}
}

// regimeLimit is the market score beyond which counter-trend entries are
// refused. Aggressive bots ignore the regime.
func regimeLimit(t fleet.Temperature) (float64, bool) {
	switch t {
	case fleet.Conservative:
		return 40, true
	case fleet.Normal:
		return 60, true
	}
	return 0, false
}

// watchBlocked tracks a vetoed entry so the filter can audit its own blocks
func (e *Engine) watchBlocked(bot *fleet.Bot, res *signal.Result, dir fleet.Direction, now time.Time) {
	if res.Price <= 0 {
		return
	}
	p := bot.Mode.Profile()
	t := computeTargets(bot.Mode, dir, res.Price, res.ATR, res.ATRPct, p.SLMult, p.TPMult)
	e.counterfactuals.Watch(bot.ID, bot.Symbol, dir, res.Price, t.TP, t.SL, now.Add(p.HoldingTime))
}

// targets are the stop and target prices computed for an entry
type targets struct {
	TP, SL         float64
	SLMult, TPMult float64
	SLPct          float64
}

// computeTargets derives TP/SL from ATR with the mode's cap, falling back to
// fixed distances when ATR is unavailable. The target is at least twice the
// stop distance.
func computeTargets(mode fleet.Mode, dir fleet.Direction, price, atr, atrPct, slMult, tpMult float64) targets {
	p := mode.Profile()
	var slDist, tpDist float64
	if atr > 0 && atrPct > 0.01 {
		slDist = atr * slMult
		tpDist = atr * tpMult
		if maxSL := price * p.MaxSLPct / 100; slDist > maxSL {
			slDist = maxSL
		}
	} else {
		slDist = price * p.FallbackSL
		tpDist = price * p.FallbackTP
	}
	if tpDist < slDist*2 {
		tpDist = slDist * 2
	}
	t := targets{SLMult: slMult, TPMult: tpMult, SLPct: slDist / price * 100}
	if dir == fleet.Short {
		t.TP, t.SL = price-tpDist, price+slDist
	} else {
		t.TP, t.SL = price+tpDist, price-slDist
	}
	return t
}

// openLocked sizes and books the position. The returned stage names the
// gate that refused it.
func (e *Engine) openLocked(bot *fleet.Bot, res *signal.Result, mv MarketView, d EntryDecision) (*fleet.Position, string, error) {
	now := e.now()
	mp := bot.Mode.Profile()
	price := res.Price

	leverage := mp.Leverage
	var margin float64
	sn := e.sniperConfig()
	if d.Sniper && sn != nil {
		if sn.Leverage > 0 {
			leverage = sn.Leverage
		}
		margin = bot.CurrentBalance * sn.MarginPct / 100
	} else {
		margin = e.governor.CalculateOptimalMargin(bot, bot.Temperature.Profile().RiskPct)
	}
	if margin <= 0 || margin > bot.CurrentBalance*0.95 {
		return nil, StageSizing, fmt.Errorf("margin $%.2f out of range for balance $%.2f", margin, bot.CurrentBalance)
	}

	slMult, tpMult := mp.SLMult, mp.TPMult
	if opt, ok := e.filter.OptimalTPSL(bot); ok {
		slMult, tpMult = opt.SLMult, opt.TPMult
	}
	t := computeTargets(bot.Mode, d.Direction, price, res.ATR, res.ATRPct, slMult, tpMult)
	if t.SLPct > mp.MaxSLPct+1e-9 {
		return nil, StageVolatility, fmt.Errorf("stop %.2f%% > max %.1f%% for %s", t.SLPct, mp.MaxSLPct, bot.Mode)
	}

	if c := e.governor.CanTrade(bot, margin); !c.Allowed {
		return nil, StageRisk, fmt.Errorf("%s", c.Reason)
	}

	pos := &fleet.Position{
		Symbol:      bot.Symbol,
		Direction:   d.Direction,
		Entry:       price,
		Margin:      margin,
		Leverage:    leverage,
		TP:          t.TP,
		SL:          t.SL,
		Confidence:  d.Confidence,
		Mode:        bot.Mode,
		GreenBots:   res.GreenBots(),
		TotalBots:   len(res.BotsConsulted),
		Thesis:      mv.Thesis,
		ATR:         res.ATR,
		ATRPct:      res.ATRPct,
		SLMult:      t.SLMult,
		TPMult:      t.TPMult,
		SniperTrade: d.Sniper,
		Shadow:      d.Shadow,
	}
	if mv.Score != nil {
		pos.Regime = mv.Score.Regime
	}
	if err := bot.Open(pos, now); err != nil {
		return nil, StageLedger, err
	}
	e.dirty[bot.ID] = true

	e.metrics.OpenEntry(string(pos.Direction), pos.Shadow)
	tag := ""
	if pos.Shadow {
		tag = "SHADOW "
	}
	msg := fmt.Sprintf("%s: %s%s %s @ %.6g (%.0f%%)", bot.Name, tag, pos.Direction, pos.Symbol, price, pos.Confidence)
	e.logger.ForBot(bot.ID, bot.Name, bot.Symbol).WithField("position_id", pos.ID).Info("Position opened",
		"direction", pos.Direction, "entry", price, "margin", margin, "leverage", leverage,
		"tp", pos.TP, "sl", pos.SL, "shadow", pos.Shadow)
	e.publish(events.EventPositionOpened, msg, map[string]interface{}{
		"bot_id": bot.ID, "position_id": pos.ID, "direction": pos.Direction, "entry": price, "shadow": pos.Shadow,
	})
	e.notify(msg, notification.SeveritySuccess)
	return pos, "", nil
}

func (e *Engine) sniperConfig() *autonomy.SniperConfig {
	if e.sniper == nil {
		return nil
	}
	return e.sniper.GetSniperConfig()
}
