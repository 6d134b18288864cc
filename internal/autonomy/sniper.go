package autonomy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/signal"
)

// Auto-tune thresholds
const (
	tuneMinTrades        = 8
	blacklistMinTrades   = 5
	blacklistMaxWinRate  = 0.30
	reactivateMinTrades  = 5
	reactivateMinWinRate = 0.50
	stillBadMinTrades    = 10
	directionMinTrades   = 5
	directionBadWinRate  = 0.30
	directionBadPnL      = -0.5
	directionGoodWinRate = 0.45
	confidenceMinTrades  = 15
	confidenceBucket     = 2
	confidenceMinStep    = 2
	confidenceFloor      = 70
	confidenceCeiling    = 92
	leverageWindow       = 15
	leverageMinTrades    = 10
	leverageCutWinRate   = 0.35
	leverageCutPnL       = -1.0
	leverageRaiseWinRate = 0.60
	leverageRaisePnL     = 1.0
	leverageAutoCeiling  = 75
	leverageAutoFloor    = 10
)

// ScreenResult is the sniper's verdict on one entry candidate
type ScreenResult struct {
	Active  bool   `json:"active"` // sniper mode is on
	Allowed bool   `json:"allowed"`
	Shadow  bool   `json:"shadow"` // trade without touching the wallet
	Reason  string `json:"reason,omitempty"`
}

// GetSniperConfig returns the effective sniper profile, or nil when sniper
// mode is off.
func (c *Controller) GetSniperConfig() *SniperConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.state.Config
	if !cfg.SniperEnabled {
		return nil
	}
	return &SniperConfig{
		Enabled:    true,
		MinConf:    cfg.SniperMinConf,
		Leverage:   cfg.SniperLeverage,
		MarginPct:  cfg.SniperMarginPct,
		Direction:  cfg.SniperDirection,
		Blacklist:  append([]string{}, cfg.SniperBlacklist...),
		Whitelist:  append([]string{}, cfg.SniperWhitelist...),
		ShadowMode: cfg.SniperShadowMode,
	}
}

// Screen applies the sniper filters to a candidate entry. With sniper mode
// off the result is inactive and allowed; the caller then applies its own
// temperature threshold. market may be nil when no regime is known.
func (c *Controller) Screen(symbol string, dir fleet.Direction, confidence float64, market *signal.MarketScore) ScreenResult {
	sn := c.GetSniperConfig()
	if sn == nil {
		return ScreenResult{Allowed: true}
	}
	res := ScreenResult{Active: true}

	if confidence < sn.MinConf {
		res.Reason = fmt.Sprintf("confidence %.0f%% < sniper %.0f%%", confidence, sn.MinConf)
		return res
	}
	if sn.Blacklisted(symbol) {
		if !sn.ShadowMode {
			res.Reason = symbol + " is blacklisted"
			return res
		}
		res.Shadow = true
	}
	if !sn.Whitelisted(symbol) {
		res.Reason = symbol + " is not whitelisted"
		return res
	}

	switch sn.Direction {
	case BiasLong:
		if dir == fleet.Short {
			res.Reason = "SHORT blocked (long only)"
			return res
		}
	case BiasShort:
		if dir == fleet.Long {
			res.Reason = "LONG blocked (short only)"
			return res
		}
	case BiasRegime:
		if market != nil {
			if dir == fleet.Long && market.Bearish() {
				res.Reason = "LONG against " + market.Regime
				return res
			}
			if dir == fleet.Short && market.Bullish() {
				res.Reason = "SHORT against " + market.Regime
				return res
			}
		}
	}
	res.Allowed = true
	return res
}

// SetSniperEnabled toggles sniper mode. Enabling it runs an immediate tune.
func (c *Controller) SetSniperEnabled(ctx context.Context, enabled bool) []string {
	c.mu.Lock()
	c.state.Config.SniperEnabled = enabled
	c.mu.Unlock()

	label := "Sniper mode disabled"
	sev := notification.SeverityInfo
	if enabled {
		label = "Sniper mode enabled"
		sev = notification.SeveritySuccess
	}
	c.logger.Info(label)
	c.notify(label, sev)

	var changes []string
	if enabled {
		changes = c.SniperAutoTune(ctx, true)
	}
	c.save(ctx)
	return changes
}

// ToggleBlacklist adds or removes symbol and reports whether it is now listed
func (c *Controller) ToggleBlacklist(ctx context.Context, symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	c.mu.Lock()
	bl := c.state.Config.SniperBlacklist
	listed := true
	if i := indexOf(bl, symbol); i >= 0 {
		c.state.Config.SniperBlacklist = append(bl[:i:i], bl[i+1:]...)
		listed = false
	} else {
		c.state.Config.SniperBlacklist = append(bl, symbol)
	}
	c.mu.Unlock()
	c.save(ctx)
	return listed
}

type tradeStats struct {
	count int
	wins  int
	pnl   float64
}

func (s *tradeStats) add(t *fleet.Trade) {
	s.count++
	s.pnl += t.PnL
	if t.Win() {
		s.wins++
	}
}

func (s tradeStats) winRate() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.wins) / float64(s.count)
}

func statsOf(trades []*fleet.Trade) tradeStats {
	var s tradeStats
	for _, t := range trades {
		s.add(t)
	}
	return s
}

type closeTarget struct {
	id, name, symbol string
}

// SniperAutoTune adapts the sniper profile to the fleet's closed trades,
// archived bots included. It runs at most every five minutes unless forced
// and returns the human-readable list of changes.
func (c *Controller) SniperAutoTune(ctx context.Context, force bool) []string {
	now := c.now()
	c.mu.Lock()
	if !force && now.Sub(c.lastTune) < tuneInterval {
		c.mu.Unlock()
		return nil
	}
	c.lastTune = now
	c.mu.Unlock()

	bots := c.fleet.Bots()
	var all []*fleet.Trade
	for _, b := range bots {
		all = append(all, b.Trades...)
	}
	if len(all) < tuneMinTrades {
		return nil
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ClosedAt.Before(all[j].ClosedAt) })

	c.mu.Lock()
	cfg := &c.state.Config
	changes := tuneBlacklist(cfg, all)
	live := make([]*fleet.Trade, 0, len(all))
	for _, t := range all {
		if !t.Shadow {
			live = append(live, t)
		}
	}
	changes = append(changes, tuneDirection(cfg, live)...)
	changes = append(changes, tuneConfidence(cfg, live)...)
	changes = append(changes, tuneLeverage(cfg, live)...)

	var targets []closeTarget
	if len(cfg.SniperBlacklist) > 0 && !cfg.SniperShadowMode {
		for _, b := range bots {
			if b.Running() && b.HasOpenPosition() && contains(cfg.SniperBlacklist, b.Symbol) {
				targets = append(targets, closeTarget{id: b.ID, name: b.Name, symbol: b.Symbol})
				changes = append(changes, fmt.Sprintf("Closing %s (%s blacklisted, shadow off)", b.Name, b.Symbol))
			}
		}
	}

	if len(changes) > 0 {
		c.state.SniperTuneHistory = append(c.state.SniperTuneHistory, TuneEvent{
			Timestamp: now,
			Trades:    len(all),
			Changes:   changes,
		})
		if n := len(c.state.SniperTuneHistory); n > maxTuneHistory {
			c.state.SniperTuneHistory = c.state.SniperTuneHistory[n-maxTuneHistory:]
		}
	}
	c.mu.Unlock()

	for _, t := range targets {
		if err := c.fleet.ClosePositions(t.id, "sniper blacklist"); err != nil {
			c.logger.WithError(err).Warn("Failed to close blacklisted bot positions", "bot_id", t.id)
		}
		if err := c.fleet.StopBot(t.id, "sniper blacklist"); err != nil {
			c.logger.WithError(err).Warn("Failed to stop blacklisted bot", "bot_id", t.id)
		}
	}

	if len(changes) > 0 {
		for _, ch := range changes {
			c.logger.Info("Sniper auto-tune", "change", ch)
		}
		c.publish(events.EventSniperTuned, fmt.Sprintf("Sniper auto-tuned (%d changes)", len(changes)),
			map[string]interface{}{"changes": changes, "trades": len(all)})
		c.notify(fmt.Sprintf("Sniper auto-tuned (%d changes)", len(changes)), notification.SeverityInfo)
	}
	return changes
}

func tuneBlacklist(cfg *Config, all []*fleet.Trade) []string {
	var changes []string
	bySymbol := map[string]*tradeStats{}
	var symbols []string
	for _, t := range all {
		if t.Shadow {
			continue
		}
		s, ok := bySymbol[t.Symbol]
		if !ok {
			s = &tradeStats{}
			bySymbol[t.Symbol] = s
			symbols = append(symbols, t.Symbol)
		}
		s.add(t)
	}
	for _, sym := range symbols {
		s := bySymbol[sym]
		if s.count >= blacklistMinTrades && s.winRate() < blacklistMaxWinRate && s.pnl < 0 && !contains(cfg.SniperBlacklist, sym) {
			cfg.SniperBlacklist = append(cfg.SniperBlacklist, sym)
			changes = append(changes, fmt.Sprintf("%s blacklisted (WR %.0f%%, PnL $%.2f, %d trades)", sym, s.winRate()*100, s.pnl, s.count))
		}
	}

	for _, sym := range append([]string{}, cfg.SniperBlacklist...) {
		var shadow tradeStats
		for _, t := range all {
			if t.Shadow && t.Symbol == sym {
				shadow.add(t)
			}
		}
		if shadow.count < reactivateMinTrades {
			continue
		}
		wr := shadow.winRate()
		switch {
		case wr > reactivateMinWinRate && shadow.pnl > 0:
			if i := indexOf(cfg.SniperBlacklist, sym); i >= 0 {
				cfg.SniperBlacklist = append(cfg.SniperBlacklist[:i:i], cfg.SniperBlacklist[i+1:]...)
			}
			changes = append(changes, fmt.Sprintf("%s reactivated: shadow WR %.0f%%, PnL $%.3f over %d trades", sym, wr*100, shadow.pnl, shadow.count))
		case shadow.count >= stillBadMinTrades && wr < blacklistMaxWinRate:
			changes = append(changes, fmt.Sprintf("%s stays in shadow (WR %.0f%%, %d trades)", sym, wr*100, shadow.count))
		}
	}
	return changes
}

func tuneDirection(cfg *Config, live []*fleet.Trade) []string {
	var longs, shorts tradeStats
	for _, t := range live {
		switch t.Direction {
		case fleet.Long:
			longs.add(t)
		case fleet.Short:
			shorts.add(t)
		}
	}
	if longs.count < directionMinTrades || shorts.count < directionMinTrades {
		return nil
	}
	lwr, swr := longs.winRate(), shorts.winRate()
	prev := cfg.SniperDirection
	switch {
	case swr < directionBadWinRate && shorts.pnl < directionBadPnL && lwr > directionGoodWinRate:
		if prev != BiasLong {
			cfg.SniperDirection = BiasLong
			return []string{fmt.Sprintf("Direction -> LONG only (SHORT WR %.0f%% lost $%.2f)", swr*100, math.Abs(shorts.pnl))}
		}
	case lwr < directionBadWinRate && longs.pnl < directionBadPnL && swr > directionGoodWinRate:
		if prev != BiasShort {
			cfg.SniperDirection = BiasShort
			return []string{fmt.Sprintf("Direction -> SHORT only (LONG WR %.0f%% lost $%.2f)", lwr*100, math.Abs(longs.pnl))}
		}
	case lwr > directionGoodWinRate && swr > directionGoodWinRate && prev != BiasBoth && prev != BiasRegime:
		cfg.SniperDirection = BiasRegime
		return []string{"Direction -> regime (both sides profitable)"}
	}
	return nil
}

// tuneConfidence accumulates 2-point confidence buckets from the top down and
// keeps the lowest bucket whose cumulative record is still profitable.
func tuneConfidence(cfg *Config, live []*fleet.Trade) []string {
	if len(live) < confidenceMinTrades {
		return nil
	}
	buckets := map[int]*tradeStats{}
	for _, t := range live {
		b := int(math.Floor(t.Confidence/confidenceBucket)) * confidenceBucket
		s, ok := buckets[b]
		if !ok {
			s = &tradeStats{}
			buckets[b] = s
		}
		s.add(t)
	}
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	best := cfg.SniperMinConf
	var cum tradeStats
	for _, k := range keys {
		b := buckets[k]
		cum.count += b.count
		cum.wins += b.wins
		cum.pnl += b.pnl
		if cum.winRate() > 0.5 && cum.pnl > 0 && cum.count >= 5 {
			best = float64(k)
		}
	}
	if math.Abs(best-cfg.SniperMinConf) >= confidenceMinStep && best >= confidenceFloor && best <= confidenceCeiling {
		prev := cfg.SniperMinConf
		cfg.SniperMinConf = best
		return []string{fmt.Sprintf("Confidence %.0f%% -> %.0f%% (fitted on %d trades)", prev, best, len(live))}
	}
	return nil
}

func tuneLeverage(cfg *Config, live []*fleet.Trade) []string {
	recent := live
	if len(recent) > leverageWindow {
		recent = recent[len(recent)-leverageWindow:]
	}
	if len(recent) < leverageMinTrades {
		return nil
	}
	s := statsOf(recent)
	wr := s.winRate()
	cur := cfg.SniperLeverage
	switch {
	case wr < leverageCutWinRate && s.pnl < leverageCutPnL:
		next := max(leverageAutoFloor, int(math.Round(float64(cur)*0.6/5))*5)
		if next < cur {
			cfg.SniperLeverage = next
			return []string{fmt.Sprintf("Leverage %dx -> %dx (recent WR %.0f%%)", cur, next, wr*100)}
		}
	case wr > leverageRaiseWinRate && s.pnl > leverageRaisePnL && cur < leverageAutoCeiling:
		next := min(leverageAutoCeiling, int(math.Round(float64(cur)*1.2/5))*5)
		if next > cur {
			cfg.SniperLeverage = next
			return []string{fmt.Sprintf("Leverage %dx -> %dx (recent WR %.0f%%)", cur, next, wr*100)}
		}
	}
	return nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
