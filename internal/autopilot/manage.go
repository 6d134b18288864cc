package autopilot

import (
	"fmt"

	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/signal"
	"bot-fleet-engine/internal/zones"
)

// Close reasons for hard exits
const (
	ReasonTPHit       = "TP Hit"
	ReasonSLHit       = "SL Hit"
	ReasonLiquidation = "Liquidation"
)

// stopHit checks the hard exits in priority order: target, stop, liquidation
func stopHit(pos *fleet.Position, price float64) (string, bool) {
	if pos.Direction == fleet.Short {
		switch {
		case pos.TP > 0 && price <= pos.TP:
			return ReasonTPHit, true
		case pos.SL > 0 && price >= pos.SL:
			return ReasonSLHit, true
		case pos.Liquidation > 0 && price >= pos.Liquidation:
			return ReasonLiquidation, true
		}
		return "", false
	}
	switch {
	case pos.TP > 0 && price >= pos.TP:
		return ReasonTPHit, true
	case pos.SL > 0 && price <= pos.SL:
		return ReasonSLHit, true
	case pos.Liquidation > 0 && price <= pos.Liquidation:
		return ReasonLiquidation, true
	}
	return "", false
}

// manageLocked runs hard exits and the zone machine over every open position
func (e *Engine) manageLocked(bot *fleet.Bot, res *signal.Result, mv MarketView) {
	now := e.now()
	for _, pos := range append([]*fleet.Position(nil), bot.Positions...) {
		price := e.prices[pos.Symbol]
		if price <= 0 {
			continue
		}
		if reason, hit := stopHit(pos, price); hit {
			_, _ = e.closeLocked(bot, pos.ID, price, reason, mv.Thesis)
			continue
		}

		actions := zones.EvaluatePosition(pos, price, res.Candles, now)
		if len(actions) == 0 {
			continue
		}
		d := zones.ApplyActions(pos.Direction, actions)
		e.dirty[bot.ID] = true

		if d.Close {
			zones.Commit(pos, d, price, now)
			_, _ = e.closeLocked(bot, pos.ID, price, d.Reason, mv.Thesis)
			continue
		}

		if d.PartialClose && !pos.PartialClosed && !pos.Shadow {
			// stop and target changes wait for the next tick
			zones.Commit(pos, zones.Decision{
				Zone:          d.Zone,
				MaxPnLPct:     d.MaxPnLPct,
				MarkBreakeven: d.MarkBreakeven,
				MarkTrailing:  d.MarkTrailing,
			}, price, now)
			e.partialLocked(bot, pos, price, d)
			continue
		}

		if d.Inject && !pos.Injected && !pos.Shadow {
			e.injectLocked(bot, pos, price, d.Reason)
		}

		prev := pos.Zone
		if zones.Commit(pos, d, price, now) {
			e.publish(events.EventPositionUpdate, fmt.Sprintf("%s: %s %s zone %s -> %s", bot.Name, pos.Direction, pos.Symbol, prev, pos.Zone),
				map[string]interface{}{"bot_id": bot.ID, "position_id": pos.ID, "zone": pos.Zone})
		}
	}
}

func (e *Engine) partialLocked(bot *fleet.Bot, pos *fleet.Position, price float64, d zones.Decision) {
	fraction := d.PartialPct
	if fraction <= 0 || fraction >= 1 {
		fraction = zones.PartialCloseFraction
	}
	pnl, err := bot.PartialClose(pos.ID, price, fraction, e.now())
	if err != nil {
		e.logger.WithError(err).Warn("Partial close failed", "bot_id", bot.ID, "position_id", pos.ID)
		return
	}
	msg := fmt.Sprintf("%s: partial close %.0f%% of %s %s @ %.6g, pnl %+.2f", bot.Name, fraction*100, pos.Direction, pos.Symbol, price, pnl)
	e.logger.Info("Partial close", "bot_id", bot.ID, "position_id", pos.ID, "fraction", fraction, "pnl", pnl, "reason", d.Reason)
	e.publish(events.EventPositionPartial, msg, map[string]interface{}{"bot_id": bot.ID, "position_id": pos.ID, "pnl": pnl})
	e.notify(msg, notification.SeverityInfo)
}

func (e *Engine) injectLocked(bot *fleet.Bot, pos *fleet.Position, price float64, reason string) {
	if !e.filter.ShouldInject(bot) {
		e.logger.Debug("Injection vetoed by learning", "bot_id", bot.ID)
		return
	}
	if c := e.governor.CanTrade(bot, 0); !c.Allowed {
		e.logger.Debug("Injection vetoed by risk", "bot_id", bot.ID, "reason", c.Reason)
		return
	}
	amount, err := bot.Inject(pos.ID, price, e.now())
	if err != nil {
		e.logger.Debug("Injection skipped", "bot_id", bot.ID, "reason", err.Error())
		return
	}
	msg := fmt.Sprintf("%s: injected $%.2f into %s %s @ %.6g", bot.Name, amount, pos.Direction, pos.Symbol, price)
	e.logger.Info("Capital injected", "bot_id", bot.ID, "position_id", pos.ID, "amount", amount, "reason", reason)
	e.publish(events.EventPositionInject, msg, map[string]interface{}{"bot_id": bot.ID, "position_id": pos.ID, "amount": amount})
}

// closeLocked books the close, derives knowledge, runs the post-trade risk
// rules and queues the trade for learning and the journal.
func (e *Engine) closeLocked(bot *fleet.Bot, posID string, price float64, reason string, thesis *fleet.Thesis) (*fleet.Trade, error) {
	trade, err := bot.Close(posID, price, reason, e.now())
	if err != nil {
		e.logger.WithError(err).Error("Close failed", "bot_id", bot.ID, "position_id", posID)
		return nil, err
	}
	trade.CloseThesis = thesis
	bot.AppendKnowledge(fleet.DeriveKnowledge(trade))
	e.dirty[bot.ID] = true
	e.closed = append(e.closed, closedTrade{botID: bot.ID, trade: trade})

	e.governor.AfterTrade(bot)

	e.metrics.CloseTrade(trade.Win(), string(trade.FinalZone), trade.PnL, trade.Shadow)
	tag := ""
	if trade.Shadow {
		tag = "SHADOW "
	}
	msg := fmt.Sprintf("%s: %sclosed %s %s @ %.6g, pnl %+.2f (%s)", bot.Name, tag, trade.Direction, trade.Symbol, price, trade.PnL, reason)
	e.logger.Info("Trade closed", "bot_id", bot.ID, "position_id", posID, "pnl", trade.PnL, "pnl_pct", trade.PnLPct,
		"zone", trade.FinalZone, "reason", reason, "shadow", trade.Shadow)
	e.publish(events.EventTradeClosed, msg, map[string]interface{}{
		"bot_id": bot.ID, "position_id": posID, "pnl": trade.PnL, "reason": reason, "zone": trade.FinalZone, "shadow": trade.Shadow,
	})
	sev := notification.SeveritySuccess
	if !trade.Win() {
		sev = notification.SeverityWarning
	}
	e.notify(msg, sev)
	return trade, nil
}
