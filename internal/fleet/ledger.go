package fleet

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidMargin       = errors.New("margin must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrInvalidLeverage     = errors.New("leverage must be positive")
	ErrInvalidDirection    = errors.New("direction must be LONG or SHORT")
	ErrInvalidFraction     = errors.New("fraction must be within (0,1)")
	ErrPositionOpen        = errors.New("bot already holds a position")
	ErrPositionNotFound    = errors.New("position not found")
	ErrAlreadyInjected     = errors.New("position already injected")
	ErrAlreadyPartial      = errors.New("position already partially closed")
	ErrShadowPosition      = errors.New("operation not allowed on shadow position")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// InjectionFraction is the share of the original margin added on injection
const InjectionFraction = 0.5

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// LiquidationPrice approximates the isolated-margin liquidation price
func LiquidationPrice(dir Direction, price float64, leverage int) float64 {
	if leverage <= 0 {
		return 0
	}
	move := dec(0.996).Div(decimal.NewFromInt(int64(leverage)))
	if dir == Short {
		return dec(price).Mul(decimal.NewFromInt(1).Add(move)).InexactFloat64()
	}
	return dec(price).Mul(decimal.NewFromInt(1).Sub(move)).InexactFloat64()
}

// realizedPnL is ±(exit−entry)/entry × size − fee
func realizedPnL(dir Direction, entry, exit, size, fee float64) float64 {
	move := dec(exit).Sub(dec(entry)).Div(dec(entry))
	if dir == Short {
		move = move.Neg()
	}
	return move.Mul(dec(size)).Sub(dec(fee)).InexactFloat64()
}

// Open books a new position on the bot's wallet. pos must carry direction,
// entry, margin, leverage and targets; size, fee and liquidation are derived.
// Nothing is mutated when validation fails.
func (b *Bot) Open(pos *Position, now time.Time) error {
	if !pos.Direction.Valid() {
		return ErrInvalidDirection
	}
	if pos.Entry <= 0 {
		return fmt.Errorf("%w: entry %.8f", ErrInvalidPrice, pos.Entry)
	}
	if pos.Margin <= 0 {
		return fmt.Errorf("%w: %.4f", ErrInvalidMargin, pos.Margin)
	}
	if pos.Leverage <= 0 {
		return ErrInvalidLeverage
	}
	if len(b.Positions) > 0 {
		return ErrPositionOpen
	}

	size := dec(pos.Margin).Mul(decimal.NewFromInt(int64(pos.Leverage)))
	fee := size.Mul(dec(FeeRate))
	cost := dec(pos.Margin).Add(fee)
	if cost.GreaterThan(dec(b.CurrentBalance)) {
		return fmt.Errorf("%w: margin+fee %s > balance %.4f", ErrInsufficientBalance, cost.StringFixed(4), b.CurrentBalance)
	}

	if pos.ID == "" {
		pos.ID = uuid.NewString()
	}
	if pos.Symbol == "" {
		pos.Symbol = b.Symbol
	}
	if pos.Mode == "" {
		pos.Mode = b.Mode
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.Size = size.InexactFloat64()
	pos.Fee = fee.InexactFloat64()
	if pos.Liquidation == 0 {
		pos.Liquidation = LiquidationPrice(pos.Direction, pos.Entry, pos.Leverage)
	}
	if pos.OriginalTP == 0 {
		pos.OriginalTP = pos.TP
	}
	if pos.OriginalSL == 0 {
		pos.OriginalSL = pos.SL
	}
	pos.Zone = ZoneEntry

	if !pos.Shadow {
		b.CurrentBalance = dec(b.CurrentBalance).Sub(cost).InexactFloat64()
	}
	b.Positions = append(b.Positions, pos)
	return nil
}

// Inject adds half of the original margin to a live position and returns the amount.
func (b *Bot) Inject(posID string, price float64, now time.Time) (float64, error) {
	pos := b.Position(posID)
	if pos == nil {
		return 0, ErrPositionNotFound
	}
	if pos.Shadow {
		return 0, ErrShadowPosition
	}
	if pos.Injected {
		return 0, ErrAlreadyInjected
	}

	amount := dec(pos.Margin).Mul(dec(InjectionFraction))
	added := amount.Mul(decimal.NewFromInt(int64(pos.Leverage)))
	fee := added.Mul(dec(FeeRate))
	balance := dec(b.CurrentBalance)
	if balance.LessThan(amount.Add(decimal.NewFromInt(1))) || balance.LessThan(amount.Add(fee)) {
		return 0, fmt.Errorf("%w: injection %s needs balance above %s", ErrInsufficientBalance,
			amount.StringFixed(2), amount.Add(decimal.NewFromInt(1)).StringFixed(2))
	}

	pos.Injected = true
	pos.InjectionAmount = amount.InexactFloat64()
	pos.InjectionPrice = price
	pos.InjectionTime = now
	pos.Size = dec(pos.Size).Add(added).InexactFloat64()
	pos.Margin = dec(pos.Margin).Add(amount).InexactFloat64()
	pos.Fee = dec(pos.Fee).Add(fee).InexactFloat64()

	b.CurrentBalance = balance.Sub(amount).Sub(fee).InexactFloat64()
	return pos.InjectionAmount, nil
}

// PartialClose realizes fraction of the position and returns the realized PnL.
// The released margin plus PnL goes back to the wallet unless the position is shadow.
func (b *Bot) PartialClose(posID string, price, fraction float64, now time.Time) (float64, error) {
	pos := b.Position(posID)
	if pos == nil {
		return 0, ErrPositionNotFound
	}
	if pos.PartialClosed {
		return 0, ErrAlreadyPartial
	}
	if fraction <= 0 || fraction >= 1 {
		return 0, ErrInvalidFraction
	}
	if price <= 0 {
		return 0, ErrInvalidPrice
	}

	closeSize := dec(pos.Size).Mul(dec(fraction))
	closeMargin := dec(pos.Margin).Mul(dec(fraction))
	closeFee := closeSize.Mul(dec(FeeRate))
	pnl := realizedPnL(pos.Direction, pos.Entry, price, closeSize.InexactFloat64(), closeFee.InexactFloat64())

	pos.PartialClosed = true
	pos.PartialAmount = pnl
	pos.PartialPrice = price
	pos.PartialTime = now
	pos.Size = dec(pos.Size).Sub(closeSize).InexactFloat64()
	pos.Margin = dec(pos.Margin).Sub(closeMargin).InexactFloat64()

	if !pos.Shadow {
		b.CurrentBalance = dec(b.CurrentBalance).Add(closeMargin).Add(dec(pnl)).InexactFloat64()
	}
	return pnl, nil
}

// Close converts the position into a Trade, updates stats and the wallet.
// Shadow positions leave CurrentBalance and TotalPnL untouched.
func (b *Bot) Close(posID string, exitPrice float64, reason string, now time.Time) (*Trade, error) {
	idx := -1
	for i, p := range b.Positions {
		if p.ID == posID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrPositionNotFound
	}
	if exitPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	pos := b.Positions[idx]

	pnl := realizedPnL(pos.Direction, pos.Entry, exitPrice, pos.Size, pos.Fee)

	trade := &Trade{
		Position:  *pos,
		ExitPrice: exitPrice,
		PnL:       pnl,
		Reason:    reason,
		ClosedAt:  now,
		FinalZone: pos.Zone,
	}
	trade.ZoneHistory = append([]ZoneChange(nil), pos.ZoneHistory...)
	if pos.Margin > 0 {
		trade.PnLPct = pnl / pos.Margin * 100
	}
	if pos.Entry > 0 {
		trade.TPPctUsed = math.Abs(pos.OriginalTP-pos.Entry) / pos.Entry * 100
		trade.SLPctUsed = math.Abs(pos.OriginalSL-pos.Entry) / pos.Entry * 100
	}

	b.Stats.Trades++
	if trade.Win() {
		b.Stats.Wins++
		b.LossStreak = 0
	} else {
		b.Stats.Losses++
	}

	if !pos.Shadow {
		b.Stats.TotalPnL = dec(b.Stats.TotalPnL).Add(dec(pnl)).InexactFloat64()
		balance := dec(b.CurrentBalance).Add(dec(pos.Margin)).Add(dec(pnl))
		if balance.IsNegative() {
			balance = decimal.Zero
		}
		b.CurrentBalance = balance.InexactFloat64()
	}

	b.Positions = append(b.Positions[:idx], b.Positions[idx+1:]...)
	b.AppendTrade(trade)
	return trade, nil
}

// Transfer moves amount of free balance from one wallet to another. Initial
// balances are left alone so drawdown keeps measuring each bot's own record.
func Transfer(from, to *Bot, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if dec(amount).GreaterThan(dec(from.CurrentBalance)) {
		return fmt.Errorf("%w: transfer %.2f > balance %.2f", ErrInsufficientBalance, amount, from.CurrentBalance)
	}
	from.CurrentBalance = dec(from.CurrentBalance).Sub(dec(amount)).InexactFloat64()
	to.CurrentBalance = dec(to.CurrentBalance).Add(dec(amount)).InexactFloat64()
	return nil
}

// AppendTrade appends with FIFO eviction at MaxTrades
func (b *Bot) AppendTrade(t *Trade) {
	b.Trades = append(b.Trades, t)
	if over := len(b.Trades) - MaxTrades; over > 0 {
		b.Trades = append([]*Trade(nil), b.Trades[over:]...)
	}
}

// AppendKnowledge appends with FIFO eviction at MaxKnowledge
func (b *Bot) AppendKnowledge(k *KnowledgeEntry) {
	b.Knowledge = append(b.Knowledge, k)
	if over := len(b.Knowledge) - MaxKnowledge; over > 0 {
		b.Knowledge = append([]*KnowledgeEntry(nil), b.Knowledge[over:]...)
	}
}

// DeriveKnowledge builds the lesson recorded for a closed trade
func DeriveKnowledge(t *Trade) *KnowledgeEntry {
	win := t.Win()
	k := &KnowledgeEntry{
		ID:               uuid.NewString(),
		Timestamp:        t.ClosedAt,
		Type:             Failure,
		Symbol:           t.Symbol,
		Direction:        t.Direction,
		Confidence:       t.Confidence,
		PnL:              t.PnL,
		Reason:           t.Reason,
		Hour:             t.OpenedAt.UTC().Hour(),
		Mode:             t.Mode,
		Regime:           t.Regime,
		Leverage:         t.Leverage,
		GreenBots:        t.GreenBots,
		TotalBots:        t.TotalBots,
		WasInjected:      t.Injected,
		InjectionAmount:  t.InjectionAmount,
		WasPartialClosed: t.PartialClosed,
		FinalZone:        t.FinalZone,
		MaxPnLPct:        t.MaxPnLPct,
		MovedToBreakeven: t.MovedToBreakeven,
		TrailingActive:   t.TrailingActive,
		EntryATRPct:      t.ATRPct,
		SLMult:           t.SLMult,
		TPMult:           t.TPMult,
		TPPctUsed:        t.TPPctUsed,
		SLPctUsed:        t.SLPctUsed,
	}
	if win {
		k.Type = Success
	}
	if !t.OpenedAt.IsZero() && !t.ClosedAt.IsZero() {
		k.DurationMin = int(math.Round(t.ClosedAt.Sub(t.OpenedAt).Minutes()))
	}

	thesisNote := ""
	if t.Thesis != nil && t.Thesis.Consensus != "" {
		wasLong := t.Direction == Long
		bullish := t.Thesis.Consensus == "BULLISH"
		aligned := (win && wasLong == bullish) || (!win && wasLong != bullish)
		k.ThesisAligned = &aligned
		thesisNote = fmt.Sprintf(" | thesis %s (%.0f/100)", t.Thesis.Consensus, t.Thesis.Score)
	}

	if win {
		k.Insight = fmt.Sprintf("%s %s won (%.0f%% conf)%s", t.Direction, t.Symbol, t.Confidence, thesisNote)
	} else {
		k.Insight = fmt.Sprintf("%s %s lost: %s%s", t.Direction, t.Symbol, t.Reason, thesisNote)
	}
	return k
}
