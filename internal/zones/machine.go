// Package zones classifies open positions into risk/reward zones and proposes
// management actions. It never touches wallet balances; callers execute the
// proposals after re-checking their own guardrails.
package zones

import (
	"fmt"
	"math"
	"time"

	"bot-fleet-engine/internal/fleet"
)

// ActionType identifies a proposed management action
type ActionType string

const (
	ActionUpdateTracking    ActionType = "UPDATE_TRACKING"
	ActionCloseTime         ActionType = "CLOSE_TIME"
	ActionCloseReversal     ActionType = "CLOSE_REVERSAL"
	ActionConsiderInjection ActionType = "CONSIDER_INJECTION"
	ActionMoveSL            ActionType = "MOVE_SL"
	ActionPartialClose      ActionType = "PARTIAL_CLOSE"
	ActionExtendTP          ActionType = "EXTEND_TP"
)

// Zone boundaries as fractions of the stop/target distance
const (
	redFraction    = 0.5
	greenFraction  = 0.5
	goldenFraction = 0.85

	defaultTPDistPct = 1.0
	defaultSLDistPct = 0.5

	greenTrail  = 0.40
	goldenTrail = 0.30

	// PartialCloseFraction is the share realized when golden momentum fades
	PartialCloseFraction = 0.70
	extendTPFraction     = 0.5
)

// Action is one proposal produced by EvaluatePosition
type Action struct {
	Type          ActionType `json:"type"`
	Zone          fleet.Zone `json:"zone,omitempty"`
	MaxPnLPct     float64    `json:"max_pnl_pct,omitempty"`
	NewSL         float64    `json:"new_sl,omitempty"`
	NewTP         float64    `json:"new_tp,omitempty"`
	Pct           float64    `json:"pct,omitempty"`
	MarkBreakeven bool       `json:"mark_breakeven,omitempty"`
	MarkTrailing  bool       `json:"mark_trailing,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Decision is the reconciled outcome of one tick's actions
type Decision struct {
	Zone          fleet.Zone
	MaxPnLPct     float64
	Close         bool
	CloseType     ActionType
	PartialClose  bool
	PartialPct    float64
	Inject        bool
	NewSL         float64 // 0 when no stop move
	NewTP         float64 // 0 when no target change
	MarkBreakeven bool
	MarkTrailing  bool
	Reason        string
}

// EvaluatePosition classifies pos at currentPrice and proposes actions.
// Returns nil for closed or empty positions.
func EvaluatePosition(pos *fleet.Position, currentPrice float64, candles []fleet.Candle, now time.Time) []Action {
	if pos == nil || currentPrice <= 0 || pos.Entry <= 0 || pos.Size <= 0 {
		return nil
	}

	entry := pos.Entry
	isLong := pos.Direction == fleet.Long
	pnlPct := pos.UnrealizedPct(currentPrice)

	tpDist := defaultTPDistPct
	if pos.TP > 0 {
		tpDist = math.Abs(pos.TP-entry) / entry * 100
	}
	slDist := defaultSLDistPct
	if pos.SL > 0 {
		slDist = math.Abs(pos.SL-entry) / entry * 100
	}

	zone := Classify(pnlPct, tpDist, slDist)
	maxPnL := math.Max(pos.MaxPnLPct, pnlPct)

	var elapsedMin float64
	if !pos.OpenedAt.IsZero() {
		elapsedMin = now.Sub(pos.OpenedAt).Minutes()
	}
	holdMin := pos.Mode.Profile().HoldingTime.Minutes()

	actions := []Action{{Type: ActionUpdateTracking, Zone: zone, MaxPnLPct: maxPnL}}

	switch zone {
	case fleet.ZoneRed:
		// the stop handles red; only cut when far past the holding time
		if elapsedMin > holdMin*1.5 {
			actions = append(actions, Action{
				Type:   ActionCloseTime,
				Reason: fmt.Sprintf("extreme timeout (%.0fmin) in red zone, cutting loss %.1f%%", elapsedMin, pnlPct),
			})
		}

	case fleet.ZoneNeutral:
		marginal := pnlPct > 0 && pnlPct < tpDist*0.3
		if elapsedMin > holdMin*0.7 && marginal {
			actions = append(actions, Action{
				Type:   ActionCloseTime,
				Reason: fmt.Sprintf("timeout (%.0fmin) with modest PnL +%.1f%%", elapsedMin, pnlPct),
			})
		}
		if !pos.Injected && elapsedMin > holdMin*0.2 && marginal {
			actions = append(actions, Action{
				Type:   ActionConsiderInjection,
				Reason: fmt.Sprintf("neutral zone at +%.1f%%, evaluating injection", pnlPct),
			})
		}

	case fleet.ZoneGreen:
		if !pos.MovedToBreakeven && pos.SL > 0 {
			be := breakevenPrice(entry, isLong, 0.001)
			if tightens(isLong, be, pos.SL) {
				actions = append(actions, Action{
					Type:          ActionMoveSL,
					NewSL:         be,
					MarkBreakeven: true,
					Reason:        fmt.Sprintf("breakeven: protecting capital at +%.1f%%", pnlPct),
				})
			}
		}
		if pos.MovedToBreakeven {
			if a, ok := trail(pos, currentPrice, pnlPct, greenTrail); ok {
				actions = append(actions, a)
			}
		}
		if !pos.Injected {
			if favor, _ := countMoves(candles, 3, isLong); favor >= 2 {
				actions = append(actions, Action{
					Type:   ActionConsiderInjection,
					Reason: fmt.Sprintf("green zone with momentum (%d/2 candles in favor)", favor),
				})
			}
		}
		if len(candles) >= 5 && pnlPct > tpDist*0.6 {
			if _, against := countMoves(candles, 5, isLong); against >= 3 {
				actions = append(actions, Action{
					Type:   ActionCloseReversal,
					Reason: fmt.Sprintf("reversal (%d/4 candles against), locking +%.1f%%", against, pnlPct),
				})
			}
		}

	case fleet.ZoneGolden:
		if !pos.MovedToBreakeven {
			be := breakevenPrice(entry, isLong, 0.002)
			if pos.SL > 0 && !tightens(isLong, be, pos.SL) {
				be = pos.SL
			}
			actions = append(actions, Action{
				Type:          ActionMoveSL,
				NewSL:         be,
				MarkBreakeven: true,
				Reason:        fmt.Sprintf("golden zone: breakeven lock at +%.1f%%", pnlPct),
			})
		}
		if a, ok := trail(pos, currentPrice, pnlPct, goldenTrail); ok {
			actions = append(actions, a)
		}
		if !pos.PartialClosed {
			favor, against := countMoves(candles, 3, isLong)
			switch {
			case against >= 2:
				actions = append(actions, Action{
					Type:   ActionPartialClose,
					Pct:    PartialCloseFraction,
					Reason: "golden zone with fading momentum, closing 70% and trailing the rest",
				})
			case favor >= 2:
				origTP := pos.OriginalTP
				if origTP == 0 {
					origTP = pos.TP
				}
				newTP := origTP + (origTP-entry)*extendTPFraction
				actions = append(actions, Action{
					Type:   ActionExtendTP,
					NewTP:  newTP,
					Reason: fmt.Sprintf("strong momentum in golden zone, extending TP to %.6g (+50%%)", newTP),
				})
			}
		}
	}

	return actions
}

// Classify maps an unrealized return onto a zone
func Classify(pnlPct, tpDistPct, slDistPct float64) fleet.Zone {
	switch {
	case pnlPct < -slDistPct*redFraction:
		return fleet.ZoneRed
	case pnlPct < tpDistPct*greenFraction:
		return fleet.ZoneNeutral
	case pnlPct < tpDistPct*goldenFraction:
		return fleet.ZoneGreen
	default:
		return fleet.ZoneGolden
	}
}

func breakevenPrice(entry float64, isLong bool, offset float64) float64 {
	if isLong {
		return entry * (1 + offset)
	}
	return entry * (1 - offset)
}

// tightens reports whether candidate is more protective than current
func tightens(isLong bool, candidate, current float64) bool {
	if current <= 0 {
		return true
	}
	if isLong {
		return candidate > current
	}
	return candidate < current
}

func trail(pos *fleet.Position, price, pnlPct, share float64) (Action, bool) {
	if pos.SL <= 0 || pnlPct <= 0 {
		return Action{}, false
	}
	isLong := pos.Direction == fleet.Long
	dist := pnlPct * share / 100
	stop := price * (1 - dist)
	if !isLong {
		stop = price * (1 + dist)
	}
	if !tightens(isLong, stop, pos.SL) {
		return Action{}, false
	}
	return Action{
		Type:         ActionMoveSL,
		NewSL:        stop,
		MarkTrailing: true,
		Reason:       fmt.Sprintf("trailing at %.0f%% of +%.1f%%, stop %.6g", share*100, pnlPct, stop),
	}, true
}

// countMoves counts close-to-close moves over the last n candles
func countMoves(candles []fleet.Candle, n int, isLong bool) (favor, against int) {
	if len(candles) < n {
		return 0, 0
	}
	last := candles[len(candles)-n:]
	for i := 1; i < len(last); i++ {
		up := last[i].Close > last[i-1].Close
		down := last[i].Close < last[i-1].Close
		if (isLong && up) || (!isLong && down) {
			favor++
		}
		if (isLong && down) || (!isLong && up) {
			against++
		}
	}
	return favor, against
}

// ApplyActions reconciles one tick's proposals. A full close wins over
// everything else; stop moves resolve to the most protective value for the
// position's direction.
func ApplyActions(dir fleet.Direction, actions []Action) Decision {
	var d Decision
	if len(actions) == 0 {
		return d
	}

	for _, a := range actions {
		if a.Type == ActionUpdateTracking {
			d.Zone = a.Zone
			d.MaxPnLPct = a.MaxPnLPct
			break
		}
	}

	for _, a := range actions {
		if a.Type == ActionCloseTime || a.Type == ActionCloseReversal {
			d.Close = true
			d.CloseType = a.Type
			d.Reason = a.Reason
			return d
		}
	}

	for _, a := range actions {
		switch a.Type {
		case ActionPartialClose:
			if !d.PartialClose {
				d.PartialClose = true
				d.PartialPct = a.Pct
				d.Reason = firstReason(d.Reason, a.Reason)
			}
		case ActionConsiderInjection:
			if !d.Inject {
				d.Inject = true
				d.Reason = firstReason(d.Reason, a.Reason)
			}
		case ActionExtendTP:
			if d.NewTP == 0 {
				d.NewTP = a.NewTP
				d.Reason = firstReason(d.Reason, a.Reason)
			}
		}
	}

	isLong := dir != fleet.Short
	var best *Action
	for i := range actions {
		a := &actions[i]
		if a.Type != ActionMoveSL {
			continue
		}
		d.MarkBreakeven = d.MarkBreakeven || a.MarkBreakeven
		d.MarkTrailing = d.MarkTrailing || a.MarkTrailing
		if best == nil || tightens(isLong, a.NewSL, best.NewSL) {
			best = a
		}
	}
	if best != nil {
		d.NewSL = best.NewSL
		d.Reason = firstReason(d.Reason, best.Reason)
	}
	return d
}

func firstReason(current, next string) string {
	if current != "" {
		return current
	}
	return next
}

// Commit writes the decision's tracking, stop and target changes onto pos.
// Stops only ever tighten. Closes, partial closes and injections are left to
// the caller. Returns true when the zone changed.
func Commit(pos *fleet.Position, d Decision, price float64, now time.Time) bool {
	if pos == nil {
		return false
	}
	changed := false
	if d.Zone != "" && d.Zone != pos.Zone {
		pos.RecordZone(d.Zone, now, price)
		changed = true
	}
	if d.MaxPnLPct > pos.MaxPnLPct {
		pos.MaxPnLPct = d.MaxPnLPct
	}
	if d.Close {
		return changed
	}
	if d.NewSL > 0 && tightens(pos.Direction != fleet.Short, d.NewSL, pos.SL) {
		pos.SL = d.NewSL
	}
	if d.MarkBreakeven {
		pos.MovedToBreakeven = true
	}
	if d.MarkTrailing {
		pos.TrailingActive = true
	}
	if d.NewTP > 0 {
		pos.TP = d.NewTP
	}
	return changed
}
