package learning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bot-fleet-engine/internal/fleet"
)

const (
	minEvaluationsForAudit = 20
	auditSaveEvery         = 20
)

// EffectivenessStats are the lifetime audit counters
type EffectivenessStats struct {
	Blocked          int `json:"blocked"`
	BlockedWouldLose int `json:"blocked_would_lose"`
	Allowed          int `json:"allowed"`
	AllowedWon       int `json:"allowed_won"`
}

// Effectiveness is the audit verdict, available once 20 outcomes are known
type Effectiveness struct {
	TotalEvaluated     int     `json:"total_evaluated"`
	Blocked            int     `json:"blocked"`
	BlockedAccuracy    float64 `json:"blocked_accuracy"`
	BlockedSignificant bool    `json:"blocked_significant"`
	Allowed            int     `json:"allowed"`
	AllowedWinRate     float64 `json:"allowed_win_rate"`
	AllowedSignificant bool    `json:"allowed_significant"`
	IsEffective        bool    `json:"is_effective"`
	Interpretation     string  `json:"interpretation"`
}

// TrackOutcome records whether a blocked candidate would have lost or an
// allowed one won. Counters are persisted every 20 outcomes.
func (f *Filter) TrackOutcome(ctx context.Context, wasBlocked, won bool) {
	f.mu.Lock()
	if wasBlocked {
		f.stats.Blocked++
		if !won {
			f.stats.BlockedWouldLose++
		}
	} else {
		f.stats.Allowed++
		if won {
			f.stats.AllowedWon++
		}
	}
	snapshot := f.stats
	f.mu.Unlock()

	if f.store != nil && (snapshot.Blocked+snapshot.Allowed)%auditSaveEvery == 0 {
		if err := f.store.SaveRecord(ctx, effectivenessKey, snapshot); err != nil {
			f.logger.WithError(err).Warn("Failed to persist learning effectiveness")
		}
	}
}

// Stats returns a copy of the audit counters
func (f *Filter) Stats() EffectivenessStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Effectiveness reports whether blocking is helping. Returns nil until 20
// outcomes have been recorded. Reporting only; the filter never adjusts
// itself from this.
func (f *Filter) Effectiveness() *Effectiveness {
	s := f.Stats()
	total := s.Blocked + s.Allowed
	if total < minEvaluationsForAudit {
		return nil
	}

	var blockedAcc, allowedWR float64
	if s.Blocked > 0 {
		blockedAcc = float64(s.BlockedWouldLose) / float64(s.Blocked)
	}
	if s.Allowed > 0 {
		allowedWR = float64(s.AllowedWon) / float64(s.Allowed)
	}
	blockSig := TestWinRate(s.BlockedWouldLose, s.Blocked)
	allowSig := TestWinRate(s.AllowedWon, s.Allowed)

	return &Effectiveness{
		TotalEvaluated:     total,
		Blocked:            s.Blocked,
		BlockedAccuracy:    blockedAcc,
		BlockedSignificant: blockSig.Significant,
		Allowed:            s.Allowed,
		AllowedWinRate:     allowedWR,
		AllowedSignificant: allowSig.Significant,
		IsEffective:        blockedAcc > 0.5 && allowedWR > 0.5,
		Interpretation:     interpretEffectiveness(blockedAcc, allowedWR, blockSig, allowSig),
	}
}

func interpretEffectiveness(blockAcc, allowWR float64, blockSig, allowSig Significance) string {
	switch {
	case !blockSig.Significant || !allowSig.Significant:
		return "insufficient data for a statistical conclusion"
	case blockAcc > 0.6 && allowWR > 0.55:
		return "filter is effective: blocking bad trades, passing good ones"
	case blockAcc < 0.4:
		return "warning: filter is blocking trades that would have won"
	case allowWR < 0.45:
		return "warning: allowed trades are underperforming"
	default:
		return "filter performance is neutral"
	}
}

// blockedEntry is a vetoed candidate followed against later prices
type blockedEntry struct {
	id        string
	botID     string
	symbol    string
	direction fleet.Direction
	entry     float64
	tp        float64
	sl        float64
	expiresAt time.Time
}

// Counterfactuals follows blocked entries to learn whether the veto was right.
// An entry resolves as a win when its target is touched first, as a loss when
// its stop is touched first, and by the sign of the unrealized move on expiry.
type Counterfactuals struct {
	mu      sync.Mutex
	filter  *Filter
	pending map[string][]*blockedEntry
	limit   int
}

// NewCounterfactuals creates a tracker feeding f's audit counters
func NewCounterfactuals(f *Filter) *Counterfactuals {
	return &Counterfactuals{
		filter:  f,
		pending: make(map[string][]*blockedEntry),
		limit:   50,
	}
}

// Watch starts following a blocked entry. Entries without a target or stop
// cannot be resolved and are ignored.
func (c *Counterfactuals) Watch(botID, symbol string, dir fleet.Direction, entry, tp, sl float64, expiresAt time.Time) string {
	if entry <= 0 || tp <= 0 || sl <= 0 || !dir.Valid() {
		return ""
	}
	e := &blockedEntry{
		id:        uuid.NewString(),
		botID:     botID,
		symbol:    symbol,
		direction: dir,
		entry:     entry,
		tp:        tp,
		sl:        sl,
		expiresAt: expiresAt,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.pending[symbol], e)
	if len(list) > c.limit {
		list = list[len(list)-c.limit:]
	}
	c.pending[symbol] = list
	return e.id
}

// Pending returns the number of unresolved entries for symbol
func (c *Counterfactuals) Pending(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[symbol])
}

// Observe resolves entries for symbol against the latest price and returns
// how many were resolved.
func (c *Counterfactuals) Observe(ctx context.Context, symbol string, price float64, now time.Time) int {
	if price <= 0 {
		return 0
	}
	type resolved struct{ won bool }
	var done []resolved

	c.mu.Lock()
	list := c.pending[symbol]
	kept := list[:0]
	for _, e := range list {
		isLong := e.direction == fleet.Long
		switch {
		case (isLong && price >= e.tp) || (!isLong && price <= e.tp):
			done = append(done, resolved{won: true})
		case (isLong && price <= e.sl) || (!isLong && price >= e.sl):
			done = append(done, resolved{won: false})
		case !now.Before(e.expiresAt):
			move := (price - e.entry) * e.direction.Sign()
			done = append(done, resolved{won: move > 0})
		default:
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(c.pending, symbol)
	} else {
		c.pending[symbol] = kept
	}
	c.mu.Unlock()

	for _, r := range done {
		c.filter.TrackOutcome(ctx, true, r.won)
	}
	return len(done)
}
