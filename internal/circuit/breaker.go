// Package circuit holds per-bot cooldown breakers. A tripped breaker blocks
// new entries for its bot until the cooldown elapses; expired breakers close
// themselves on the next read.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Cooling down
)

// Breaker is the cooldown state of one bot
type Breaker struct {
	State      BreakerState `json:"state"`
	Reason     string       `json:"reason,omitempty"`
	TrippedAt  time.Time    `json:"tripped_at,omitempty"`
	Until      time.Time    `json:"until,omitempty"`
	TripsTotal int          `json:"trips_total"`
}

// Remaining is the cooldown left at now, zero when closed
func (b Breaker) Remaining(now time.Time) time.Duration {
	if b.State != StateOpen || !now.Before(b.Until) {
		return 0
	}
	return b.Until.Sub(now)
}

// RemainingMinutes rounds the remaining cooldown up to whole minutes
func (b Breaker) RemainingMinutes(now time.Time) int {
	return int(math.Ceil(b.Remaining(now).Minutes()))
}

// Book tracks a breaker per bot
type Book struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	onTrip   func(botID, reason string, until time.Time)
	onReset  func(botID string)
}

// NewBook creates an empty breaker book
func NewBook() *Book {
	return &Book{breakers: make(map[string]*Breaker)}
}

// OnTrip sets callback for when a breaker trips
func (b *Book) OnTrip(handler func(botID, reason string, until time.Time)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets callback for when a breaker closes after its cooldown
func (b *Book) OnReset(handler func(botID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Trip opens the bot's breaker for d. A longer cooldown already in force is kept.
func (b *Book) Trip(botID string, d time.Duration, reason string, now time.Time) time.Time {
	b.mu.Lock()
	br, ok := b.breakers[botID]
	if !ok {
		br = &Breaker{}
		b.breakers[botID] = br
	}
	until := now.Add(d)
	if br.State == StateOpen && br.Until.After(until) {
		until = br.Until
	}
	br.State = StateOpen
	br.Reason = reason
	br.TrippedAt = now
	br.Until = until
	br.TripsTotal++
	onTrip := b.onTrip
	b.mu.Unlock()

	if onTrip != nil {
		onTrip(botID, reason, until)
	}
	return until
}

// Check reports whether the bot may trade at now. An expired breaker is
// closed as a side effect.
func (b *Book) Check(botID string, now time.Time) (bool, string) {
	b.mu.Lock()
	br, ok := b.breakers[botID]
	if !ok || br.State != StateOpen {
		b.mu.Unlock()
		return true, ""
	}
	if now.Before(br.Until) {
		reason := fmt.Sprintf("in cooldown, %d min remaining (%s)", br.RemainingMinutes(now), br.Reason)
		b.mu.Unlock()
		return false, reason
	}
	br.State = StateClosed
	br.Reason = ""
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		onReset(botID)
	}
	return true, ""
}

// Get returns a copy of the bot's breaker
func (b *Book) Get(botID string) Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[botID]; ok {
		return *br
	}
	return Breaker{State: StateClosed}
}

// Reset closes the bot's breaker immediately
func (b *Book) Reset(botID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[botID]; ok {
		br.State = StateClosed
		br.Reason = ""
		br.Until = time.Time{}
	}
}

// ResetAll closes every breaker
func (b *Book) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakers = make(map[string]*Breaker)
}

// Forget drops a deleted bot
func (b *Book) Forget(botID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, botID)
}

// Open returns the bots currently cooling down at now
func (b *Book) Open(now time.Time) map[string]Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Breaker)
	for id, br := range b.breakers {
		if br.State == StateOpen && now.Before(br.Until) {
			out[id] = *br
		}
	}
	return out
}
