package fleet

import (
	"fmt"
	"time"
)

// BotSchemaVersion is the current persisted bot layout
const BotSchemaVersion = 2

// MigrateBot upgrades a bot loaded from storage to the current layout.
// Version 0 records predate the status field and the stats block; version 1
// records lack zone history timestamps and mode on positions.
func MigrateBot(b *Bot, now time.Time) error {
	if b == nil {
		return fmt.Errorf("migrate: nil bot")
	}
	if b.SchemaVersion > BotSchemaVersion {
		return fmt.Errorf("migrate bot %s: schema version %d is newer than supported %d", b.ID, b.SchemaVersion, BotSchemaVersion)
	}

	if b.SchemaVersion < 1 {
		if b.Status == "" {
			b.Status = StatusIdle
		}
		if !b.Mode.Valid() {
			b.Mode = Intraday
		}
		if !b.Temperature.Valid() {
			b.Temperature = Normal
		}
		if b.Stats.Trades == 0 && len(b.Trades) > 0 {
			for _, t := range b.Trades {
				b.Stats.Trades++
				if t.Win() {
					b.Stats.Wins++
				} else {
					b.Stats.Losses++
				}
				if !t.Shadow {
					b.Stats.TotalPnL += t.PnL
				}
			}
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		b.SchemaVersion = 1
	}

	if b.SchemaVersion < 2 {
		for _, p := range b.Positions {
			if p.Mode == "" {
				p.Mode = b.Mode
			}
			if p.Zone == "" {
				p.Zone = ZoneEntry
			}
			for i := range p.ZoneHistory {
				if p.ZoneHistory[i].Time.IsZero() {
					p.ZoneHistory[i].Time = p.OpenedAt
				}
			}
			if p.OriginalTP == 0 {
				p.OriginalTP = p.TP
			}
			if p.OriginalSL == 0 {
				p.OriginalSL = p.SL
			}
		}
		b.SchemaVersion = 2
	}

	if len(b.Trades) > MaxTrades {
		b.Trades = b.Trades[len(b.Trades)-MaxTrades:]
	}
	if len(b.Knowledge) > MaxKnowledge {
		b.Knowledge = b.Knowledge[len(b.Knowledge)-MaxKnowledge:]
	}
	return nil
}
