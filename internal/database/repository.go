package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bot-fleet-engine/internal/fleet"
)

// Repository provides data access methods on PostgreSQL. It implements
// Store over the engine_records table and journals closed trades.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// ============================================================================
// RECORDS
// ============================================================================

// LoadRecord decodes the record at key into v
func (r *Repository) LoadRecord(ctx context.Context, key string, v interface{}) (bool, error) {
	var data []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM engine_records WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	return true, decode(key, data, v)
}

// SaveRecord upserts the record at key
func (r *Repository) SaveRecord(ctx context.Context, key string, v interface{}) error {
	data, err := encode(key, v)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO engine_records (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`
	if _, err := r.db.Pool.Exec(ctx, query, key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// DeleteRecord removes key
func (r *Repository) DeleteRecord(ctx context.Context, key string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM engine_records WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListKeys returns the keys starting with prefix, sorted
func (r *Repository) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT key FROM engine_records WHERE key LIKE $1 ORDER BY key`, likePrefix(prefix))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// likePrefix escapes LIKE wildcards in prefix and appends %
func likePrefix(prefix string) string {
	out := make([]rune, 0, len(prefix)+1)
	for _, c := range prefix {
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out) + "%"
}

// ============================================================================
// TRADE JOURNAL
// ============================================================================

// JournalEntry is one closed trade as stored in trade_journal
type JournalEntry struct {
	ID         int64           `json:"id"`
	BotID      string          `json:"bot_id"`
	PositionID string          `json:"position_id"`
	Symbol     string          `json:"symbol"`
	Direction  fleet.Direction `json:"direction"`
	Mode       fleet.Mode      `json:"mode"`
	EntryPrice float64         `json:"entry_price"`
	ExitPrice  float64         `json:"exit_price"`
	Margin     float64         `json:"margin"`
	Leverage   int             `json:"leverage"`
	PnL        float64         `json:"pnl"`
	PnLPercent float64         `json:"pnl_percent"`
	Confidence float64         `json:"confidence"`
	FinalZone  fleet.Zone      `json:"final_zone"`
	Reason     string          `json:"reason"`
	Shadow     bool            `json:"shadow"`
	Sniper     bool            `json:"sniper"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// NewJournalEntry flattens a closed trade
func NewJournalEntry(botID string, t *fleet.Trade) JournalEntry {
	return JournalEntry{
		BotID:      botID,
		PositionID: t.ID,
		Symbol:     t.Symbol,
		Direction:  t.Direction,
		Mode:       t.Mode,
		EntryPrice: t.Entry,
		ExitPrice:  t.ExitPrice,
		Margin:     t.Margin,
		Leverage:   t.Leverage,
		PnL:        t.PnL,
		PnLPercent: t.PnLPct,
		Confidence: t.Confidence,
		FinalZone:  t.FinalZone,
		Reason:     t.Reason,
		Shadow:     t.Shadow,
		Sniper:     t.SniperTrade,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
	}
}

// JournalTrade appends a closed trade. Re-journaling the same position is a no-op.
func (r *Repository) JournalTrade(ctx context.Context, botID string, t *fleet.Trade) error {
	e := NewJournalEntry(botID, t)
	query := `
		INSERT INTO trade_journal (bot_id, position_id, symbol, direction, mode, entry_price, exit_price,
			margin, leverage, pnl, pnl_percent, confidence, final_zone, reason, shadow, sniper, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (bot_id, position_id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		e.BotID, e.PositionID, e.Symbol, e.Direction, e.Mode, e.EntryPrice, e.ExitPrice,
		e.Margin, e.Leverage, e.PnL, e.PnLPercent, e.Confidence, e.FinalZone, e.Reason,
		e.Shadow, e.Sniper, e.OpenedAt, e.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("journal trade %s/%s: %w", botID, e.PositionID, err)
	}
	return nil
}

// RecentTrades returns up to limit journaled trades for a bot, newest first
func (r *Repository) RecentTrades(ctx context.Context, botID string, limit int) ([]JournalEntry, error) {
	query := `
		SELECT id, bot_id, position_id, symbol, direction, mode, entry_price, exit_price, margin, leverage,
		       pnl, pnl_percent, COALESCE(confidence, 0), COALESCE(final_zone, ''), COALESCE(reason, ''),
		       shadow, sniper, opened_at, closed_at
		FROM trade_journal
		WHERE bot_id = $1
		ORDER BY closed_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.ID, &e.BotID, &e.PositionID, &e.Symbol, &e.Direction, &e.Mode, &e.EntryPrice, &e.ExitPrice,
			&e.Margin, &e.Leverage, &e.PnL, &e.PnLPercent, &e.Confidence, &e.FinalZone, &e.Reason,
			&e.Shadow, &e.Sniper, &e.OpenedAt, &e.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
