package scanner

import (
	"time"

	"bot-fleet-engine/internal/fleet"
)

// Strength classifies a scanned symbol
type Strength string

const (
	Strong   Strength = "strong"
	Moderate Strength = "moderate"
	Weak     Strength = "weak"
)

// Opportunity is one scanned symbol
type Opportunity struct {
	Symbol     string          `json:"symbol"`
	Direction  fleet.Direction `json:"direction"`
	Decision   string          `json:"decision"`
	Confidence float64         `json:"confidence"`
	Signal     Strength        `json:"signal"`
	RiskReward float64         `json:"rr"`
	TP         float64         `json:"tp"`
	SL         float64         `json:"sl"`
	Price      float64         `json:"price"`
	Reason     string          `json:"reason,omitempty"`
	GreenBots  int             `json:"green_bots"`
	TotalBots  int             `json:"total_bots"`
	ScannedAt  time.Time       `json:"scanned_at"`
}

// ScanResult aggregates one radar cycle
type ScanResult struct {
	ScanID         string        `json:"scan_id"`
	Cycle          int           `json:"cycle"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	SymbolsScanned int           `json:"symbols_scanned"`
	Failed         int           `json:"failed"`
	FromCache      int           `json:"from_cache"`
	Results        []Opportunity `json:"results"`
}

// ScannerConfig holds radar configuration
type ScannerConfig struct {
	Symbols     []string
	Mode        fleet.Mode // leverage and timeframe used for the scan
	Concurrency int
	CacheTTL    time.Duration
}

// CachedOpportunity stores a result with TTL
type CachedOpportunity struct {
	Result    *Opportunity
	ExpiresAt time.Time
}
