// Package scanner is the radar: it periodically analyzes every tracked
// symbol and ranks the results as entry opportunities.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bot-fleet-engine/internal/events"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/signal"
)

// ErrScanInProgress is returned when a scan is requested while one runs
var ErrScanInProgress = errors.New("radar scan already running")

// Scanner orchestrates the radar scan across the tracked symbols
type Scanner struct {
	source   signal.Source
	cache    *ScannerCache
	config   ScannerConfig
	events   events.Publisher
	logger   *logging.Logger
	now      func() time.Time
	scanning atomic.Bool

	mu         sync.RWMutex
	lastResult *ScanResult
	cycle      int
}

// Option configures a Scanner
type Option func(*Scanner)

// WithEvents publishes a RADAR_SCAN event per completed scan
func WithEvents(p events.Publisher) Option { return func(s *Scanner) { s.events = p } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option { return func(s *Scanner) { s.logger = l } }

// NewScanner creates a new scanner instance
func NewScanner(source signal.Source, config ScannerConfig, opts ...Option) *Scanner {
	if config.Concurrency <= 0 {
		config.Concurrency = 3
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if !config.Mode.Valid() {
		config.Mode = fleet.Intraday
	}
	sc := &Scanner{
		source: source,
		cache:  NewScannerCache(config.CacheTTL),
		config: config,
		logger: logging.WithComponent("scanner"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Scanning reports whether a scan is in flight. Bot ticks check it and
// skip rather than wait.
func (sc *Scanner) Scanning() bool {
	return sc.scanning.Load()
}

// Scan runs one radar cycle
func (sc *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	if !sc.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer sc.scanning.Store(false)

	startTime := sc.now()
	sc.mu.Lock()
	sc.cycle++
	cycle := sc.cycle
	sc.mu.Unlock()
	scanID := fmt.Sprintf("scan-%d", startTime.Unix())

	symbols := sc.config.Symbols
	opts := signal.OptionsFor(sc.config.Mode, fleet.Normal)
	found := make([]*Opportunity, len(symbols))
	var failed, fromCache atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.config.Concurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := sc.source.Analyze(gctx, symbol, opts)
			if err != nil {
				failed.Add(1)
				sc.logger.Debug("Radar analysis failed", "symbol", symbol, "error", err)
				if cached := sc.cache.Get(symbol, sc.now()); cached != nil {
					fromCache.Add(1)
					found[i] = cached
				}
				return nil
			}
			op := Evaluate(symbol, res, sc.now())
			sc.cache.Set(symbol, op, sc.now())
			found[i] = op
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("radar scan %s: %w", scanID, err)
	}

	results := make([]Opportunity, 0, len(found))
	for _, op := range found {
		if op != nil {
			results = append(results, *op)
		}
	}
	Rank(results)
	sc.cache.CleanupExpired(sc.now())

	end := sc.now()
	scanResult := &ScanResult{
		ScanID:         scanID,
		Cycle:          cycle,
		StartTime:      startTime,
		EndTime:        end,
		Duration:       end.Sub(startTime),
		SymbolsScanned: len(symbols),
		Failed:         int(failed.Load()),
		FromCache:      int(fromCache.Load()),
		Results:        results,
	}

	sc.mu.Lock()
	sc.lastResult = scanResult
	sc.mu.Unlock()

	strong, moderate := 0, 0
	for _, r := range results {
		switch r.Signal {
		case Strong:
			strong++
		case Moderate:
			moderate++
		}
	}
	sc.logger.WithDuration(scanResult.Duration).Info("Radar scan completed",
		"cycle", cycle, "symbols", len(symbols), "strong", strong, "moderate", moderate, "failed", scanResult.Failed)
	if sc.events != nil {
		sc.events.Publish(events.Event{
			Type:    events.EventRadarScan,
			Message: fmt.Sprintf("radar #%d: %d strong, %d moderate of %d", cycle, strong, moderate, len(symbols)),
			Data: map[string]interface{}{
				"cycle": cycle, "strong": strong, "moderate": moderate, "failed": scanResult.Failed,
			},
		})
	}
	return scanResult, nil
}

// LastResult returns the most recent scan result
func (sc *Scanner) LastResult() *ScanResult {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.lastResult
}

// Opportunities returns a copy of the last ranked results
func (sc *Scanner) Opportunities() []Opportunity {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if sc.lastResult == nil {
		return nil
	}
	return append([]Opportunity(nil), sc.lastResult.Results...)
}
