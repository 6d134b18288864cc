// Package metrics holds the Prometheus collectors for the bot engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all engine metrics
type Registry struct {
	// Tick metrics
	TickDuration *prometheus.HistogramVec
	TicksSkipped *prometheus.CounterVec

	// Entry pipeline
	EntriesBlocked *prometheus.CounterVec
	EntriesOpened  *prometheus.CounterVec

	// Trades
	TradesClosed *prometheus.CounterVec
	RealizedPnL  prometheus.Counter

	// Fleet
	RunningBots   prometheus.Gauge
	OpenPositions prometheus.Gauge

	// Autonomy
	AutonomyLevel prometheus.Gauge

	// Radar
	RadarScans    prometheus.Counter
	RadarDuration prometheus.Histogram
}

// NewRegistry creates the engine metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Registry{
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botengine_tick_duration_seconds",
				Help:    "Duration of one bot tick in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"mode", "result"},
		),

		TicksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botengine_ticks_skipped_total",
				Help: "Bot ticks skipped before analysis, by reason",
			},
			[]string{"reason"},
		),

		EntriesBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botengine_entries_blocked_total",
				Help: "Candidate entries rejected, by pipeline stage",
			},
			[]string{"stage"},
		),

		EntriesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botengine_entries_opened_total",
				Help: "Positions opened, by direction and shadow flag",
			},
			[]string{"direction", "shadow"},
		),

		TradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botengine_trades_closed_total",
				Help: "Closed trades by outcome and final zone",
			},
			[]string{"outcome", "zone"},
		),

		RealizedPnL: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "botengine_realized_profit_total",
				Help: "Sum of realized profit of winning non-shadow trades in quote currency",
			},
		),

		RunningBots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "botengine_running_bots",
				Help: "Number of running bots",
			},
		),

		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "botengine_open_positions",
				Help: "Number of open positions across the fleet",
			},
		),

		AutonomyLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "botengine_autonomy_level",
				Help: "Current autonomy level (1=suggestions, 2=semi-auto, 3=full auto)",
			},
		),

		RadarScans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "botengine_radar_scans_total",
				Help: "Completed radar scans",
			},
		),

		RadarDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "botengine_radar_duration_seconds",
				Help:    "Duration of a radar scan in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),
	}

	reg.MustRegister(
		r.TickDuration,
		r.TicksSkipped,
		r.EntriesBlocked,
		r.EntriesOpened,
		r.TradesClosed,
		r.RealizedPnL,
		r.RunningBots,
		r.OpenPositions,
		r.AutonomyLevel,
		r.RadarScans,
		r.RadarDuration,
	)
	return r
}

// ObserveTick records one tick. Safe on a nil registry.
func (r *Registry) ObserveTick(mode, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.TickDuration.WithLabelValues(mode, result).Observe(d.Seconds())
}

// SkipTick counts a skipped tick
func (r *Registry) SkipTick(reason string) {
	if r == nil {
		return
	}
	r.TicksSkipped.WithLabelValues(reason).Inc()
}

// BlockEntry counts a rejected entry
func (r *Registry) BlockEntry(stage string) {
	if r == nil {
		return
	}
	r.EntriesBlocked.WithLabelValues(stage).Inc()
}

// OpenEntry counts an opened position
func (r *Registry) OpenEntry(direction string, shadow bool) {
	if r == nil {
		return
	}
	s := "false"
	if shadow {
		s = "true"
	}
	r.EntriesOpened.WithLabelValues(direction, s).Inc()
}

// CloseTrade counts a closed trade
func (r *Registry) CloseTrade(win bool, zone string, pnl float64, shadow bool) {
	if r == nil {
		return
	}
	outcome := "loss"
	if win {
		outcome = "win"
	}
	r.TradesClosed.WithLabelValues(outcome, zone).Inc()
	// counters only go up; losses are visible through the outcome label
	if !shadow && pnl > 0 {
		r.RealizedPnL.Add(pnl)
	}
}

// SetFleet updates the fleet gauges
func (r *Registry) SetFleet(running, positions int) {
	if r == nil {
		return
	}
	r.RunningBots.Set(float64(running))
	r.OpenPositions.Set(float64(positions))
}

// SetAutonomyLevel updates the level gauge
func (r *Registry) SetAutonomyLevel(level int) {
	if r == nil {
		return
	}
	r.AutonomyLevel.Set(float64(level))
}

// ObserveRadar records one radar scan
func (r *Registry) ObserveRadar(d time.Duration) {
	if r == nil {
		return
	}
	r.RadarScans.Inc()
	r.RadarDuration.Observe(d.Seconds())
}
