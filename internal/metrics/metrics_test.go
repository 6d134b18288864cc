package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegistryRecords(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())

	r.CloseTrade(true, "golden", 2.5, false)
	r.CloseTrade(false, "red", -1, false)
	r.CloseTrade(true, "green", 4, true)
	r.BlockEntry("learning")
	r.BlockEntry("learning")
	r.OpenEntry("LONG", true)
	r.SetFleet(3, 2)
	r.SetAutonomyLevel(2)
	r.ObserveRadar(3 * time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.TradesClosed.WithLabelValues("win", "golden")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.TradesClosed.WithLabelValues("loss", "red")))
	assert.Equal(t, 2.5, testutil.ToFloat64(r.RealizedPnL))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.EntriesBlocked.WithLabelValues("learning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.EntriesOpened.WithLabelValues("LONG", "true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.RunningBots))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.OpenPositions))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.AutonomyLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RadarScans))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.ObserveTick("scalping", "ok", time.Millisecond)
		r.SkipTick("scanning")
		r.BlockEntry("risk")
		r.OpenEntry("SHORT", false)
		r.CloseTrade(true, "green", 1, false)
		r.SetFleet(1, 1)
		r.SetAutonomyLevel(1)
		r.ObserveRadar(time.Second)
	})
}
