package learning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/fleet"
)

func TestOptimalConfidence(t *testing.T) {
	var knowledge []*fleet.KnowledgeEntry
	for i := 0; i < 30; i++ {
		k := &fleet.KnowledgeEntry{Timestamp: now, Confidence: 60, Type: fleet.Failure, PnL: -1}
		if i%2 == 1 {
			k.Confidence, k.Type, k.PnL = 75, fleet.Success, 1
		}
		knowledge = append(knowledge, k)
	}

	th, ok := OptimalConfidence(knowledge)
	require.True(t, ok)
	// 65, 70 and 75 score the same; the lowest wins the tie
	assert.Equal(t, 65, th)

	_, ok = OptimalConfidence(knowledge[:19])
	assert.False(t, ok)
}

func TestOptimalConfidenceNeedsEdge(t *testing.T) {
	var knowledge []*fleet.KnowledgeEntry
	for i := 0; i < 30; i++ {
		typ := fleet.Failure
		if i%2 == 0 {
			typ = fleet.Success
		}
		knowledge = append(knowledge, &fleet.KnowledgeEntry{Timestamp: now, Confidence: 70, Type: typ})
	}
	_, ok := OptimalConfidence(knowledge)
	assert.False(t, ok)
}

func TestOptimalTPSL(t *testing.T) {
	var knowledge []*fleet.KnowledgeEntry
	for i := 0; i < 20; i++ {
		k := &fleet.KnowledgeEntry{Timestamp: now, EntryATRPct: 1, SLMult: 2.1, Type: fleet.Success, PnL: 2}
		if i < 2 {
			k.Type, k.PnL = fleet.Failure, -1
		}
		knowledge = append(knowledge, k)
	}
	// a noisy bucket that never reaches significance
	for i := 0; i < 6; i++ {
		typ, pnl := fleet.Success, 5.0
		if i%2 == 0 {
			typ, pnl = fleet.Failure, -5
		}
		knowledge = append(knowledge, &fleet.KnowledgeEntry{Timestamp: now, EntryATRPct: 1, SLMult: 1.0, Type: typ, PnL: pnl})
	}

	got, ok := OptimalTPSL(knowledge, now)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.SLMult)
	assert.Equal(t, 4.0, got.TPMult)
	assert.Less(t, got.PValue, SignificanceLevel)

	_, ok = OptimalTPSL(knowledge[:10], now)
	assert.False(t, ok)
}
