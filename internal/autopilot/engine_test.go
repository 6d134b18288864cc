package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/database"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/learning"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/scheduler"
	"bot-fleet-engine/internal/signal"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	result *signal.Result
	err    error
	calls  int
	hook   func()
	gate   chan struct{}
}

func (f *fakeSource) Analyze(ctx context.Context, symbol string, _ signal.Options) (*signal.Result, error) {
	f.mu.Lock()
	f.calls++
	hook, r, err, gate := f.hook, f.result, f.err, f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if r == nil {
		return &signal.Result{Symbol: symbol, Decision: signal.DecisionWait}, nil
	}
	cp := *r
	cp.Symbol = symbol
	return &cp, nil
}

func (f *fakeSource) set(r *signal.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = r
}

type fakeMarket struct {
	score  *signal.MarketScore
	corr   *signal.Correlation
	thesis *fleet.Thesis
}

func (m *fakeMarket) MarketScore() (signal.MarketScore, bool) {
	if m.score == nil {
		return signal.MarketScore{}, false
	}
	return *m.score, true
}

func (m *fakeMarket) SymbolCorrelation(string) (*signal.Correlation, bool) {
	return m.corr, m.corr != nil
}

func (m *fakeMarket) Thesis(string) (*fleet.Thesis, bool) {
	return m.thesis, m.thesis != nil
}

type fakeJournal struct {
	mu     sync.Mutex
	trades []*fleet.Trade
}

func (j *fakeJournal) JournalTrade(_ context.Context, _ string, t *fleet.Trade) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.trades = append(j.trades, t)
	return nil
}

func (j *fakeJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.trades)
}

type fakeSniper struct {
	cfg    *autonomy.SniperConfig
	screen autonomy.ScreenResult
}

func (s *fakeSniper) GetSniperConfig() *autonomy.SniperConfig { return s.cfg }

func (s *fakeSniper) Screen(string, fleet.Direction, float64, *signal.MarketScore) autonomy.ScreenResult {
	return s.screen
}

type harness struct {
	e       *Engine
	src     *fakeSource
	store   *database.MemoryStore
	journal *fakeJournal
	now     time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{src: &fakeSource{}, store: database.NewMemoryStore(), journal: &fakeJournal{}, now: t0}
	clock := func() time.Time { return h.now }
	gov := risk.NewGovernor(risk.WithClock(clock), risk.WithLogger(logging.Discard()))
	base := []Option{
		WithStore(h.store),
		WithJournal(h.journal),
		WithClock(clock),
		WithLogger(logging.Discard()),
		WithLearning(learning.NewFilter(learning.WithClock(clock), learning.WithLogger(logging.Discard()))),
	}
	h.e = NewEngine(h.src, gov, append(base, opts...)...)
	return h
}

func (h *harness) runningBot(t *testing.T, spec fleet.Spec) *fleet.Bot {
	t.Helper()
	ctx := context.Background()
	b, err := h.e.CreateBot(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, h.e.StartBot(ctx, b.ID))
	return b
}

func (h *harness) bot(t *testing.T, id string) *fleet.Bot {
	t.Helper()
	b, err := h.e.Bot(id)
	require.NoError(t, err)
	return b
}

func greenVotes(n int) []signal.BotVote {
	votes := make([]signal.BotVote, n)
	for i := range votes {
		votes[i] = signal.BotVote{Signal: "green"}
	}
	return votes
}

func enterLong() *signal.Result {
	return &signal.Result{
		Direction:     fleet.Long,
		Decision:      signal.DecisionEnter,
		Confidence:    80,
		RiskReward:    2,
		Price:         100,
		ATR:           1,
		ATRPct:        1,
		BotsConsulted: greenVotes(3),
	}
}

func waitAt(price float64) *signal.Result {
	return &signal.Result{Decision: signal.DecisionWait, Price: price}
}

var intradayNormal = fleet.Spec{Name: "alpha", Symbol: "BTCUSDT", Mode: fleet.Intraday, Temperature: fleet.Normal, Wallet: 1000}

func TestCreateBotValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxManualBots = 2
	h := newHarness(t, WithConfig(cfg))
	ctx := context.Background()

	_, err := h.e.CreateBot(ctx, fleet.Spec{Symbol: "BTCUSDT", Wallet: 5})
	assert.ErrorIs(t, err, fleet.ErrInvalidSpec)
	_, err = h.e.CreateBot(ctx, fleet.Spec{Symbol: "BTCUSDT", Wallet: 200000})
	assert.ErrorIs(t, err, fleet.ErrInvalidSpec)

	for i := 0; i < 2; i++ {
		_, err = h.e.CreateBot(ctx, intradayNormal)
		require.NoError(t, err)
	}
	_, err = h.e.CreateBot(ctx, intradayNormal)
	assert.ErrorIs(t, err, ErrFleetFull)

	// the autonomy path is not capped
	b, err := h.e.LaunchBot(intradayNormal)
	require.NoError(t, err)
	assert.True(t, b.Running())
	assert.Len(t, h.e.Bots(), 3)
}

func TestTickOpensPosition(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())

	res := h.e.Tick(context.Background(), b.ID)
	require.Equal(t, OutcomeOpened, res.Outcome, res.Reason)

	got := h.bot(t, b.ID)
	require.Len(t, got.Positions, 1)
	pos := got.Positions[0]
	assert.Equal(t, fleet.Long, pos.Direction)
	assert.Equal(t, 35, pos.Leverage)
	assert.InDelta(t, 20, pos.Margin, 1e-9)
	assert.InDelta(t, 98.5, pos.SL, 1e-9, "stop capped at 1.5%")
	assert.InDelta(t, 104, pos.TP, 1e-9)
	assert.Equal(t, 3, pos.GreenBots)
	assert.False(t, pos.Shadow)
	assert.InDelta(t, 1000-20-0.28, got.CurrentBalance, 1e-9)
	assert.Equal(t, 1, got.ChecksRun)

	var stored fleet.Bot
	found, err := h.store.LoadRecord(context.Background(), database.BotKey(b.ID), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored.Positions, 1)
}

func TestTickClosesOnTarget(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())
	require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)

	h.now = t0.Add(10 * time.Minute)
	h.src.set(waitAt(104.5))
	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, StageDecision, res.Stage)

	got := h.bot(t, b.ID)
	assert.Empty(t, got.Positions)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, ReasonTPHit, got.Trades[0].Reason)
	assert.True(t, got.Trades[0].Win())
	require.Len(t, got.Knowledge, 1)
	assert.Equal(t, fleet.Success, got.Knowledge[0].Type)
	assert.Greater(t, got.CurrentBalance, 1000.0)
	assert.Equal(t, 1, got.Stats.Wins)
	assert.Equal(t, 1, h.journal.len())
	assert.Equal(t, 1, h.e.Learning().Stats().AllowedWon)
}

func TestTickStopHits(t *testing.T) {
	tests := []struct {
		name   string
		dir    fleet.Direction
		price  float64
		reason string
	}{
		{"long stop", fleet.Long, 98, ReasonSLHit},
		{"short target", fleet.Short, 95.5, ReasonTPHit},
		{"short stop", fleet.Short, 101.6, ReasonSLHit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			b := h.runningBot(t, intradayNormal)
			r := enterLong()
			r.Direction = tt.dir
			h.src.set(r)
			require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)

			h.src.set(waitAt(tt.price))
			h.e.Tick(context.Background(), b.ID)
			got := h.bot(t, b.ID)
			require.Len(t, got.Trades, 1)
			assert.Equal(t, tt.reason, got.Trades[0].Reason)
		})
	}
}

func TestTickZoneManagement(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())
	require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)

	// green: stop moves to breakeven
	h.src.set(waitAt(102.5))
	assert.Equal(t, OutcomeManaged, h.e.Tick(context.Background(), b.ID).Outcome)
	pos := h.bot(t, b.ID).Positions[0]
	assert.Equal(t, fleet.ZoneGreen, pos.Zone)
	assert.True(t, pos.MovedToBreakeven)
	assert.InDelta(t, 100.1, pos.SL, 1e-9)

	// golden with fading momentum: 70% is realized, stops wait a tick
	before := h.bot(t, b.ID).CurrentBalance
	r := waitAt(103.6)
	r.Candles = []fleet.Candle{{Close: 104}, {Close: 103.8}, {Close: 103.6}}
	h.src.set(r)
	h.e.Tick(context.Background(), b.ID)
	got := h.bot(t, b.ID)
	require.Len(t, got.Positions, 1)
	pos = got.Positions[0]
	assert.Equal(t, fleet.ZoneGolden, pos.Zone)
	assert.True(t, pos.PartialClosed)
	assert.InDelta(t, 6, pos.Margin, 1e-9)
	assert.InDelta(t, 100.1, pos.SL, 1e-9)
	assert.Greater(t, got.CurrentBalance, before)
	assert.Len(t, pos.ZoneHistory, 2)
}

func TestTickStopsAtCheckLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChecks = 3
	h := newHarness(t, WithConfig(cfg))
	b := h.runningBot(t, intradayNormal)
	h.src.set(waitAt(100))

	for i := 0; i < 2; i++ {
		assert.Equal(t, OutcomeBlocked, h.e.Tick(context.Background(), b.ID).Outcome)
	}
	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeStopped, res.Outcome)
	assert.Equal(t, fleet.StatusIdle, h.bot(t, b.ID).Status)
	assert.Equal(t, 2, h.src.calls)

	assert.Equal(t, OutcomeSkipped, h.e.Tick(context.Background(), b.ID).Outcome)
}

func TestTickDiscardsStaleResult(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())
	h.src.hook = func() { _ = h.e.StopBot(b.ID, "operator") }

	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Empty(t, h.bot(t, b.ID).Positions)
}

func TestTickReportsUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.err = signal.ErrUpstreamUnavailable

	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.True(t, h.bot(t, b.ID).Running())
}

func TestTickSkipsDuringRadarScan(t *testing.T) {
	radarSrc := &fakeSource{gate: make(chan struct{})}
	radar := scanner.NewScanner(radarSrc, scanner.ScannerConfig{Symbols: []string{"BTCUSDT"}})
	h := newHarness(t, WithRadar(radar))
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.e.RunRadar(context.Background())
	}()
	require.Eventually(t, radar.Scanning, time.Second, 5*time.Millisecond)

	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 0, h.src.calls)

	radarSrc.gate <- struct{}{}
	<-done
	assert.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)
}

func TestEvaluateEntryStages(t *testing.T) {
	fresh := &fleet.Thesis{Consensus: "BEARISH", BearVotes: 6, Timestamp: t0.Add(-time.Minute)}
	stale := &fleet.Thesis{Consensus: "BEARISH", BearVotes: 6, Timestamp: t0.Add(-10 * time.Minute)}

	tests := []struct {
		name   string
		temp   fleet.Temperature
		edit   func(r *signal.Result)
		mv     MarketView
		stage  string
		allows bool
	}{
		{name: "wait", temp: fleet.Normal, edit: func(r *signal.Result) { r.Decision = signal.DecisionWait }, stage: StageDecision},
		{name: "low confidence", temp: fleet.Normal, edit: func(r *signal.Result) { r.Confidence = 60 }, stage: StageConfidence},
		{name: "aggressive accepts 60", temp: fleet.Aggressive, edit: func(r *signal.Result) { r.Confidence = 60 }, allows: true},
		{name: "weak alignment", temp: fleet.Normal, edit: func(r *signal.Result) {
			r.BotsConsulted = append(greenVotes(1), signal.BotVote{Signal: "red"}, signal.BotVote{Signal: "red"})
		}, stage: StageAlignment},
		{name: "no bots consulted", temp: fleet.Normal, edit: func(r *signal.Result) { r.BotsConsulted = nil }, allows: true},
		{name: "poor risk reward", temp: fleet.Normal, edit: func(r *signal.Result) { r.RiskReward = 1.1 }, stage: StageRiskReward},
		{name: "normal vs fear", temp: fleet.Normal, mv: MarketView{Score: &signal.MarketScore{Score: -65}}, stage: StageRegime},
		{name: "normal tolerates -50", temp: fleet.Normal, mv: MarketView{Score: &signal.MarketScore{Score: -50}}, allows: true},
		{name: "conservative vs -50", temp: fleet.Conservative, edit: func(r *signal.Result) { r.Confidence = 85 },
			mv: MarketView{Score: &signal.MarketScore{Score: -50}}, stage: StageRegime},
		{name: "aggressive ignores regime", temp: fleet.Aggressive, mv: MarketView{Score: &signal.MarketScore{Score: -90}}, allows: true},
		{name: "divergent laggard", temp: fleet.Normal,
			mv: MarketView{Correlation: &signal.Correlation{StrengthLabel: "underperform"}}, stage: StageCorrelation},
		{name: "aggressive ignores correlation", temp: fleet.Aggressive,
			mv: MarketView{Correlation: &signal.Correlation{StrengthLabel: "underperform"}}, allows: true},
		{name: "strong opposing thesis", temp: fleet.Normal, mv: MarketView{Thesis: fresh}, stage: StageThesis},
		{name: "stale thesis ignored", temp: fleet.Normal, mv: MarketView{Thesis: stale}, allows: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			spec := intradayNormal
			spec.Temperature = tt.temp
			b, err := h.e.CreateBot(context.Background(), spec)
			require.NoError(t, err)

			r := enterLong()
			if tt.edit != nil {
				tt.edit(r)
			}
			d, err := h.e.EvaluateEntry(b.ID, r, tt.mv)
			require.NoError(t, err)
			if tt.allows {
				assert.True(t, d.Allowed, d.Reason)
				assert.Equal(t, fleet.Long, d.Direction)
				return
			}
			assert.False(t, d.Allowed)
			assert.Equal(t, tt.stage, d.Stage)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestSniperShadowEntry(t *testing.T) {
	sn := &fakeSniper{
		cfg:    &autonomy.SniperConfig{Enabled: true, MinConf: 70, Leverage: 10, MarginPct: 5, ShadowMode: true},
		screen: autonomy.ScreenResult{Active: true, Allowed: true, Shadow: true},
	}
	h := newHarness(t, WithSniper(sn))
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())

	require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)
	got := h.bot(t, b.ID)
	pos := got.Positions[0]
	assert.True(t, pos.Shadow)
	assert.True(t, pos.SniperTrade)
	assert.Equal(t, 10, pos.Leverage)
	assert.InDelta(t, 50, pos.Margin, 1e-9)
	assert.InDelta(t, 1000, got.CurrentBalance, 1e-9, "shadow entries leave the wallet alone")

	sn.screen = autonomy.ScreenResult{Active: true, Reason: "BTCUSDT is not whitelisted"}
	d, err := h.e.EvaluateEntry(b.ID, enterLong(), MarketView{})
	require.NoError(t, err)
	assert.Equal(t, StageSniper, d.Stage)
}

func TestComputeTargets(t *testing.T) {
	tests := []struct {
		name   string
		mode   fleet.Mode
		dir    fleet.Direction
		atr    float64
		atrPct float64
		tp, sl float64
	}{
		{"atr capped", fleet.Intraday, fleet.Long, 1, 1, 104, 98.5},
		{"atr uncapped", fleet.Swing, fleet.Long, 1, 1, 105, 98},
		{"atr short", fleet.Swing, fleet.Short, 1, 1, 95, 102},
		{"fallback without atr", fleet.Intraday, fleet.Long, 0, 0, 102, 99.2},
		{"fallback on tiny atr", fleet.Scalping, fleet.Short, 0.001, 0.001, 99.6, 100.15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.mode.Profile()
			got := computeTargets(tt.mode, tt.dir, 100, tt.atr, tt.atrPct, p.SLMult, p.TPMult)
			assert.InDelta(t, tt.tp, got.TP, 1e-9)
			assert.InDelta(t, tt.sl, got.SL, 1e-9)
		})
	}

	// the target never sits closer than twice the stop
	got := computeTargets(fleet.Swing, fleet.Long, 100, 1, 1, 2, 2.5)
	assert.InDelta(t, 104, got.TP, 1e-9)
}

func TestArchiveForceCloses(t *testing.T) {
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())
	require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)

	require.NoError(t, h.e.ArchiveBot(b.ID, "low fitness"))
	got := h.bot(t, b.ID)
	assert.Equal(t, fleet.StatusArchived, got.Status)
	assert.Equal(t, "low fitness", got.ArchiveReason)
	assert.Empty(t, got.Positions)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, "forced close", got.Trades[0].Reason)
	assert.InDelta(t, 100, got.Trades[0].ExitPrice, 1e-9)

	assert.ErrorIs(t, h.e.StartBot(context.Background(), b.ID), ErrBotArchived)
	require.NoError(t, h.e.RestoreBot(context.Background(), b.ID))
	assert.Equal(t, fleet.StatusIdle, h.bot(t, b.ID).Status)
}

func TestDeleteBot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())
	require.Equal(t, OutcomeOpened, h.e.Tick(ctx, b.ID).Outcome)

	assert.ErrorIs(t, h.e.DeleteBot(ctx, b.ID), ErrOpenPositions)
	assert.Equal(t, fleet.StatusIdle, h.bot(t, b.ID).Status, "delete stops the bot first")

	require.NoError(t, h.e.ForceDeleteBot(ctx, b.ID))
	_, err := h.e.Bot(b.ID)
	assert.ErrorIs(t, err, ErrBotNotFound)
	found, err := h.store.LoadRecord(ctx, database.BotKey(b.ID), &fleet.Bot{})
	require.NoError(t, err)
	assert.False(t, found)

	idle, err := h.e.CreateBot(ctx, intradayNormal)
	require.NoError(t, err)
	require.NoError(t, h.e.DeleteBot(ctx, idle.ID))
	assert.Empty(t, h.e.Bots())
}

func TestEmergencyStopAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.runningBot(t, intradayNormal)
	b := h.runningBot(t, intradayNormal)

	assert.Equal(t, 2, h.e.EmergencyStop("test"))
	assert.Empty(t, h.e.RunningBots())
	assert.True(t, h.e.Governor().Paused())

	require.NoError(t, h.e.StartBot(ctx, a.ID))
	h.src.set(enterLong())
	res := h.e.Tick(ctx, a.ID)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, StageRisk, res.Stage)

	h.e.Resume()
	assert.Equal(t, OutcomeOpened, h.e.Tick(ctx, a.ID).Outcome)
	assert.Equal(t, fleet.StatusIdle, h.bot(t, b.ID).Status, "resume does not restart bots")
}

func TestLoadRestoresBots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	b := h.runningBot(t, intradayNormal)

	gov := risk.NewGovernor(risk.WithLogger(logging.Discard()))
	e2 := NewEngine(h.src, gov, WithStore(h.store), WithLogger(logging.Discard()))
	require.NoError(t, e2.Load(ctx))
	got, err := e2.Bot(b.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.True(t, got.Running())
	assert.Equal(t, fleet.BotSchemaVersion, got.SchemaVersion)
}

func TestTransferBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, err := h.e.CreateBot(ctx, intradayNormal)
	require.NoError(t, err)
	b, err := h.e.CreateBot(ctx, intradayNormal)
	require.NoError(t, err)

	require.NoError(t, h.e.TransferBalance(a.ID, b.ID, 250))
	assert.InDelta(t, 750, h.bot(t, a.ID).CurrentBalance, 1e-9)
	assert.InDelta(t, 1250, h.bot(t, b.ID).CurrentBalance, 1e-9)

	err = h.e.TransferBalance(a.ID, b.ID, 5000)
	assert.True(t, errors.Is(err, fleet.ErrInsufficientBalance))
	assert.ErrorIs(t, h.e.TransferBalance(a.ID, "missing", 1), ErrBotNotFound)
}

func TestStartSchedulesTicks(t *testing.T) {
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	h := newHarness(t, WithScheduler(sched))

	b, err := h.e.LaunchBot(intradayNormal)
	require.NoError(t, err)
	assert.True(t, sched.Active("bot:"+b.ID))

	require.NoError(t, h.e.StopBot(b.ID, ""))
	assert.False(t, sched.Active("bot:"+b.ID))
	require.NoError(t, h.e.StopBot(b.ID, ""), "stopping an idle bot is a no-op")

	require.NoError(t, h.e.StartBot(context.Background(), b.ID))
	h.e.Shutdown(context.Background())
	assert.False(t, sched.Active("bot:"+b.ID))
}

func TestTickUsesMarketContext(t *testing.T) {
	market := &fakeMarket{score: &signal.MarketScore{Score: -70, Regime: "BEARISH"}}
	h := newHarness(t, WithMarketContext(market))
	b := h.runningBot(t, intradayNormal)
	h.src.set(enterLong())

	res := h.e.Tick(context.Background(), b.ID)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.Equal(t, StageRegime, res.Stage)

	market.score = &signal.MarketScore{Score: 20, Regime: "NEUTRAL"}
	market.thesis = &fleet.Thesis{Consensus: "BULLISH", BullVotes: 7, Timestamp: t0}
	require.Equal(t, OutcomeOpened, h.e.Tick(context.Background(), b.ID).Outcome)
	pos := h.bot(t, b.ID).Positions[0]
	assert.Equal(t, "NEUTRAL", pos.Regime)
	require.NotNil(t, pos.Thesis)
	assert.Equal(t, "BULLISH", pos.Thesis.Consensus)
}
