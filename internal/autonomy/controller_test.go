package autonomy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/signal"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) LoadRecord(_ context.Context, key string, v interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (m *memStore) SaveRecord(_ context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

type transfer struct {
	from, to string
	amount   float64
}

type fakeFleet struct {
	mu        sync.Mutex
	bots      []*fleet.Bot
	ops       []scanner.Opportunity
	riskBlock string
	transfers []transfer
	stopped   []string
	closed    []string
}

func (f *fakeFleet) find(id string) *fleet.Bot {
	for _, b := range f.bots {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (f *fakeFleet) Bots() []*fleet.Bot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fleet.Bot, len(f.bots))
	for i, b := range f.bots {
		out[i] = b.Clone()
	}
	return out
}

func (f *fakeFleet) Opportunities() []scanner.Opportunity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scanner.Opportunity(nil), f.ops...)
}

func (f *fakeFleet) LaunchBot(spec fleet.Spec) (*fleet.Bot, error) {
	b, err := fleet.NewBot(spec, t0)
	if err != nil {
		return nil, err
	}
	b.Status = fleet.StatusRunning
	f.mu.Lock()
	f.bots = append(f.bots, b)
	f.mu.Unlock()
	return b.Clone(), nil
}

func (f *fakeFleet) StopBot(id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(id)
	if b == nil {
		return errors.New("not found")
	}
	b.Status = fleet.StatusIdle
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeFleet) ClosePositions(id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(id)
	if b == nil {
		return errors.New("not found")
	}
	b.Positions = []*fleet.Position{}
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeFleet) ArchiveBot(id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(id)
	if b == nil {
		return errors.New("not found")
	}
	b.Status = fleet.StatusArchived
	b.ArchiveReason = reason
	return nil
}

func (f *fakeFleet) UpdateBot(id string, fn func(*fleet.Bot)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.find(id)
	if b == nil {
		return errors.New("not found")
	}
	fn(b)
	return nil
}

func (f *fakeFleet) TransferBalance(from, to string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.find(from).CurrentBalance -= amount
	f.find(to).CurrentBalance += amount
	f.transfers = append(f.transfers, transfer{from, to, amount})
	return nil
}

func (f *fakeFleet) RiskCheck(*fleet.Bot) risk.Check {
	if f.riskBlock != "" {
		return risk.Check{Reason: f.riskBlock}
	}
	return risk.Check{Allowed: true}
}

func (f *fakeFleet) bot(id string) *fleet.Bot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(id).Clone()
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func trade(symbol string, dir fleet.Direction, pnl, conf float64, closed time.Time) *fleet.Trade {
	return &fleet.Trade{
		Position: fleet.Position{Symbol: symbol, Direction: dir, Confidence: conf},
		PnL:      pnl,
		ClosedAt: closed,
	}
}

func botWith(id, symbol string, status fleet.BotStatus, initial, current float64, trades ...*fleet.Trade) *fleet.Bot {
	b := &fleet.Bot{
		ID:             id,
		Name:           id,
		Symbol:         symbol,
		Status:         status,
		InitialBalance: initial,
		CurrentBalance: current,
		Positions:      []*fleet.Position{},
		Trades:         trades,
	}
	for _, t := range trades {
		b.Stats.Trades++
		if t.Win() {
			b.Stats.Wins++
		} else {
			b.Stats.Losses++
		}
		b.Stats.TotalPnL += t.PnL
	}
	return b
}

func newTestController(t *testing.T, f *fakeFleet, stored string) (*Controller, *clock, *memStore) {
	t.Helper()
	clk := &clock{t: t0}
	store := newMemStore()
	if stored != "" {
		store.data[stateKey] = []byte(stored)
	}
	c := NewController(f, WithStore(store), WithClock(clk.now), WithLogger(logging.Discard()))
	require.NoError(t, c.Load(context.Background()))
	return c, clk, store
}

func TestLoadResetsStrictLegacyConfig(t *testing.T) {
	stored := `{"level":2,"config":{"min_radar_confidence":75,"min_radar_signal":"strong","check_interval_ms":300000,"max_auto_bots":4}}`
	c, _, _ := newTestController(t, &fakeFleet{}, stored)

	cfg := c.Config()
	assert.Equal(t, 55.0, cfg.MinRadarConfidence)
	assert.Equal(t, scanner.Moderate, cfg.MinRadarSignal)
	assert.Equal(t, 90000, cfg.CheckIntervalMs)
	assert.Equal(t, 4, cfg.MaxAutoBots)
	assert.Equal(t, 78.0, cfg.SniperMinConf, "absent fields keep defaults")
	assert.True(t, cfg.SniperShadowMode)
	assert.Equal(t, LevelSemiAuto, c.Level())
}

func TestLoadKeepsCurrentSchemaConfig(t *testing.T) {
	stored := `{"schema_version":2,"level":1,"config":{"min_radar_signal":"strong","min_radar_confidence":70}}`
	c, _, _ := newTestController(t, &fakeFleet{}, stored)
	assert.Equal(t, scanner.Strong, c.Config().MinRadarSignal)
	assert.Equal(t, 70.0, c.Config().MinRadarConfidence)
}

func TestSeedConfigYieldsToStoredState(t *testing.T) {
	seed := DefaultConfig()
	seed.AutoWallet = 120
	c := NewController(&fakeFleet{}, WithConfig(seed), WithLogger(logging.Discard()))
	assert.Equal(t, 120.0, c.Config().AutoWallet)

	store := newMemStore()
	store.data[stateKey] = []byte(`{"schema_version":2,"level":1,"config":{"auto_wallet":60}}`)
	c = NewController(&fakeFleet{}, WithConfig(seed), WithStore(store), WithLogger(logging.Discard()))
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 60.0, c.Config().AutoWallet)
}

func TestConfigurePatch(t *testing.T) {
	c, _, store := newTestController(t, &fakeFleet{}, "")

	cfg, err := c.Configure(context.Background(), []byte(`{"auto_wallet":80,"sniper_whitelist":["btcusdt"]}`))
	require.NoError(t, err)
	assert.Equal(t, 80.0, cfg.AutoWallet)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.SniperWhitelist)
	assert.Equal(t, 10, cfg.MaxAutoBots)
	assert.Contains(t, string(store.data[stateKey]), `"auto_wallet":80`)

	_, err = c.Configure(context.Background(), []byte(`{"max_auto_bots":0}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = c.Configure(context.Background(), []byte(`{"check_interval_ms":1000}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 80.0, c.Config().AutoWallet)
}

func TestSetLevel(t *testing.T) {
	c, _, _ := newTestController(t, &fakeFleet{}, "")
	assert.ErrorIs(t, c.SetLevel(context.Background(), 4), ErrInvalidLevel)
	require.NoError(t, c.SetLevel(context.Background(), 3))
	st := c.Status()
	assert.Equal(t, LevelFullAuto, st.Level)
	assert.Equal(t, "Full Auto", st.LevelName)
	assert.True(t, st.ManualOverride)
}

func TestPromotionCountsArchivedTotals(t *testing.T) {
	stored := `{"schema_version":2,"total_auto_trades":8,"total_auto_wins":5,"total_auto_pnl":1.5}`
	c, clk, _ := newTestController(t, &fakeFleet{}, stored)

	c.PeriodicCheck(context.Background())
	assert.Equal(t, LevelSemiAuto, c.Level())
	st := c.Status()
	require.NotNil(t, st.PromotedAt)
	require.NotEmpty(t, st.History)
	assert.Equal(t, "promote", st.History[len(st.History)-1].Type)

	clk.advance(61 * time.Second)
	c.PeriodicCheck(context.Background())
	assert.Equal(t, LevelSemiAuto, c.Level(), "L3 needs 20 trades")
}

func TestDemotionOnDailyLoss(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		shadow bool
		want   Level
	}{
		{"demotes", `{"schema_version":2,"level":2}`, false, LevelSuggest},
		{"manual override holds", `{"schema_version":2,"level":2,"manual_override":true}`, false, LevelSemiAuto},
		{"shadow losses ignored", `{"schema_version":2,"level":2}`, true, LevelSemiAuto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss := trade("BTCUSDT", fleet.Long, -9, 70, t0.Add(-time.Hour))
			loss.Shadow = tt.shadow
			f := &fakeFleet{bots: []*fleet.Bot{botWith("m1", "BTCUSDT", fleet.StatusRunning, 100, 91, loss)}}
			c, _, _ := newTestController(t, f, tt.state)
			c.PeriodicCheck(context.Background())
			assert.Equal(t, tt.want, c.Level())
		})
	}
}

func TestCheckGap(t *testing.T) {
	stored := `{"schema_version":2,"total_auto_trades":8,"total_auto_wins":5}`
	c, clk, _ := newTestController(t, &fakeFleet{}, stored)
	clk.advance(time.Second)
	c.PeriodicCheck(context.Background())
	require.Equal(t, LevelSemiAuto, c.Level())

	require.NoError(t, c.SetLevel(context.Background(), 1))
	c.ClearOverride(context.Background())
	clk.advance(30 * time.Second)
	c.PeriodicCheck(context.Background())
	assert.Equal(t, LevelSuggest, c.Level(), "second check within 60s is skipped")
}

func opportunity(symbol string, conf float64, sig scanner.Strength) scanner.Opportunity {
	return scanner.Opportunity{Symbol: symbol, Direction: fleet.Long, Decision: "ENTER", Confidence: conf, Signal: sig}
}

func TestSuggestAndApprove(t *testing.T) {
	f := &fakeFleet{ops: []scanner.Opportunity{opportunity("ETHUSDT", 70, scanner.Moderate)}}
	c, clk, _ := newTestController(t, f, "")
	ctx := context.Background()

	c.PeriodicCheck(ctx)
	clk.advance(61 * time.Second)
	c.PeriodicCheck(ctx)

	sugs := c.Suggestions()
	require.Len(t, sugs, 1, "same symbol is not suggested twice within 5 minutes")
	assert.Equal(t, SuggestionPending, sugs[0].Status)
	assert.Empty(t, f.Bots(), "L1 never creates bots on its own")

	bot, err := c.ApproveSuggestion(ctx, sugs[0].ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(bot.Name, "Auto_ETHUSDT_"))
	assert.True(t, bot.AutoCreated)
	assert.Equal(t, 50.0, bot.InitialBalance)
	assert.Equal(t, SuggestionApproved, c.Suggestions()[0].Status)
	assert.Equal(t, bot.ID, c.Suggestions()[0].BotID)
	assert.Equal(t, 1, c.Status().AutoBots)

	_, err = c.ApproveSuggestion(ctx, sugs[0].ID)
	assert.ErrorIs(t, err, ErrSuggestionNotActive)
	_, err = c.ApproveSuggestion(ctx, "missing")
	assert.ErrorIs(t, err, ErrSuggestionNotFound)
}

func TestAutoCreateFilters(t *testing.T) {
	tests := []struct {
		name      string
		ops       []scanner.Opportunity
		riskBlock string
		level     int
		want      string
	}{
		{
			name:  "skips symbols with a running bot",
			ops:   []scanner.Opportunity{opportunity("BTCUSDT", 90, scanner.Strong), opportunity("SOLUSDT", 60, scanner.Moderate)},
			level: 2,
			want:  "SOLUSDT",
		},
		{
			name:  "ignores WAIT and weak",
			ops:   []scanner.Opportunity{{Symbol: "ADAUSDT", Decision: "WAIT", Confidence: 90, Signal: scanner.Strong}, opportunity("XRPUSDT", 40, scanner.Weak)},
			level: 2,
		},
		{
			name:      "risk veto",
			ops:       []scanner.Opportunity{opportunity("SOLUSDT", 80, scanner.Strong)},
			riskBlock: "paused",
			level:     2,
		},
		{
			name:  "full auto lowers the confidence floor",
			ops:   []scanner.Opportunity{opportunity("DOGEUSDT", 51, scanner.Moderate)},
			level: 3,
			want:  "DOGEUSDT",
		},
		{
			name:  "semi auto keeps the configured floor",
			ops:   []scanner.Opportunity{opportunity("DOGEUSDT", 51, scanner.Moderate)},
			level: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFleet{
				bots:      []*fleet.Bot{botWith("m1", "BTCUSDT", fleet.StatusRunning, 100, 100)},
				ops:       tt.ops,
				riskBlock: tt.riskBlock,
			}
			c, _, _ := newTestController(t, f, "")
			require.NoError(t, c.SetLevel(context.Background(), tt.level))
			c.PeriodicCheck(context.Background())

			bots := f.Bots()
			if tt.want == "" {
				assert.Len(t, bots, 1)
				return
			}
			require.Len(t, bots, 2)
			assert.Equal(t, tt.want, bots[1].Symbol)
			assert.True(t, bots[1].Running())
		})
	}
}

func TestKillOnDrawdown(t *testing.T) {
	stored := `{"schema_version":2,"level":2,"manual_override":true,"auto_bot_ids":["a1","a2"]}`
	holding := botWith("a2", "ETHUSDT", fleet.StatusRunning, 50, 30)
	holding.Positions = []*fleet.Position{{ID: "p1"}}
	f := &fakeFleet{bots: []*fleet.Bot{
		botWith("a1", "BTCUSDT", fleet.StatusRunning, 50, 40, trade("BTCUSDT", fleet.Long, -10, 70, t0.AddDate(0, 0, -2))),
		holding,
	}}
	c, _, _ := newTestController(t, f, stored)
	c.PeriodicCheck(context.Background())

	assert.Equal(t, fleet.StatusArchived, f.bot("a1").Status)
	assert.Contains(t, f.bot("a1").ArchiveReason, "drawdown")
	assert.Equal(t, fleet.StatusRunning, f.bot("a2").Status, "bots holding positions are left alone")

	st := c.Status()
	assert.Equal(t, 1, st.AutoBots)
	assert.Equal(t, 1, st.Stats.TotalTrades, "archived stats are rolled into the totals")
	assert.InDelta(t, -10, st.Stats.TotalPnL, 1e-9)
}

func TestKillAfterTwoLowFitnessCycles(t *testing.T) {
	var trades []*fleet.Trade
	for i := 0; i < 10; i++ {
		pnl, pct := -0.5, -1.0
		if i%2 == 1 {
			pnl, pct = -1.5, -3.0
		}
		tr := trade("BTCUSDT", fleet.Long, pnl, 70, t0.AddDate(0, 0, -2))
		tr.PnLPct = pct
		trades = append(trades, tr)
	}
	stored := `{"schema_version":2,"level":2,"manual_override":true,"auto_bot_ids":["a1"]}`
	f := &fakeFleet{bots: []*fleet.Bot{botWith("a1", "BTCUSDT", fleet.StatusRunning, 100, 90, trades...)}}
	c, clk, _ := newTestController(t, f, stored)

	require.Less(t, ScoreFitness(f.bot("a1")).Score, 20)

	c.PeriodicCheck(context.Background())
	assert.Equal(t, 1, f.bot("a1").LowFitnessStreak)
	assert.Equal(t, fleet.StatusRunning, f.bot("a1").Status)

	clk.advance(61 * time.Second)
	c.PeriodicCheck(context.Background())
	assert.Equal(t, fleet.StatusArchived, f.bot("a1").Status)
	assert.Contains(t, f.bot("a1").ArchiveReason, "fitness")
}

func TestKillStaleBot(t *testing.T) {
	stored := `{"schema_version":2,"level":2,"manual_override":true,"auto_bot_ids":["a1"]}`
	b := botWith("a1", "BTCUSDT", fleet.StatusRunning, 50, 50)
	b.ChecksRun = 201
	f := &fakeFleet{bots: []*fleet.Bot{b}}
	c, _, _ := newTestController(t, f, stored)
	c.PeriodicCheck(context.Background())
	assert.Equal(t, fleet.StatusArchived, f.bot("a1").Status)
}

func TestRebalanceMovesCapitalToTheBestBot(t *testing.T) {
	yesterday := t0.AddDate(0, 0, -1)
	mk := func(wins int) []*fleet.Trade {
		var out []*fleet.Trade
		for i := 0; i < 5; i++ {
			pnl := -0.1
			if i < wins {
				pnl = 0.1
			}
			out = append(out, trade("X", fleet.Long, pnl, 70, yesterday))
		}
		return out
	}
	stored := `{"schema_version":2,"level":3,"manual_override":true,"auto_bot_ids":["good","bad"]}`
	f := &fakeFleet{bots: []*fleet.Bot{
		botWith("bad", "ETHUSDT", fleet.StatusRunning, 50, 50, mk(1)...),
		botWith("good", "BTCUSDT", fleet.StatusRunning, 50, 50, mk(4)...),
	}}
	c, _, _ := newTestController(t, f, stored)
	c.PeriodicCheck(context.Background())

	require.Len(t, f.transfers, 1)
	assert.Equal(t, transfer{"bad", "good", 5}, f.transfers[0])
	assert.Equal(t, "rebalance", c.History()[len(c.History())-1].Type)
}

func TestSniperAutoTuneBlacklistsLosingSymbol(t *testing.T) {
	day := t0.Add(-2 * time.Hour)
	xrp := []*fleet.Trade{
		trade("XRPUSDT", fleet.Long, 1, 80, day),
		trade("XRPUSDT", fleet.Long, -1, 80, day.Add(time.Minute)),
		trade("XRPUSDT", fleet.Long, -1, 80, day.Add(2*time.Minute)),
		trade("XRPUSDT", fleet.Long, -1, 80, day.Add(3*time.Minute)),
		trade("XRPUSDT", fleet.Long, -1, 80, day.Add(4*time.Minute)),
	}
	btc := []*fleet.Trade{
		trade("BTCUSDT", fleet.Long, 1, 85, day),
		trade("BTCUSDT", fleet.Long, 1, 85, day.Add(time.Minute)),
		trade("BTCUSDT", fleet.Long, 1, 85, day.Add(2*time.Minute)),
	}
	f := &fakeFleet{bots: []*fleet.Bot{
		botWith("x", "XRPUSDT", fleet.StatusIdle, 50, 47, xrp...),
		botWith("b", "BTCUSDT", fleet.StatusArchived, 50, 53, btc...),
	}}
	c, _, _ := newTestController(t, f, "")

	changes := c.SetSniperEnabled(context.Background(), true)
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0], "XRPUSDT blacklisted")

	sn := c.GetSniperConfig()
	require.NotNil(t, sn)
	assert.True(t, sn.Blacklisted("XRPUSDT"))
	assert.False(t, sn.Blacklisted("BTCUSDT"))
	assert.Len(t, c.Status().TuneHistory, 1)

	res := c.Screen("XRPUSDT", fleet.Long, 85, nil)
	assert.True(t, res.Allowed)
	assert.True(t, res.Shadow, "blacklisted symbols trade in shadow")

	assert.Nil(t, c.SniperAutoTune(context.Background(), false), "throttled to once per 5 minutes")
}

func TestSniperReactivatesOnShadowRecovery(t *testing.T) {
	day := t0.Add(-3 * time.Hour)
	var trades []*fleet.Trade
	for i := 0; i < 5; i++ {
		tr := trade("XRPUSDT", fleet.Long, 0.4, 80, day.Add(time.Duration(i)*time.Minute))
		tr.Shadow = true
		trades = append(trades, tr)
	}
	for i := 0; i < 3; i++ {
		trades = append(trades, trade("BTCUSDT", fleet.Long, 0.2, 80, day.Add(time.Hour+time.Duration(i)*time.Minute)))
	}
	stored := `{"schema_version":2,"config":{"sniper_blacklist":["XRPUSDT"]}}`
	f := &fakeFleet{bots: []*fleet.Bot{botWith("x", "XRPUSDT", fleet.StatusRunning, 50, 50, trades...)}}
	c, _, _ := newTestController(t, f, stored)

	changes := c.SetSniperEnabled(context.Background(), true)
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0], "reactivated")
	assert.False(t, c.GetSniperConfig().Blacklisted("XRPUSDT"))
}

func TestSniperBlacklistWithoutShadowClosesBots(t *testing.T) {
	stored := `{"schema_version":2,"config":{"sniper_blacklist":["XRPUSDT"],"sniper_shadow_mode":false}}`
	b := botWith("x", "XRPUSDT", fleet.StatusRunning, 50, 50)
	b.Positions = []*fleet.Position{{ID: "p1", Symbol: "XRPUSDT"}}
	var trades []*fleet.Trade
	for i := 0; i < 8; i++ {
		trades = append(trades, trade("BTCUSDT", fleet.Long, 0.1, 80, t0.Add(-time.Duration(i)*time.Minute)))
	}
	f := &fakeFleet{bots: []*fleet.Bot{b, botWith("b", "BTCUSDT", fleet.StatusIdle, 50, 50, trades...)}}
	c, _, _ := newTestController(t, f, stored)

	c.SetSniperEnabled(context.Background(), true)
	assert.Equal(t, []string{"x"}, f.closed)
	assert.Equal(t, []string{"x"}, f.stopped)
	assert.Empty(t, f.bot("x").Positions)
}

func TestScreen(t *testing.T) {
	bearish := &signal.MarketScore{Score: -40, Regime: "BEARISH"}
	greedy := &signal.MarketScore{Score: 50, Regime: "EXTREME GREED"}
	tests := []struct {
		name    string
		patch   string
		symbol  string
		dir     fleet.Direction
		conf    float64
		market  *signal.MarketScore
		allowed bool
	}{
		{"below sniper confidence", `{}`, "BTCUSDT", fleet.Long, 70, nil, false},
		{"passes", `{}`, "BTCUSDT", fleet.Long, 80, nil, true},
		{"long against bearish regime", `{}`, "BTCUSDT", fleet.Long, 80, bearish, false},
		{"short with bearish regime", `{}`, "BTCUSDT", fleet.Short, 80, bearish, true},
		{"short against greed", `{}`, "BTCUSDT", fleet.Short, 80, greedy, false},
		{"long only", `{"sniper_direction":"long"}`, "BTCUSDT", fleet.Short, 80, nil, false},
		{"short only", `{"sniper_direction":"short"}`, "BTCUSDT", fleet.Long, 80, nil, false},
		{"both ignores regime", `{"sniper_direction":"both"}`, "BTCUSDT", fleet.Long, 80, bearish, true},
		{"whitelist excludes", `{"sniper_whitelist":["ETHUSDT"]}`, "BTCUSDT", fleet.Long, 80, nil, false},
		{"blacklist without shadow", `{"sniper_blacklist":["BTCUSDT"],"sniper_shadow_mode":false}`, "BTCUSDT", fleet.Long, 80, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestController(t, &fakeFleet{}, "")
			_, err := c.Configure(context.Background(), []byte(tt.patch))
			require.NoError(t, err)
			c.SetSniperEnabled(context.Background(), true)

			res := c.Screen(tt.symbol, tt.dir, tt.conf, tt.market)
			assert.True(t, res.Active)
			assert.Equal(t, tt.allowed, res.Allowed, res.Reason)
		})
	}
}

func TestScreenInactiveWhenSniperOff(t *testing.T) {
	c, _, _ := newTestController(t, &fakeFleet{}, "")
	res := c.Screen("BTCUSDT", fleet.Long, 10, nil)
	assert.False(t, res.Active)
	assert.True(t, res.Allowed)
	assert.Nil(t, c.GetSniperConfig())
}

func TestToggleBlacklist(t *testing.T) {
	c, _, _ := newTestController(t, &fakeFleet{}, "")
	assert.True(t, c.ToggleBlacklist(context.Background(), "xrpusdt"))
	assert.Equal(t, []string{"XRPUSDT"}, c.Config().SniperBlacklist)
	assert.False(t, c.ToggleBlacklist(context.Background(), "XRPUSDT"))
	assert.Empty(t, c.Config().SniperBlacklist)
}

func TestShutdownStopsAutoBots(t *testing.T) {
	stored := `{"schema_version":2,"auto_bot_ids":["a1"]}`
	f := &fakeFleet{bots: []*fleet.Bot{
		botWith("a1", "BTCUSDT", fleet.StatusRunning, 50, 50),
		botWith("m1", "ETHUSDT", fleet.StatusRunning, 50, 50),
	}}
	c, _, _ := newTestController(t, f, stored)
	c.Shutdown(context.Background())
	assert.Equal(t, []string{"a1"}, f.stopped)
}
