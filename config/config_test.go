package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bot-fleet-engine/internal/auth"
	"bot-fleet-engine/internal/fleet"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ServerConfig.Port)
	assert.Equal(t, 500, cfg.EngineConfig.MaxChecks)
	assert.Equal(t, 15.0, cfg.RiskConfig.MaxDrawdownPct)
	assert.Equal(t, "/metrics", cfg.MetricsConfig.Path)
}

func TestLoadJSONOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9090},
		"engine": {"symbols": ["adausdt"], "max_checks": 200},
		"risk": {"max_daily_loss_pct": 3, "max_drawdown_pct": 10, "max_consecutive_losses": 4,
			"max_position_pct": 20, "max_open_positions": 6, "max_same_symbol": 1,
			"cooldown_minutes": 15, "min_balance": 5}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.ServerConfig.Port)
	assert.Equal(t, "0.0.0.0", cfg.ServerConfig.Host, "unset fields keep defaults")
	assert.Equal(t, 3.0, cfg.RiskConfig.MaxDailyLossPct)
	assert.Equal(t, 200, cfg.EngineConfig.ToAutopilotConfig().MaxChecks)
	assert.Equal(t, []string{"ADAUSDT"}, cfg.EngineConfig.ToScannerConfig().Symbols)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
autonomy:
  max_auto_bots: 4
  auto_wallet: 75
  auto_mode: swing
  auto_temp: conservative
  min_radar_confidence: 60
  min_radar_signal: strong
  kill_drawdown: 15
  check_interval_ms: 120000
  sniper_min_conf: 80
  sniper_leverage: 20
  sniper_margin_pct: 3
  sniper_direction: long
engine:
  radar_mode: scalping
  radar_interval: 60
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.ServerConfig.Port)
	assert.Equal(t, 4, cfg.AutonomyConfig.MaxAutoBots)
	assert.Equal(t, fleet.Swing, cfg.AutonomyConfig.AutoMode)
	assert.Equal(t, fleet.Scalping, cfg.EngineConfig.ToScannerConfig().Mode)
	assert.Equal(t, 60*time.Second, cfg.EngineConfig.ToAutopilotConfig().RadarInterval)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":`), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEB_PORT", "8181")
	t.Setenv("ENGINE_SYMBOLS", "BTCUSDT,ETHUSDT")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("LOG_JSON", "false")
	t.Setenv("ENGINE_THESIS_MAX_AGE", "2m")
	t.Setenv("SIGNAL_RATE_LIMIT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.ServerConfig.Port)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.EngineConfig.Symbols)
	assert.True(t, cfg.RedisConfig.Enabled)
	assert.False(t, cfg.LoggingConfig.JSONFormat)
	assert.Equal(t, 120, cfg.EngineConfig.ThesisMaxAgeSecs)
	assert.Equal(t, 2.0, cfg.SignalConfig.RequestsPerSec, "unparsable values keep the current value")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.ServerConfig.Port = 0 }},
		{"short jwt secret", func(c *Config) { c.AuthConfig.Enabled = true; c.AuthConfig.JWTSecret = "short" }},
		{"vault without address", func(c *Config) { c.VaultConfig.Enabled = true; c.VaultConfig.Address = "" }},
		{"no symbols", func(c *Config) { c.EngineConfig.Symbols = nil }},
		{"radar mode", func(c *Config) { c.EngineConfig.RadarMode = "hodl" }},
		{"wallet range", func(c *Config) { c.EngineConfig.MinWallet = 500; c.EngineConfig.MaxWallet = 100 }},
		{"signal url", func(c *Config) { c.SignalConfig.BaseURL = "" }},
		{"operator role", func(c *Config) {
			c.AuthConfig.Operators = []auth.Operator{{Name: "x", KeyHash: "h", Role: "root"}}
		}},
		{"risk", func(c *Config) { c.RiskConfig.MaxDailyLossPct = 0 }},
		{"autonomy", func(c *Config) { c.AutonomyConfig.MaxAutoBots = 0 }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestJWTSecretMayComeFromVault(t *testing.T) {
	cfg := Default()
	cfg.AuthConfig.Enabled = true
	cfg.VaultConfig.Enabled = true
	assert.NoError(t, cfg.Validate())
}

func TestGenerateSampleConfigLoads(t *testing.T) {
	for _, name := range []string{"sample.json", "sample.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, GenerateSampleConfig(path))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Len(t, cfg.AuthConfig.Operators, 1)
			assert.Equal(t, auth.RoleAdmin, cfg.AuthConfig.Operators[0].Role)
			assert.Equal(t, Default().EngineConfig.Symbols, cfg.EngineConfig.Symbols)
			assert.Equal(t, 12*time.Hour, cfg.AuthConfig.ToAuthConfig().AccessTokenTTL)
		})
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.NotificationConfig.Enabled = true
	cfg.NotificationConfig.Telegram.Enabled = true
	cfg.NotificationConfig.Telegram.ChatID = 42
	cfg.ServerConfig.AllowedOrigins = "http://a, http://b,"

	assert.True(t, cfg.NotificationConfig.ToTelegramConfig().Enabled)
	assert.False(t, cfg.NotificationConfig.ToDiscordConfig().Enabled)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.ServerConfig.Origins())
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerConfig.Addr())
	assert.Equal(t, "localhost", cfg.DatabaseConfig.ToDatabaseConfig().Host)
	assert.Equal(t, 12*time.Second, cfg.SignalConfig.ToClientConfig().Timeout)
}
