package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bot-fleet-engine/internal/auth"
	"bot-fleet-engine/internal/autonomy"
	"bot-fleet-engine/internal/autopilot"
	"bot-fleet-engine/internal/database"
	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
	"bot-fleet-engine/internal/notification"
	"bot-fleet-engine/internal/risk"
	"bot-fleet-engine/internal/scanner"
	"bot-fleet-engine/internal/signal"
)

// DefaultPath is read when no config file is given
const DefaultPath = "config.json"

// ErrInvalidConfig wraps every Validate failure
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	ServerConfig       ServerConfig       `json:"server" yaml:"server"`
	AuthConfig         AuthConfig         `json:"auth" yaml:"auth"`
	VaultConfig        VaultConfig        `json:"vault" yaml:"vault"`
	RedisConfig        RedisConfig        `json:"redis" yaml:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database" yaml:"database"`
	LoggingConfig      logging.Config     `json:"logging" yaml:"logging"`
	NotificationConfig NotificationConfig `json:"notification" yaml:"notification"`
	RiskConfig         risk.Config        `json:"risk" yaml:"risk"`
	AutonomyConfig     autonomy.Config    `json:"autonomy" yaml:"autonomy"`
	EngineConfig       EngineConfig       `json:"engine" yaml:"engine"`
	SignalConfig       SignalConfig       `json:"signal" yaml:"signal"`
	MetricsConfig      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds the operator API listener settings
type ServerConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"`   // comma separated, "*" for any
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`         // seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`       // seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"` // seconds
}

// Addr is the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Origins splits AllowedOrigins
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// AuthConfig holds operator authentication settings
type AuthConfig struct {
	Enabled               bool            `json:"enabled" yaml:"enabled"`
	JWTSecret             string          `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenTTLMinutes int             `json:"access_token_ttl_minutes" yaml:"access_token_ttl_minutes"`
	BcryptCost            int             `json:"bcrypt_cost" yaml:"bcrypt_cost"`
	Operators             []auth.Operator `json:"operators" yaml:"operators"`
}

// ToAuthConfig converts AuthConfig to the format expected by the auth package
func (c AuthConfig) ToAuthConfig() auth.Config {
	out := auth.DefaultConfig()
	out.Enabled = c.Enabled
	out.JWTSecret = c.JWTSecret
	if c.AccessTokenTTLMinutes > 0 {
		out.AccessTokenTTL = time.Duration(c.AccessTokenTTLMinutes) * time.Minute
	}
	if c.BcryptCost > 0 {
		out.BcryptCost = c.BcryptCost
	}
	out.Operators = c.Operators
	return out
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV v2 mount
	SecretPath string `json:"secret_path" yaml:"secret_path"` // path of the engine secret under the mount
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// RedisConfig holds Redis configuration for the record store
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// ToRedisConfig converts to the database package format
func (c RedisConfig) ToRedisConfig() database.RedisConfig {
	return database.RedisConfig{Addr: c.Address, Password: c.Password, DB: c.DB, Prefix: c.Prefix}
}

// DatabaseConfig holds the Postgres settings. When enabled it takes
// precedence over Redis as the record store and also backs the trade journal.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

// ToDatabaseConfig converts to the database package format
func (c DatabaseConfig) ToDatabaseConfig() database.Config {
	return database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
		SSLMode:  c.SSLMode,
		MaxConns: c.MaxConns,
	}
}

// NotificationConfig holds notification settings
type NotificationConfig struct {
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BotToken    string `json:"bot_token" yaml:"bot_token"`
	ChatID      int64  `json:"chat_id" yaml:"chat_id"`
	MinSeverity string `json:"min_severity" yaml:"min_severity"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// ToTelegramConfig converts to the notification package format
func (c NotificationConfig) ToTelegramConfig() notification.TelegramConfig {
	return notification.TelegramConfig{
		BotToken:    c.Telegram.BotToken,
		ChatID:      c.Telegram.ChatID,
		Enabled:     c.Enabled && c.Telegram.Enabled,
		MinSeverity: notification.Severity(c.Telegram.MinSeverity),
	}
}

// ToDiscordConfig converts to the notification package format
func (c NotificationConfig) ToDiscordConfig() notification.DiscordConfig {
	return notification.DiscordConfig{
		WebhookURL: c.Discord.WebhookURL,
		Enabled:    c.Enabled && c.Discord.Enabled,
	}
}

// EngineConfig holds orchestrator and radar settings
type EngineConfig struct {
	Symbols          []string `json:"symbols" yaml:"symbols"`
	RadarMode        string   `json:"radar_mode" yaml:"radar_mode"`
	RadarInterval    int      `json:"radar_interval" yaml:"radar_interval"`       // seconds
	RadarOffset      int      `json:"radar_offset" yaml:"radar_offset"`           // seconds
	ScanConcurrency  int      `json:"scan_concurrency" yaml:"scan_concurrency"`   // radar batch size
	ScanCacheTTL     int      `json:"scan_cache_ttl" yaml:"scan_cache_ttl"`       // seconds
	TickStagger      int      `json:"tick_stagger" yaml:"tick_stagger"`           // seconds between bot start offsets
	MaxManualBots    int      `json:"max_manual_bots" yaml:"max_manual_bots"`
	MaxChecks        int      `json:"max_checks" yaml:"max_checks"`
	MinWallet        float64  `json:"min_wallet" yaml:"min_wallet"`
	MaxWallet        float64  `json:"max_wallet" yaml:"max_wallet"`
	MinRiskReward    float64  `json:"min_risk_reward" yaml:"min_risk_reward"`
	ThesisMaxAgeSecs int      `json:"thesis_max_age" yaml:"thesis_max_age"` // seconds
}

// ToAutopilotConfig converts to the orchestrator format. Zero fields keep
// the orchestrator defaults.
func (c EngineConfig) ToAutopilotConfig() autopilot.Config {
	out := autopilot.DefaultConfig()
	if c.MaxChecks > 0 {
		out.MaxChecks = c.MaxChecks
	}
	if c.MaxManualBots > 0 {
		out.MaxManualBots = c.MaxManualBots
	}
	if c.MinWallet > 0 {
		out.MinWallet = c.MinWallet
	}
	if c.MaxWallet > 0 {
		out.MaxWallet = c.MaxWallet
	}
	if c.MinRiskReward > 0 {
		out.MinRiskReward = c.MinRiskReward
	}
	if c.ThesisMaxAgeSecs > 0 {
		out.ThesisMaxAge = seconds(c.ThesisMaxAgeSecs)
	}
	if c.RadarInterval > 0 {
		out.RadarInterval = seconds(c.RadarInterval)
	}
	if c.RadarOffset > 0 {
		out.RadarOffset = seconds(c.RadarOffset)
	}
	if c.TickStagger > 0 {
		out.TickStagger = seconds(c.TickStagger)
	}
	return out
}

// ToScannerConfig converts to the radar format
func (c EngineConfig) ToScannerConfig() scanner.ScannerConfig {
	symbols := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	return scanner.ScannerConfig{
		Symbols:     symbols,
		Mode:        fleet.Mode(c.RadarMode),
		Concurrency: c.ScanConcurrency,
		CacheTTL:    seconds(c.ScanCacheTTL),
	}
}

// SignalConfig holds the analysis backend client settings
type SignalConfig struct {
	BaseURL         string  `json:"base_url" yaml:"base_url"`
	Timeout         int     `json:"timeout" yaml:"timeout"` // seconds
	RequestsPerSec  float64 `json:"requests_per_sec" yaml:"requests_per_sec"`
	Burst           int     `json:"burst" yaml:"burst"`
	CacheTTL        int     `json:"cache_ttl" yaml:"cache_ttl"` // seconds
	BreakerFailures uint32  `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpenFor  int     `json:"breaker_open_for" yaml:"breaker_open_for"` // seconds
}

// ToClientConfig converts to the signal package format
func (c SignalConfig) ToClientConfig() signal.ClientConfig {
	out := signal.DefaultClientConfig(c.BaseURL)
	if c.Timeout > 0 {
		out.Timeout = seconds(c.Timeout)
	}
	if c.RequestsPerSec > 0 {
		out.RequestsPerSec = c.RequestsPerSec
	}
	if c.Burst > 0 {
		out.Burst = c.Burst
	}
	if c.CacheTTL > 0 {
		out.CacheTTL = seconds(c.CacheTTL)
	}
	if c.BreakerFailures > 0 {
		out.BreakerFailures = c.BreakerFailures
	}
	if c.BreakerOpenFor > 0 {
		out.BreakerOpenFor = seconds(c.BreakerOpenFor)
	}
	return out
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Default returns the configuration used when no file or env is present
func Default() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			AccessTokenTTLMinutes: 720,
			BcryptCost:            auth.DefaultBcryptCost,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "bot-fleet-engine",
		},
		RedisConfig: RedisConfig{
			Address: "localhost:6379",
			Prefix:  database.DefaultKeyPrefix,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "bot_fleet",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		LoggingConfig: logging.Config{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		RiskConfig:     risk.DefaultConfig(),
		AutonomyConfig: autonomy.DefaultConfig(),
		EngineConfig: EngineConfig{
			Symbols:          []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"},
			RadarMode:        string(fleet.Intraday),
			RadarInterval:    90,
			RadarOffset:      15,
			ScanConcurrency:  3,
			ScanCacheTTL:     300,
			TickStagger:      5,
			MaxManualBots:    10,
			MaxChecks:        500,
			MinWallet:        10,
			MaxWallet:        100000,
			MinRiskReward:    1.2,
			ThesisMaxAgeSecs: 300,
		},
		SignalConfig: SignalConfig{
			BaseURL:         "http://localhost:3000",
			Timeout:         12,
			RequestsPerSec:  2,
			Burst:           3,
			CacheTTL:        25,
			BreakerFailures: 3,
			BreakerOpenFor:  60,
		},
		MetricsConfig: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load builds the configuration: .env first, then the file over the
// defaults, then environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", DefaultPath)
	}

	cfg := Default()
	if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Unset variables keep the file value.
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenTTLMinutes = getEnvIntOrDefault("AUTH_ACCESS_TOKEN_TTL_MINUTES", cfg.AuthConfig.AccessTokenTTLMinutes)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.NotificationConfig.Telegram.Enabled)
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = int64(getEnvIntOrDefault("TELEGRAM_CHAT_ID", int(cfg.NotificationConfig.Telegram.ChatID)))
	cfg.NotificationConfig.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.NotificationConfig.Discord.Enabled)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Engine config
	if symbols := os.Getenv("ENGINE_SYMBOLS"); symbols != "" {
		cfg.EngineConfig.Symbols = strings.Split(symbols, ",")
	}
	cfg.EngineConfig.RadarInterval = getEnvIntOrDefault("ENGINE_RADAR_INTERVAL", cfg.EngineConfig.RadarInterval)
	cfg.EngineConfig.ScanConcurrency = getEnvIntOrDefault("ENGINE_SCAN_CONCURRENCY", cfg.EngineConfig.ScanConcurrency)
	cfg.EngineConfig.MaxManualBots = getEnvIntOrDefault("ENGINE_MAX_BOTS", cfg.EngineConfig.MaxManualBots)
	cfg.EngineConfig.MaxChecks = getEnvIntOrDefault("ENGINE_MAX_CHECKS", cfg.EngineConfig.MaxChecks)
	cfg.EngineConfig.ThesisMaxAgeSecs = int(getEnvDurationOrDefault("ENGINE_THESIS_MAX_AGE", seconds(cfg.EngineConfig.ThesisMaxAgeSecs)).Seconds())

	// Signal config
	cfg.SignalConfig.BaseURL = getEnvOrDefault("SIGNAL_BASE_URL", cfg.SignalConfig.BaseURL)
	cfg.SignalConfig.Timeout = getEnvIntOrDefault("SIGNAL_TIMEOUT", cfg.SignalConfig.Timeout)
	cfg.SignalConfig.RequestsPerSec = getEnvFloatOrDefault("SIGNAL_RATE_LIMIT", cfg.SignalConfig.RequestsPerSec)

	// Risk config
	cfg.RiskConfig.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", cfg.RiskConfig.MaxDailyLossPct)
	cfg.RiskConfig.MaxDrawdownPct = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN_PCT", cfg.RiskConfig.MaxDrawdownPct)
	cfg.RiskConfig.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.RiskConfig.MaxConsecutiveLosses)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvBoolOrDefault("METRICS_ENABLED", cfg.MetricsConfig.Enabled)
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	switch {
	case c.ServerConfig.Port < 1 || c.ServerConfig.Port > 65535:
		return fmt.Errorf("%w: server.port must be in [1,65535]", ErrInvalidConfig)
	case c.AuthConfig.Enabled && len(c.AuthConfig.JWTSecret) < 32 && !c.VaultConfig.Enabled:
		return fmt.Errorf("%w: auth.jwt_secret must be at least 32 characters", ErrInvalidConfig)
	case c.VaultConfig.Enabled && c.VaultConfig.Address == "":
		return fmt.Errorf("%w: vault.address is required when vault is enabled", ErrInvalidConfig)
	case len(c.EngineConfig.Symbols) == 0:
		return fmt.Errorf("%w: engine.symbols must not be empty", ErrInvalidConfig)
	case c.EngineConfig.RadarMode != "" && !fleet.Mode(c.EngineConfig.RadarMode).Valid():
		return fmt.Errorf("%w: unknown engine.radar_mode %q", ErrInvalidConfig, c.EngineConfig.RadarMode)
	case c.EngineConfig.MinWallet < 0 || (c.EngineConfig.MaxWallet > 0 && c.EngineConfig.MaxWallet < c.EngineConfig.MinWallet):
		return fmt.Errorf("%w: engine wallet range is inverted", ErrInvalidConfig)
	case c.SignalConfig.BaseURL == "":
		return fmt.Errorf("%w: signal.base_url is required", ErrInvalidConfig)
	}
	for _, op := range c.AuthConfig.Operators {
		if op.Name == "" || op.KeyHash == "" || !op.Role.Valid() {
			return fmt.Errorf("%w: operator %q needs name, key_hash and a valid role", ErrInvalidConfig, op.Name)
		}
	}
	if err := c.RiskConfig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.AutonomyConfig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// loadFromFile decodes the file over cfg. YAML is chosen by extension.
func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file %s: %w", filename, err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the defaults, with placeholders for secrets,
// as JSON or YAML depending on the extension.
func GenerateSampleConfig(filename string) error {
	config := Default()
	config.AuthConfig.JWTSecret = "change-me-to-a-random-32-plus-char-secret"
	config.AuthConfig.Operators = []auth.Operator{
		{Name: "admin", KeyHash: "<bcrypt hash of the admin api key>", Role: auth.RoleAdmin},
	}
	config.NotificationConfig.Telegram.MinSeverity = string(notification.SeverityWarning)

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
