package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bot-fleet-engine/config"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when the engine secret does not exist
var ErrSecretNotFound = errors.New("secret not found")

// Secrets are the engine credentials kept out of the config file
type Secrets struct {
	JWTSecret        string `json:"jwt_secret"`
	DatabasePassword string `json:"database_password"`
	RedisPassword    string `json:"redis_password"`
	TelegramToken    string `json:"telegram_token"`
	DiscordWebhook   string `json:"discord_webhook"`
}

// Apply copies every non-empty secret into cfg
func (s *Secrets) Apply(cfg *config.Config) {
	if s == nil {
		return
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DatabasePassword != "" {
		cfg.DatabaseConfig.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.TelegramToken != "" {
		cfg.NotificationConfig.Telegram.BotToken = s.TelegramToken
	}
	if s.DiscordWebhook != "" {
		cfg.NotificationConfig.Discord.WebhookURL = s.DiscordWebhook
	}
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client       *api.Client
	config       config.VaultConfig
	mu           sync.RWMutex
	cache        *Secrets
	cacheEnabled bool
}

// NewClient creates a new Vault client. A disabled config yields a client
// that only serves what was stored in its cache.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg, cacheEnabled: true}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cacheEnabled: true,
	}, nil
}

// LoadSecrets reads the engine secret from the KV v2 engine
func (c *Client) LoadSecrets(ctx context.Context) (*Secrets, error) {
	c.mu.RLock()
	cached := c.cache
	if !c.cacheEnabled {
		cached = nil
	}
	c.mu.RUnlock()
	if cached != nil {
		out := *cached
		return &out, nil
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w: vault is disabled", ErrSecretNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	s := &Secrets{
		JWTSecret:        getString(data, "jwt_secret"),
		DatabasePassword: getString(data, "database_password"),
		RedisPassword:    getString(data, "redis_password"),
		TelegramToken:    getString(data, "telegram_token"),
		DiscordWebhook:   getString(data, "discord_webhook"),
	}
	c.remember(s)
	return s, nil
}

// StoreSecrets writes the engine secret
func (c *Client) StoreSecrets(ctx context.Context, s Secrets) error {
	if !c.config.Enabled {
		// local cache only, for development and tests
		c.remember(&s)
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"jwt_secret":        s.JWTSecret,
			"database_password": s.DatabasePassword,
			"redis_password":    s.RedisPassword,
			"telegram_token":    s.TelegramToken,
			"discord_webhook":   s.DiscordWebhook,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(), secretData); err != nil {
		return fmt.Errorf("failed to store secrets in vault: %w", err)
	}
	c.remember(&s)
	return nil
}

func (c *Client) remember(s *Secrets) {
	cp := *s
	c.mu.Lock()
	if c.cacheEnabled {
		c.cache = &cp
	}
	c.mu.Unlock()
}

// ClearCache drops the cached secret so the next load hits Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

// secretPath returns the KV v2 data path of the engine secret
func (c *Client) secretPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
