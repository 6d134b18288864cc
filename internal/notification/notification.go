package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"bot-fleet-engine/internal/logging"
)

// Severity of a user-visible message
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Sink is the fire-and-forget notification surface used by the engine
type Sink interface {
	Notify(message string, severity Severity, duration time.Duration)
}

// Notification represents a notification message
type Notification struct {
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

const recentLimit = 50

// Manager manages multiple notification providers
type Manager struct {
	mu        sync.RWMutex
	notifiers []Notifier
	recent    []Notification
	logger    *logging.Logger
	wg        sync.WaitGroup
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		logger:    logging.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// Notify logs the message, keeps it in the recent list and delivers it to
// every enabled provider in the background.
func (m *Manager) Notify(message string, severity Severity, duration time.Duration) {
	n := &Notification{Message: message, Severity: severity, Duration: duration, Timestamp: time.Now()}

	m.mu.Lock()
	m.recent = append(m.recent, *n)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
	notifiers := append([]Notifier(nil), m.notifiers...)
	m.mu.Unlock()

	switch severity {
	case SeverityError:
		m.logger.Error(message, "severity", string(severity))
	case SeverityWarning:
		m.logger.Warn(message, "severity", string(severity))
	default:
		m.logger.Info(message, "severity", string(severity))
	}

	for _, p := range notifiers {
		if !p.IsEnabled() {
			continue
		}
		m.wg.Add(1)
		go func(p Notifier) {
			defer m.wg.Done()
			if err := p.Send(n); err != nil {
				m.logger.WithError(err).Warn("Notification delivery failed", "provider", p.Name())
			}
		}(p)
	}
}

// Recent returns the latest notifications, newest last
func (m *Manager) Recent() []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Notification(nil), m.recent...)
}

// Wait blocks until in-flight deliveries finish
func (m *Manager) Wait() {
	m.wg.Wait()
}

func icon(s Severity) string {
	switch s {
	case SeverityError:
		return "🔴"
	case SeverityWarning:
		return "🟠"
	case SeveritySuccess:
		return "🟢"
	default:
		return "🔵"
	}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	api         telegramAPI
	chatID      int64
	minSeverity Severity
	enabled     bool
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   int64
	Enabled  bool
	// Only messages at or above this severity are delivered. Empty means all.
	MinSeverity Severity
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) (*TelegramNotifier, error) {
	if !config.Enabled || config.BotToken == "" || config.ChatID == 0 {
		return &TelegramNotifier{enabled: false}, nil
	}
	api, err := tgbotapi.NewBotAPI(config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: config.ChatID, minSeverity: config.MinSeverity, enabled: true}, nil
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled || !atLeast(notification.Severity, t.minSeverity) {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("%s %s", icon(notification.Severity), notification.Message))
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

var severityRank = map[Severity]int{SeverityInfo: 0, SeveritySuccess: 0, SeverityWarning: 1, SeverityError: 2}

func atLeast(s, min Severity) bool {
	if min == "" {
		return true
	}
	return severityRank[s] >= severityRank[min]
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x3498DB
	switch notification.Severity {
	case SeverityError:
		color = 0xFF0000
	case SeverityWarning:
		color = 0xFFA500
	case SeveritySuccess:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"description": notification.Message,
			"color":       color,
			"timestamp":   notification.Timestamp.Format(time.RFC3339),
		}},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
