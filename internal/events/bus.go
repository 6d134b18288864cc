package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotCreated      EventType = "BOT_CREATED"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventBotArchived     EventType = "BOT_ARCHIVED"
	EventBotCheck        EventType = "BOT_CHECK"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionUpdate  EventType = "POSITION_UPDATE"
	EventPositionInject  EventType = "POSITION_INJECTED"
	EventPositionPartial EventType = "POSITION_PARTIAL_CLOSE"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventLearningBlock   EventType = "LEARNING_BLOCK"
	EventRiskBlock       EventType = "RISK_BLOCK"
	EventEmergencyStop   EventType = "EMERGENCY_STOP"
	EventResume          EventType = "RESUME"
	EventAutonomyLevel   EventType = "AUTONOMY_LEVEL"
	EventAutonomyAction  EventType = "AUTONOMY_ACTION"
	EventSuggestion      EventType = "AUTONOMY_SUGGESTION"
	EventSniperTuned     EventType = "SNIPER_TUNED"
	EventRadarScan       EventType = "RADAR_SCAN"
	EventError           EventType = "ERROR"
)

// Category groups event types for feed filtering
type Category string

const (
	CategoryPipeline Category = "pipeline"
	CategoryBot      Category = "bot"
	CategoryTrade    Category = "trade"
	CategoryRisk     Category = "risk"
	CategorySystem   Category = "system"
	CategoryError    Category = "error"
)

var categories = map[EventType]Category{
	EventBotCreated:      CategoryBot,
	EventBotStarted:      CategoryBot,
	EventBotStopped:      CategoryBot,
	EventBotArchived:     CategoryBot,
	EventBotCheck:        CategoryBot,
	EventPositionOpened:  CategoryTrade,
	EventPositionUpdate:  CategoryTrade,
	EventPositionInject:  CategoryTrade,
	EventPositionPartial: CategoryTrade,
	EventTradeClosed:     CategoryTrade,
	EventLearningBlock:   CategoryPipeline,
	EventRiskBlock:       CategoryRisk,
	EventEmergencyStop:   CategoryRisk,
	EventResume:          CategorySystem,
	EventAutonomyLevel:   CategorySystem,
	EventAutonomyAction:  CategorySystem,
	EventSuggestion:      CategorySystem,
	EventSniperTuned:     CategorySystem,
	EventRadarScan:       CategoryPipeline,
	EventError:           CategoryError,
}

// CategoryOf returns the feed category of an event type
func CategoryOf(t EventType) Category {
	if c, ok := categories[t]; ok {
		return c
	}
	return CategorySystem
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Category  Category               `json:"category"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the narrow interface components publish through
type Publisher interface {
	Publish(event Event)
}

// DefaultFeedSize is the number of recent events retained for the feed
const DefaultFeedSize = 200

// EventBus manages event publishing and subscriptions. It also keeps the
// most recent events so late subscribers can replay the feed.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	recent      []Event
	feedSize    int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		feedSize:    DefaultFeedSize,
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = CategoryOf(event.Type)
	}

	eb.mu.Lock()
	eb.recent = append(eb.recent, event)
	if len(eb.recent) > eb.feedSize {
		eb.recent = eb.recent[len(eb.recent)-eb.feedSize:]
	}
	subs := append([]Subscriber(nil), eb.subscribers[event.Type]...)
	subs = append(subs, eb.allSubs...)
	eb.mu.Unlock()

	for _, sub := range subs {
		go sub(event) // Run in goroutine to avoid blocking
	}
}

// Recent returns up to limit events, newest first, optionally filtered by category
func (eb *EventBus) Recent(category Category, limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := make([]Event, 0, limit)
	for i := len(eb.recent) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if category != "" && eb.recent[i].Category != category {
			continue
		}
		out = append(out, eb.recent[i])
	}
	return out
}

// Emit publishes a message-only event
func (eb *EventBus) Emit(t EventType, message string, data map[string]interface{}) {
	eb.Publish(Event{Type: t, Message: message, Data: data})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(botID, symbol, direction string, entryPrice, exitPrice, pnl, pnlPercent float64, reason string) {
	eb.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"bot_id":      botID,
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
			"reason":      reason,
		},
	})
}

// PublishPositionOpened publishes a position opened event
func (eb *EventBus) PublishPositionOpened(botID, symbol, direction string, entryPrice, margin float64, leverage int, shadow bool) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"bot_id":      botID,
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"margin":      margin,
			"leverage":    leverage,
			"shadow":      shadow,
		},
	})
}

// PublishRiskBlock publishes a guardrail veto
func (eb *EventBus) PublishRiskBlock(botID, botName, reason string) {
	eb.Publish(Event{
		Type:    EventRiskBlock,
		Message: botName + ": " + reason,
		Data: map[string]interface{}{
			"bot_id": botID,
			"reason": reason,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source": source,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:    EventError,
		Message: message,
		Data:    data,
	})
}
