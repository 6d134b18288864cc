package fleet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSpec is returned by NewBot for unusable parameters
var ErrInvalidSpec = errors.New("invalid bot spec")

// Spec describes a bot to create
type Spec struct {
	Name           string      `json:"name"`
	Symbol         string      `json:"symbol"`
	Mode           Mode        `json:"mode"`
	Temperature    Temperature `json:"temperature"`
	Wallet         float64     `json:"wallet"`
	AutoCreated    bool        `json:"auto_created"`
	CreationReason string      `json:"creation_reason,omitempty"`
}

// NewBot builds an idle bot from spec. Unknown modes and temperatures take
// the defaults.
func NewBot(spec Spec, now time.Time) (*Bot, error) {
	symbol := strings.ToUpper(strings.TrimSpace(spec.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidSpec)
	}
	if spec.Wallet <= 0 {
		return nil, fmt.Errorf("%w: wallet must be positive", ErrInvalidSpec)
	}
	mode := spec.Mode
	if !mode.Valid() {
		mode = Intraday
	}
	temp := spec.Temperature
	if !temp.Valid() {
		temp = Normal
	}

	id := uuid.NewString()
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s_%s", strings.TrimSuffix(symbol, "USDT"), id[:4])
	}
	return &Bot{
		SchemaVersion:  BotSchemaVersion,
		ID:             id,
		Name:           name,
		Symbol:         symbol,
		Mode:           mode,
		Temperature:    temp,
		Status:         StatusIdle,
		InitialBalance: spec.Wallet,
		CurrentBalance: spec.Wallet,
		Positions:      []*Position{},
		Trades:         []*Trade{},
		Knowledge:      []*KnowledgeEntry{},
		CreatedAt:      now,
		AutoCreated:    spec.AutoCreated,
		CreationReason: spec.CreationReason,
	}, nil
}
