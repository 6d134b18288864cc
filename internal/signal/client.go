package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bot-fleet-engine/internal/fleet"
	"bot-fleet-engine/internal/logging"
)

// ClientConfig configures the HTTP analysis client
type ClientConfig struct {
	BaseURL          string
	Timeout          time.Duration
	RequestsPerSec   float64
	Burst            int
	CacheTTL         time.Duration
	BreakerFailures  uint32        // consecutive failures before the breaker opens
	BreakerOpenFor   time.Duration // time the breaker stays open
	ContextCacheTTL  time.Duration
	MaxResponseBytes int64
}

// DefaultClientConfig mirrors the backend's own limits
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:          baseURL,
		Timeout:          12 * time.Second,
		RequestsPerSec:   2,
		Burst:            3,
		CacheTTL:         25 * time.Second,
		BreakerFailures:  3,
		BreakerOpenFor:   60 * time.Second,
		ContextCacheTTL:  60 * time.Second,
		MaxResponseBytes: 4 << 20,
	}
}

type cachedResult struct {
	result *Result
	at     time.Time
}

// Client talks to the analysis backend over HTTP. It implements Source and
// MarketContext.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *logging.Logger
	now     func() time.Time

	mu        sync.Mutex
	cache     map[string]cachedResult
	score     *MarketScore
	scoreAt   time.Time
	corr      map[string]*Correlation
	corrAt    map[string]time.Time
	theses    map[string]*fleet.Thesis
	thesesAt  map[string]time.Time
}

// NewClient creates an analysis client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 4 << 20
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		logger:   logging.WithComponent("signal"),
		now:      time.Now,
		cache:    make(map[string]cachedResult),
		corr:     make(map[string]*Correlation),
		corrAt:   make(map[string]time.Time),
		theses:   make(map[string]*fleet.Thesis),
		thesesAt: make(map[string]time.Time),
	}

	st := gobreaker.Settings{
		Name:     "signal-source",
		Interval: 60 * time.Second,
		Timeout:  cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Signal source breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	c.breaker = gobreaker.NewCircuitBreaker(st)
	return c
}

// Analyze runs the backend analysis for symbol. Results are reused for the
// cache TTL so that bots on the same symbol share one request.
func (c *Client) Analyze(ctx context.Context, symbol string, opts Options) (*Result, error) {
	key := fmt.Sprintf("%s_%d_%s", symbol, opts.Leverage, opts.Timeframe)

	c.mu.Lock()
	if hit, ok := c.cache[key]; ok && c.now().Sub(hit.at) < c.cfg.CacheTTL {
		c.mu.Unlock()
		cp := *hit.result
		return &cp, nil
	}
	c.mu.Unlock()

	body := map[string]interface{}{
		"symbol":   symbol,
		"leverage": opts.Leverage,
		"interval": opts.Timeframe,
	}
	if opts.Temperature != "" {
		body["temperature"] = opts.Temperature
	}

	var res Result
	if err := c.do(ctx, http.MethodPost, "/api/analyze", body, &res); err != nil {
		return nil, err
	}
	if res.Symbol == "" {
		res.Symbol = symbol
	}
	if res.AnalyzedAt.IsZero() {
		res.AnalyzedAt = c.now()
	}

	c.mu.Lock()
	c.cache[key] = cachedResult{result: &res, at: c.now()}
	c.mu.Unlock()

	cp := res
	return &cp, nil
}

// MarketScore returns the last known market gauge, refreshing it when stale.
// Failures report absence.
func (c *Client) MarketScore() (MarketScore, bool) {
	c.mu.Lock()
	fresh := c.score != nil && c.now().Sub(c.scoreAt) < c.cfg.ContextCacheTTL
	if fresh {
		s := *c.score
		c.mu.Unlock()
		return s, true
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	var s MarketScore
	if err := c.do(ctx, http.MethodGet, "/api/market/score", nil, &s); err != nil {
		c.logger.Debug("Market score unavailable", "error", err)
		return MarketScore{}, false
	}
	c.mu.Lock()
	c.score = &s
	c.scoreAt = c.now()
	c.mu.Unlock()
	return s, true
}

// SymbolCorrelation returns the symbol's correlation against the leader
func (c *Client) SymbolCorrelation(symbol string) (*Correlation, bool) {
	c.mu.Lock()
	if v, ok := c.corr[symbol]; ok && c.now().Sub(c.corrAt[symbol]) < c.cfg.ContextCacheTTL {
		c.mu.Unlock()
		return v, v != nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	var corr Correlation
	err := c.do(ctx, http.MethodGet, "/api/market/correlation?symbol="+url.QueryEscape(symbol), nil, &corr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.corr[symbol] = nil
		c.corrAt[symbol] = c.now()
		return nil, false
	}
	c.corr[symbol] = &corr
	c.corrAt[symbol] = c.now()
	return &corr, true
}

// Thesis returns the latest consensus snapshot for symbol
func (c *Client) Thesis(symbol string) (*fleet.Thesis, bool) {
	c.mu.Lock()
	if v, ok := c.theses[symbol]; ok && c.now().Sub(c.thesesAt[symbol]) < c.cfg.ContextCacheTTL {
		c.mu.Unlock()
		return v, v != nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	var th fleet.Thesis
	err := c.do(ctx, http.MethodGet, "/api/thesis?symbol="+url.QueryEscape(symbol), nil, &th)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.thesesAt[symbol] = c.now()
	if err != nil || th.Consensus == "" {
		c.theses[symbol] = nil
		return nil, false
	}
	c.theses[symbol] = &th
	return &th, true
}

// BreakerState reports the breaker state for status endpoints
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// do performs one rate-limited request through the breaker. Any failure is
// wrapped in ErrUpstreamUnavailable.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", ErrUpstreamUnavailable, err)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: breaker %s", ErrUpstreamUnavailable, c.breaker.State())
		}
		if errors.Is(err, ErrUpstreamUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	c.logger.WithDuration(time.Since(start)).Debug("Signal source request", "method", method, "path", path)
	return nil
}
