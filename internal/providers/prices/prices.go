package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"coffeeportal/internal/model"
	"coffeeportal/internal/providers"
)

const (
	defaultBaseURL         = "https://giacaphe.com/gia-ca-phe-noi-dia/"
	defaultSource          = "giacaphe"
	defaultTimeoutSeconds  = 20
	defaultUserAgent       = "CoffeePortal/0.1"
	defaultRateLimitPerSec = 1
	defaultRateLimitBurst  = 1

	dateLayout = "2006-01-02"
)

var (
	ErrNoQuotes    = errors.New("prices: no quotes found")
	ErrBadResponse = errors.New("prices: malformed response")
)

type Config struct {
	BaseURL         string
	Source          string
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
}

// Provider fetches the day's domestic robusta quotes, one per growing
// region.
type Provider struct {
	config  Config
	client  *http.Client
	limiter *rateLimiter
	now     func() time.Time
}

func New() (*Provider, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Source) == "" {
		cfg.Source = defaultSource
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		now:     time.Now,
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:         getenv("PRICES_BASE_URL", defaultBaseURL),
		Source:          getenv("PRICES_SOURCE", defaultSource),
		Timeout:         time.Duration(getenvInt("PRICES_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("PRICES_USER_AGENT", defaultUserAgent),
		RateLimitPerSec: getenvInt("PRICES_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("PRICES_RATE_LIMIT_BURST", defaultRateLimitBurst),
	}
}

func (p *Provider) Name() string {
	return p.config.Source
}

// FetchDaily fetches the current quote board. Quotes missing a region or a
// positive price are dropped; the quote date defaults to today when the
// board does not carry one.
func (p *Provider) FetchDaily(ctx context.Context) ([]model.DailyPrice, error) {
	body, err := p.doRequest(ctx)
	if err != nil {
		return nil, err
	}
	return p.parseBoard(body)
}

type boardPayload struct {
	Date   string `json:"date"`
	Quotes []struct {
		Region        string `json:"region"`
		PriceVNDPerKg int    `json:"price_vnd_per_kg"`
	} `json:"quotes"`
}

func (p *Provider) parseBoard(body []byte) ([]model.DailyPrice, error) {
	var payload boardPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	now := p.now().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if strings.TrimSpace(payload.Date) != "" {
		parsed, err := time.Parse(dateLayout, payload.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad date %q", ErrBadResponse, payload.Date)
		}
		date = parsed
	}

	quotes := make([]model.DailyPrice, 0, len(payload.Quotes))
	for _, quote := range payload.Quotes {
		region := strings.TrimSpace(quote.Region)
		if region == "" || quote.PriceVNDPerKg <= 0 {
			continue
		}
		quotes = append(quotes, model.DailyPrice{
			Date:          date,
			Region:        region,
			PriceVNDPerKg: quote.PriceVNDPerKg,
			ScrapedAt:     now,
			Source:        p.config.Source,
		})
	}
	if len(quotes) == 0 {
		return nil, ErrNoQuotes
	}
	return quotes, nil
}

func (p *Provider) doRequest(ctx context.Context) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("prices: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

type rateLimiter struct {
	tokens chan struct{}
}

func newRateLimiter(ratePerSec, burst int) *rateLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	limiter := &rateLimiter{
		tokens: make(chan struct{}, burst),
	}
	for i := 0; i < burst; i++ {
		limiter.tokens <- struct{}{}
	}

	interval := time.Second / time.Duration(ratePerSec)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			select {
			case limiter.tokens <- struct{}{}:
			default:
			}
		}
	}()

	return limiter
}

func (l *rateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

var _ providers.PriceProvider = (*Provider)(nil)
