package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"coffeeportal/internal/model"
	"coffeeportal/internal/providers"
)

const (
	defaultBaseURL         = "https://archive-api.open-meteo.com/v1/archive"
	defaultTimezone        = "Asia/Bangkok"
	defaultTimeoutSeconds  = 30
	defaultUserAgent       = "CoffeePortal/0.1"
	defaultRateLimitPerSec = 2
	defaultRateLimitBurst  = 2
	defaultMaxRetries      = 3

	dateLayout = "2006-01-02"
)

// dailyVariables is the fixed set of archive metrics requested per day.
var dailyVariables = []string{
	"temperature_2m_mean",
	"temperature_2m_max",
	"temperature_2m_min",
	"precipitation_sum",
	"relative_humidity_2m_mean",
}

var (
	ErrNoData      = errors.New("openmeteo: no data in range")
	ErrBadResponse = errors.New("openmeteo: malformed response")
)

type Config struct {
	BaseURL         string
	Timezone        string
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec int
	RateLimitBurst  int
	MaxRetries      int
}

type Provider struct {
	config  Config
	client  *http.Client
	limiter *rateLimiter
}

func New() (*Provider, error) {
	return NewWithConfig(ConfigFromEnv())
}

func NewWithConfig(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = defaultTimezone
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
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	return &Provider{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
	}, nil
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:         getenv("OPENMETEO_BASE_URL", defaultBaseURL),
		Timezone:        getenv("OPENMETEO_TIMEZONE", defaultTimezone),
		Timeout:         time.Duration(getenvInt("OPENMETEO_TIMEOUT_SECONDS", defaultTimeoutSeconds)) * time.Second,
		UserAgent:       getenv("OPENMETEO_USER_AGENT", defaultUserAgent),
		RateLimitPerSec: getenvInt("OPENMETEO_RATE_LIMIT_PER_SEC", defaultRateLimitPerSec),
		RateLimitBurst:  getenvInt("OPENMETEO_RATE_LIMIT_BURST", defaultRateLimitBurst),
		MaxRetries:      getenvInt("OPENMETEO_MAX_RETRIES", defaultMaxRetries),
	}
}

func (p *Provider) Name() string {
	return "openmeteo"
}

// FetchDailyRange fetches one row per day in [start, end] for the province.
// Days the archive has no reading for come back with nil metric columns.
func (p *Provider) FetchDailyRange(ctx context.Context, province model.Province, start, end time.Time) ([]model.DailyWeather, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("openmeteo: end %s before start %s",
			end.Format(dateLayout), start.Format(dateLayout))
	}

	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(province.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(province.Longitude, 'f', -1, 64))
	params.Set("start_date", start.Format(dateLayout))
	params.Set("end_date", end.Format(dateLayout))
	params.Set("daily", strings.Join(dailyVariables, ","))
	params.Set("timezone", p.config.Timezone)

	body, err := p.doRequest(ctx, params)
	if err != nil {
		return nil, err
	}
	return parseDaily(body, province.Name)
}

type dailyPayload struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
	Daily  struct {
		Time             []string   `json:"time"`
		TemperatureMean  []*float64 `json:"temperature_2m_mean"`
		TemperatureMax   []*float64 `json:"temperature_2m_max"`
		TemperatureMin   []*float64 `json:"temperature_2m_min"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
		HumidityMean     []*float64 `json:"relative_humidity_2m_mean"`
	} `json:"daily"`
}

// parseDaily converts the archive's parallel-array payload into one row per
// timestamp. Metric arrays shorter than the time axis yield nil for the
// missing tail.
func parseDaily(body []byte, province string) ([]model.DailyWeather, error) {
	var payload dailyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if payload.Error {
		return nil, fmt.Errorf("openmeteo: api error: %s", payload.Reason)
	}
	if len(payload.Daily.Time) == 0 {
		return nil, ErrNoData
	}

	rows := make([]model.DailyWeather, 0, len(payload.Daily.Time))
	for i, stamp := range payload.Daily.Time {
		date, err := time.Parse(dateLayout, stamp)
		if err != nil {
			return nil, fmt.Errorf("%w: bad time %q", ErrBadResponse, stamp)
		}
		rows = append(rows, model.DailyWeather{
			Province:         province,
			Date:             date,
			TemperatureMean:  at(payload.Daily.TemperatureMean, i),
			TemperatureMax:   at(payload.Daily.TemperatureMax, i),
			TemperatureMin:   at(payload.Daily.TemperatureMin, i),
			PrecipitationSum: at(payload.Daily.PrecipitationSum, i),
			HumidityMean:     at(payload.Daily.HumidityMean, i),
		})
	}
	return rows, nil
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) {
		return nil
	}
	return values[i]
}

func (p *Provider) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	attempts := p.config.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, status, retryAfter, err := p.doRequestOnce(ctx, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if status == http.StatusTooManyRequests && attempt < attempts-1 {
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			if err := sleepWithContext(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (p *Provider) doRequestOnce(ctx context.Context, params url.Values) ([]byte, int, time.Duration, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, 0, 0, err
		}
	}

	uri := p.config.BaseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if p.config.UserAgent != "" {
		req.Header.Set("User-Agent", p.config.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, 0, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, resp.StatusCode, parseRetryAfter(resp),
			fmt.Errorf("openmeteo: request failed (%s): %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, 0, nil
}

func parseRetryAfter(resp *http.Response) time.Duration {
	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := time.Parse(http.TimeFormat, value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
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

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
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

var _ providers.WeatherProvider = (*Provider)(nil)
