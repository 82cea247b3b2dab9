package store

import (
	"context"
	"errors"

	"coffeeportal/internal/model"
)

// ErrNotFound is returned by lookups with no matching rows.
var ErrNotFound = errors.New("store: not found")

// IngestBatch carries everything one spreadsheet ingestion produces. The
// store writes the whole batch in a single transaction.
type IngestBatch struct {
	Long       []model.RawObservation
	Weather    []model.WeatherYear
	Production []model.ProductionYear
	Export     []model.ExportYear
	Market     []model.MarketTrade
}

type Store interface {
	// UpsertIngestBatch writes staging and domain tables atomically.
	// Domain rows replace existing rows for the same key.
	UpsertIngestBatch(ctx context.Context, batch IngestBatch) error
	UpsertProvinceProduction(ctx context.Context, rows []model.ProvinceProduction) error

	// Watermark returns the last persisted period for (entity, kind), or
	// "" when the entity has never been synced.
	Watermark(ctx context.Context, entity string, kind model.Granularity) (string, error)

	// The Append methods insert time-series rows and advance the given
	// watermark in the same transaction. Rows whose key already exists
	// are skipped, never overwritten; the watermark only moves forward.
	AppendDailyWeather(ctx context.Context, rows []model.DailyWeather, mark model.Watermark) error
	AppendMonthlyWeather(ctx context.Context, rows []model.MonthlyWeather, mark model.Watermark) error
	AppendDailyPrices(ctx context.Context, rows []model.DailyPrice, mark model.Watermark) error

	ListWeatherYears(ctx context.Context) ([]model.WeatherYear, error)
	// ListSyncedWeatherYears aggregates the synced monthly series into one
	// row per year: mean temperature and humidity, summed precipitation.
	ListSyncedWeatherYears(ctx context.Context, province string) ([]model.WeatherYear, error)
	ListProductionYears(ctx context.Context) ([]model.ProductionYear, error)
	ListExportYears(ctx context.Context) ([]model.ExportYear, error)
	ListProvinceProduction(ctx context.Context, province string) ([]model.ProvinceProduction, error)
	ListMonthlyWeather(ctx context.Context, province string, limit int) ([]model.MonthlyWeather, error)
	ListMarketTrades(ctx context.Context, year int) ([]model.MarketTrade, error)
	ListAllMarketTrades(ctx context.Context) ([]model.MarketTrade, error)
	ListDailyPrices(ctx context.Context, region string, limit int) ([]model.DailyPrice, error)
	LatestMarketYear(ctx context.Context) (int, error)

	Close() error
}
