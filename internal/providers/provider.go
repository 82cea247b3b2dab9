package providers

import (
	"context"
	"time"

	"coffeeportal/internal/model"
)

// WeatherProvider fetches raw daily weather for one province over an
// inclusive date range.
type WeatherProvider interface {
	Name() string
	FetchDailyRange(ctx context.Context, province model.Province, start, end time.Time) ([]model.DailyWeather, error)
}

// PriceProvider fetches the current day's spot quotes per region.
type PriceProvider interface {
	Name() string
	FetchDaily(ctx context.Context) ([]model.DailyPrice, error)
}
