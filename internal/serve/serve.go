package serve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"coffeeportal/internal/model"
	"coffeeportal/internal/series"
	"coffeeportal/internal/store"
)

// ErrNoData is returned when a query matches nothing in the store.
var ErrNoData = errors.New("serve: no data")

const (
	DefaultCacheTTL = 5 * time.Minute

	topImporterCount = 9
	othersImporter   = "Others"
	priceWindow      = 3
	recentMonths     = 12
)

// Point is one served value of a yearly series. Interpolated marks values
// filled in for a gap; Forecast marks projections beyond the observed range.
type Point struct {
	Year         int
	Value        *float64
	Interpolated bool
	Forecast     bool
	Method       string
}

// Series is one named metric over contiguous years, with summary stats
// computed after gap filling.
type Series struct {
	Name   string
	Points []Point
	Stats  series.GrowthStats
}

// ImporterShare is one importer's slice of a market year, observed or
// projected.
type ImporterShare struct {
	Importer             string
	Year                 int
	TradeValueMillionUSD float64
	QuantityTons         float64
	SharePct             float64
	Forecast             bool
	Method               string
}

// Service answers read queries over the assembled portal data. Results are
// memoized in the injected cache; interpolation and forecasting happen per
// request and are never written back to the store.
type Service struct {
	store store.Store
	cache *gocache.Cache
	log   zerolog.Logger
}

func New(st store.Store, cache *gocache.Cache, log zerolog.Logger) *Service {
	if cache == nil {
		cache = gocache.New(DefaultCacheTTL, 2*DefaultCacheTTL)
	}
	return &Service{store: st, cache: cache, log: log}
}

// ProductionSeries serves the national production metrics, gap-filled.
func (s *Service) ProductionSeries(ctx context.Context) ([]Series, error) {
	return s.cached("production", func() ([]Series, error) {
		rows, err := s.store.ListProductionYears(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		years := make([]int, len(rows))
		area := make([]*float64, len(rows))
		output := make([]*float64, len(rows))
		export := make([]*float64, len(rows))
		for i, row := range rows {
			years[i] = row.Year
			area[i] = row.AreaThousandHa
			output[i] = row.OutputTons
			export[i] = row.ExportTons
		}
		return []Series{
			buildSeries("area_thousand_ha", years, area),
			buildSeries("output_tons", years, output),
			buildSeries("export_tons", years, export),
		}, nil
	})
}

// ProvinceProductionSeries serves one province's production metrics.
func (s *Service) ProvinceProductionSeries(ctx context.Context, province string) ([]Series, error) {
	return s.cached("production:"+province, func() ([]Series, error) {
		rows, err := s.store.ListProvinceProduction(ctx, province)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		years := make([]int, len(rows))
		area := make([]*float64, len(rows))
		output := make([]*float64, len(rows))
		export := make([]*float64, len(rows))
		for i, row := range rows {
			years[i] = row.Year
			area[i] = row.AreaThousandHa
			output[i] = row.OutputTons
			export[i] = row.ExportTons
		}
		return []Series{
			buildSeries("area_thousand_ha", years, area),
			buildSeries("output_tons", years, output),
			buildSeries("export_tons", years, export),
		}, nil
	})
}

// ExportSeries serves export value and reference prices, gap-filled.
func (s *Service) ExportSeries(ctx context.Context) ([]Series, error) {
	return s.cached("export", func() ([]Series, error) {
		rows, err := s.store.ListExportYears(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		years := make([]int, len(rows))
		value := make([]*float64, len(rows))
		world := make([]*float64, len(rows))
		vn := make([]*float64, len(rows))
		for i, row := range rows {
			years[i] = row.Year
			value[i] = row.ExportValueMillionUSD
			world[i] = row.PriceWorldUSDPerTon
			vn[i] = row.PriceVNUSDPerTon
		}
		return []Series{
			buildSeries("export_value_million_usd", years, value),
			buildSeries("price_world_usd_per_ton", years, world),
			buildSeries("price_vn_usd_per_ton", years, vn),
		}, nil
	})
}

// WeatherYearlySeries serves the yearly weather metrics, gap-filled.
func (s *Service) WeatherYearlySeries(ctx context.Context) ([]Series, error) {
	return s.cached("weather:yearly", func() ([]Series, error) {
		rows, err := s.store.ListWeatherYears(ctx)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		years := make([]int, len(rows))
		temperature := make([]*float64, len(rows))
		humidity := make([]*float64, len(rows))
		rain := make([]*float64, len(rows))
		for i, row := range rows {
			years[i] = row.Year
			temperature[i] = row.Temperature
			humidity[i] = row.Humidity
			rain[i] = row.Rain
		}
		return []Series{
			buildSeries("temperature", years, temperature),
			buildSeries("humidity", years, humidity),
			buildSeries("rain", years, rain),
		}, nil
	})
}

// SyncedWeatherYearlySeries serves yearly aggregates of a province's synced
// monthly weather: mean temperature and humidity, summed precipitation.
func (s *Service) SyncedWeatherYearlySeries(ctx context.Context, province string) ([]Series, error) {
	return s.cached("weather:synced:"+province, func() ([]Series, error) {
		rows, err := s.store.ListSyncedWeatherYears(ctx, province)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, ErrNoData
		}
		years := make([]int, len(rows))
		temperature := make([]*float64, len(rows))
		humidity := make([]*float64, len(rows))
		rain := make([]*float64, len(rows))
		for i, row := range rows {
			years[i] = row.Year
			temperature[i] = row.Temperature
			humidity[i] = row.Humidity
			rain[i] = row.Rain
		}
		return []Series{
			buildSeries("temperature", years, temperature),
			buildSeries("humidity", years, humidity),
			buildSeries("rain", years, rain),
		}, nil
	})
}

// RecentMonthlyWeather serves the last twelve synced months for a province.
func (s *Service) RecentMonthlyWeather(ctx context.Context, province string) ([]model.MonthlyWeather, error) {
	key := "weather:monthly:" + province
	if hit, ok := s.cache.Get(key); ok {
		return hit.([]model.MonthlyWeather), nil
	}
	rows, err := s.store.ListMonthlyWeather(ctx, province, recentMonths)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	s.cache.SetDefault(key, rows)
	return rows, nil
}

// RecentPrices serves the latest spot quotes for a region.
func (s *Service) RecentPrices(ctx context.Context, region string, limit int) ([]model.DailyPrice, error) {
	key := fmt.Sprintf("prices:%s:%d", region, limit)
	if hit, ok := s.cache.Get(key); ok {
		return hit.([]model.DailyPrice), nil
	}
	rows, err := s.store.ListDailyPrices(ctx, region, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	s.cache.SetDefault(key, rows)
	return rows, nil
}

// TopImporters serves the largest importers for a year plus an aggregate
// bucket for the rest. year 0 means the latest observed year; a year beyond
// the observed range is projected per importer, with volumes clamped at zero
// and values derived from recent unit prices.
func (s *Service) TopImporters(ctx context.Context, year int) ([]ImporterShare, error) {
	latest, err := s.store.LatestMarketYear(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoData
	}
	if err != nil {
		return nil, err
	}
	if year == 0 {
		year = latest
	}

	key := fmt.Sprintf("importers:%d", year)
	if hit, ok := s.cache.Get(key); ok {
		return hit.([]ImporterShare), nil
	}

	var shares []ImporterShare
	if year <= latest {
		shares, err = s.observedShares(ctx, year)
	} else {
		shares, err = s.forecastShares(ctx, year, latest)
	}
	if err != nil {
		return nil, err
	}

	shares = bucketShares(shares, year)
	s.cache.SetDefault(key, shares)
	return shares, nil
}

func (s *Service) observedShares(ctx context.Context, year int) ([]ImporterShare, error) {
	rows, err := s.store.ListMarketTrades(ctx, year)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	shares := make([]ImporterShare, 0, len(rows))
	for _, row := range rows {
		shares = append(shares, ImporterShare{
			Importer:             row.Importer,
			Year:                 year,
			TradeValueMillionUSD: deref(row.TradeValueMillionUSD),
			QuantityTons:         deref(row.QuantityTons),
		})
	}
	return shares, nil
}

// forecastShares projects every importer with history forward to year. Each
// importer's volume follows its own trend; the value is volume times the
// average unit price of that importer's last few observed periods.
func (s *Service) forecastShares(ctx context.Context, year, latest int) ([]ImporterShare, error) {
	rows, err := s.store.ListAllMarketTrades(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	histories := make(map[string][]model.MarketTrade)
	importers := make([]string, 0)
	for _, row := range rows {
		if _, ok := histories[row.Importer]; !ok {
			importers = append(importers, row.Importer)
		}
		histories[row.Importer] = append(histories[row.Importer], row)
	}

	steps := year - latest
	shares := make([]ImporterShare, 0, len(importers))
	for _, importer := range importers {
		history := histories[importer]

		quantities := make([]float64, 0, len(history))
		for _, row := range history {
			if row.QuantityTons != nil {
				quantities = append(quantities, *row.QuantityTons)
			}
		}
		quantity := math.Max(0, series.Forecast(quantities, steps))
		value := quantity * recentUnitPrice(history)

		shares = append(shares, ImporterShare{
			Importer:             importer,
			Year:                 year,
			TradeValueMillionUSD: value,
			QuantityTons:         quantity,
			Forecast:             true,
			Method:               series.ForecastMethod,
		})
	}
	return shares, nil
}

// recentUnitPrice averages value-per-ton over the importer's last observed
// periods that carry both value and a nonzero quantity.
func recentUnitPrice(history []model.MarketTrade) float64 {
	prices := make([]float64, 0, priceWindow)
	for i := len(history) - 1; i >= 0 && len(prices) < priceWindow; i-- {
		row := history[i]
		if row.TradeValueMillionUSD == nil || row.QuantityTons == nil || *row.QuantityTons == 0 {
			continue
		}
		prices = append(prices, *row.TradeValueMillionUSD / *row.QuantityTons)
	}
	if len(prices) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}

// bucketShares keeps the largest importers by trade value and folds the rest
// into one aggregate row, then computes value share percentages.
func bucketShares(shares []ImporterShare, year int) []ImporterShare {
	sort.SliceStable(shares, func(i, j int) bool {
		return shares[i].TradeValueMillionUSD > shares[j].TradeValueMillionUSD
	})

	if len(shares) > topImporterCount {
		others := ImporterShare{Importer: othersImporter, Year: year}
		for _, share := range shares[topImporterCount:] {
			others.TradeValueMillionUSD += share.TradeValueMillionUSD
			others.QuantityTons += share.QuantityTons
			others.Forecast = others.Forecast || share.Forecast
			if share.Method != "" {
				others.Method = share.Method
			}
		}
		shares = append(shares[:topImporterCount:topImporterCount], others)
	}

	total := 0.0
	for _, share := range shares {
		total += share.TradeValueMillionUSD
	}
	if total > 0 {
		for i := range shares {
			shares[i].SharePct = shares[i].TradeValueMillionUSD / total * 100
		}
	}
	return shares
}

func (s *Service) cached(key string, load func() ([]Series, error)) ([]Series, error) {
	if hit, ok := s.cache.Get(key); ok {
		return hit.([]Series), nil
	}
	out, err := load()
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(key, out)
	return out, nil
}

// buildSeries expands sparse (year, value) rows onto a contiguous year axis,
// interpolates the gaps, and tags every filled point.
func buildSeries(name string, years []int, values []*float64) Series {
	minYear, maxYear := years[0], years[0]
	for _, y := range years {
		if y < minYear {
			minYear = y
		}
		if y > maxYear {
			maxYear = y
		}
	}

	span := maxYear - minYear + 1
	raw := make([]float64, span)
	for i := range raw {
		raw[i] = math.NaN()
	}
	for i, y := range years {
		if values[i] != nil {
			raw[y-minYear] = *values[i]
		}
	}

	filled := series.Interpolate(raw, series.Options{})
	points := make([]Point, span)
	for i := range points {
		points[i] = Point{Year: minYear + i}
		if !series.Missing(filled[i]) {
			points[i].Value = model.Float(filled[i])
			points[i].Interpolated = series.Missing(raw[i])
		}
	}

	return Series{
		Name:   name,
		Points: points,
		Stats:  series.ComputeGrowthStats(filled),
	}
}

// ForecastSeries extends a built series the given number of years past its
// last point using trend projection. Projected values are clamped at zero
// when the observed series never goes negative.
func ForecastSeries(base Series, steps int) Series {
	if steps <= 0 || len(base.Points) == 0 {
		return base
	}

	values := make([]float64, 0, len(base.Points))
	nonNegative := true
	for _, point := range base.Points {
		if point.Value == nil {
			continue
		}
		values = append(values, *point.Value)
		if *point.Value < 0 {
			nonNegative = false
		}
	}

	lastYear := base.Points[len(base.Points)-1].Year
	path := series.ForecastPath(values, steps)
	for i, value := range path {
		if nonNegative {
			value = math.Max(0, value)
		}
		base.Points = append(base.Points, Point{
			Year:     lastYear + i + 1,
			Value:    model.Float(value),
			Forecast: true,
			Method:   series.ForecastMethod,
		})
	}
	return base
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
