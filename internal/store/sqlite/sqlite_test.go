package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coffeeportal/internal/model"
	"coffeeportal/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func day(value string) time.Time {
	d, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return d
}

func TestUpsertIngestBatchIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := store.IngestBatch{
		Long: []model.RawObservation{
			{Label: "Tong_luong_mua", Year: 2004, Value: model.Float(1800)},
		},
		Weather: []model.WeatherYear{
			{Year: 2004, Rain: model.Float(1800)},
		},
		Production: []model.ProductionYear{
			{Year: 2004, OutputTons: model.Float(900000)},
		},
		Market: []model.MarketTrade{
			{Importer: "Germany", Year: 2004, TradeValueMillionUSD: model.Float(400)},
		},
	}

	require.NoError(t, s.UpsertIngestBatch(ctx, batch))
	require.NoError(t, s.UpsertIngestBatch(ctx, batch))

	weather, err := s.ListWeatherYears(ctx)
	require.NoError(t, err)
	require.Len(t, weather, 1)
	assert.Equal(t, 1800.0, *weather[0].Rain)

	production, err := s.ListProductionYears(ctx)
	require.NoError(t, err)
	require.Len(t, production, 1)

	market, err := s.ListMarketTrades(ctx, 2004)
	require.NoError(t, err)
	require.Len(t, market, 1)
}

func TestUpsertIngestBatchReplacesDomainRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := store.IngestBatch{Weather: []model.WeatherYear{{Year: 2004, Rain: model.Float(1800)}}}
	second := store.IngestBatch{Weather: []model.WeatherYear{{Year: 2004, Rain: model.Float(1900)}}}
	require.NoError(t, s.UpsertIngestBatch(ctx, first))
	require.NoError(t, s.UpsertIngestBatch(ctx, second))

	weather, err := s.ListWeatherYears(ctx)
	require.NoError(t, err)
	require.Len(t, weather, 1)
	assert.Equal(t, 1900.0, *weather[0].Rain)
}

func TestWatermarkDefaultsEmpty(t *testing.T) {
	s := newTestStore(t)
	period, err := s.Watermark(context.Background(), "DakLak", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "", period)
}

func TestAppendDailyWeatherAdvancesWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []model.DailyWeather{
		{Province: "DakLak", Date: day("2005-01-01"), TemperatureMean: model.Float(22)},
		{Province: "DakLak", Date: day("2005-01-02"), TemperatureMean: model.Float(23)},
	}
	mark := model.Watermark{Entity: "DakLak", Kind: model.GranularityDaily, LastPeriod: "2005-01-02"}
	require.NoError(t, s.AppendDailyWeather(ctx, rows, mark))

	period, err := s.Watermark(ctx, "DakLak", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "2005-01-02", period)
}

func TestAppendDailyWeatherNeverOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []model.DailyWeather{
		{Province: "DakLak", Date: day("2005-01-01"), TemperatureMean: model.Float(22)},
	}
	mark := model.Watermark{Entity: "DakLak", Kind: model.GranularityDaily, LastPeriod: "2005-01-01"}
	require.NoError(t, s.AppendDailyWeather(ctx, first, mark))

	// Re-delivery of the same day with a different reading is skipped.
	redelivered := []model.DailyWeather{
		{Province: "DakLak", Date: day("2005-01-01"), TemperatureMean: model.Float(99)},
	}
	require.NoError(t, s.AppendDailyWeather(ctx, redelivered, mark))

	var temperature float64
	err := s.db.QueryRow(
		`SELECT temperature_mean FROM weather_data_daily WHERE province = 'DakLak' AND date = '2005-01-01'`,
	).Scan(&temperature)
	require.NoError(t, err)
	assert.Equal(t, 22.0, temperature)
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ahead := model.Watermark{Entity: "DakLak", Kind: model.GranularityDaily, LastPeriod: "2010-06-30"}
	require.NoError(t, s.AppendDailyWeather(ctx, nil, ahead))

	stale := model.Watermark{Entity: "DakLak", Kind: model.GranularityDaily, LastPeriod: "2008-01-01"}
	require.NoError(t, s.AppendDailyWeather(ctx, nil, stale))

	period, err := s.Watermark(ctx, "DakLak", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "2010-06-30", period)
}

func TestWatermarkKindsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	daily := model.Watermark{Entity: "DakLak", Kind: model.GranularityDaily, LastPeriod: "2010-06-30"}
	monthly := model.Watermark{Entity: "DakLak", Kind: model.GranularityMonthly, LastPeriod: "2009-12"}
	require.NoError(t, s.AppendDailyWeather(ctx, nil, daily))
	require.NoError(t, s.AppendMonthlyWeather(ctx, nil, monthly))

	period, err := s.Watermark(ctx, "DakLak", model.GranularityMonthly)
	require.NoError(t, err)
	assert.Equal(t, "2009-12", period)
}

func TestListMonthlyWeatherRecentWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := make([]model.MonthlyWeather, 0, 15)
	for month := 1; month <= 12; month++ {
		rows = append(rows, model.MonthlyWeather{Province: "GiaLai", Year: 2020, Month: month})
	}
	for month := 1; month <= 3; month++ {
		rows = append(rows, model.MonthlyWeather{Province: "GiaLai", Year: 2021, Month: month})
	}
	mark := model.Watermark{Entity: "GiaLai", Kind: model.GranularityMonthly, LastPeriod: "2021-03"}
	require.NoError(t, s.AppendMonthlyWeather(ctx, rows, mark))

	recent, err := s.ListMonthlyWeather(ctx, "GiaLai", 12)
	require.NoError(t, err)
	require.Len(t, recent, 12)
	assert.Equal(t, 2020, recent[0].Year)
	assert.Equal(t, 4, recent[0].Month)
	assert.Equal(t, 2021, recent[11].Year)
	assert.Equal(t, 3, recent[11].Month)
}

func TestListSyncedWeatherYearsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []model.MonthlyWeather{
		{Province: "DakLak", Year: 2020, Month: 1, TemperatureMean: model.Float(22), PrecipitationSum: model.Float(10), HumidityMean: model.Float(80)},
		{Province: "DakLak", Year: 2020, Month: 2, TemperatureMean: model.Float(26), PrecipitationSum: model.Float(30), HumidityMean: model.Float(70)},
		{Province: "DakLak", Year: 2021, Month: 1, TemperatureMean: model.Float(23), PrecipitationSum: nil, HumidityMean: nil},
	}
	mark := model.Watermark{Entity: "DakLak", Kind: model.GranularityMonthly, LastPeriod: "2021-01"}
	require.NoError(t, s.AppendMonthlyWeather(ctx, rows, mark))

	years, err := s.ListSyncedWeatherYears(ctx, "DakLak")
	require.NoError(t, err)
	require.Len(t, years, 2)

	assert.Equal(t, 2020, years[0].Year)
	assert.InDelta(t, 24, *years[0].Temperature, 1e-9)
	assert.InDelta(t, 75, *years[0].Humidity, 1e-9)
	assert.InDelta(t, 40, *years[0].Rain, 1e-9)

	assert.Equal(t, 2021, years[1].Year)
	assert.InDelta(t, 23, *years[1].Temperature, 1e-9)
	assert.Nil(t, years[1].Rain)
}

func TestAppendDailyPricesReplacesQuote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scraped := day("2025-08-20").Add(9 * time.Hour)

	first := []model.DailyPrice{
		{Date: day("2025-08-20"), Region: "DakLak", PriceVNDPerKg: 112000, ScrapedAt: scraped, Source: "giacaphe"},
	}
	mark := model.Watermark{Entity: "prices", Kind: model.GranularityDaily, LastPeriod: "2025-08-20"}
	require.NoError(t, s.AppendDailyPrices(ctx, first, mark))

	corrected := []model.DailyPrice{
		{Date: day("2025-08-20"), Region: "DakLak", PriceVNDPerKg: 112500, ScrapedAt: scraped.Add(time.Hour), Source: "giacaphe"},
	}
	require.NoError(t, s.AppendDailyPrices(ctx, corrected, mark))

	quotes, err := s.ListDailyPrices(ctx, "DakLak", 0)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 112500, quotes[0].PriceVNDPerKg)
	assert.Equal(t, day("2025-08-20"), quotes[0].Date)
}

func TestUpsertProvinceProduction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []model.ProvinceProduction{
		{Province: "DakLak", Year: 2010, OutputTons: model.Float(495000)},
	}
	require.NoError(t, s.UpsertProvinceProduction(ctx, rows))

	rows[0].OutputTons = model.Float(500000)
	require.NoError(t, s.UpsertProvinceProduction(ctx, rows))

	got, err := s.ListProvinceProduction(ctx, "DakLak")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500000.0, *got[0].OutputTons)
}

func TestLatestMarketYear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestMarketYear(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	batch := store.IngestBatch{Market: []model.MarketTrade{
		{Importer: "Germany", Year: 2019},
		{Importer: "Germany", Year: 2021},
	}}
	require.NoError(t, s.UpsertIngestBatch(ctx, batch))

	year, err := s.LatestMarketYear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2021, year)
}
