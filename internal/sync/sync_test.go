package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coffeeportal/internal/model"
	"coffeeportal/internal/store/sqlite"
)

type fetchCall struct {
	start time.Time
	end   time.Time
}

type fakeWeather struct {
	calls []fetchCall
	fail  func(call int) error
}

func (f *fakeWeather) Name() string { return "fake" }

func (f *fakeWeather) FetchDailyRange(ctx context.Context, province model.Province, start, end time.Time) ([]model.DailyWeather, error) {
	call := len(f.calls)
	f.calls = append(f.calls, fetchCall{start: start, end: end})
	if f.fail != nil {
		if err := f.fail(call); err != nil {
			return nil, err
		}
	}
	rows := make([]model.DailyWeather, 0)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows = append(rows, model.DailyWeather{
			Province:        province.Name,
			Date:            d,
			TemperatureMean: model.Float(22),
		})
	}
	return rows, nil
}

type fakePrices struct {
	calls  int
	quotes []model.DailyPrice
	err    error
}

func (f *fakePrices) Name() string { return "fakeprices" }

func (f *fakePrices) FetchDaily(ctx context.Context) ([]model.DailyPrice, error) {
	f.calls++
	return f.quotes, f.err
}

func newTestEngine(t *testing.T, provider *fakeWeather, now time.Time) (*Engine, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := New(st, provider, zerolog.Nop())
	engine.now = func() time.Time { return now }
	return engine, st
}

func utc(year int, month time.Month, dayNum int) time.Time {
	return time.Date(year, month, dayNum, 0, 0, 0, 0, time.UTC)
}

var testProvince = model.Province{Name: "DakLak", Latitude: 12.6663, Longitude: 108.0383}

func TestSyncDailyChunksFromDefaultWatermark(t *testing.T) {
	provider := &fakeWeather{}
	engine, st := newTestEngine(t, provider, utc(2006, time.January, 10))

	result := engine.SyncDaily(context.Background(), testProvince)
	require.NoError(t, result.Err)
	assert.Equal(t, StateUpToDate, result.State)
	assert.Equal(t, 2, result.Chunks)

	require.Len(t, provider.calls, 2)
	assert.Equal(t, utc(2005, time.January, 1), provider.calls[0].start)
	assert.Equal(t, utc(2005, time.December, 31), provider.calls[0].end)
	assert.Equal(t, utc(2006, time.January, 1), provider.calls[1].start)
	assert.Equal(t, utc(2006, time.January, 9), provider.calls[1].end)

	period, err := st.Watermark(context.Background(), "DakLak", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "2006-01-09", period)
}

func TestSyncDailyUpToDateSkipsFetch(t *testing.T) {
	provider := &fakeWeather{}
	engine, _ := newTestEngine(t, provider, utc(2006, time.January, 10))

	first := engine.SyncDaily(context.Background(), testProvince)
	require.NoError(t, first.Err)

	provider.calls = nil
	second := engine.SyncDaily(context.Background(), testProvince)
	require.NoError(t, second.Err)
	assert.Equal(t, StateUpToDate, second.State)
	assert.Zero(t, second.Chunks)
	assert.Empty(t, provider.calls)
}

func TestSyncDailyFailureKeepsDurableWatermark(t *testing.T) {
	boom := errors.New("archive down")
	provider := &fakeWeather{fail: func(call int) error {
		if call == 1 {
			return boom
		}
		return nil
	}}
	engine, st := newTestEngine(t, provider, utc(2006, time.January, 10))

	result := engine.SyncDaily(context.Background(), testProvince)
	assert.Equal(t, StateFailed, result.State)
	assert.ErrorIs(t, result.Err, boom)
	assert.Equal(t, 1, result.Chunks)

	// The first chunk stayed durable; the retry resumes after it.
	period, err := st.Watermark(context.Background(), "DakLak", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "2005-12-31", period)

	provider.fail = nil
	provider.calls = nil
	retry := engine.SyncDaily(context.Background(), testProvince)
	require.NoError(t, retry.Err)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, utc(2006, time.January, 1), provider.calls[0].start)
}

func TestSyncMonthlyChunksWithinCalendarYear(t *testing.T) {
	provider := &fakeWeather{}
	engine, st := newTestEngine(t, provider, utc(2006, time.March, 15))
	ctx := context.Background()

	result := engine.SyncMonthly(ctx, testProvince)
	require.NoError(t, result.Err)
	assert.Equal(t, StateUpToDate, result.State)
	assert.Equal(t, 2, result.Chunks)

	require.Len(t, provider.calls, 2)
	assert.Equal(t, utc(2005, time.January, 1), provider.calls[0].start)
	assert.Equal(t, utc(2005, time.December, 31), provider.calls[0].end)
	assert.Equal(t, utc(2006, time.January, 1), provider.calls[1].start)
	assert.Equal(t, utc(2006, time.February, 28), provider.calls[1].end)

	period, err := st.Watermark(ctx, "DakLak", model.GranularityMonthly)
	require.NoError(t, err)
	assert.Equal(t, "2006-02", period)

	// The current month is never synced.
	months, err := st.ListMonthlyWeather(ctx, "DakLak", 0)
	require.NoError(t, err)
	require.Len(t, months, 14)
	assert.Equal(t, 2, months[len(months)-1].Month)
	assert.Equal(t, 2006, months[len(months)-1].Year)
}

func TestSyncMonthlyUpToDateInJanuary(t *testing.T) {
	provider := &fakeWeather{}
	engine, st := newTestEngine(t, provider, utc(2005, time.January, 5))
	ctx := context.Background()

	mark := model.Watermark{Entity: "DakLak", Kind: model.GranularityMonthly, LastPeriod: "2004-12"}
	require.NoError(t, st.AppendMonthlyWeather(ctx, nil, mark))

	result := engine.SyncMonthly(ctx, testProvince)
	require.NoError(t, result.Err)
	assert.Equal(t, StateUpToDate, result.State)
	assert.Empty(t, provider.calls)
}

func TestAggregateMonthly(t *testing.T) {
	daily := []model.DailyWeather{
		{Province: "DakLak", Date: utc(2020, time.May, 1), TemperatureMean: model.Float(20), PrecipitationSum: model.Float(5), HumidityMean: model.Float(80)},
		{Province: "DakLak", Date: utc(2020, time.May, 2), TemperatureMean: model.Float(30), PrecipitationSum: model.Float(15)},
		{Province: "DakLak", Date: utc(2020, time.June, 1), PrecipitationSum: model.Float(2)},
	}
	rows := AggregateMonthly(daily)
	require.Len(t, rows, 2)

	may := rows[0]
	assert.Equal(t, 5, may.Month)
	assert.Equal(t, 25.0, *may.TemperatureMean)
	assert.Equal(t, 20.0, *may.PrecipitationSum)
	assert.Equal(t, 80.0, *may.HumidityMean)

	june := rows[1]
	assert.Equal(t, 6, june.Month)
	assert.Nil(t, june.TemperatureMean)
	assert.Equal(t, 2.0, *june.PrecipitationSum)
	assert.Nil(t, june.HumidityMean)
}

func TestSyncPrices(t *testing.T) {
	engine, st := newTestEngine(t, &fakeWeather{}, utc(2025, time.August, 25))
	ctx := context.Background()

	quotes := &fakePrices{quotes: []model.DailyPrice{
		{Date: utc(2025, time.August, 25), Region: "DakLak", PriceVNDPerKg: 112000, ScrapedAt: utc(2025, time.August, 25), Source: "giacaphe"},
	}}

	result := engine.SyncPrices(ctx, quotes)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Rows)

	period, err := st.Watermark(ctx, "prices", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "2025-08-25", period)

	// A second run the same day is up to date and does not refetch.
	again := engine.SyncPrices(ctx, quotes)
	require.NoError(t, again.Err)
	assert.Equal(t, StateUpToDate, again.State)
	assert.Equal(t, 1, quotes.calls)
}

func TestSyncPricesFetchFailure(t *testing.T) {
	engine, st := newTestEngine(t, &fakeWeather{}, utc(2025, time.August, 25))
	ctx := context.Background()

	quotes := &fakePrices{err: errors.New("board unreachable")}
	result := engine.SyncPrices(ctx, quotes)
	assert.Equal(t, StateFailed, result.State)
	require.Error(t, result.Err)

	period, err := st.Watermark(ctx, "prices", model.GranularityDaily)
	require.NoError(t, err)
	assert.Equal(t, "", period)
}

func TestSyncAllDailyIsolatesFailures(t *testing.T) {
	boom := errors.New("archive down")
	provider := &fakeWeather{fail: func(call int) error {
		if call == 0 {
			return boom
		}
		return nil
	}}
	engine, _ := newTestEngine(t, provider, utc(2005, time.February, 1))

	results := engine.SyncAllDaily(context.Background())
	require.Len(t, results, len(model.Provinces))
	assert.Equal(t, StateFailed, results[0].State)
	for _, result := range results[1:] {
		assert.NoError(t, result.Err)
		assert.Equal(t, StateUpToDate, result.State)
	}
}
