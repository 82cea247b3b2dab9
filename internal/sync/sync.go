package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"coffeeportal/internal/model"
	"coffeeportal/internal/providers"
	"coffeeportal/internal/store"
)

const (
	dateLayout = "2006-01-02"

	// Series history starts after these periods; a never-synced entity
	// resumes from here.
	defaultDailyStart = "2004-12-31"

	maxDailyChunkDays = 365
	maxMonthlyChunk   = 12
)

var defaultMonthlyStart = model.YearMonth{Year: 2004, Month: 12}

// State is where a sync run for one entity currently stands.
type State string

const (
	StateUpToDate   State = "UP_TO_DATE"
	StateFetching   State = "FETCHING"
	StatePersisting State = "PERSISTING"
	StateFailed     State = "FAILED"
)

// Result reports the outcome of one entity's sync run.
type Result struct {
	Entity string
	Kind   model.Granularity
	Chunks int
	Rows   int
	State  State
	Err    error
}

// Engine advances per-entity watermarks by fetching missing periods in
// bounded chunks and persisting each chunk atomically with its watermark.
// A chunk that fails leaves the watermark at the last durable chunk, so the
// next run resumes from there.
type Engine struct {
	store    store.Store
	provider providers.WeatherProvider
	log      zerolog.Logger
	now      func() time.Time

	mu    stdsync.Mutex
	locks map[string]*stdsync.Mutex
}

func New(st store.Store, provider providers.WeatherProvider, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		provider: provider,
		log:      log,
		now:      time.Now,
		locks:    make(map[string]*stdsync.Mutex),
	}
}

// SyncAllDaily syncs the daily series for every registered province. A
// failing province is reported in its Result and does not stop the others.
func (e *Engine) SyncAllDaily(ctx context.Context) []Result {
	results := make([]Result, 0, len(model.Provinces))
	for _, province := range model.Provinces {
		results = append(results, e.SyncDaily(ctx, province))
	}
	return results
}

// SyncAllMonthly syncs the monthly series for every registered province.
func (e *Engine) SyncAllMonthly(ctx context.Context) []Result {
	results := make([]Result, 0, len(model.Provinces))
	for _, province := range model.Provinces {
		results = append(results, e.SyncMonthly(ctx, province))
	}
	return results
}

// SyncPrices records today's spot quotes. The quote board only serves the
// current day, so runs on an already-recorded day are up to date.
func (e *Engine) SyncPrices(ctx context.Context, provider providers.PriceProvider) Result {
	const entity = "prices"
	result := Result{Entity: entity, Kind: model.GranularityDaily}

	lock := e.entityLock(entity)
	lock.Lock()
	defer lock.Unlock()

	last, err := e.store.Watermark(ctx, entity, model.GranularityDaily)
	if err != nil {
		return e.fail(result, err)
	}
	today := e.now().UTC().Format(dateLayout)
	if last >= today {
		result.State = StateUpToDate
		e.logResult(result)
		return result
	}

	e.transition(&result, StateFetching, today, today)
	quotes, err := provider.FetchDaily(ctx)
	if err != nil {
		return e.fail(result, fmt.Errorf("fetch quotes: %w", err))
	}

	e.transition(&result, StatePersisting, today, today)
	mark := model.Watermark{Entity: entity, Kind: model.GranularityDaily, LastPeriod: today}
	if err := e.store.AppendDailyPrices(ctx, quotes, mark); err != nil {
		return e.fail(result, fmt.Errorf("persist quotes: %w", err))
	}

	result.Chunks = 1
	result.Rows = len(quotes)
	result.State = StateUpToDate
	e.logResult(result)
	return result
}

// SyncDaily brings one province's daily weather up to yesterday, in chunks
// of at most a year.
func (e *Engine) SyncDaily(ctx context.Context, province model.Province) Result {
	result := Result{Entity: province.Name, Kind: model.GranularityDaily}

	lock := e.entityLock(province.Name + "/daily")
	lock.Lock()
	defer lock.Unlock()

	last, err := e.dailyWatermark(ctx, province.Name)
	if err != nil {
		return e.fail(result, err)
	}

	start := last.AddDate(0, 0, 1)
	end := e.yesterday()
	if start.After(end) {
		result.State = StateUpToDate
		e.logResult(result)
		return result
	}

	for !start.After(end) {
		chunkEnd := start.AddDate(0, 0, maxDailyChunkDays-1)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		e.transition(&result, StateFetching, start.Format(dateLayout), chunkEnd.Format(dateLayout))
		rows, err := e.provider.FetchDailyRange(ctx, province, start, chunkEnd)
		if err != nil {
			return e.fail(result, fmt.Errorf("fetch %s..%s: %w",
				start.Format(dateLayout), chunkEnd.Format(dateLayout), err))
		}

		e.transition(&result, StatePersisting, start.Format(dateLayout), chunkEnd.Format(dateLayout))
		mark := model.Watermark{
			Entity:     province.Name,
			Kind:       model.GranularityDaily,
			LastPeriod: chunkEnd.Format(dateLayout),
		}
		if err := e.store.AppendDailyWeather(ctx, rows, mark); err != nil {
			return e.fail(result, fmt.Errorf("persist %s..%s: %w",
				start.Format(dateLayout), chunkEnd.Format(dateLayout), err))
		}

		result.Chunks++
		result.Rows += len(rows)
		start = chunkEnd.AddDate(0, 0, 1)
	}

	result.State = StateUpToDate
	e.logResult(result)
	return result
}

// SyncMonthly brings one province's monthly aggregates up to the last fully
// elapsed calendar month. Chunks never span a year boundary and never
// include the current month.
func (e *Engine) SyncMonthly(ctx context.Context, province model.Province) Result {
	result := Result{Entity: province.Name, Kind: model.GranularityMonthly}

	lock := e.entityLock(province.Name + "/monthly")
	lock.Lock()
	defer lock.Unlock()

	last, err := e.monthlyWatermark(ctx, province.Name)
	if err != nil {
		return e.fail(result, err)
	}

	next := last.Next()
	latest := e.lastElapsedMonth()
	if latest.Before(next) {
		result.State = StateUpToDate
		e.logResult(result)
		return result
	}

	for !latest.Before(next) {
		chunkEnd := monthlyChunkEnd(next, latest)

		e.transition(&result, StateFetching, next.String(), chunkEnd.String())
		firstDay := time.Date(next.Year, time.Month(next.Month), 1, 0, 0, 0, 0, time.UTC)
		lastDay := time.Date(chunkEnd.Year, time.Month(chunkEnd.Month)+1, 0, 0, 0, 0, 0, time.UTC)
		daily, err := e.provider.FetchDailyRange(ctx, province, firstDay, lastDay)
		if err != nil {
			return e.fail(result, fmt.Errorf("fetch %s..%s: %w", next, chunkEnd, err))
		}

		e.transition(&result, StatePersisting, next.String(), chunkEnd.String())
		rows := AggregateMonthly(daily)
		mark := model.Watermark{
			Entity:     province.Name,
			Kind:       model.GranularityMonthly,
			LastPeriod: chunkEnd.String(),
		}
		if err := e.store.AppendMonthlyWeather(ctx, rows, mark); err != nil {
			return e.fail(result, fmt.Errorf("persist %s..%s: %w", next, chunkEnd, err))
		}

		result.Chunks++
		result.Rows += len(rows)
		next = chunkEnd.Next()
	}

	result.State = StateUpToDate
	e.logResult(result)
	return result
}

// monthlyChunkEnd caps a chunk at twelve months, the end of next's calendar
// year, and the latest syncable month, whichever comes first.
func monthlyChunkEnd(next, latest model.YearMonth) model.YearMonth {
	end := model.YearMonth{Year: next.Year, Month: 12}
	if months := next.Month + maxMonthlyChunk - 1; months < 12 {
		end.Month = months
	}
	if latest.Before(end) {
		end = latest
	}
	return end
}

// AggregateMonthly rolls daily rows up into one row per (province, month):
// mean temperature, summed precipitation, mean humidity, each over the days
// that have a reading. A month with no readings for a metric keeps it nil.
func AggregateMonthly(daily []model.DailyWeather) []model.MonthlyWeather {
	type key struct {
		province string
		year     int
		month    int
	}
	type acc struct {
		tempSum     float64
		tempN       int
		precipSum   float64
		precipN     int
		humiditySum float64
		humidityN   int
	}

	accs := make(map[key]*acc)
	order := make([]key, 0)
	for _, row := range daily {
		k := key{province: row.Province, year: row.Date.Year(), month: int(row.Date.Month())}
		a, ok := accs[k]
		if !ok {
			a = &acc{}
			accs[k] = a
			order = append(order, k)
		}
		if row.TemperatureMean != nil {
			a.tempSum += *row.TemperatureMean
			a.tempN++
		}
		if row.PrecipitationSum != nil {
			a.precipSum += *row.PrecipitationSum
			a.precipN++
		}
		if row.HumidityMean != nil {
			a.humiditySum += *row.HumidityMean
			a.humidityN++
		}
	}

	out := make([]model.MonthlyWeather, 0, len(order))
	for _, k := range order {
		a := accs[k]
		row := model.MonthlyWeather{Province: k.province, Year: k.year, Month: k.month}
		if a.tempN > 0 {
			row.TemperatureMean = model.Float(a.tempSum / float64(a.tempN))
		}
		if a.precipN > 0 {
			row.PrecipitationSum = model.Float(a.precipSum)
		}
		if a.humidityN > 0 {
			row.HumidityMean = model.Float(a.humiditySum / float64(a.humidityN))
		}
		out = append(out, row)
	}
	return out
}

func (e *Engine) dailyWatermark(ctx context.Context, entity string) (time.Time, error) {
	period, err := e.store.Watermark(ctx, entity, model.GranularityDaily)
	if err != nil {
		return time.Time{}, err
	}
	if period == "" {
		period = defaultDailyStart
	}
	last, err := time.Parse(dateLayout, period)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: bad daily watermark %q for %s: %w", period, entity, err)
	}
	return last, nil
}

func (e *Engine) monthlyWatermark(ctx context.Context, entity string) (model.YearMonth, error) {
	period, err := e.store.Watermark(ctx, entity, model.GranularityMonthly)
	if err != nil {
		return model.YearMonth{}, err
	}
	if period == "" {
		return defaultMonthlyStart, nil
	}
	var ym model.YearMonth
	if _, err := fmt.Sscanf(period, "%d-%d", &ym.Year, &ym.Month); err != nil {
		return model.YearMonth{}, fmt.Errorf("sync: bad monthly watermark %q for %s: %w", period, entity, err)
	}
	return ym, nil
}

func (e *Engine) yesterday() time.Time {
	now := e.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, time.UTC)
}

func (e *Engine) lastElapsedMonth() model.YearMonth {
	now := e.now().UTC()
	year, month := now.Year(), int(now.Month())
	if month == 1 {
		return model.YearMonth{Year: year - 1, Month: 12}
	}
	return model.YearMonth{Year: year, Month: month - 1}
}

func (e *Engine) entityLock(key string) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[key]
	if !ok {
		lock = &stdsync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

func (e *Engine) transition(result *Result, state State, from, to string) {
	result.State = state
	e.log.Debug().
		Str("entity", result.Entity).
		Str("kind", string(result.Kind)).
		Str("state", string(state)).
		Str("from", from).
		Str("to", to).
		Msg("sync state")
}

func (e *Engine) fail(result Result, err error) Result {
	result.State = StateFailed
	result.Err = err
	e.log.Error().
		Str("entity", result.Entity).
		Str("kind", string(result.Kind)).
		Int("chunks", result.Chunks).
		Err(err).
		Msg("sync failed")
	return result
}

func (e *Engine) logResult(result Result) {
	e.log.Info().
		Str("entity", result.Entity).
		Str("kind", string(result.Kind)).
		Int("chunks", result.Chunks).
		Int("rows", result.Rows).
		Str("state", string(result.State)).
		Msg("sync complete")
}
