package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"coffeeportal/internal/model"
	"coffeeportal/internal/serve"
	"coffeeportal/internal/store/sqlite"
)

type metaFile struct {
	GeneratedAt string `json:"generated_at"`
}

type seriesFile struct {
	GeneratedAt string         `json:"generated_at"`
	Series      []seriesJSON   `json:"series"`
	Provinces   []provinceJSON `json:"provinces,omitempty"`
}

type provinceJSON struct {
	Province string       `json:"province"`
	Series   []seriesJSON `json:"series"`
}

type seriesJSON struct {
	Name   string      `json:"name"`
	Points []pointJSON `json:"points"`
	Stats  statsJSON   `json:"stats"`
}

type pointJSON struct {
	Year         int      `json:"year"`
	Value        *float64 `json:"value"`
	Interpolated bool     `json:"interpolated,omitempty"`
	Forecast     bool     `json:"forecast,omitempty"`
	Method       string   `json:"method,omitempty"`
}

type statsJSON struct {
	Current    *float64 `json:"current"`
	Avg        float64  `json:"avg"`
	Min        float64  `json:"min"`
	Max        float64  `json:"max"`
	GrowthRate float64  `json:"growth_rate"`
	ChangePct  float64  `json:"change_pct"`
}

type importersFile struct {
	GeneratedAt string         `json:"generated_at"`
	Year        int            `json:"year"`
	Importers   []importerJSON `json:"importers"`
}

type importerJSON struct {
	Importer             string  `json:"importer"`
	TradeValueMillionUSD float64 `json:"trade_value_million_usd"`
	QuantityTons         float64 `json:"quantity_tons"`
	SharePct             float64 `json:"share_pct"`
	Forecast             bool    `json:"forecast,omitempty"`
	Method               string  `json:"method,omitempty"`
}

type weatherFile struct {
	GeneratedAt string            `json:"generated_at"`
	Yearly      []seriesJSON      `json:"yearly"`
	Monthly     []monthlyProvince `json:"monthly"`
}

type monthlyProvince struct {
	Province string        `json:"province"`
	Yearly   []seriesJSON  `json:"yearly,omitempty"`
	Months   []monthlyJSON `json:"months"`
}

type monthlyJSON struct {
	Year             int      `json:"year"`
	Month            int      `json:"month"`
	TemperatureMean  *float64 `json:"temperature_mean"`
	PrecipitationSum *float64 `json:"precipitation_sum"`
	HumidityMean     *float64 `json:"humidity_mean"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "build":
		build(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: publisher build [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  -out             output directory (default: site/data)")
	fmt.Fprintln(os.Stderr, "  -db              sqlite database path (default: coffeeportal.db)")
	fmt.Fprintln(os.Stderr, "  -forecast-years  years to project past the observed range (default: 2)")
}

func build(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("out", "site/data", "output directory")
	dbPath := fs.String("db", "coffeeportal.db", "sqlite database path")
	forecastYears := fs.Int("forecast-years", 2, "years to project past the observed range")
	fs.Parse(args)

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := buildSite(*outDir, *dbPath, *forecastYears, log); err != nil {
		fmt.Fprintln(os.Stderr, "publisher build failed:", err)
		os.Exit(1)
	}
	fmt.Printf("publisher build complete (out=%s)\n", *outDir)
}

func buildSite(outDir, dbPath string, forecastYears int, log zerolog.Logger) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	st, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	service := serve.New(st, gocache.New(serve.DefaultCacheTTL, 2*serve.DefaultCacheTTL), log)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)

	if err := writeJSON(filepath.Join(outDir, "meta.json"), metaFile{GeneratedAt: now}); err != nil {
		return err
	}
	if err := writeProduction(ctx, service, outDir, now, forecastYears, log); err != nil {
		return err
	}
	if err := writeExport(ctx, service, outDir, now, forecastYears, log); err != nil {
		return err
	}
	if err := writeWeather(ctx, service, outDir, now, log); err != nil {
		return err
	}
	return writeImporters(ctx, service, outDir, now, log)
}

func writeProduction(ctx context.Context, service *serve.Service, outDir, now string, forecastYears int, log zerolog.Logger) error {
	national, err := service.ProductionSeries(ctx)
	if errors.Is(err, serve.ErrNoData) {
		log.Warn().Msg("no production data, skipping production.json")
		return nil
	}
	if err != nil {
		return err
	}

	out := seriesFile{GeneratedAt: now, Series: toSeriesJSON(national, forecastYears)}
	for _, province := range model.Provinces {
		provincial, err := service.ProvinceProductionSeries(ctx, province.Name)
		if errors.Is(err, serve.ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}
		out.Provinces = append(out.Provinces, provinceJSON{
			Province: province.Name,
			Series:   toSeriesJSON(provincial, forecastYears),
		})
	}
	return writeJSON(filepath.Join(outDir, "production.json"), out)
}

func writeExport(ctx context.Context, service *serve.Service, outDir, now string, forecastYears int, log zerolog.Logger) error {
	export, err := service.ExportSeries(ctx)
	if errors.Is(err, serve.ErrNoData) {
		log.Warn().Msg("no export data, skipping export.json")
		return nil
	}
	if err != nil {
		return err
	}
	out := seriesFile{GeneratedAt: now, Series: toSeriesJSON(export, forecastYears)}
	return writeJSON(filepath.Join(outDir, "export.json"), out)
}

func writeWeather(ctx context.Context, service *serve.Service, outDir, now string, log zerolog.Logger) error {
	yearly, err := service.WeatherYearlySeries(ctx)
	if errors.Is(err, serve.ErrNoData) {
		log.Warn().Msg("no yearly weather data, skipping weather.json")
		return nil
	}
	if err != nil {
		return err
	}

	out := weatherFile{GeneratedAt: now, Yearly: toSeriesJSON(yearly, 0)}
	for _, province := range model.Provinces {
		months, err := service.RecentMonthlyWeather(ctx, province.Name)
		if errors.Is(err, serve.ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}
		entry := monthlyProvince{Province: province.Name}
		if synced, err := service.SyncedWeatherYearlySeries(ctx, province.Name); err == nil {
			entry.Yearly = toSeriesJSON(synced, 0)
		} else if !errors.Is(err, serve.ErrNoData) {
			return err
		}
		for _, month := range months {
			entry.Months = append(entry.Months, monthlyJSON{
				Year:             month.Year,
				Month:            month.Month,
				TemperatureMean:  month.TemperatureMean,
				PrecipitationSum: month.PrecipitationSum,
				HumidityMean:     month.HumidityMean,
			})
		}
		out.Monthly = append(out.Monthly, entry)
	}
	return writeJSON(filepath.Join(outDir, "weather.json"), out)
}

func writeImporters(ctx context.Context, service *serve.Service, outDir, now string, log zerolog.Logger) error {
	shares, err := service.TopImporters(ctx, 0)
	if errors.Is(err, serve.ErrNoData) {
		log.Warn().Msg("no market data, skipping importers.json")
		return nil
	}
	if err != nil {
		return err
	}

	out := importersFile{GeneratedAt: now}
	for _, share := range shares {
		out.Year = share.Year
		out.Importers = append(out.Importers, importerJSON{
			Importer:             share.Importer,
			TradeValueMillionUSD: share.TradeValueMillionUSD,
			QuantityTons:         share.QuantityTons,
			SharePct:             share.SharePct,
			Forecast:             share.Forecast,
			Method:               share.Method,
		})
	}
	return writeJSON(filepath.Join(outDir, "importers.json"), out)
}

func toSeriesJSON(in []serve.Series, forecastYears int) []seriesJSON {
	out := make([]seriesJSON, 0, len(in))
	for _, s := range in {
		if forecastYears > 0 {
			s = serve.ForecastSeries(s, forecastYears)
		}
		entry := seriesJSON{
			Name: s.Name,
			Stats: statsJSON{
				Current:    s.Stats.Current,
				Avg:        s.Stats.Avg,
				Min:        s.Stats.Min,
				Max:        s.Stats.Max,
				GrowthRate: s.Stats.GrowthRate,
				ChangePct:  s.Stats.ChangePct,
			},
		}
		for _, point := range s.Points {
			entry.Points = append(entry.Points, pointJSON{
				Year:         point.Year,
				Value:        point.Value,
				Interpolated: point.Interpolated,
				Forecast:     point.Forecast,
				Method:       point.Method,
			})
		}
		out = append(out, entry)
	}
	return out
}

func writeJSON(path string, value any) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
