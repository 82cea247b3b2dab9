package pivot

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"coffeeportal/internal/model"
	"coffeeportal/internal/store"
)

// Matcher decides whether a long-format label feeds a given output column.
type Matcher func(label string) bool

// Prefix matches labels starting with any of the given prefixes.
func Prefix(prefixes ...string) Matcher {
	return func(label string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(label, p) {
				return true
			}
		}
		return false
	}
}

// ColumnSpec binds one output column to its label matcher. The specs below
// are the explicit enumerated mapping for each domain table; matching is by
// label prefix against the source spreadsheet's row labels.
type ColumnSpec struct {
	Column string
	Match  Matcher
}

var (
	WeatherColumns = []ColumnSpec{
		{Column: "temperature", Match: Prefix("Nhiet_do_trung_binh")},
		{Column: "humidity", Match: Prefix("Do_am_trung_binh")},
		{Column: "rain", Match: Prefix("Tong_luong_mua")},
	}
	ProductionColumns = []ColumnSpec{
		{Column: "area_thousand_ha", Match: Prefix("Area (Thousand ha)")},
		{Column: "output_tons", Match: Prefix("San luong ca phe san xuat")},
		{Column: "export_tons", Match: Prefix("San luong ca phe xuat khau")},
	}
	ExportColumns = []ColumnSpec{
		{Column: "export_value_million_usd", Match: Prefix("Kim_Ngach(millionUSD)", "Kim Ngach", "Kim_Ngach")},
		{Column: "price_world_usd_per_ton", Match: Prefix("coffee_price_usd_per_ton(world)")},
		{Column: "price_vn_usd_per_ton", Match: Prefix("coffee_price_usd_per_ton(vietnam)")},
	}
)

// Engine aggregates long-format observations into domain-table rows and
// writes them, together with the staging rows and the typed market table,
// as a single transactional batch.
type Engine struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Engine {
	return &Engine{store: st, log: log}
}

// Run pivots observations into every domain table and upserts the whole
// batch atomically: either all tables reflect this ingestion or none do.
func (e *Engine) Run(ctx context.Context, observations []model.RawObservation, market []model.MarketTrade) error {
	batch := store.IngestBatch{
		Long:       observations,
		Weather:    BuildWeather(observations),
		Production: BuildProduction(observations),
		Export:     BuildExport(observations),
		Market:     market,
	}
	if err := e.store.UpsertIngestBatch(ctx, batch); err != nil {
		return err
	}
	e.log.Info().
		Int("long", len(batch.Long)).
		Int("weather", len(batch.Weather)).
		Int("production", len(batch.Production)).
		Int("export", len(batch.Export)).
		Int("market", len(batch.Market)).
		Msg("ingest batch upserted")
	return nil
}

// BuildWeather pivots observations into yearly weather rows.
func BuildWeather(observations []model.RawObservation) []model.WeatherYear {
	rows := make([]model.WeatherYear, 0)
	for _, year := range distinctYears(observations) {
		values := pivotYear(observations, year, WeatherColumns)
		rows = append(rows, model.WeatherYear{
			Year:        year,
			Temperature: values["temperature"],
			Humidity:    values["humidity"],
			Rain:        values["rain"],
		})
	}
	return rows
}

// BuildProduction pivots observations into national production rows.
func BuildProduction(observations []model.RawObservation) []model.ProductionYear {
	rows := make([]model.ProductionYear, 0)
	for _, year := range distinctYears(observations) {
		values := pivotYear(observations, year, ProductionColumns)
		rows = append(rows, model.ProductionYear{
			Year:           year,
			AreaThousandHa: values["area_thousand_ha"],
			OutputTons:     values["output_tons"],
			ExportTons:     values["export_tons"],
		})
	}
	return rows
}

// BuildExport pivots observations into export value/price rows.
func BuildExport(observations []model.RawObservation) []model.ExportYear {
	rows := make([]model.ExportYear, 0)
	for _, year := range distinctYears(observations) {
		values := pivotYear(observations, year, ExportColumns)
		rows = append(rows, model.ExportYear{
			Year:                  year,
			ExportValueMillionUSD: values["export_value_million_usd"],
			PriceWorldUSDPerTon:   values["price_world_usd_per_ton"],
			PriceVNUSDPerTon:      values["price_vn_usd_per_ton"],
		})
	}
	return rows
}

// pivotYear resolves each column to the value of the first observation for
// that year whose label matches. With ambiguous labels the winner depends on
// input order; source labels are expected to be unambiguous.
func pivotYear(observations []model.RawObservation, year int, specs []ColumnSpec) map[string]*float64 {
	values := make(map[string]*float64, len(specs))
	for _, spec := range specs {
		for _, obs := range observations {
			if obs.Year != year || !spec.Match(obs.Label) {
				continue
			}
			values[spec.Column] = obs.Value
			break
		}
	}
	return values
}

func distinctYears(observations []model.RawObservation) []int {
	seen := make(map[int]struct{})
	years := make([]int, 0)
	for _, obs := range observations {
		if _, ok := seen[obs.Year]; ok {
			continue
		}
		seen[obs.Year] = struct{}{}
		years = append(years, obs.Year)
	}
	sort.Ints(years)
	return years
}
