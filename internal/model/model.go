package model

import (
	"fmt"
	"time"
)

// Granularity identifies which watermark series a sync run tracks.
type Granularity string

const (
	GranularityDaily   Granularity = "daily"
	GranularityMonthly Granularity = "monthly"
)

// RawObservation is one melted (label, year, value) cell from the wide input
// table. Value is nil when the cell was empty or non-numeric.
type RawObservation struct {
	Label string
	Year  int
	Value *float64
}

// WeatherYear is one row of the yearly weather domain table.
type WeatherYear struct {
	Year        int
	Temperature *float64
	Humidity    *float64
	Rain        *float64
}

// ProductionYear is one row of the national production domain table.
type ProductionYear struct {
	Year           int
	AreaThousandHa *float64
	OutputTons     *float64
	ExportTons     *float64
}

// ExportYear is one row of the export value/price domain table.
type ExportYear struct {
	Year                  int
	ExportValueMillionUSD *float64
	PriceWorldUSDPerTon   *float64
	PriceVNUSDPerTon      *float64
}

// MarketTrade is one (importer, year) row sourced from the typed market table.
type MarketTrade struct {
	Importer             string
	Year                 int
	TradeValueMillionUSD *float64
	QuantityTons         *float64
}

// ProvinceProduction is one (province, year) row of the provincial breakdown.
type ProvinceProduction struct {
	Province       string
	Year           int
	AreaThousandHa *float64
	OutputTons     *float64
	ExportTons     *float64
}

// MonthlyWeather is one aggregated (province, year, month) weather row.
type MonthlyWeather struct {
	Province         string
	Year             int
	Month            int
	TemperatureMean  *float64
	PrecipitationSum *float64
	HumidityMean     *float64
}

// DailyWeather is one raw (province, date) weather row.
type DailyWeather struct {
	Province         string
	Date             time.Time
	TemperatureMean  *float64
	TemperatureMax   *float64
	TemperatureMin   *float64
	PrecipitationSum *float64
	HumidityMean     *float64
}

// DailyPrice is one spot price quote, keyed (date, region).
type DailyPrice struct {
	Date          time.Time
	Region        string
	PriceVNDPerKg int
	ScrapedAt     time.Time
	Source        string
}

// Watermark records the last period durably persisted for one entity of one
// series kind. LastPeriod is "YYYY-MM-DD" for daily series and "YYYY-MM" for
// monthly ones; both formats order correctly as strings.
type Watermark struct {
	Entity     string
	Kind       Granularity
	LastPeriod string
}

// ForecastPoint is a projected value for a period beyond the observed range.
// It is derived per request and never persisted.
type ForecastPoint struct {
	Year       int
	Value      float64
	IsForecast bool
	Method     string
}

// Province is a coffee-growing province with the coordinates used for
// weather archive lookups.
type Province struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Provinces lists the five provinces tracked by the portal.
var Provinces = []Province{
	{Name: "DakLak", Latitude: 12.6663, Longitude: 108.0383},
	{Name: "GiaLai", Latitude: 13.9833, Longitude: 108.0},
	{Name: "DakNong", Latitude: 12.0086, Longitude: 107.6907},
	{Name: "KonTum", Latitude: 14.3545, Longitude: 108.0076},
	{Name: "LamDong", Latitude: 11.5475, Longitude: 107.8070},
}

// ProvinceByName returns the registry entry for name.
func ProvinceByName(name string) (Province, bool) {
	for _, p := range Provinces {
		if p.Name == name {
			return p, true
		}
	}
	return Province{}, false
}

// YearMonth is a calendar month used by the monthly watermark.
type YearMonth struct {
	Year  int
	Month int
}

func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month)
}

// Next returns the following calendar month.
func (ym YearMonth) Next() YearMonth {
	if ym.Month == 12 {
		return YearMonth{Year: ym.Year + 1, Month: 1}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month + 1}
}

// Before reports whether ym precedes other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// Float returns a pointer to v, for building nullable columns in place.
func Float(v float64) *float64 {
	return &v
}
