package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"coffeeportal/internal/model"
	"coffeeportal/internal/store"
)

const dateLayout = "2006-01-02"

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) UpsertIngestBatch(ctx context.Context, batch store.IngestBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertLong(ctx, tx, batch.Long); err != nil {
		return err
	}
	if err = upsertWeather(ctx, tx, batch.Weather); err != nil {
		return err
	}
	if err = upsertProduction(ctx, tx, batch.Production); err != nil {
		return err
	}
	if err = upsertExport(ctx, tx, batch.Export); err != nil {
		return err
	}
	if err = upsertMarket(ctx, tx, batch.Market); err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

func upsertLong(ctx context.Context, tx *sql.Tx, rows []model.RawObservation) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO coffee_long (label, year, value) VALUES (?, ?, ?)
		ON CONFLICT(label, year) DO UPDATE SET value = excluded.value
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Label, row.Year, nullable(row.Value)); err != nil {
			return err
		}
	}
	return nil
}

func upsertWeather(ctx context.Context, tx *sql.Tx, rows []model.WeatherYear) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather (year, temperature, humidity, rain) VALUES (?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			temperature = excluded.temperature,
			humidity = excluded.humidity,
			rain = excluded.rain
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.Year,
			nullable(row.Temperature), nullable(row.Humidity), nullable(row.Rain))
		if err != nil {
			return err
		}
	}
	return nil
}

func upsertProduction(ctx context.Context, tx *sql.Tx, rows []model.ProductionYear) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO production (year, area_thousand_ha, output_tons, export_tons)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			area_thousand_ha = excluded.area_thousand_ha,
			output_tons = excluded.output_tons,
			export_tons = excluded.export_tons
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.Year,
			nullable(row.AreaThousandHa), nullable(row.OutputTons), nullable(row.ExportTons))
		if err != nil {
			return err
		}
	}
	return nil
}

func upsertExport(ctx context.Context, tx *sql.Tx, rows []model.ExportYear) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO coffee_export (year, export_value_million_usd, price_world_usd_per_ton, price_vn_usd_per_ton)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			export_value_million_usd = excluded.export_value_million_usd,
			price_world_usd_per_ton = excluded.price_world_usd_per_ton,
			price_vn_usd_per_ton = excluded.price_vn_usd_per_ton
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.Year,
			nullable(row.ExportValueMillionUSD), nullable(row.PriceWorldUSDPerTon), nullable(row.PriceVNUSDPerTon))
		if err != nil {
			return err
		}
	}
	return nil
}

func upsertMarket(ctx context.Context, tx *sql.Tx, rows []model.MarketTrade) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_trade (importer, year, trade_value_million_usd, quantity_tons)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(importer, year) DO UPDATE SET
			trade_value_million_usd = excluded.trade_value_million_usd,
			quantity_tons = excluded.quantity_tons
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err := stmt.ExecContext(ctx, row.Importer, row.Year,
			nullable(row.TradeValueMillionUSD), nullable(row.QuantityTons))
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpsertProvinceProduction(ctx context.Context, rows []model.ProvinceProduction) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO production_by_province (province, year, area_thousand_ha, output_tons, export_tons)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(province, year) DO UPDATE SET
			area_thousand_ha = excluded.area_thousand_ha,
			output_tons = excluded.output_tons,
			export_tons = excluded.export_tons
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err = stmt.ExecContext(ctx, row.Province, row.Year,
			nullable(row.AreaThousandHa), nullable(row.OutputTons), nullable(row.ExportTons))
		if err != nil {
			return err
		}
	}

	err = tx.Commit()
	return err
}

func (s *Store) Watermark(ctx context.Context, entity string, kind model.Granularity) (string, error) {
	var period string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_period FROM sync_watermarks WHERE entity = ? AND kind = ?`,
		entity, string(kind),
	).Scan(&period)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return period, nil
}

func (s *Store) AppendDailyWeather(ctx context.Context, rows []model.DailyWeather, mark model.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather_data_daily (
			province, date, temperature_mean, temperature_max, temperature_min,
			precipitation_sum, humidity_mean
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(province, date) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err = stmt.ExecContext(ctx, row.Province, row.Date.Format(dateLayout),
			nullable(row.TemperatureMean), nullable(row.TemperatureMax), nullable(row.TemperatureMin),
			nullable(row.PrecipitationSum), nullable(row.HumidityMean))
		if err != nil {
			return err
		}
	}

	if err = advanceWatermark(ctx, tx, mark); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *Store) AppendMonthlyWeather(ctx context.Context, rows []model.MonthlyWeather, mark model.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO weather_data_monthly (
			province, year, month, temperature_mean, precipitation_sum, humidity_mean
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(province, year, month) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err = stmt.ExecContext(ctx, row.Province, row.Year, row.Month,
			nullable(row.TemperatureMean), nullable(row.PrecipitationSum), nullable(row.HumidityMean))
		if err != nil {
			return err
		}
	}

	if err = advanceWatermark(ctx, tx, mark); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (s *Store) AppendDailyPrices(ctx context.Context, rows []model.DailyPrice, mark model.Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_coffee_prices (date, region, price_vnd_per_kg, scraped_at, source)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date, region) DO UPDATE SET
			price_vnd_per_kg = excluded.price_vnd_per_kg,
			scraped_at = excluded.scraped_at,
			source = excluded.source
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		_, err = stmt.ExecContext(ctx, row.Date.Format(dateLayout), row.Region,
			row.PriceVNDPerKg, row.ScrapedAt.UTC().Format("2006-01-02 15:04:05"), row.Source)
		if err != nil {
			return err
		}
	}

	if err = advanceWatermark(ctx, tx, mark); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// advanceWatermark moves (entity, kind) forward to mark.LastPeriod. Periods
// are zero-padded so string comparison orders them; a stale mark is a no-op.
func advanceWatermark(ctx context.Context, tx *sql.Tx, mark model.Watermark) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_watermarks (entity, kind, last_period) VALUES (?, ?, ?)
		ON CONFLICT(entity, kind) DO UPDATE SET last_period = excluded.last_period
		WHERE excluded.last_period > sync_watermarks.last_period
	`, mark.Entity, string(mark.Kind), mark.LastPeriod)
	return err
}

func (s *Store) ListWeatherYears(ctx context.Context) ([]model.WeatherYear, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, temperature, humidity, rain FROM weather ORDER BY year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeatherYear
	for rows.Next() {
		var row model.WeatherYear
		var temperature, humidity, rain sql.NullFloat64
		if err := rows.Scan(&row.Year, &temperature, &humidity, &rain); err != nil {
			return nil, err
		}
		row.Temperature = fromNull(temperature)
		row.Humidity = fromNull(humidity)
		row.Rain = fromNull(rain)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListSyncedWeatherYears(ctx context.Context, province string) ([]model.WeatherYear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, AVG(temperature_mean), AVG(humidity_mean), SUM(precipitation_sum)
		FROM weather_data_monthly WHERE province = ?
		GROUP BY year ORDER BY year`, province)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeatherYear
	for rows.Next() {
		var row model.WeatherYear
		var temperature, humidity, rain sql.NullFloat64
		if err := rows.Scan(&row.Year, &temperature, &humidity, &rain); err != nil {
			return nil, err
		}
		row.Temperature = fromNull(temperature)
		row.Humidity = fromNull(humidity)
		row.Rain = fromNull(rain)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListProductionYears(ctx context.Context) ([]model.ProductionYear, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, area_thousand_ha, output_tons, export_tons FROM production ORDER BY year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProductionYear
	for rows.Next() {
		var row model.ProductionYear
		var area, output, export sql.NullFloat64
		if err := rows.Scan(&row.Year, &area, &output, &export); err != nil {
			return nil, err
		}
		row.AreaThousandHa = fromNull(area)
		row.OutputTons = fromNull(output)
		row.ExportTons = fromNull(export)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListExportYears(ctx context.Context) ([]model.ExportYear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, export_value_million_usd, price_world_usd_per_ton, price_vn_usd_per_ton
		FROM coffee_export ORDER BY year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ExportYear
	for rows.Next() {
		var row model.ExportYear
		var value, world, vn sql.NullFloat64
		if err := rows.Scan(&row.Year, &value, &world, &vn); err != nil {
			return nil, err
		}
		row.ExportValueMillionUSD = fromNull(value)
		row.PriceWorldUSDPerTon = fromNull(world)
		row.PriceVNUSDPerTon = fromNull(vn)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListProvinceProduction(ctx context.Context, province string) ([]model.ProvinceProduction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT province, year, area_thousand_ha, output_tons, export_tons
		FROM production_by_province WHERE province = ? ORDER BY year`, province)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProvinceProduction
	for rows.Next() {
		var row model.ProvinceProduction
		var area, output, export sql.NullFloat64
		if err := rows.Scan(&row.Province, &row.Year, &area, &output, &export); err != nil {
			return nil, err
		}
		row.AreaThousandHa = fromNull(area)
		row.OutputTons = fromNull(output)
		row.ExportTons = fromNull(export)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListMonthlyWeather returns the most recent limit months for a province in
// chronological order. limit <= 0 returns all months.
func (s *Store) ListMonthlyWeather(ctx context.Context, province string, limit int) ([]model.MonthlyWeather, error) {
	query := `
		SELECT province, year, month, temperature_mean, precipitation_sum, humidity_mean
		FROM weather_data_monthly WHERE province = ?
		ORDER BY year DESC, month DESC`
	args := []any{province}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MonthlyWeather
	for rows.Next() {
		var row model.MonthlyWeather
		var temp, precip, humidity sql.NullFloat64
		if err := rows.Scan(&row.Province, &row.Year, &row.Month, &temp, &precip, &humidity); err != nil {
			return nil, err
		}
		row.TemperatureMean = fromNull(temp)
		row.PrecipitationSum = fromNull(precip)
		row.HumidityMean = fromNull(humidity)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ListMarketTrades(ctx context.Context, year int) ([]model.MarketTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT importer, year, trade_value_million_usd, quantity_tons
		FROM market_trade WHERE year = ? ORDER BY importer`, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketTrade
	for rows.Next() {
		var row model.MarketTrade
		var value, quantity sql.NullFloat64
		if err := rows.Scan(&row.Importer, &row.Year, &value, &quantity); err != nil {
			return nil, err
		}
		row.TradeValueMillionUSD = fromNull(value)
		row.QuantityTons = fromNull(quantity)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ListAllMarketTrades(ctx context.Context) ([]model.MarketTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT importer, year, trade_value_million_usd, quantity_tons
		FROM market_trade ORDER BY importer, year`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketTrade
	for rows.Next() {
		var row model.MarketTrade
		var value, quantity sql.NullFloat64
		if err := rows.Scan(&row.Importer, &row.Year, &value, &quantity); err != nil {
			return nil, err
		}
		row.TradeValueMillionUSD = fromNull(value)
		row.QuantityTons = fromNull(quantity)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListDailyPrices returns the most recent limit quotes for a region in
// chronological order. limit <= 0 returns all quotes.
func (s *Store) ListDailyPrices(ctx context.Context, region string, limit int) ([]model.DailyPrice, error) {
	query := `
		SELECT date, region, price_vnd_per_kg, scraped_at, source
		FROM daily_coffee_prices WHERE region = ? ORDER BY date DESC`
	args := []any{region}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyPrice
	for rows.Next() {
		var row model.DailyPrice
		var date, scraped string
		if err := rows.Scan(&date, &row.Region, &row.PriceVNDPerKg, &scraped, &row.Source); err != nil {
			return nil, err
		}
		if row.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		if row.ScrapedAt, err = parseTimestamp(scraped); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) LatestMarketYear(ctx context.Context) (int, error) {
	var year sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(year) FROM market_trade`).Scan(&year)
	if err != nil {
		return 0, err
	}
	if !year.Valid {
		return 0, store.ErrNotFound
	}
	return int(year.Int64), nil
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS coffee_long (
			label TEXT NOT NULL,
			year INTEGER NOT NULL,
			value REAL,
			PRIMARY KEY (label, year)
		);`,
		`CREATE TABLE IF NOT EXISTS weather (
			year INTEGER NOT NULL PRIMARY KEY,
			temperature REAL,
			humidity REAL,
			rain REAL
		);`,
		`CREATE TABLE IF NOT EXISTS production (
			year INTEGER NOT NULL PRIMARY KEY,
			area_thousand_ha REAL,
			output_tons REAL,
			export_tons REAL
		);`,
		`CREATE TABLE IF NOT EXISTS coffee_export (
			year INTEGER NOT NULL PRIMARY KEY,
			export_value_million_usd REAL,
			price_world_usd_per_ton REAL,
			price_vn_usd_per_ton REAL
		);`,
		`CREATE TABLE IF NOT EXISTS market_trade (
			importer TEXT NOT NULL,
			year INTEGER NOT NULL,
			trade_value_million_usd REAL,
			quantity_tons REAL,
			PRIMARY KEY (importer, year)
		);`,
		`CREATE TABLE IF NOT EXISTS production_by_province (
			province TEXT NOT NULL,
			year INTEGER NOT NULL,
			area_thousand_ha REAL,
			output_tons REAL,
			export_tons REAL,
			PRIMARY KEY (province, year)
		);`,
		`CREATE TABLE IF NOT EXISTS weather_data_daily (
			province TEXT NOT NULL,
			date TEXT NOT NULL,
			temperature_mean REAL,
			temperature_max REAL,
			temperature_min REAL,
			precipitation_sum REAL,
			humidity_mean REAL,
			PRIMARY KEY (province, date)
		);`,
		`CREATE TABLE IF NOT EXISTS weather_data_monthly (
			province TEXT NOT NULL,
			year INTEGER NOT NULL,
			month INTEGER NOT NULL,
			temperature_mean REAL,
			precipitation_sum REAL,
			humidity_mean REAL,
			PRIMARY KEY (province, year, month)
		);`,
		`CREATE TABLE IF NOT EXISTS daily_coffee_prices (
			date TEXT NOT NULL,
			region TEXT NOT NULL,
			price_vnd_per_kg INTEGER NOT NULL,
			scraped_at TEXT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (date, region)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			entity TEXT NOT NULL,
			kind TEXT NOT NULL,
			last_period TEXT NOT NULL,
			PRIMARY KEY (entity, kind)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	value := v.Float64
	return &value
}

func parseDate(v string) (time.Time, error) {
	return time.Parse(dateLayout, v)
}

func parseTimestamp(v string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04:05", v)
}
