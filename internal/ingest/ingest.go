package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"coffeeportal/internal/model"
)

var (
	ErrNoYearColumns = errors.New("ingest: no year columns detected in header")
	ErrMissingColumn = errors.New("ingest: required column missing")
	ErrEmptyTable    = errors.New("ingest: table has no rows")
)

// Market table column headers, as they appear in the source file.
const (
	colYear       = "Year"
	colImporter   = "Importer"
	colTradeValue = "Trade Value(million_USD)"
	colQuantity   = "Quantity(tons)"
)

// defaultBlacklist drops placeholder and header-echo labels.
var defaultBlacklist = []string{"nan", "NaN", "hang_muc", "Hang_muc", ""}

// Normalizer melts a wide labeled table (one row per metric label, one
// column per year) into deduplicated long-format RawObservations.
type Normalizer struct {
	blacklist map[string]struct{}
	log       zerolog.Logger
}

func NewNormalizer(log zerolog.Logger) *Normalizer {
	blacklist := make(map[string]struct{}, len(defaultBlacklist))
	for _, label := range defaultBlacklist {
		blacklist[label] = struct{}{}
	}
	return &Normalizer{blacklist: blacklist, log: log}
}

// MeltFile reads the wide table at path (.xlsx or delimited text) and melts
// it. The file may carry a UTF-8 byte-order mark.
func (n *Normalizer) MeltFile(path string) ([]model.RawObservation, error) {
	records, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return n.Melt(records)
}

// Melt converts header+rows into long form. Columns whose header does not
// parse as a 4-digit year are ignored as metadata. Non-numeric cells become
// null values. Rows with blacklisted labels are dropped, as is any cell
// whose value equals its year: that pattern means a header row was ingested
// as data (a heuristic guard, kept from observed source behavior).
// Duplicate (label, year) pairs keep the first occurrence.
func (n *Normalizer) Melt(records [][]string) ([]model.RawObservation, error) {
	if len(records) == 0 {
		return nil, ErrEmptyTable
	}

	header := records[0]
	type yearCol struct {
		index int
		year  int
	}
	yearCols := make([]yearCol, 0, len(header))
	for i := 1; i < len(header); i++ {
		if year, ok := parseYear(strings.TrimSpace(header[i])); ok {
			yearCols = append(yearCols, yearCol{index: i, year: year})
		}
	}
	if len(yearCols) == 0 {
		return nil, ErrNoYearColumns
	}

	seen := make(map[string]struct{})
	observations := make([]model.RawObservation, 0, len(records)*len(yearCols))
	dropped := 0
	for _, record := range records[1:] {
		if len(record) == 0 {
			continue
		}
		label := strings.TrimSpace(record[0])
		if _, bad := n.blacklist[label]; bad {
			dropped++
			continue
		}
		for _, col := range yearCols {
			value := parseCell(record, col.index)
			if value != nil && *value == float64(col.year) {
				n.log.Warn().Str("label", label).Int("year", col.year).
					Msg("dropping header-echo cell (value equals year)")
				continue
			}
			key := label + "\x00" + strconv.Itoa(col.year)
			if _, dup := seen[key]; dup {
				// first occurrence wins
				continue
			}
			seen[key] = struct{}{}
			observations = append(observations, model.RawObservation{
				Label: label,
				Year:  col.year,
				Value: value,
			})
		}
	}
	if dropped > 0 {
		n.log.Warn().Int("rows", dropped).Msg("dropped blacklisted or empty labels")
	}
	return observations, nil
}

// MarketFile reads and parses the typed market-share table at path.
func (n *Normalizer) MarketFile(path string) ([]model.MarketTrade, error) {
	records, err := readTable(path)
	if err != nil {
		return nil, err
	}
	return n.MarketTable(records)
}

// MarketTable parses the explicitly-typed market table. All four columns
// are required; a missing column is a configuration error and nothing is
// ingested. Rows without a year or importer are dropped.
func (n *Normalizer) MarketTable(records [][]string) ([]model.MarketTrade, error) {
	if len(records) == 0 {
		return nil, ErrEmptyTable
	}

	index := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		index[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colYear, colImporter, colTradeValue, colQuantity} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	rows := make([]model.MarketTrade, 0, len(records)-1)
	for _, record := range records[1:] {
		importer := strings.TrimSpace(cell(record, index[colImporter]))
		year, ok := parseYear(strings.TrimSpace(cell(record, index[colYear])))
		if importer == "" || !ok {
			n.log.Warn().Str("importer", importer).Msg("dropping market row without year or importer")
			continue
		}
		rows = append(rows, model.MarketTrade{
			Importer:             importer,
			Year:                 year,
			TradeValueMillionUSD: parseCell(record, index[colTradeValue]),
			QuantityTons:         parseCell(record, index[colQuantity]),
		})
	}
	return rows, nil
}

func readTable(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readXLSX(path)
	}
	return readCSV(path)
}

func readCSV(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: reading %s: %w", path, err)
	}
	stripBOM(records)
	return records, nil
}

func readXLSX(path string) ([][]string, error) {
	workbook, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: opening %s: %w", path, err)
	}
	defer workbook.Close()

	sheets := workbook.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyTable
	}
	records, err := workbook.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("ingest: reading %s: %w", path, err)
	}
	return records, nil
}

func stripBOM(records [][]string) {
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	}
}

func cell(record []string, index int) string {
	if index >= len(record) {
		return ""
	}
	return record[index]
}

// parseCell returns the numeric value at index, or nil for empty and
// non-numeric cells.
func parseCell(record []string, index int) *float64 {
	raw := strings.TrimSpace(cell(record, index))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &value
}

func parseYear(value string) (int, bool) {
	if len(value) != 4 || !isDigits(value) {
		return 0, false
	}
	year, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return year, true
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
