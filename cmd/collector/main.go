package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"coffeeportal/internal/ingest"
	"coffeeportal/internal/model"
	"coffeeportal/internal/pivot"
	"coffeeportal/internal/providers/openmeteo"
	"coffeeportal/internal/providers/prices"
	"coffeeportal/internal/store/sqlite"
	syncer "coffeeportal/internal/sync"
)

// seedShares splits national production across provinces for the initial
// provincial breakdown. Provinces without a share are left unseeded.
var seedShares = map[string]float64{
	"DakLak":  0.45,
	"GiaLai":  0.20,
	"DakNong": 0.15,
	"LamDong": 0.20,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:])
	case "sync":
		runSync(os.Args[2:])
	case "seed-provinces":
		runSeedProvinces(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: collector <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  ingest          melt a wide spreadsheet and pivot it into the domain tables")
	fmt.Fprintln(os.Stderr, "  sync            pull missing weather periods from the archive")
	fmt.Fprintln(os.Stderr, "  seed-provinces  derive the provincial breakdown from national production")
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	widePath := fs.String("wide", "", "path to the wide labeled table (.xlsx or .csv)")
	marketPath := fs.String("market", "", "path to the typed market table (optional)")
	dbPath := fs.String("db", "coffeeportal.db", "sqlite database path")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	log := newLogger(*verbose)
	if strings.TrimSpace(*widePath) == "" && strings.TrimSpace(*marketPath) == "" {
		fmt.Fprintln(os.Stderr, "ingest: -wide or -market is required")
		os.Exit(2)
	}

	if err := ingestFiles(*widePath, *marketPath, *dbPath, log); err != nil {
		fmt.Fprintln(os.Stderr, "collector ingest failed:", err)
		os.Exit(1)
	}
	fmt.Println("collector ingest complete")
}

func ingestFiles(widePath, marketPath, dbPath string, log zerolog.Logger) error {
	st, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	normalizer := ingest.NewNormalizer(log)

	var observations []model.RawObservation
	if strings.TrimSpace(widePath) != "" {
		observations, err = normalizer.MeltFile(widePath)
		if err != nil {
			return fmt.Errorf("melt %s: %w", widePath, err)
		}
		log.Info().Int("observations", len(observations)).Str("path", widePath).Msg("wide table melted")
	}

	var market []model.MarketTrade
	if strings.TrimSpace(marketPath) != "" {
		market, err = normalizer.MarketFile(marketPath)
		if err != nil {
			return fmt.Errorf("market %s: %w", marketPath, err)
		}
		log.Info().Int("rows", len(market)).Str("path", marketPath).Msg("market table parsed")
	}

	return pivot.New(st, log).Run(context.Background(), observations, market)
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	dbPath := fs.String("db", "coffeeportal.db", "sqlite database path")
	kind := fs.String("kind", "both", "series to sync: daily, monthly, both, or prices")
	province := fs.String("province", "", "limit to one province (empty = all)")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	log := newLogger(*verbose)
	failed, err := syncWeather(*dbPath, *kind, *province, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector sync failed:", err)
		os.Exit(1)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "collector sync finished with %d failed entities\n", failed)
		os.Exit(1)
	}
	fmt.Println("collector sync complete")
}

func syncWeather(dbPath, kind, province string, log zerolog.Logger) (int, error) {
	st, err := sqlite.New(dbPath)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	provider, err := openmeteo.New()
	if err != nil {
		return 0, err
	}
	engine := syncer.New(st, provider, log)
	ctx := context.Background()

	if strings.ToLower(kind) == "prices" {
		quotes, err := prices.New()
		if err != nil {
			return 0, err
		}
		result := engine.SyncPrices(ctx, quotes)
		if result.Err != nil {
			return 1, nil
		}
		fmt.Printf("synced %s chunks=%d rows=%d\n", result.Entity, result.Chunks, result.Rows)
		return 0, nil
	}

	targets := model.Provinces
	if strings.TrimSpace(province) != "" {
		target, ok := model.ProvinceByName(province)
		if !ok {
			return 0, fmt.Errorf("unknown province: %s", province)
		}
		targets = []model.Province{target}
	}

	results := make([]syncer.Result, 0, 2*len(targets))
	for _, target := range targets {
		switch strings.ToLower(kind) {
		case "daily":
			results = append(results, engine.SyncDaily(ctx, target))
		case "monthly":
			results = append(results, engine.SyncMonthly(ctx, target))
		case "both":
			results = append(results, engine.SyncDaily(ctx, target))
			results = append(results, engine.SyncMonthly(ctx, target))
		default:
			return 0, fmt.Errorf("unknown kind: %s", kind)
		}
	}

	failed := 0
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		fmt.Printf("synced %s/%s chunks=%d rows=%d\n",
			result.Entity, result.Kind, result.Chunks, result.Rows)
	}
	return failed, nil
}

func runSeedProvinces(args []string) {
	fs := flag.NewFlagSet("seed-provinces", flag.ExitOnError)
	dbPath := fs.String("db", "coffeeportal.db", "sqlite database path")
	verbose := fs.Bool("verbose", false, "debug logging")
	fs.Parse(args)

	log := newLogger(*verbose)
	if err := seedProvinces(*dbPath, log); err != nil {
		fmt.Fprintln(os.Stderr, "collector seed-provinces failed:", err)
		os.Exit(1)
	}
	fmt.Println("collector seed-provinces complete")
}

// seedProvinces derives per-province production rows by splitting each
// national year across the share table. Re-running replaces the derived
// rows, so the seed stays consistent with the national table.
func seedProvinces(dbPath string, log zerolog.Logger) error {
	st, err := sqlite.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	national, err := st.ListProductionYears(ctx)
	if err != nil {
		return err
	}
	if len(national) == 0 {
		return errors.New("no national production to seed from")
	}

	rows := make([]model.ProvinceProduction, 0, len(national)*len(seedShares))
	for _, year := range national {
		for _, province := range model.Provinces {
			share, ok := seedShares[province.Name]
			if !ok {
				continue
			}
			rows = append(rows, model.ProvinceProduction{
				Province:       province.Name,
				Year:           year.Year,
				AreaThousandHa: scale(year.AreaThousandHa, share),
				OutputTons:     scale(year.OutputTons, share),
				ExportTons:     scale(year.ExportTons, share),
			})
		}
	}

	if err := st.UpsertProvinceProduction(ctx, rows); err != nil {
		return err
	}
	log.Info().Int("rows", len(rows)).Int("years", len(national)).Msg("province production seeded")
	return nil
}

func scale(v *float64, share float64) *float64 {
	if v == nil {
		return nil
	}
	return model.Float(*v * share)
}
