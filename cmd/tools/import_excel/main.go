package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/store/postgres"
	"equipment-loan-api/pkg/importer"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const usage = "Usage: import_excel --file=units.xlsx [--mapping=mapping.yaml] [--dry-run]"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	var filePath, mappingPath string
	dryRun := false

	for _, arg := range os.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "--file="):
			filePath = strings.TrimPrefix(arg, "--file=")
		case strings.HasPrefix(arg, "--mapping="):
			mappingPath = strings.TrimPrefix(arg, "--mapping=")
		case arg == "--dry-run":
			dryRun = true
		}
	}

	if filePath == "" {
		fmt.Println("Error: file is required")
		fmt.Println(usage)
		os.Exit(1)
	}

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.DBURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if mappingPath == "" {
		mappingPath = cfg.ImportMapping
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.DBURL, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	file, err := os.Open(filePath)
	if err != nil {
		log.Fatalf("Failed to open Excel file: %v", err)
	}
	defer file.Close()

	fmt.Printf("Importing units from %s (dry_run=%v)\n", filePath, dryRun)
	fmt.Println(strings.Repeat("=", 60))

	eng := engine.New(store, engine.WithLogger(logger))
	summary, err := importer.ImportUnits(ctx, eng, file, importer.ImportOptions{
		MappingPath: mappingPath,
		DryRun:      dryRun,
		MaxErrors:   50,
	})
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("IMPORT SUMMARY")
	fmt.Println(strings.Repeat("=", 60))

	fmt.Printf("Total inserted: %d\n", summary.Inserted)
	fmt.Printf("Total skipped: %d\n", summary.Skipped)
	fmt.Printf("Total errors: %d\n", summary.Errors)
	fmt.Printf("Dry run: %v\n", summary.DryRun)

	if len(summary.Sheets) > 0 {
		fmt.Println("\nSheet Details:")
		for _, sheet := range summary.Sheets {
			fmt.Printf("  %s: inserted=%d, skipped=%d, errors=%d\n",
				sheet.Name, sheet.Inserted, sheet.Skipped, sheet.Errors)
			for _, sample := range sheet.Samples {
				fmt.Printf("      Row %d: %s\n", sample.Row, sample.Message)
			}
		}
	}
}
