package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"equipment-loan-api/internal/config"
	"equipment-loan-api/internal/store/postgres"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn = flag.String("dsn", "", "Database URL (overrides DATABASE_URL)")
		dir = flag.String("dir", "db/migrations", "Directory holding migration files")
	)
	flag.Parse()

	cfg := config.Load()
	if *dsn != "" {
		cfg.DBURL = *dsn
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, cfg.DBURL, logger)
	if err != nil {
		logger.Fatal("connect", zap.Error(err))
	}
	defer store.Close()

	applied, err := postgres.Migrate(ctx, store.DB(), *dir, logger)
	if err != nil {
		logger.Error("migration failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("Applied %d migration(s)\n", len(applied))
}
