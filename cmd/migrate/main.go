package main

import (
	"context"
	"flag"
	"log"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/util"

	"go.uber.org/zap"
)

func main() {
	seed := flag.Bool("seed", false, "insert sample customers and products")
	drop := flag.Bool("drop", false, "drop all tables before migrating")
	flag.Parse()

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()
	logger := util.GetLogger()

	st, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *drop {
		if err := st.DropAll(ctx); err != nil {
			logger.Fatal("Failed to drop tables", zap.Error(err))
		}
		logger.Info("Tables dropped")
	}

	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Schema up to date")

	if *seed {
		if err := st.Seed(ctx); err != nil {
			logger.Fatal("Failed to seed database", zap.Error(err))
		}
		logger.Info("Sample data inserted")
	}
}
