package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"stockroom/internal/config"
	"stockroom/internal/database"
	"stockroom/internal/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: migrate [-dir migrations] up|down|status\n")
	flag.PrintDefaults()
}

func main() {
	dir := flag.String("dir", "migrations", "directory holding the goose migrations")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.Build(logger.Options{Env: cfg.Server.Env, Level: cfg.Server.LogLevel})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	dbService, err := database.New(context.Background(), cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer dbService.Close()

	migrator, err := database.NewMigrator(dbService.DB(), *dir, log)
	if err != nil {
		log.Fatal("Failed to load migrations", zap.Error(err))
	}

	ctx := context.Background()
	switch flag.Arg(0) {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "status":
		err = migrator.Status(ctx)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("Migration command failed", zap.Error(err))
	}
}
