package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/noah-isme/cfa-appel-api/migrations"
	"github.com/noah-isme/cfa-appel-api/pkg/config"
	"github.com/noah-isme/cfa-appel-api/pkg/database"
	"github.com/noah-isme/cfa-appel-api/pkg/logger"
)

var gooseRunFunc = goose.RunContext // mockable

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	args := os.Args[1:]
	if err := migrate(ctx, db.DB, args); err != nil {
		logr.Sugar().Fatalw("migration failed", "args", args, "error", err)
	}
	logr.Sugar().Infow("migration finished", "args", args)
}

// migrate runs a goose command against the embedded SQL files. The command defaults to "up".
func migrate(ctx context.Context, db *sql.DB, args []string) error {
	command := "up"
	if len(args) > 0 && args[0] != "" {
		command = args[0]
	}
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := gooseRunFunc(ctx, command, db, ".", rest...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
