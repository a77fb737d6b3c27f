// Command migrate applies the embedded goose migrations to DATABASE_URL.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	_ "github.com/lib/pq"

	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/migrations"
)

type env struct {
	DatabaseURL string        `envconfig:"DATABASE_URL" required:"true"`
	Timeout     time.Duration `envconfig:"MIGRATE_TIMEOUT" default:"5m"`
	LogLevel    string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	_ = godotenv.Load()
	var e env
	if err := envconfig.Process("", &e); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(e.LogLevel, "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	db, err := sql.Open("postgres", e.DatabaseURL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command, "took", time.Since(start).Round(time.Millisecond))
}
