package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status>")
	fmt.Println("  up     - apply all pending migrations")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  status - list migrations and whether they are applied")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  CDP_CONFIG          - optional YAML config file")
	fmt.Println("  CDP_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  CDP_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("CDP_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	ctx := context.Background()
	db, err := persistence.OpenPostgres(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Migrations.Dir, observability.NewLogger("migrate"))

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		for _, s := range statuses {
			mark := " "
			switch {
			case s.Drifted:
				mark = "!"
			case s.Applied:
				mark = "x"
			}
			fmt.Printf("[%s] %s\n", mark, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
