// Command migrate manages the escrow schema (orders, events, profiles,
// products, webhook subscriptions) with goose.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./cmd/migrate up
//
// Commands: up, down, status, version, redo, up-to <version>,
// down-to <version>. Migration files live in migrations/ at the repo root;
// run from there or set the working directory accordingly.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func usage() {
	fmt.Println("Usage: DATABASE_URL=postgres://... migrate <command>")
	fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required (the escrow schema lives in PostgreSQL)")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := goose.RunContext(context.Background(), command, db, migrationsDir, args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
