package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"engagecrm/internal/config"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// migrationPattern matches 001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{3})_(.+)\.sql$`)

// Migration is one schema file and its applied state
type Migration struct {
	Version   int
	Name      string
	FilePath  string
	AppliedAt *time.Time
}

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", "migrations", "directory holding NNN_name.sql files")
	flag.Usage = printUsage
	flag.Parse()

	command := flag.Arg(0)
	if command != "up" && command != "status" {
		printUsage()
		if command != "" && command != "help" {
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		fail("Failed to open database connection: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fail("Failed to ping database: %v", err)
	}

	if err := createMigrationTable(db); err != nil {
		fail("Failed to create migration table: %v", err)
	}

	switch command {
	case "up":
		err = runUp(db, *dir)
	case "status":
		err = showStatus(db, *dir)
	}
	if err != nil {
		fail("%s failed: %v", command, err)
	}
}

func createMigrationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

// loadMigrations lists migration files merged with their applied state, by version
func loadMigrations(db *sql.DB, dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	applied := make(map[int]time.Time)
	rows, err := db.Query(`SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		version, _ := strconv.Atoi(m[1])
		migration := Migration{Version: version, Name: m[2], FilePath: filepath.Join(dir, entry.Name())}
		if at, ok := applied[version]; ok {
			migration.AppliedAt = &at
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func runUp(db *sql.DB, dir string) error {
	migrations, err := loadMigrations(db, dir)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range migrations {
		if m.AppliedAt != nil {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.Version, m.Name, err)
		}
		printColor(colorGreen, fmt.Sprintf("applied %03d_%s", m.Version, m.Name))
		count++
	}

	if count == 0 {
		printColor(colorGreen, "all migrations are up to date")
		return nil
	}
	printColor(colorGreen, fmt.Sprintf("applied %d migration(s)", count))
	return nil
}

// apply runs one file and records it in a single transaction
func apply(db *sql.DB, m Migration) error {
	content, err := os.ReadFile(m.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func showStatus(db *sql.DB, dir string) error {
	migrations, err := loadMigrations(db, dir)
	if err != nil {
		return err
	}

	fmt.Printf("%s%-10s %-40s %-12s %-20s%s\n", colorBold, "VERSION", "NAME", "STATUS", "APPLIED AT", colorReset)
	fmt.Println(strings.Repeat("-", 85))

	applied := 0
	for _, m := range migrations {
		status, color, at := "pending", colorYellow, "-"
		if m.AppliedAt != nil {
			status, color, at = "applied", colorGreen, m.AppliedAt.Format("2006-01-02 15:04:05")
			applied++
		}
		fmt.Printf("%-10s %-40s %s%-12s%s %-20s\n", fmt.Sprintf("%03d", m.Version), m.Name, color, status, colorReset, at)
	}

	fmt.Println(strings.Repeat("-", 85))
	printColor(colorCyan, fmt.Sprintf("%d/%d migrations applied", applied, len(migrations)))
	return nil
}

func printColor(color, msg string) {
	fmt.Printf("%s%s%s\n", color, msg, colorReset)
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s%s%s\n", colorRed, fmt.Sprintf(format, args...), colorReset)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Usage: migrate [-dir migrations] <command>")
	fmt.Println("\nCommands:")
	fmt.Println("  up       apply all pending migrations")
	fmt.Println("  status   show applied and pending migrations")
}
