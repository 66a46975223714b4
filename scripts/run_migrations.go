package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/safar/farmconnect/internal/config"
	"github.com/safar/farmconnect/internal/database"
)

const migrationDir = "migrations"

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: go run scripts/run_migrations.go [up|down]")
	}

	direction := os.Args[1]
	if direction != "up" && direction != "down" {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(context.Background(), &cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	files, err := migrationFiles(direction)
	if err != nil {
		log.Fatalf("Collect migrations: %v", err)
	}

	for _, filename := range files {
		if err := applyMigration(db, filename); err != nil {
			log.Fatalf("Execute migration %s: %v", filename, err)
		}
	}

	log.Printf("Successfully ran %d migration(s) %s", len(files), direction)
}

// migrationFiles returns the migration filenames for one direction, ordered
// for application: ascending for up, descending for down.
func migrationFiles(direction string) ([]string, error) {
	entries, err := os.ReadDir(migrationDir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	suffix := fmt.Sprintf(".%s.sql", direction)
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), suffix) {
			files = append(files, entry.Name())
		}
	}

	if direction == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	} else {
		sort.Strings(files)
	}

	return files, nil
}

func applyMigration(db *sql.DB, filename string) error {
	content, err := os.ReadFile(filepath.Join(migrationDir, filename))
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	log.Printf("Running migration: %s", filename)
	_, err = db.Exec(string(content))
	return err
}
