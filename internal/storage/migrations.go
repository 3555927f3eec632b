package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial catalog schema",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS products (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					vendor TEXT NOT NULL DEFAULT '',
					product_type TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'active',
					description TEXT NOT NULL DEFAULT '',
					tags TEXT NOT NULL DEFAULT '[]',
					synced_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_products_vendor ON products(vendor)`,
				`CREATE INDEX idx_products_status ON products(status)`,

				`CREATE TABLE IF NOT EXISTS variants (
					id TEXT PRIMARY KEY,
					product_id TEXT NOT NULL,
					position INTEGER NOT NULL DEFAULT 0,
					title TEXT NOT NULL DEFAULT '',
					sku TEXT NOT NULL DEFAULT '',
					cost REAL NOT NULL DEFAULT 0,
					current_price REAL NOT NULL DEFAULT 0,
					compare_at_price REAL NOT NULL DEFAULT 0,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
				)`,
				`CREATE INDEX idx_variants_product ON variants(product_id, position)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Append-only analysis results",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS analysis_results (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id TEXT NOT NULL DEFAULT '',
					product_id TEXT NOT NULL,
					variant_id TEXT NOT NULL,
					suggested_price REAL,
					price_floor REAL,
					price_ceiling REAL,
					previous_price REAL,
					confidence TEXT NOT NULL DEFAULT 'low',
					pricing_method TEXT NOT NULL DEFAULT 'ai',
					competitor_count INTEGER NOT NULL DEFAULT 0,
					reasoning TEXT NOT NULL DEFAULT '[]',
					warnings TEXT NOT NULL DEFAULT '[]',
					error TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_results_variant ON analysis_results(variant_id, id)`,
				`CREATE INDEX idx_results_run ON analysis_results(run_id)`,
			)
		},
	},
	{
		Version:     3,
		Description: "Track applied prices on analysis results",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`ALTER TABLE analysis_results ADD COLUMN applied INTEGER NOT NULL DEFAULT 0`,
				`ALTER TABLE analysis_results ADD COLUMN applied_at DATETIME`,
				`ALTER TABLE analysis_results ADD COLUMN apply_error TEXT NOT NULL DEFAULT ''`,
				`CREATE INDEX idx_results_applied ON analysis_results(variant_id, applied)`,
			)
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	finalVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}
