// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Migration is one versioned schema step. Statements ship in code rather
// than on disk so the device binary carries its own schema.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// AppliedMigration records an applied schema step.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies ordered migrations and tracks them in schema_migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version, 0 when unmigrated.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// AppliedMigrations returns all applied migrations ordered by version.
func (m *Migrator) AppliedMigrations() ([]AppliedMigration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&a.Version, &appliedAt, &a.Description, &a.Checksum); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations in version order. A previously applied
// version whose checksum no longer matches aborts the migration: the binary
// and the database disagree about history.
func (m *Migrator) Up(migrations []Migration) error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied, err := m.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, a := range applied {
		appliedByVersion[a.Version] = a
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, mig := range ordered {
		sum := checksum(mig.SQL)

		if prev, ok := appliedByVersion[mig.Version]; ok {
			if prev.Checksum != sum {
				return fmt.Errorf("migration %d checksum mismatch: applied %s, have %s",
					mig.Version, prev.Checksum, sum)
			}
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, sum,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
