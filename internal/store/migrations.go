package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration step.
type migration struct {
	Version int
	SQL     string
}

// migrations is the ordered list of all migrations. Version 1 creates
// the initial schema; later versions add incremental changes.
var migrations = []migration{
	{
		Version: 1,
		SQL:     "", // handled specially: applies allSchemas
	},
	{
		Version: 2,
		SQL:     `CREATE INDEX IF NOT EXISTS idx_model_providers_provider ON model_providers(provider_id);`,
	},
}

// Migrate brings the database up to the latest schema version.
// It uses the writer connection and wraps each migration in a transaction.
func (s *Store) Migrate() error {
	if _, err := s.writer.Exec(schemaMigrations); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return fmt.Errorf("store: read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("store: migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion() (int, error) {
	return s.currentVersion()
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.writer.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if m.Version == 1 {
		if err := applyInitialSchema(tx); err != nil {
			return err
		}
	} else if m.SQL != "" {
		if err := execStatements(tx, m.SQL); err != nil {
			return err
		}
	}

	_, err = tx.Exec(
		s.rebind("INSERT INTO migrations (version, applied_at) VALUES (?, ?)"),
		m.Version, formatTime(time.Now()),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func applyInitialSchema(tx *sql.Tx) error {
	for _, ddl := range allSchemas {
		if err := execStatements(tx, ddl); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return nil
}

// execStatements runs each ;-separated statement of ddl separately.
func execStatements(tx *sql.Tx, ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
