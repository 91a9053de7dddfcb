// Package provision holds the unit's durable provisioning record: an
// NVS-like store partitioned into factory attributes (written once at
// manufacture, survive a soft reset) and consumer attributes (written
// during end-user setup, wiped by a soft reset). Handlers never mutate
// provisioning state directly — every change goes through the Store.
package provision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Partition names. A field belongs to exactly one partition, decided by
// which provisioning schema declared it.
const (
	PartitionFactory  = "factory"
	PartitionConsumer = "consumer"
)

// Store wraps a SQLite database holding the two-partition attribute
// record for one unit.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the provisioning store at the given path,
// creating parent directories as needed. The database runs in WAL mode
// with foreign keys enabled.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("provisioning store path is empty")
	}

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("expand home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path to the store file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tx executes fn within a transaction, rolling back on error.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Write upserts the given fields into one partition atomically: either
// every field lands or none does. Re-running the same write is
// idempotent (last-write-wins). Values are stored JSON-encoded.
func (s *Store) Write(ctx context.Context, partition string, fields map[string]any) error {
	if partition != PartitionFactory && partition != PartitionConsumer {
		return fmt.Errorf("unknown partition %q", partition)
	}
	if len(fields) == 0 {
		return nil
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO attributes (partition, field, value, updated_at)
			VALUES (?, ?, ?, datetime('now'))
			ON CONFLICT (partition, field)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for field, value := range fields {
			encoded, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode field %s: %w", field, err)
			}
			if _, err := stmt.ExecContext(ctx, partition, field, string(encoded)); err != nil {
				return fmt.Errorf("upsert field %s: %w", field, err)
			}
		}
		return nil
	})
}

// Partition returns every field in one partition, decoded.
func (s *Store) Partition(ctx context.Context, partition string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM attributes WHERE partition = ? ORDER BY field`, partition)
	if err != nil {
		return nil, fmt.Errorf("query partition %s: %w", partition, err)
	}
	defer func() { _ = rows.Close() }()

	fields := make(map[string]any)
	for rows.Next() {
		var field, encoded string
		if err := rows.Scan(&field, &encoded); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", field, err)
		}
		fields[field] = value
	}
	return fields, rows.Err()
}

// Snapshot returns both partitions at once.
func (s *Store) Snapshot(ctx context.Context) (factory, consumer map[string]any, err error) {
	factory, err = s.Partition(ctx, PartitionFactory)
	if err != nil {
		return nil, nil, err
	}
	consumer, err = s.Partition(ctx, PartitionConsumer)
	if err != nil {
		return nil, nil, err
	}
	return factory, consumer, nil
}

// HasFactory reports whether any factory attribute has been written.
// This is the boot-time provisioned/unprovisioned decision input.
func (s *Store) HasFactory(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attributes WHERE partition = ?`, PartitionFactory).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count factory attributes: %w", err)
	}
	return count > 0, nil
}

// EraseConsumer wipes the consumer partition only. This is the soft
// reset: factory attributes and identity survive.
func (s *Store) EraseConsumer(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM attributes WHERE partition = ?`, PartitionConsumer)
		return err
	})
}

// EraseAll wipes both partitions unconditionally. This is the hard
// reset.
func (s *Store) EraseAll(ctx context.Context) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM attributes`)
		return err
	})
}
