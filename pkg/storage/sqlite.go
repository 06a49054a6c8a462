package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps values in one SQLite table.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewSQLiteStore opens (and creates) the database at path. Parent directories
// are created when missing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for the sqlite backend")
	}

	log := slog.Default().With("component", "storage.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers the way SQLite wants anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS command_state (
			bot TEXT NOT NULL,
			command TEXT NOT NULL,
			conversation TEXT NOT NULL,
			field TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bot, command, conversation, field)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM command_state WHERE bot = ? AND command = ? AND conversation = ? AND field = ?`,
		key.Bot, key.Command, key.Conversation, key.Field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}

	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_state (bot, command, conversation, field, value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bot, command, conversation, field)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key.Bot, key.Command, key.Conversation, key.Field, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM command_state WHERE bot = ? AND command = ? AND conversation = ? AND field = ?`,
		key.Bot, key.Command, key.Conversation, key.Field,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	if _, err := prefix.prefixString(); err != nil {
		return nil, err
	}

	query := `SELECT bot, command, conversation, field FROM command_state WHERE bot = ?`
	args := []any{prefix.Bot}
	if prefix.Command != "" {
		query += ` AND command = ?`
		args = append(args, prefix.Command)
	}
	if prefix.Conversation != "" {
		query += ` AND conversation = ?`
		args = append(args, prefix.Conversation)
	}
	if prefix.Field != "" {
		query += ` AND field = ?`
		args = append(args, prefix.Field)
	}
	query += ` ORDER BY bot, command, conversation, field`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Bot, &key.Command, &key.Conversation, &key.Field); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
