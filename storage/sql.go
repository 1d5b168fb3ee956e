package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver registration
	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/youssefsiam38/chatcompact/internal/convert"
	"github.com/youssefsiam38/chatcompact/types"
)

// Dialect selects the SQL flavour used by SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const sqlSchemaVersion = 1

// sqlSchemaStatements are portable across both dialects. Timestamps are
// stored as unix milliseconds.
var sqlSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chatcompact_threads (
		id         TEXT    PRIMARY KEY,
		metadata   TEXT    NOT NULL DEFAULT '{}',
		updated_at BIGINT  NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS chatcompact_messages (
		thread_id  TEXT    NOT NULL,
		position   INTEGER NOT NULL,
		id         TEXT    NOT NULL,
		role       TEXT    NOT NULL,
		data       TEXT    NOT NULL,
		created_at BIGINT  NOT NULL,
		PRIMARY KEY (thread_id, position)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_chatcompact_messages_id ON chatcompact_messages(thread_id, id)`,
}

// SQLStore implements ThreadStore on database/sql. It works with the
// "postgres" driver from lib/pq and the "sqlite" driver from modernc.org/sqlite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens a database for the given driver name ("postgres" or
// "sqlite") and migrates its schema.
func OpenSQL(ctx context.Context, driverName, dsn string) (*SQLStore, error) {
	dialect := Dialect(driverName)
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
	}
	if dialect == DialectSQLite {
		// SQLite serialises writes.
		db.SetMaxOpenConns(1)
	}

	store := NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if needed. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS chatcompact_schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM chatcompact_schema_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if current >= sqlSchemaVersion {
		return nil
	}

	for _, stmt := range sqlSchemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := s.db.ExecContext(ctx, s.rebind("INSERT INTO chatcompact_schema_version (version) VALUES ($1)"), sqlSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// GetThread retrieves a thread with its messages ordered by position
func (s *SQLStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var metadataJSON string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT metadata, updated_at FROM chatcompact_threads WHERE id = $1
	`), threadID).Scan(&metadataJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	md, err := convert.DecodeMetadata([]byte(metadataJSON))
	if err != nil {
		return nil, err
	}
	thread := &Thread{ID: threadID, Metadata: md, UpdatedAt: time.UnixMilli(updatedAt)}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT thread_id, position, id, role, data, created_at
		FROM chatcompact_messages
		WHERE thread_id = $1
		ORDER BY position ASC
	`), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row convert.MessageRow
		var data string
		var createdAt int64
		if err := rows.Scan(&row.ThreadID, &row.Position, &row.ID, &row.Role, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		row.Data = []byte(data)
		row.CreatedAt = time.UnixMilli(createdAt)

		msg, err := convert.FromMessageRow(&row)
		if err != nil {
			return nil, err
		}
		thread.Messages = append(thread.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return thread, nil
}

// SaveMessages replaces the transcript of a thread
func (s *SQLStore) SaveMessages(ctx context.Context, threadID string, messages []*types.Message) error {
	rows := make([]*convert.MessageRow, 0, len(messages))
	for i, msg := range messages {
		row, err := convert.ToMessageRow(threadID, i, msg)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.touchThread(ctx, tx, threadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chatcompact_messages WHERE thread_id = $1`), threadID); err != nil {
			return fmt.Errorf("failed to clear messages: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO chatcompact_messages (thread_id, position, id, role, data, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			_, err := stmt.ExecContext(ctx, row.ThreadID, row.Position, row.ID, row.Role, string(row.Data), row.CreatedAt.UnixMilli())
			if err != nil {
				return fmt.Errorf("failed to save message: %w", err)
			}
		}
		return nil
	})
}

// SetMetadata writes or deletes a single thread metadata key
func (s *SQLStore) SetMetadata(ctx context.Context, threadID, key string, value json.RawMessage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.touchThread(ctx, tx, threadID)
		if err != nil {
			return err
		}

		md, err := convert.DecodeMetadata([]byte(current))
		if err != nil {
			return err
		}
		if value == nil {
			delete(md, key)
		} else {
			md[key] = value
		}

		data, err := convert.EncodeMetadata(md)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE chatcompact_threads SET metadata = $2, updated_at = $3 WHERE id = $1
		`), threadID, string(data), s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to set metadata: %w", err)
		}
		return nil
	})
}

// touchThread creates the thread row if needed and returns its metadata.
func (s *SQLStore) touchThread(ctx context.Context, tx *sql.Tx, threadID string) (string, error) {
	now := s.now().UnixMilli()
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO chatcompact_threads (id, metadata, updated_at)
		VALUES ($1, '{}', $2)
		ON CONFLICT (id) DO UPDATE SET updated_at = $2
	`), threadID, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert thread: %w", err)
	}

	var metadata string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT metadata FROM chatcompact_threads WHERE id = $1`), threadID).Scan(&metadata)
	if err != nil {
		return "", fmt.Errorf("failed to read thread: %w", err)
	}
	return metadata, nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders into SQLite's ?N form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return placeholderPattern.ReplaceAllString(query, "?$1")
}
