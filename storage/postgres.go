package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/youssefsiam38/chatcompact/internal/convert"
	"github.com/youssefsiam38/chatcompact/types"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS chatcompact_threads (
	id         TEXT PRIMARY KEY,
	metadata   JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chatcompact_messages (
	thread_id  TEXT NOT NULL REFERENCES chatcompact_threads(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, position)
);

CREATE INDEX IF NOT EXISTS idx_chatcompact_messages_id
	ON chatcompact_messages(thread_id, id);
`

// txContextKey is the context key for storing pgx.Tx
type txContextKey struct{}

// WithTx returns a new context with the given transaction
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext retrieves the transaction from context, or nil if not present
func TxFromContext(ctx context.Context) pgx.Tx {
	if tx, ok := ctx.Value(txContextKey{}).(pgx.Tx); ok {
		return tx
	}
	return nil
}

// querier is a common interface for pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresStore implements ThreadStore using PostgreSQL with pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the store tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.getQuerier(ctx).Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// getQuerier returns the transaction from context if present, otherwise the pool
func (s *PostgresStore) getQuerier(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// inTx runs fn inside the context transaction, or a new one committed on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, q querier) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetThread retrieves a thread with its messages ordered by position
func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	q := s.getQuerier(ctx)

	thread := &Thread{ID: threadID}
	var metadataJSON []byte
	err := q.QueryRow(ctx, `
		SELECT metadata, updated_at
		FROM chatcompact_threads
		WHERE id = $1
	`, threadID).Scan(&metadataJSON, &thread.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	thread.Metadata, err = convert.DecodeMetadata(metadataJSON)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT thread_id, position, id, role, data, created_at
		FROM chatcompact_messages
		WHERE thread_id = $1
		ORDER BY position ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	thread.Messages, err = s.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// SaveMessages replaces the transcript of a thread in a batch
func (s *PostgresStore) SaveMessages(ctx context.Context, threadID string, messages []*types.Message) error {
	rows := make([]*convert.MessageRow, 0, len(messages))
	for i, msg := range messages {
		row, err := convert.ToMessageRow(threadID, i, msg)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.inTx(ctx, func(ctx context.Context, q querier) error {
		if err := touchThread(ctx, q, threadID); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		batch.Queue(`DELETE FROM chatcompact_messages WHERE thread_id = $1`, threadID)
		for _, row := range rows {
			batch.Queue(`
				INSERT INTO chatcompact_messages (thread_id, position, id, role, data, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, row.ThreadID, row.Position, row.ID, row.Role, row.Data, row.CreatedAt)
		}

		results := q.SendBatch(ctx, batch)
		defer results.Close()

		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to save message: %w", err)
			}
		}
		return nil
	})
}

// SetMetadata writes or deletes a single thread metadata key
func (s *PostgresStore) SetMetadata(ctx context.Context, threadID, key string, value json.RawMessage) error {
	return s.inTx(ctx, func(ctx context.Context, q querier) error {
		if err := touchThread(ctx, q, threadID); err != nil {
			return err
		}

		var err error
		if value == nil {
			_, err = q.Exec(ctx, `
				UPDATE chatcompact_threads
				SET metadata = metadata - $2::text, updated_at = NOW()
				WHERE id = $1
			`, threadID, key)
		} else {
			_, err = q.Exec(ctx, `
				UPDATE chatcompact_threads
				SET metadata = metadata || jsonb_build_object($2::text, $3::jsonb), updated_at = NOW()
				WHERE id = $1
			`, threadID, key, []byte(value))
		}
		if err != nil {
			return fmt.Errorf("failed to set metadata: %w", err)
		}
		return nil
	})
}

func touchThread(ctx context.Context, q querier, threadID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO chatcompact_threads (id, metadata, created_at, updated_at)
		VALUES ($1, '{}', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
	`, threadID)
	if err != nil {
		return fmt.Errorf("failed to upsert thread: %w", err)
	}
	return nil
}

// scanMessages is a helper to scan message rows
func (s *PostgresStore) scanMessages(rows pgx.Rows) ([]*types.Message, error) {
	var messages []*types.Message

	for rows.Next() {
		var row convert.MessageRow
		err := rows.Scan(
			&row.ThreadID,
			&row.Position,
			&row.ID,
			&row.Role,
			&row.Data,
			&row.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg, err := convert.FromMessageRow(&row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
