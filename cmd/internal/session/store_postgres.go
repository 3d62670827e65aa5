package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. Close is a no-op.
//
// Concurrency model:
//   - WithUser opens a READ COMMITTED transaction and takes a transactional
//     advisory lock keyed by user id, so admission decisions for one user are
//     serialized across every process sharing the database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "devicegate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !isValidPGIdent(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	st.table = pgIdent(st.schema, "sessions")
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping acquires and releases a pooled connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// Get loads a session by id.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Record, error) {
	return getRecord(ctx, s.pool, s.table, sessionID, "")
}

// ListActive returns the user's active sessions, oldest first.
func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]Record, error) {
	return listActive(ctx, s.pool, s.table, userID)
}

// Touch advances last_seen_at without ever moving it backwards.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+` SET last_seen_at = GREATEST(last_seen_at, $2) WHERE id = $1`,
		sessionID, now.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithUser runs fn inside a transaction holding the user's advisory lock.
// The transaction commits only when fn returns nil.
func (s *PostgresStore) WithUser(ctx context.Context, userID string, fn func(Scope) error) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userLockKey(userID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(&pgScope{tx: tx, table: s.table, userID: userID}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Purge deletes inactive sessions deactivated before the cutoff.
func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE NOT active AND deactivated_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func userLockKey(userID string) string {
	return "devicegate.sessions:" + userID
}
