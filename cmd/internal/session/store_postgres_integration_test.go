package session

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when DG_DATABASE_URL is set.
// Each run uses its own schema, dropped on cleanup.

func TestPostgresStore_Contract(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "dg_it_" + strings.ToLower(testUser(t)[len("user-"):])
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	// Applying twice must be harmless.
	if err := ApplySchema(ctx, pool, schema); err != nil {
		t.Fatalf("ApplySchema (again): %v", err)
	}

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	runStoreContract(t, st)
}

func TestPostgresStore_RollbackOnCallbackError(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "dg_it_" + strings.ToLower(testUser(t)[len("user-"):])
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	if err := ApplySchema(context.Background(), pool, schema); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	user := testUser(t)
	err = st.WithUser(context.Background(), user, func(sc Scope) error {
		if _, err := sc.Create(context.Background(), time.Now(), "dev", ""); err != nil {
			return err
		}
		return ErrInvalidInput
	})
	if err != ErrInvalidInput {
		t.Fatalf("expected callback error, got %v", err)
	}

	list, err := st.ListActive(context.Background(), user)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected rollback, found %d sessions", len(list))
	}
}

func TestNewPostgresStore_InvalidSchema(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "1abc", "Bad", "a-b", `x";drop`} {
		if _, err := NewPostgresStore(&pgxpool.Pool{}, WithSchema(schema)); err == nil {
			t.Fatalf("WithSchema(%q): expected error", schema)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("DG_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: DG_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
