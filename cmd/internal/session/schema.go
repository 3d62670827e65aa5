package session

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "devicegate"

// ApplySchema creates the sessions table and indexes in schema if missing.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("session: nil pool")
	}
	if !isValidPGIdent(schema) {
		return errors.New("session: invalid schema identifier")
	}

	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())

	// No arguments: pgx sends this over the simple protocol, which accepts
	// multiple statements.
	_, err := pool.Exec(ctx, ddl)
	return err
}

var pgIdentRE = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
