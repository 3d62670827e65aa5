package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"devicegate/cmd/internal/ids"

	"github.com/jackc/pgx/v5"
)

const recordColumns = `id, user_id, device_id, device_info, created_at, last_seen_at, active, deactivated_at, end_reason`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgScope struct {
	tx     pgx.Tx
	table  string
	userID string
}

func (p *pgScope) UserID() string { return p.userID }

func (p *pgScope) ListActive(ctx context.Context) ([]Record, error) {
	return listActive(ctx, p.tx, p.table, p.userID)
}

func (p *pgScope) Get(ctx context.Context, sessionID string) (Record, error) {
	return getRecord(ctx, p.tx, p.table, sessionID, p.userID)
}

func (p *pgScope) Create(ctx context.Context, now time.Time, deviceID, deviceInfo string) (Record, error) {
	if strings.TrimSpace(deviceID) == "" {
		return Record{}, ErrInvalidInput
	}

	now = now.UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Record{}, err
	}

	row := p.tx.QueryRow(ctx, `
		INSERT INTO `+p.table+` (
			id, user_id, device_id, device_info,
			created_at, last_seen_at, active
		) VALUES ($1, $2, $3, $4, $5, $5, true)
		RETURNING `+recordColumns,
		id, p.userID, deviceID, nullIfEmpty(deviceInfo), now,
	)
	return scanRecord(row)
}

func (p *pgScope) Deactivate(ctx context.Context, now time.Time, sessionID string, reason EndReason) (Record, bool, error) {
	if !reason.Valid() {
		return Record{}, false, ErrInvalidInput
	}

	row := p.tx.QueryRow(ctx, `
		UPDATE `+p.table+`
		SET active = false, deactivated_at = $3, end_reason = $4
		WHERE id = $1 AND user_id = $2 AND active
		RETURNING `+recordColumns,
		sessionID, p.userID, now.UTC(), string(reason),
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}

	// Either unknown, foreign, or already inactive.
	rec, err = getRecord(ctx, p.tx, p.table, sessionID, p.userID)
	if err != nil {
		return Record{}, false, err
	}
	return rec, false, nil
}

func getRecord(ctx context.Context, q querier, table, sessionID, userID string) (Record, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Record{}, ErrNotFound
	}

	sql := `SELECT ` + recordColumns + ` FROM ` + table + ` WHERE id = $1`
	args := []any{sessionID}
	if userID != "" {
		sql += ` AND user_id = $2`
		args = append(args, userID)
	}
	return scanRecord(q.QueryRow(ctx, sql, args...))
}

func listActive(ctx context.Context, q querier, table, userID string) ([]Record, error) {
	rows, err := q.Query(ctx, `
		SELECT `+recordColumns+`
		FROM `+table+`
		WHERE user_id = $1 AND active
		ORDER BY created_at ASC, id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r          Record
		deviceInfo *string
		endReason  *string
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.DeviceID,
		&deviceInfo,
		&r.CreatedAt,
		&r.LastSeenAt,
		&r.Active,
		&r.DeactivatedAt,
		&endReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if deviceInfo != nil {
		r.DeviceInfo = *deviceInfo
	}
	if endReason != nil {
		r.EndReason = EndReason(*endReason)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastSeenAt = r.LastSeenAt.UTC()
	return r, nil
}

func nullIfEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
