package dialer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresRepo implements Repository over database/sql (pgx stdlib driver).
//
// NOTE: This repository assumes the following tables exist:
// - dialer_sessions (id, rep_id, auto_dial_enabled, status, current_call_id,
//   started_at, ended_at, version)
//   with a partial unique index enforcing one non-terminal session per rep:
//   UNIQUE (rep_id) WHERE status <> 'ended'
// - calls (id, session_id, lead_id, rep_id, provider_call_id, outcome,
//   started_at, ended_at)
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sessionColumns = `id, rep_id, auto_dial_enabled, status, COALESCE(current_call_id, ''), started_at, ended_at, version`

func scanSession(row *sql.Row) (Session, error) {
	var s Session
	if err := row.Scan(
		&s.ID,
		&s.RepID,
		&s.AutoDial,
		&s.Status,
		&s.CurrentCallID,
		&s.StartedAt,
		&s.EndedAt,
		&s.Version,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (r *PostgresRepo) CreateSession(ctx context.Context, s Session) error {
	const q = `
INSERT INTO dialer_sessions (id, rep_id, auto_dial_enabled, status, current_call_id, started_at, ended_at, version)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, 1)
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.RepID, s.AutoDial, s.Status, s.CurrentCallID, s.StartedAt, s.EndedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// unique_violation: the rep already has a non-terminal session
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) GetSession(ctx context.Context, id string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM dialer_sessions WHERE id = $1`
	return scanSession(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetActiveSessionByRep(ctx context.Context, repID string) (Session, bool, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM dialer_sessions
WHERE rep_id = $1 AND status <> $2
LIMIT 1
`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, repID, SessionStatusEnded))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *PostgresRepo) UpdateSession(ctx context.Context, s Session) (Session, error) {
	// Compare-and-swap on version. Zero rows means either a lost race or an
	// unknown id; distinguish with a follow-up read.
	const q = `
UPDATE dialer_sessions
SET auto_dial_enabled = $1, status = $2, current_call_id = NULLIF($3, ''),
    ended_at = $4, version = version + 1
WHERE id = $5 AND version = $6
RETURNING ` + sessionColumns + `
`
	out, err := scanSession(r.db.QueryRowContext(ctx, q,
		s.AutoDial, s.Status, s.CurrentCallID, s.EndedAt, s.ID, s.Version))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			if _, getErr := r.GetSession(ctx, s.ID); errors.Is(getErr, ErrNotFound) {
				return Session{}, ErrNotFound
			}
			return Session{}, ErrConflict
		}
		return Session{}, err
	}
	return out, nil
}

func (r *PostgresRepo) ListActiveSessions(ctx context.Context) ([]Session, error) {
	const q = `
SELECT ` + sessionColumns + `
FROM dialer_sessions
WHERE status <> $1
ORDER BY rep_id ASC
`
	rows, err := r.db.QueryContext(ctx, q, SessionStatusEnded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID,
			&s.RepID,
			&s.AutoDial,
			&s.Status,
			&s.CurrentCallID,
			&s.StartedAt,
			&s.EndedAt,
			&s.Version,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const callColumns = `id, session_id, lead_id, rep_id, COALESCE(provider_call_id, ''), COALESCE(outcome, ''), started_at, ended_at`

func scanCall(row *sql.Row) (Call, error) {
	var c Call
	if err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.LeadID,
		&c.RepID,
		&c.ProviderCallID,
		&c.Outcome,
		&c.StartedAt,
		&c.EndedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) CreateCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, session_id, lead_id, rep_id, provider_call_id, outcome, started_at, ended_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
`
	_, err := r.db.ExecContext(ctx, q,
		c.ID, c.SessionID, c.LeadID, c.RepID, c.ProviderCallID, string(c.Outcome), c.StartedAt, c.EndedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostgresRepo) GetCall(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) GetCallByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func (r *PostgresRepo) UpdateCall(ctx context.Context, c Call) error {
	const q = `
UPDATE calls
SET provider_call_id = NULLIF($1, ''), outcome = NULLIF($2, ''), ended_at = $3
WHERE id = $4
`
	res, err := r.db.ExecContext(ctx, q, c.ProviderCallID, string(c.Outcome), c.EndedAt, c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
