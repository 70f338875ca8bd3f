package leads

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store over database/sql (pgx stdlib driver).
//
// NOTE: This store assumes the following tables exist:
// - leads (id, number, disposition, rep_id, last_call_at, created_at, updated_at)
// - callbacks (id, lead_id, scheduled_at, status, created_at, completed_at)
// - upsell_tags (id, lead_id, label, created_at, removed_at)
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const leadColumns = `id, number, disposition, COALESCE(rep_id, ''), last_call_at, created_at, updated_at`

func scanLead(row *sql.Row) (Lead, error) {
	var l Lead
	if err := row.Scan(
		&l.ID,
		&l.Number,
		&l.Disposition,
		&l.RepID,
		&l.LastCallAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	return l, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (Lead, error) {
	const q = `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return scanLead(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) ClaimNextEligible(ctx context.Context, repID string, now time.Time) (Lead, bool, error) {
	// Single conditional update: selection and claim happen in one statement.
	// SKIP LOCKED closes the race between two runners scanning the same rows.
	const q = `
UPDATE leads SET disposition = $1, rep_id = $2, updated_at = $3
WHERE id = (
  SELECT l.id
  FROM leads l
  WHERE l.disposition <> $4
    AND (l.rep_id IS NULL OR l.rep_id = '' OR l.rep_id = $2)
    AND (
      l.disposition = $5
      OR (
        l.disposition = $6
        AND EXISTS (
          SELECT 1 FROM callbacks cb
          WHERE cb.lead_id = l.id AND cb.status = $7 AND cb.scheduled_at <= $3
        )
      )
    )
  ORDER BY l.created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING ` + leadColumns + `
`
	l, err := scanLead(s.db.QueryRowContext(ctx, q,
		DispositionContacted,
		repID,
		now.UTC(),
		DispositionDNC,
		DispositionNew,
		DispositionCallback,
		CallbackStatusPending,
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Lead{}, false, nil
		}
		return Lead{}, false, err
	}
	return l, true, nil
}

func (s *PostgresStore) SetDisposition(ctx context.Context, leadID string, from, to Disposition) error {
	// dnc is one-way: the WHERE clause refuses to move a dnc lead even if a
	// caller claims dnc as the expected prior state.
	const q = `
UPDATE leads SET disposition = $1, updated_at = $2
WHERE id = $3 AND disposition = $4 AND disposition <> $5
`
	res, err := s.db.ExecContext(ctx, q, to, s.clock().UTC(), leadID, from, DispositionDNC)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetLead(ctx, leadID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MarkDNC(ctx context.Context, leadID string) (Lead, error) {
	const q = `
UPDATE leads SET disposition = $1, updated_at = $2
WHERE id = $3
RETURNING ` + leadColumns + `
`
	return scanLead(s.db.QueryRowContext(ctx, q, DispositionDNC, s.clock().UTC(), leadID))
}

func (s *PostgresStore) TouchLastCall(ctx context.Context, leadID string, at time.Time) error {
	const q = `UPDATE leads SET last_call_at = $1, updated_at = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, q, at.UTC(), leadID)
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

const callbackColumns = `id, lead_id, scheduled_at, status, created_at, completed_at`

func scanCallback(row *sql.Row) (Callback, error) {
	var cb Callback
	if err := row.Scan(
		&cb.ID,
		&cb.LeadID,
		&cb.ScheduledAt,
		&cb.Status,
		&cb.CreatedAt,
		&cb.CompletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Callback{}, ErrNotFound
		}
		return Callback{}, err
	}
	return cb, nil
}

func (s *PostgresStore) GetCallback(ctx context.Context, id string) (Callback, error) {
	const q = `SELECT ` + callbackColumns + ` FROM callbacks WHERE id = $1`
	return scanCallback(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) ScheduleCallback(ctx context.Context, leadID string, at time.Time) (Callback, error) {
	const q = `
INSERT INTO callbacks (id, lead_id, scheduled_at, status, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + callbackColumns + `
`
	return scanCallback(s.db.QueryRowContext(ctx, q,
		uuid.NewString(), leadID, at.UTC(), CallbackStatusPending, s.clock().UTC()))
}

func (s *PostgresStore) CompleteCallback(ctx context.Context, id string, now time.Time) (Callback, error) {
	const q = `
UPDATE callbacks SET status = $1, completed_at = COALESCE(completed_at, $2)
WHERE id = $3
RETURNING ` + callbackColumns + `
`
	return scanCallback(s.db.QueryRowContext(ctx, q, CallbackStatusCompleted, now.UTC(), id))
}

const tagColumns = `id, lead_id, label, created_at, removed_at`

func scanTag(row *sql.Row) (UpsellTag, error) {
	var t UpsellTag
	if err := row.Scan(&t.ID, &t.LeadID, &t.Label, &t.CreatedAt, &t.RemovedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UpsellTag{}, ErrNotFound
		}
		return UpsellTag{}, err
	}
	return t, nil
}

func (s *PostgresStore) AddUpsellTag(ctx context.Context, leadID, label string) (UpsellTag, error) {
	const q = `
INSERT INTO upsell_tags (id, lead_id, label, created_at)
VALUES ($1, $2, $3, $4)
RETURNING ` + tagColumns + `
`
	return scanTag(s.db.QueryRowContext(ctx, q, uuid.NewString(), leadID, label, s.clock().UTC()))
}

func (s *PostgresStore) RemoveUpsellTag(ctx context.Context, tagID string, now time.Time) (UpsellTag, error) {
	// Soft delete: removed_at is set once and never cleared.
	const q = `
UPDATE upsell_tags SET removed_at = COALESCE(removed_at, $1)
WHERE id = $2
RETURNING ` + tagColumns + `
`
	return scanTag(s.db.QueryRowContext(ctx, q, now.UTC(), tagID))
}

func (s *PostgresStore) ListUpsellTags(ctx context.Context, leadID string) ([]UpsellTag, error) {
	const q = `SELECT ` + tagColumns + ` FROM upsell_tags WHERE lead_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]UpsellTag, 0)
	for rows.Next() {
		var t UpsellTag
		if err := rows.Scan(&t.ID, &t.LeadID, &t.Label, &t.CreatedAt, &t.RemovedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
