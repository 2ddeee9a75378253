package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-availability/internal/availability"
)

const defaultListLimit = 100

type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgRepository stores conflicts in the conflicts table and their audit
// trail in conflict_events.
type PgRepository struct {
	db pgDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func newPgRepositoryWithDB(db pgDB) *PgRepository {
	return &PgRepository{db: db}
}

func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO conflict_events (conflict_id, from_state, to_state, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ConflictID, string(ev.From), string(ev.To), ev.Note, ev.At)
	if err != nil {
		return fmt.Errorf("insert conflict event: %w", err)
	}
	return nil
}

func (r *PgRepository) Create(ctx context.Context, c *Conflict) error {
	slots, err := json.Marshal(c.Slots)
	if err != nil {
		return fmt.Errorf("encode conflict slots: %w", err)
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO conflicts (
				id, kind, severity, state, strategy, doctor_id, booking_ids, slots,
				overlap_seconds, detail, resolution, detected_at, updated_at, resolved_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`,
			c.ID, string(c.Kind), string(c.Severity), string(c.State), string(c.Strategy), c.DoctorID,
			bookingIDStrings(c.BookingIDs), slots, int64(c.Overlap/time.Second), c.Detail, c.Resolution,
			c.DetectedAt, c.UpdatedAt, c.ResolvedAt,
		)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return insertEvent(ctx, tx, Event{ConflictID: c.ID, To: c.State, Note: c.Detail, At: c.DetectedAt})
	})
}

func (r *PgRepository) Transition(ctx context.Context, c *Conflict, ev Event) error {
	slots, err := json.Marshal(c.Slots)
	if err != nil {
		return fmt.Errorf("encode conflict slots: %w", err)
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conflicts
			SET state = $2, strategy = $3, slots = $4, detail = $5, resolution = $6,
			    updated_at = $7, resolved_at = $8
			WHERE id = $1 AND state = $9
		`,
			c.ID, string(c.State), string(c.Strategy), slots, c.Detail, c.Resolution,
			c.UpdatedAt, c.ResolvedAt, string(ev.From),
		)
		if err != nil {
			return fmt.Errorf("update conflict state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update conflict %s: %w", c.ID, ErrStaleState)
		}
		return insertEvent(ctx, tx, ev)
	})
}

const conflictColumns = `
	id, kind, severity, state, strategy, doctor_id, booking_ids, slots,
	overlap_seconds, detail, resolution, detected_at, updated_at, resolved_at
`

func scanConflict(row pgx.Row) (*Conflict, error) {
	var (
		c                               Conflict
		kind, severity, state, strategy string
		bookingIDs                      []string
		slots                           []byte
		overlapSeconds                  int64
		resolvedAt                      pgtype.Timestamptz
	)

	err := row.Scan(
		&c.ID, &kind, &severity, &state, &strategy, &c.DoctorID, &bookingIDs, &slots,
		&overlapSeconds, &c.Detail, &c.Resolution, &c.DetectedAt, &c.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflictNotFound
		}
		return nil, err
	}

	c.Kind = Kind(kind)
	c.Severity = Severity(severity)
	c.State = State(state)
	c.Strategy = Strategy(strategy)
	c.Overlap = time.Duration(overlapSeconds) * time.Second
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		c.ResolvedAt = &at
	}
	for _, s := range bookingIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse booking id %q: %w", s, err)
		}
		c.BookingIDs = append(c.BookingIDs, id)
	}
	if len(slots) > 0 {
		var refs []availability.SlotRef
		if err := json.Unmarshal(slots, &refs); err != nil {
			return nil, fmt.Errorf("decode conflict slots: %w", err)
		}
		c.Slots = refs
	}
	return &c, nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	row := r.db.QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get conflict %s: %w", id, err)
	}
	return c, nil
}

func (r *PgRepository) List(ctx context.Context, state State, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+conflictColumns+`
		FROM conflicts
		WHERE ($1 = '' OR state = $1)
		ORDER BY detected_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}

func (r *PgRepository) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT conflict_id, from_state, to_state, note, created_at
		FROM conflict_events
		WHERE conflict_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list conflict events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev       Event
			from, to string
		)
		if err := rows.Scan(&ev.ConflictID, &from, &to, &ev.Note, &ev.At); err != nil {
			return nil, fmt.Errorf("scan conflict event: %w", err)
		}
		ev.From, ev.To = State(from), State(to)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict events: %w", err)
	}
	return out, nil
}

func bookingIDStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
