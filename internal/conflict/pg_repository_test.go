package conflict

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/availability"
)

var conflictCols = []string{
	"id", "kind", "severity", "state", "strategy", "doctor_id", "booking_ids", "slots",
	"overlap_seconds", "detail", "resolution", "detected_at", "updated_at", "resolved_at",
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func sampleConflict() *Conflict {
	detected := at(8, 0).UTC()
	return &Conflict{
		ID:         uuid.New(),
		Kind:       KindDoubleBooking,
		Severity:   SeverityMedium,
		State:      StateDetected,
		Strategy:   StrategyAuto,
		DoctorID:   "d1",
		BookingIDs: []uuid.UUID{uuid.New(), uuid.New()},
		Slots:      []availability.SlotRef{{Key: dayKey, StartTime: at(9, 0).UTC()}},
		Overlap:    15 * time.Minute,
		Detail:     "two bookings overlap",
		DetectedAt: detected,
		UpdatedAt:  detected,
	}
}

func TestPgRepositoryCreate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	c := sampleConflict()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conflicts").
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO conflict_events").
		WithArgs(c.ID, "", "DETECTED", c.Detail, c.DetectedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), c))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryTransitionStale(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	c := sampleConflict()
	ev, err := c.transition(StateEscalated, "manual", at(8, 5).UTC())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conflicts").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err = repo.Transition(context.Background(), c, ev)
	assert.ErrorIs(t, err, ErrStaleState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryTransition(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	c := sampleConflict()
	ev, err := c.transition(StateAutoResolving, "searching", at(8, 1).UTC())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE conflicts").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO conflict_events").
		WithArgs(c.ID, "DETECTED", "AUTO_RESOLVING", "searching", ev.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Transition(context.Background(), c, ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	c := sampleConflict()
	slots, err := json.Marshal(c.Slots)
	require.NoError(t, err)

	mock.ExpectQuery("FROM conflicts WHERE id").
		WithArgs(c.ID).
		WillReturnRows(pgxmock.NewRows(conflictCols).AddRow(
			c.ID, "DOUBLE_BOOKING", "MEDIUM", "ESCALATED", "MANUAL", "d1",
			[]string{c.BookingIDs[0].String(), c.BookingIDs[1].String()}, slots,
			int64(900), c.Detail, "", c.DetectedAt, c.UpdatedAt, nil,
		))

	got, err := repo.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, got.State)
	assert.Equal(t, StrategyManual, got.Strategy)
	assert.Equal(t, 15*time.Minute, got.Overlap)
	assert.Equal(t, c.BookingIDs, got.BookingIDs)
	require.Len(t, got.Slots, 1)
	assert.Equal(t, dayKey, got.Slots[0].Key)
	assert.Nil(t, got.ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	id := uuid.New()
	mock.ExpectQuery("FROM conflicts WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrConflictNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgRepositoryListAndEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := newPgRepositoryWithDB(mock)
	c := sampleConflict()

	mock.ExpectQuery("FROM conflicts").
		WithArgs("ESCALATED", defaultListLimit).
		WillReturnRows(pgxmock.NewRows(conflictCols).AddRow(
			c.ID, "DOUBLE_BOOKING", "MEDIUM", "ESCALATED", "MANUAL", "d1",
			[]string{}, []byte("[]"), int64(0), "", "", c.DetectedAt, c.UpdatedAt, nil,
		))

	list, err := repo.List(context.Background(), StateEscalated, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	mock.ExpectQuery("FROM conflict_events").
		WithArgs(c.ID).
		WillReturnRows(pgxmock.NewRows([]string{"conflict_id", "from_state", "to_state", "note", "created_at"}).
			AddRow(c.ID, "", "DETECTED", "two bookings overlap", c.DetectedAt).
			AddRow(c.ID, "DETECTED", "ESCALATED", "high severity", c.UpdatedAt))

	events, err := repo.Events(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, StateDetected, events[1].From)
	assert.Equal(t, StateEscalated, events[1].To)
	require.NoError(t, mock.ExpectationsWereMet())
}
