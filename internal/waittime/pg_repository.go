package waittime

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgPeakRepository reads and maintains the peak_stats table.
type PgPeakRepository struct {
	db pgQuerier
}

func NewPgPeakRepository(pool *pgxpool.Pool) *PgPeakRepository {
	return &PgPeakRepository{db: pool}
}

func newPgPeakRepositoryWithQuerier(q pgQuerier) *PgPeakRepository {
	return &PgPeakRepository{db: q}
}

func (r *PgPeakRepository) LoadAll(ctx context.Context) ([]PeakStat, error) {
	rows, err := r.db.Query(ctx, `
		SELECT service_id, day_of_week, hour_bucket, multiplier, sample_size
		FROM peak_stats
	`)
	if err != nil {
		return nil, fmt.Errorf("query peak stats: %w", err)
	}
	defer rows.Close()

	var out []PeakStat
	for rows.Next() {
		var (
			s   PeakStat
			day int
		)
		if err := rows.Scan(&s.ServiceID, &day, &s.HourBucket, &s.Multiplier, &s.SampleSize); err != nil {
			return nil, fmt.Errorf("scan peak stat: %w", err)
		}
		s.DayOfWeek = time.Weekday(day)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peak stats: %w", err)
	}
	return out, nil
}

func (r *PgPeakRepository) Upsert(ctx context.Context, s PeakStat) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO peak_stats (service_id, day_of_week, hour_bucket, multiplier, sample_size, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (service_id, day_of_week, hour_bucket)
		DO UPDATE SET multiplier = EXCLUDED.multiplier,
		              sample_size = EXCLUDED.sample_size,
		              updated_at = now()
	`, s.ServiceID, int(s.DayOfWeek), s.HourBucket, s.Multiplier, s.SampleSize)
	if err != nil {
		return fmt.Errorf("upsert peak stat: %w", err)
	}
	return nil
}

// Reload loads every row into table.
func (r *PgPeakRepository) Reload(ctx context.Context, table *MemoryPeakTable) (int, error) {
	stats, err := r.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	table.Replace(stats, time.Now())
	return len(stats), nil
}
