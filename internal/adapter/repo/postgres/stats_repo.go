package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/rabbitreels/rabbitreels/internal/domain"
)

const videoCountStat = "video_generation_count"

// StatsRepo holds monotonic system counters. The durable row is the source of
// truth; the Redis mirror exists for cheap public reads.
type StatsRepo struct{ Pool PgxPool }

// NewStatsRepo constructs a StatsRepo with the given pool.
func NewStatsRepo(p PgxPool) *StatsRepo { return &StatsRepo{Pool: p} }

// VideoCount returns the total number of videos ever generated.
func (r *StatsRepo) VideoCount(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.VideoCount")
	defer span.End()
	var v int64
	row := r.Pool.QueryRow(ctx, `SELECT value FROM system_stats WHERE name=$1`, videoCountStat)
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=stats.video_count: %w", err)
	}
	return v, nil
}

// IncrementVideoCount bumps the counter and returns the new value.
func (r *StatsRepo) IncrementVideoCount(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.stats")
	ctx, span := tracer.Start(ctx, "stats.IncrementVideoCount")
	defer span.End()
	var v int64
	row := r.Pool.QueryRow(ctx,
		`INSERT INTO system_stats (name, value) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET value = system_stats.value + 1
		 RETURNING value`, videoCountStat)
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("op=stats.video_count_inc: %w", err)
	}
	return v, nil
}
