package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"hoaxwatch/internal/domain"
)

const defaultRunLimit = 20

// RunStore keeps the history of pipeline runs and their captured failures.
type RunStore struct {
	db *DB
	tm *TransactionManager
}

func NewRunStore(db *DB, tm *TransactionManager) *RunStore {
	return &RunStore{db: db, tm: tm}
}

// Record writes the run row and its failures atomically.
func (s *RunStore) Record(ctx context.Context, stats *domain.RunStats) error {
	return s.tm.WithTransaction(ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, s.db.DB)

		query, args, err := s.db.builder.
			Insert("runs").
			Columns(
				"id", "trigger_name", "state", "started_at", "finished_at",
				"collected", "duplicates", "classified", "verified", "stored", "failed", "error",
			).
			Values(
				stats.ID, stats.Trigger, string(stats.State), stats.StartedAt.UTC(), stats.FinishedAt.UTC(),
				stats.Collected, stats.Duplicates, stats.Classified, stats.Verified, stats.Stored,
				stats.Failed.Total(), stats.Error,
			).
			ToSql()
		if err != nil {
			return fmt.Errorf("build run insert: %w", err)
		}
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		if len(stats.Failures) == 0 {
			return nil
		}

		b := s.db.builder.Insert("run_failures").
			Columns("run_id", "stage", "keyword", "platform", "url", "reason")
		for _, f := range stats.Failures {
			b = b.Values(stats.ID, string(f.Stage), f.Keyword, f.Platform, f.URL, f.Reason)
		}
		query, args, err = b.ToSql()
		if err != nil {
			return fmt.Errorf("build failures insert: %w", err)
		}
		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert run failures: %w", err)
		}
		return nil
	})
}

// List returns the most recent runs first.
func (s *RunStore) List(ctx context.Context, limit int) ([]domain.RunSummary, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}

	query, args, err := s.db.builder.
		Select("id", "trigger_name", "state", "started_at", "finished_at",
			"collected", "duplicates", "classified", "verified", "stored", "failed", "error").
		From("runs").
		OrderBy("started_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build runs query: %w", err)
	}

	var runs []domain.RunSummary
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db.DB), &runs, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failures captured for one run in recorded order.
func (s *RunStore) Failures(ctx context.Context, runID string) ([]domain.Failure, error) {
	query, args, err := s.db.builder.
		Select("stage", "keyword", "platform", "url", "reason").
		From("run_failures").
		Where("run_id = ?", runID).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build failures query: %w", err)
	}

	var failures []domain.Failure
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db.DB), &failures, query, args...); err != nil {
		return nil, fmt.Errorf("list run failures: %w", err)
	}
	return failures, nil
}
