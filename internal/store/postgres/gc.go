package postgres

import (
	"context"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type gcRunStore struct{ q tagsql.Queryer }

func (s *gcRunStore) Insert(ctx context.Context, r *store.GCRun) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO gc_runs (run_id, mode, marked_count, candidate_count, deleted_blob_count,
			deleted_version_count, delete_error_count, started_at, completed_at, failed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.RunID, r.Mode, r.MarkedCount, r.CandidateCount, r.DeletedBlobCount,
		r.DeletedVersionCount, r.DeleteErrorCount, r.StartedAt, r.CompletedAt, r.Failed)
	return wrapErr(err)
}

// Finalize writes the run's final counters; always called, even on a
// mid-run failure (Failed=true), per §4.H.
func (s *gcRunStore) Finalize(ctx context.Context, r *store.GCRun) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE gc_runs SET marked_count = $2, candidate_count = $3, deleted_blob_count = $4,
			deleted_version_count = $5, delete_error_count = $6, completed_at = $7, failed = $8
		WHERE run_id = $1`,
		r.RunID, r.MarkedCount, r.CandidateCount, r.DeletedBlobCount,
		r.DeletedVersionCount, r.DeleteErrorCount, r.CompletedAt, r.Failed)
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *gcRunStore) MarkDigests(ctx context.Context, runID string, digests []string) error {
	for _, d := range digests {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO gc_marks (run_id, digest) VALUES ($1, $2) ON CONFLICT DO NOTHING`, runID, d)
		if err != nil {
			return wrapErr(err)
		}
	}
	return nil
}

func (s *gcRunStore) IsMarked(ctx context.Context, runID, digest string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM gc_marks WHERE run_id = $1 AND digest = $2)`, runID, digest).Scan(&exists)
	return exists, wrapErr(err)
}

func (s *gcRunStore) CountIncomplete(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM gc_runs WHERE completed_at IS NULL`).Scan(&n)
	return n, wrapErr(err)
}
