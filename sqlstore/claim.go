package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/eclaire-labs/jobqueue"
)

// claimFunc atomically selects and locks exactly one eligible job, or
// returns (nil, nil) when none is eligible. No two concurrent callers may
// ever claim the same job. The strategy is picked once at store
// construction from the engine's skip-locked capability; call sites never
// branch on the dialect.
type claimFunc func(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*jobqueue.Job, error)

// claimEligible is the shared eligibility predicate: due pending jobs,
// due retries, and stalled processing jobs whose lock expired with
// attempts to spare.
func claimEligible(queue string, now int64) sq.Sqlizer {
	return sq.And{
		sq.Eq{"queue": queue},
		sq.Or{
			sq.And{
				sq.Eq{"status": jobqueue.Pending},
				sq.Or{sq.Eq{"scheduled_for": 0}, sq.LtOrEq{"scheduled_for": now}},
			},
			sq.And{
				sq.Eq{"status": jobqueue.RetryPending},
				sq.Or{sq.Eq{"next_retry_at": 0}, sq.LtOrEq{"next_retry_at": now}},
			},
			sq.And{
				sq.Eq{"status": jobqueue.Processing},
				sq.Lt{"expires_at": now},
				sq.Expr("attempts < max_attempts"),
			},
		},
	}
}

// Stalled jobs are recovered first, then priority, then FIFO.
var claimOrder = []string{
	"CASE WHEN status = 'processing' THEN 0 ELSE 1 END",
	"priority DESC",
	"created ASC",
}

func (s *Store) claimUpdate(workerID, token string, now int64, lockDuration time.Duration) sq.UpdateBuilder {
	return sq.Update(jobsTable).
		Set("status", jobqueue.Processing).
		Set("locked_by", workerID).
		Set("locked_at", now).
		Set("expires_at", now+lockDuration.Milliseconds()).
		Set("lock_token", token).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated", now)
}

// Claim atomically claims one eligible job from the queue for workerID.
// It returns nil without error when the queue has no eligible job.
func (s *Store) Claim(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*jobqueue.Job, error) {
	return s.claim(ctx, queue, workerID, lockDuration)
}

// claimSkipLocked locks the single best-eligible row with FOR UPDATE SKIP
// LOCKED and flips it to processing in the same transaction. Rows held by
// a concurrent claimer are skipped rather than waited on.
func (s *Store) claimSkipLocked(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*jobqueue.Job, error) {
	now := nowMillis()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	selQuery, selArgs, err := s.toSQL(sq.Select("id").From(jobsTable).
		Where(claimEligible(queue, now)).
		OrderBy(claimOrder...).
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED"))
	if err != nil {
		return nil, err
	}
	var id string
	if err := tx.QueryRowContext(ctx, selQuery, selArgs...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	token := jobqueue.NewLockToken()
	updQuery, updArgs, err := s.toSQL(s.claimUpdate(workerID, token, now, lockDuration).Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, updQuery, updArgs...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetJobByID(ctx, id)
}

// claimSerialized is the fallback for engines without skip-locked, where
// writes serialize naturally (SQLite). The WHERE clause is a correlated
// subquery selecting the best-eligible row id, collapsing select and lock
// into one atomic statement: a concurrent second writer re-evaluates the
// subquery against the just-updated row and finds nothing. The engine's
// UPDATE cannot reliably return columns on this path, so the full row is
// re-selected by the freshly written fencing token afterwards.
func (s *Store) claimSerialized(ctx context.Context, queue, workerID string, lockDuration time.Duration) (*jobqueue.Job, error) {
	now := nowMillis()
	token := jobqueue.NewLockToken()

	selQuery, selArgs, err := sq.Select("id").From(jobsTable).
		Where(claimEligible(queue, now)).
		OrderBy(claimOrder...).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	updQuery, updArgs, err := s.toSQL(s.claimUpdate(workerID, token, now, lockDuration).
		Where(sq.Expr("id = ("+selQuery+")", selArgs...)))
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, updQuery, updArgs...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Nothing eligible, not an error.
		return nil, nil
	}
	return s.getJobWhere(ctx, sq.Eq{
		"lock_token": token,
		"locked_by":  workerID,
		"status":     jobqueue.Processing,
	})
}
