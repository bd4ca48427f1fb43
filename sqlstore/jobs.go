package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/eclaire-labs/jobqueue"
)

var jobColumns = []string{
	"id", "queue", "job_key", "data", "status", "priority", "scheduled_for",
	"attempts", "max_attempts", "next_retry_at", "backoff_ms", "backoff_type",
	"locked_by", "locked_at", "expires_at", "lock_token",
	"error_message", "error_details", "stages", "current_stage",
	"overall_progress", "metadata", "created", "updated", "completed",
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalStages(stages []jobqueue.Stage) (interface{}, error) {
	if stages == nil {
		return nil, nil
	}
	v, err := json.Marshal(stages)
	if err != nil {
		return nil, err
	}
	return string(v), nil
}

func marshalMetadata(md map[string]interface{}) (interface{}, error) {
	if md == nil {
		return nil, nil
	}
	v, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(v), nil
}

// jobValues renders a job into insert values aligned with jobColumns.
func jobValues(j *jobqueue.Job) ([]interface{}, error) {
	stages, err := marshalStages(j.Stages)
	if err != nil {
		return nil, err
	}
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return nil, err
	}
	var data interface{}
	if j.Data != nil {
		data = string(j.Data)
	}
	return []interface{}{
		j.ID, j.Queue, nullStr(j.Key), data, j.Status, j.Priority, j.ScheduledFor,
		j.Attempts, j.MaxAttempts, j.NextRetryAt, j.Backoff.Delay.Milliseconds(), nullStr(j.Backoff.Type),
		nullStr(j.LockedBy), j.LockedAt, j.ExpiresAt, nullStr(j.LockToken),
		nullStr(j.ErrorMessage), nullStr(j.ErrorDetails), stages, nullStr(j.CurrentStage),
		j.OverallProgress, metadata, j.Created, j.Updated, j.Completed,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobqueue.Job, error) {
	var j jobqueue.Job
	var key, data, backoffType sql.NullString
	var lockedBy, lockToken sql.NullString
	var errMsg, errDetails sql.NullString
	var stages, currentStage, metadata sql.NullString
	var backoffMs int64
	err := row.Scan(
		&j.ID, &j.Queue, &key, &data, &j.Status, &j.Priority, &j.ScheduledFor,
		&j.Attempts, &j.MaxAttempts, &j.NextRetryAt, &backoffMs, &backoffType,
		&lockedBy, &j.LockedAt, &j.ExpiresAt, &lockToken,
		&errMsg, &errDetails, &stages, &currentStage,
		&j.OverallProgress, &metadata, &j.Created, &j.Updated, &j.Completed,
	)
	if err != nil {
		return nil, err
	}
	j.Key = key.String
	j.Backoff = jobqueue.BackoffSpec{
		Type:  backoffType.String,
		Delay: time.Duration(backoffMs) * time.Millisecond,
	}
	j.LockedBy = lockedBy.String
	j.LockToken = lockToken.String
	j.ErrorMessage = errMsg.String
	j.ErrorDetails = errDetails.String
	j.CurrentStage = currentStage.String
	if data.Valid && data.String != "" {
		j.Data = json.RawMessage(data.String)
	}
	if stages.Valid && stages.String != "" {
		if err := json.Unmarshal([]byte(stages.String), &j.Stages); err != nil {
			return nil, err
		}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, err
		}
	}
	return &j, nil
}

func (s *Store) getJobWhere(ctx context.Context, pred interface{}, args ...interface{}) (*jobqueue.Job, error) {
	query, qargs, err := s.toSQL(sq.Select(jobColumns...).From(jobsTable).Where(pred, args...).Limit(1))
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, qargs...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobqueue.ErrNotFound
	}
	return job, err
}

// GetJobByID returns a job by its identifier, or ErrNotFound.
func (s *Store) GetJobByID(ctx context.Context, id string) (*jobqueue.Job, error) {
	return s.getJobWhere(ctx, sq.Eq{"id": id})
}

// GetJobByKey returns the job with the given key in a queue, or ErrNotFound.
func (s *Store) GetJobByKey(ctx context.Context, queue, key string) (*jobqueue.Job, error) {
	return s.getJobWhere(ctx, sq.Eq{"queue": queue, "job_key": key})
}

// GetJob resolves idOrKey first as an id, then as a key.
func (s *Store) GetJob(ctx context.Context, idOrKey string) (*jobqueue.Job, error) {
	return s.getJobWhere(ctx, sq.Or{sq.Eq{"id": idOrKey}, sq.Eq{"job_key": idOrKey}})
}

// InsertJob adds a new job row.
func (s *Store) InsertJob(ctx context.Context, j *jobqueue.Job) error {
	values, err := jobValues(j)
	if err != nil {
		return err
	}
	query, args, err := s.toSQL(sq.Insert(jobsTable).Columns(jobColumns...).Values(values...))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

const upsertConflictSuffix = `ON CONFLICT (queue, job_key) DO UPDATE SET
data = excluded.data, status = excluded.status, priority = excluded.priority,
scheduled_for = excluded.scheduled_for, attempts = 0, max_attempts = excluded.max_attempts,
next_retry_at = 0, backoff_ms = excluded.backoff_ms, backoff_type = excluded.backoff_type,
locked_by = NULL, locked_at = 0, expires_at = 0, lock_token = NULL,
error_message = NULL, error_details = NULL, stages = excluded.stages,
current_stage = NULL, overall_progress = 0, metadata = excluded.metadata,
updated = excluded.updated, completed = 0`

const upsertDuplicateKeySuffix = `ON DUPLICATE KEY UPDATE
data = VALUES(data), status = VALUES(status), priority = VALUES(priority),
scheduled_for = VALUES(scheduled_for), attempts = 0, max_attempts = VALUES(max_attempts),
next_retry_at = 0, backoff_ms = VALUES(backoff_ms), backoff_type = VALUES(backoff_type),
locked_by = NULL, locked_at = 0, expires_at = 0, lock_token = NULL,
error_message = NULL, error_details = NULL, stages = VALUES(stages),
current_stage = NULL, overall_progress = 0, metadata = VALUES(metadata),
updated = VALUES(updated), completed = 0`

// UpsertJob inserts the job or, on a (queue, key) conflict, resets the
// existing row to pending with the new payload, backoff, and priority.
// The reset is unconditional: last enqueue wins even against a row that
// is currently processing.
func (s *Store) UpsertJob(ctx context.Context, j *jobqueue.Job) error {
	values, err := jobValues(j)
	if err != nil {
		return err
	}
	suffix := upsertConflictSuffix
	if s.dialect == MySQL {
		suffix = upsertDuplicateKeySuffix
	}
	query, args, err := s.toSQL(sq.Insert(jobsTable).Columns(jobColumns...).Values(values...).Suffix(suffix))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ResetInactiveByKey resets an existing keyed job to pending with the new
// payload, but only if it has not started yet. It reports whether a row
// matched.
func (s *Store) ResetInactiveByKey(ctx context.Context, j *jobqueue.Job) (bool, error) {
	stages, err := marshalStages(j.Stages)
	if err != nil {
		return false, err
	}
	metadata, err := marshalMetadata(j.Metadata)
	if err != nil {
		return false, err
	}
	var data interface{}
	if j.Data != nil {
		data = string(j.Data)
	}
	query, args, err := s.toSQL(sq.Update(jobsTable).
		Set("data", data).
		Set("status", jobqueue.Pending).
		Set("priority", j.Priority).
		Set("scheduled_for", j.ScheduledFor).
		Set("attempts", 0).
		Set("max_attempts", j.MaxAttempts).
		Set("next_retry_at", 0).
		Set("backoff_ms", j.Backoff.Delay.Milliseconds()).
		Set("backoff_type", nullStr(j.Backoff.Type)).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("error_message", nil).
		Set("error_details", nil).
		Set("stages", stages).
		Set("current_stage", nil).
		Set("overall_progress", 0).
		Set("metadata", metadata).
		Set("updated", j.Updated).
		Set("completed", 0).
		Where(sq.Eq{"queue": j.Queue, "job_key": j.Key}).
		Where(sq.Eq{"status": []string{jobqueue.Pending, jobqueue.RetryPending}}))
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReplaceTerminalByKey deletes a terminal (completed or failed) keyed row
// and inserts the fresh job in one transaction, so a finished job's key
// can be reused for a new run.
func (s *Store) ReplaceTerminalByKey(ctx context.Context, j *jobqueue.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	delQuery, delArgs, err := s.toSQL(sq.Delete(jobsTable).
		Where(sq.Eq{"queue": j.Queue, "job_key": j.Key}).
		Where(sq.Eq{"status": []string{jobqueue.Completed, jobqueue.Failed}}))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, delQuery, delArgs...); err != nil {
		return err
	}

	values, err := jobValues(j)
	if err != nil {
		return err
	}
	insQuery, insArgs, err := s.toSQL(sq.Insert(jobsTable).Columns(jobColumns...).Values(values...))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insQuery, insArgs...); err != nil {
		return err
	}
	return tx.Commit()
}

// CancelJob transitions a pending or retry_pending job (by id or key) to
// failed with message "Cancelled". Processing and terminal jobs are left
// untouched and yield false.
func (s *Store) CancelJob(ctx context.Context, idOrKey string) (bool, error) {
	now := nowMillis()
	query, args, err := s.toSQL(sq.Update(jobsTable).
		Set("status", jobqueue.Failed).
		Set("error_message", "Cancelled").
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("updated", now).
		Set("completed", now).
		Where(sq.Or{sq.Eq{"id": idOrKey}, sq.Eq{"job_key": idOrKey}}).
		Where(sq.Eq{"status": []string{jobqueue.Pending, jobqueue.RetryPending}}))
	if err != nil {
		return false, err
	}
	var n int64
	err = s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// RetryJob resets a failed job (by id or key) to pending with zero
// attempts, clearing error and lock fields. Any other status yields false.
func (s *Store) RetryJob(ctx context.Context, idOrKey string) (bool, error) {
	query, args, err := s.toSQL(sq.Update(jobsTable).
		Set("status", jobqueue.Pending).
		Set("attempts", 0).
		Set("next_retry_at", 0).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("error_message", nil).
		Set("error_details", nil).
		Set("updated", nowMillis()).
		Set("completed", 0).
		Where(sq.Or{sq.Eq{"id": idOrKey}, sq.Eq{"job_key": idOrKey}}).
		Where(sq.Eq{"status": jobqueue.Failed}))
	if err != nil {
		return false, err
	}
	var n int64
	err = s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// ownership is the WHERE clause shared by every mutation that requires
// holding the job's lock: the id, lock owner, and fencing token must all
// match and the job must still be processing. A write that affects zero
// rows lost the lock.
func ownership(id, workerID, token string) sq.Eq {
	return sq.Eq{
		"id":         id,
		"locked_by":  workerID,
		"lock_token": token,
		"status":     jobqueue.Processing,
	}
}

func (s *Store) execOwned(ctx context.Context, b sq.UpdateBuilder) (bool, error) {
	query, args, err := s.toSQL(b)
	if err != nil {
		return false, err
	}
	var n int64
	err = s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

// MarkCompleted finishes a job successfully, conditioned on lock ownership.
func (s *Store) MarkCompleted(ctx context.Context, id, workerID, token string) (bool, error) {
	now := nowMillis()
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("status", jobqueue.Completed).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("updated", now).
		Set("completed", now).
		Where(ownership(id, workerID, token)))
}

// MarkFailed finishes a job unsuccessfully, conditioned on lock ownership.
func (s *Store) MarkFailed(ctx context.Context, id, workerID, token, errMsg, errDetails string) (bool, error) {
	now := nowMillis()
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("status", jobqueue.Failed).
		Set("error_message", nullStr(errMsg)).
		Set("error_details", nullStr(errDetails)).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("updated", now).
		Set("completed", now).
		Where(ownership(id, workerID, token)))
}

// MarkRetryPending reschedules a failed attempt, conditioned on lock
// ownership. The attempt stays charged.
func (s *Store) MarkRetryPending(ctx context.Context, id, workerID, token string, nextRetryAt int64, errMsg string) (bool, error) {
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("status", jobqueue.RetryPending).
		Set("next_retry_at", nextRetryAt).
		Set("error_message", nullStr(errMsg)).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("updated", nowMillis()).
		Where(ownership(id, workerID, token)))
}

// MarkRateLimited returns a throttled job to pending at resumeAt,
// refunding the attempt that the claim charged. Rate limiting is a
// throttling signal, not a fault.
func (s *Store) MarkRateLimited(ctx context.Context, id, workerID, token string, resumeAt int64) (bool, error) {
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("status", jobqueue.Pending).
		Set("scheduled_for", resumeAt).
		Set("attempts", sq.Expr("attempts - 1")).
		Set("locked_by", nil).
		Set("locked_at", 0).
		Set("expires_at", 0).
		Set("lock_token", nil).
		Set("updated", nowMillis()).
		Where(ownership(id, workerID, token)))
}

// ExtendLock pushes the lock expiry of a processing job further into the
// future, conditioned on lock ownership.
func (s *Store) ExtendLock(ctx context.Context, id, workerID, token string, d time.Duration) (bool, error) {
	now := nowMillis()
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("expires_at", now+d.Milliseconds()).
		Set("updated", now).
		Where(ownership(id, workerID, token)))
}

// PersistStages writes the job's stage list, current stage, and derived
// overall progress, conditioned on lock ownership.
func (s *Store) PersistStages(ctx context.Context, id, workerID, token string, stages []jobqueue.Stage, currentStage string, overall int) (bool, error) {
	v, err := marshalStages(stages)
	if err != nil {
		return false, err
	}
	return s.execOwned(ctx, sq.Update(jobsTable).
		Set("stages", v).
		Set("current_stage", nullStr(currentStage)).
		Set("overall_progress", overall).
		Set("updated", nowMillis()).
		Where(ownership(id, workerID, token)))
}

// Stats returns grouped job counts by status, optionally filtered by queue.
func (s *Store) Stats(ctx context.Context, queue string) (*jobqueue.Stats, error) {
	b := sq.Select("status", "COUNT(*)").From(jobsTable).GroupBy("status")
	if queue != "" {
		b = b.Where(sq.Eq{"queue": queue})
	}
	query, args, err := s.toSQL(b)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &jobqueue.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case jobqueue.Pending:
			stats.Pending = count
		case jobqueue.Processing:
			stats.Processing = count
		case jobqueue.RetryPending:
			stats.RetryPending = count
		case jobqueue.Completed:
			stats.Completed = count
		case jobqueue.Failed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// ListJobs returns jobs matching the request, most recently updated first.
func (s *Store) ListJobs(ctx context.Context, req *jobqueue.ListRequest) ([]*jobqueue.Job, error) {
	if req == nil {
		req = &jobqueue.ListRequest{}
	}
	b := sq.Select(jobColumns...).From(jobsTable).OrderBy("updated DESC")
	if req.Queue != "" {
		b = b.Where(sq.Eq{"queue": req.Queue})
	}
	if req.Status != "" {
		b = b.Where(sq.Eq{"status": req.Status})
	}
	if req.Limit > 0 {
		b = b.Limit(uint64(req.Limit))
	}
	if req.Offset > 0 {
		b = b.Offset(uint64(req.Offset))
	}
	query, args, err := s.toSQL(b)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*jobqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
