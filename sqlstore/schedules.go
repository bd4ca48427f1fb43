package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	"github.com/eclaire-labs/jobqueue"
)

var scheduleColumns = []string{
	"sched_key", "queue", "cron", "data", "enabled", "run_limit",
	"end_date", "last_run", "next_run", "run_count", "created", "updated",
}

func scanSchedule(row rowScanner) (*jobqueue.Schedule, error) {
	var s jobqueue.Schedule
	var data sql.NullString
	var enabled int
	err := row.Scan(&s.Key, &s.Queue, &s.Cron, &data, &enabled, &s.RunLimit,
		&s.EndDate, &s.LastRun, &s.NextRun, &s.RunCount, &s.Created, &s.Updated)
	if err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	if data.Valid && data.String != "" {
		s.Data = []byte(data.String)
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertSchedule inserts the schedule or updates the existing row with
// the same key, preserving its run bookkeeping (lastRun, runCount).
func (s *Store) UpsertSchedule(ctx context.Context, sched *jobqueue.Schedule) error {
	var data interface{}
	if sched.Data != nil {
		data = string(sched.Data)
	}
	existing, err := s.GetSchedule(ctx, sched.Key)
	if errors.Is(err, jobqueue.ErrScheduleNotFound) {
		query, args, err := s.toSQL(sq.Insert(schedulesTable).Columns(scheduleColumns...).Values(
			sched.Key, sched.Queue, sched.Cron, data, boolToInt(sched.Enabled), sched.RunLimit,
			sched.EndDate, sched.LastRun, sched.NextRun, sched.RunCount, sched.Created, sched.Updated,
		))
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, query, args...)
		return err
	}
	if err != nil {
		return err
	}
	sched.LastRun = existing.LastRun
	sched.RunCount = existing.RunCount
	sched.Created = existing.Created
	query, args, err := s.toSQL(sq.Update(schedulesTable).
		Set("queue", sched.Queue).
		Set("cron", sched.Cron).
		Set("data", data).
		Set("enabled", boolToInt(sched.Enabled)).
		Set("run_limit", sched.RunLimit).
		Set("end_date", sched.EndDate).
		Set("next_run", sched.NextRun).
		Set("updated", sched.Updated).
		Where(sq.Eq{"sched_key": sched.Key}))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// GetSchedule returns a schedule by key, or ErrScheduleNotFound.
func (s *Store) GetSchedule(ctx context.Context, key string) (*jobqueue.Schedule, error) {
	query, args, err := s.toSQL(sq.Select(scheduleColumns...).From(schedulesTable).Where(sq.Eq{"sched_key": key}))
	if err != nil {
		return nil, err
	}
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobqueue.ErrScheduleNotFound
	}
	return sched, err
}

// ListSchedules returns all schedules, optionally filtered by queue.
func (s *Store) ListSchedules(ctx context.Context, queue string) ([]*jobqueue.Schedule, error) {
	b := sq.Select(scheduleColumns...).From(schedulesTable).OrderBy("sched_key ASC")
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
	var scheds []*jobqueue.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// RemoveSchedule deletes a schedule, reporting whether it existed.
func (s *Store) RemoveSchedule(ctx context.Context, key string) (bool, error) {
	query, args, err := s.toSQL(sq.Delete(schedulesTable).Where(sq.Eq{"sched_key": key}))
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

// SetScheduleEnabled flips a schedule's enabled flag. When enabling,
// nextRun must be recomputed by the caller so the schedule does not
// immediately fire for an instant in the past.
func (s *Store) SetScheduleEnabled(ctx context.Context, key string, enabled bool, nextRun int64) error {
	b := sq.Update(schedulesTable).
		Set("enabled", boolToInt(enabled)).
		Set("updated", nowMillis()).
		Where(sq.Eq{"sched_key": key})
	if enabled {
		b = b.Set("next_run", nextRun)
	}
	query, args, err := s.toSQL(b)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return jobqueue.ErrScheduleNotFound
	}
	return nil
}

// DueSchedules returns enabled schedules whose nextRun is due.
func (s *Store) DueSchedules(ctx context.Context, now int64) ([]*jobqueue.Schedule, error) {
	query, args, err := s.toSQL(sq.Select(scheduleColumns...).From(schedulesTable).
		Where(sq.Eq{"enabled": 1}).
		Where(sq.LtOrEq{"next_run": now}).
		OrderBy("next_run ASC"))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scheds []*jobqueue.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// AdvanceSchedule records one firing: bumps runCount, sets lastRun, and
// moves nextRun to the next cron instant.
func (s *Store) AdvanceSchedule(ctx context.Context, key string, lastRun, nextRun int64) error {
	query, args, err := s.toSQL(sq.Update(schedulesTable).
		Set("last_run", lastRun).
		Set("next_run", nextRun).
		Set("run_count", sq.Expr("run_count + 1")).
		Set("updated", nowMillis()).
		Where(sq.Eq{"sched_key": key}))
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}
