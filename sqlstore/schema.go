package sqlstore

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobqueue_jobs (
id TEXT PRIMARY KEY,
queue TEXT NOT NULL,
job_key TEXT,
data TEXT,
status TEXT NOT NULL,
priority INTEGER NOT NULL DEFAULT 0,
scheduled_for INTEGER NOT NULL DEFAULT 0,
attempts INTEGER NOT NULL DEFAULT 0,
max_attempts INTEGER NOT NULL DEFAULT 1,
next_retry_at INTEGER NOT NULL DEFAULT 0,
backoff_ms INTEGER NOT NULL DEFAULT 0,
backoff_type TEXT,
locked_by TEXT,
locked_at INTEGER NOT NULL DEFAULT 0,
expires_at INTEGER NOT NULL DEFAULT 0,
lock_token TEXT,
error_message TEXT,
error_details TEXT,
stages TEXT,
current_stage TEXT,
overall_progress INTEGER NOT NULL DEFAULT 0,
metadata TEXT,
created INTEGER NOT NULL,
updated INTEGER NOT NULL,
completed INTEGER NOT NULL DEFAULT 0)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobqueue_jobs_queue_key ON jobqueue_jobs (queue, job_key)`,
	`CREATE INDEX IF NOT EXISTS ix_jobqueue_jobs_claim ON jobqueue_jobs (queue, status, priority, created)`,
	`CREATE TABLE IF NOT EXISTS jobqueue_schedules (
sched_key TEXT PRIMARY KEY,
queue TEXT NOT NULL,
cron TEXT NOT NULL,
data TEXT,
enabled INTEGER NOT NULL DEFAULT 1,
run_limit INTEGER NOT NULL DEFAULT 0,
end_date INTEGER NOT NULL DEFAULT 0,
last_run INTEGER NOT NULL DEFAULT 0,
next_run INTEGER NOT NULL DEFAULT 0,
run_count INTEGER NOT NULL DEFAULT 0,
created INTEGER NOT NULL,
updated INTEGER NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS ix_jobqueue_schedules_due ON jobqueue_schedules (enabled, next_run)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobqueue_jobs (
id text PRIMARY KEY,
queue text NOT NULL,
job_key text,
data text,
status text NOT NULL,
priority bigint NOT NULL DEFAULT 0,
scheduled_for bigint NOT NULL DEFAULT 0,
attempts integer NOT NULL DEFAULT 0,
max_attempts integer NOT NULL DEFAULT 1,
next_retry_at bigint NOT NULL DEFAULT 0,
backoff_ms bigint NOT NULL DEFAULT 0,
backoff_type text,
locked_by text,
locked_at bigint NOT NULL DEFAULT 0,
expires_at bigint NOT NULL DEFAULT 0,
lock_token text,
error_message text,
error_details text,
stages text,
current_stage text,
overall_progress integer NOT NULL DEFAULT 0,
metadata text,
created bigint NOT NULL,
updated bigint NOT NULL,
completed bigint NOT NULL DEFAULT 0)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobqueue_jobs_queue_key ON jobqueue_jobs (queue, job_key)`,
	`CREATE INDEX IF NOT EXISTS ix_jobqueue_jobs_claim ON jobqueue_jobs (queue, status, priority, created)`,
	`CREATE TABLE IF NOT EXISTS jobqueue_schedules (
sched_key text PRIMARY KEY,
queue text NOT NULL,
cron text NOT NULL,
data text,
enabled integer NOT NULL DEFAULT 1,
run_limit integer NOT NULL DEFAULT 0,
end_date bigint NOT NULL DEFAULT 0,
last_run bigint NOT NULL DEFAULT 0,
next_run bigint NOT NULL DEFAULT 0,
run_count integer NOT NULL DEFAULT 0,
created bigint NOT NULL,
updated bigint NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS ix_jobqueue_schedules_due ON jobqueue_schedules (enabled, next_run)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobqueue_jobs (
id varchar(36) PRIMARY KEY,
queue varchar(255) NOT NULL,
job_key varchar(255),
data mediumtext,
status varchar(30) NOT NULL,
priority bigint NOT NULL DEFAULT 0,
scheduled_for bigint NOT NULL DEFAULT 0,
attempts int NOT NULL DEFAULT 0,
max_attempts int NOT NULL DEFAULT 1,
next_retry_at bigint NOT NULL DEFAULT 0,
backoff_ms bigint NOT NULL DEFAULT 0,
backoff_type varchar(30),
locked_by varchar(255),
locked_at bigint NOT NULL DEFAULT 0,
expires_at bigint NOT NULL DEFAULT 0,
lock_token varchar(36),
error_message text,
error_details mediumtext,
stages mediumtext,
current_stage varchar(255),
overall_progress int NOT NULL DEFAULT 0,
metadata mediumtext,
created bigint NOT NULL,
updated bigint NOT NULL,
completed bigint NOT NULL DEFAULT 0,
UNIQUE KEY ux_jobqueue_jobs_queue_key (queue, job_key),
KEY ix_jobqueue_jobs_claim (queue, status, priority, created))`,
	`CREATE TABLE IF NOT EXISTS jobqueue_schedules (
sched_key varchar(255) PRIMARY KEY,
queue varchar(255) NOT NULL,
cron varchar(120) NOT NULL,
data mediumtext,
enabled tinyint NOT NULL DEFAULT 1,
run_limit int NOT NULL DEFAULT 0,
end_date bigint NOT NULL DEFAULT 0,
last_run bigint NOT NULL DEFAULT 0,
next_run bigint NOT NULL DEFAULT 0,
run_count int NOT NULL DEFAULT 0,
created bigint NOT NULL,
updated bigint NOT NULL,
KEY ix_jobqueue_schedules_due (enabled, next_run))`,
}

// EnsureSchema creates the jobs and schedules tables if they do not exist.
func (s *Store) EnsureSchema() error {
	var stmts []string
	switch s.dialect {
	case Postgres:
		stmts = postgresSchema
	case MySQL:
		stmts = mysqlSchema
	default:
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
