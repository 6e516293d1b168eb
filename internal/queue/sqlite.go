package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/albachteng/trailsync/internal/jobs"
)

// leaseGrace is how long past its timeout a started job may stay unfinished
// before RecoverStale hands it to another worker.
const leaseGrace = 30 * time.Second

// SQLiteQueue is a persistent queue whose rows double as the result store.
// A job id owns one row: re-enqueueing a recurring job resets it, unless an
// execution of it is still running.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteQueue(dbPath string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// Workers finish jobs concurrently; a single connection serializes writers.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db, now: time.Now}
	if err := q.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Wrapf(err, "failed to initialize schema (close error: %v)", closeErr)
		}
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	return q, nil
}

// started_ms and expires_at are unix milliseconds so lease and expiry checks compare numbers.
func (q *SQLiteQueue) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		module TEXT NOT NULL,
		function TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '[]',
		kwargs TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		description TEXT NOT NULL DEFAULT '',
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		result_ttl_ms INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		last_error TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		started_ms INTEGER,
		ended_at TIMESTAMP,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_status_position ON jobs(status, position ASC);
	CREATE INDEX IF NOT EXISTS idx_expires_at ON jobs(expires_at);
	`

	_, err := q.db.Exec(schema)
	return err
}

// RecoverStale requeues started jobs whose worker is presumed dead: the job
// has outlived its timeout (defaultTimeout when it has none) plus a grace
// period. Jobs still inside that lease are left alone, so any number of
// processes may call it.
func (q *SQLiteQueue) RecoverStale(ctx context.Context, now time.Time, defaultTimeout time.Duration) (int, error) {
	query := `
		UPDATE jobs SET status = 'queued', started_at = NULL, started_ms = NULL
		WHERE status = 'started'
			AND (started_ms IS NULL
				OR started_ms + (CASE WHEN timeout_ms > 0 THEN timeout_ms ELSE ? END) + ? < ?)
	`
	res, err := q.db.ExecContext(ctx, query,
		defaultTimeout.Milliseconds(), leaseGrace.Milliseconds(), now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, job *jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	args, err := json.Marshal(nonNilArgs(job.Args))
	if err != nil {
		return errors.Wrapf(err, "encode args of job %s", job.ID)
	}
	kwargs, err := json.Marshal(nonNilKwargs(job.Kwargs))
	if err != nil {
		return errors.Wrapf(err, "encode kwargs of job %s", job.ID)
	}

	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = q.now()
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = enqueuedAt
	}

	query := `
		INSERT INTO jobs (id, module, function, args, kwargs, status, description,
			timeout_ms, result_ttl_ms, position, created_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM jobs), ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			module = excluded.module,
			function = excluded.function,
			args = excluded.args,
			kwargs = excluded.kwargs,
			status = 'queued',
			description = excluded.description,
			timeout_ms = excluded.timeout_ms,
			result_ttl_ms = excluded.result_ttl_ms,
			position = excluded.position,
			enqueued_at = excluded.enqueued_at,
			result = NULL,
			last_error = NULL,
			started_at = NULL,
			started_ms = NULL,
			ended_at = NULL,
			expires_at = NULL
		WHERE jobs.status != 'started'
	`

	res, err := q.db.ExecContext(ctx, query,
		job.ID,
		job.Target.Module,
		job.Target.Function,
		string(args),
		string(kwargs),
		job.Description,
		job.Timeout.Milliseconds(),
		job.ResultTTL.Milliseconds(),
		createdAt.UTC(),
		enqueuedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "enqueue job %s", job.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(jobs.ErrJobRunning, "%s", job.ID)
	}
	return nil
}

// Dequeue claims the oldest queued job and marks it started.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	query := `
		SELECT id, module, function, args, kwargs, description, timeout_ms, result_ttl_ms, created_at, enqueued_at
		FROM jobs
		WHERE status = 'queued'
		ORDER BY position ASC
		LIMIT 1
	`

	var (
		job              jobs.Job
		args, kwargs     string
		timeoutMs, ttlMs int64
	)
	err = tx.QueryRowContext(ctx, query).Scan(
		&job.ID,
		&job.Target.Module,
		&job.Target.Function,
		&args,
		&kwargs,
		&job.Description,
		&timeoutMs,
		&ttlMs,
		&job.CreatedAt,
		&job.EnqueuedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmptyQueue
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &job.Args); err != nil {
		return nil, errors.Wrapf(err, "decode args of job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(kwargs), &job.Kwargs); err != nil {
		return nil, errors.Wrapf(err, "decode kwargs of job %s", job.ID)
	}
	job.Timeout = time.Duration(timeoutMs) * time.Millisecond
	job.ResultTTL = time.Duration(ttlMs) * time.Millisecond
	job.Status = jobs.StatusStarted

	started := q.now().UTC()
	updateQuery := `UPDATE jobs SET status = 'started', started_at = ?, started_ms = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, updateQuery, started, started.UnixMilli(), job.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &job, nil
}

func (q *SQLiteQueue) MarkStarted(ctx context.Context, id jobs.JobID, at time.Time) error {
	query := `UPDATE jobs SET status = 'started', started_at = ?, started_ms = ? WHERE id = ?`
	res, err := q.db.ExecContext(ctx, query, at.UTC(), at.UnixMilli(), id)
	if err != nil {
		return errors.Wrapf(err, "mark job %s started", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(jobs.ErrJobNotFound, "%s", id)
	}
	return nil
}

// Finish stores the final result. When result.StartedAt is set it must match
// the row's current execution; a late result from an execution that was
// recovered and handed to another worker is rejected with ErrJobNotFound.
func (q *SQLiteQueue) Finish(ctx context.Context, result *jobs.JobResult) error {
	var payload sql.NullString
	if len(result.Result) > 0 {
		payload = sql.NullString{String: string(result.Result), Valid: true}
	}
	var lastError sql.NullString
	if result.Error != "" {
		lastError = sql.NullString{String: result.Error, Valid: true}
	}
	var endedAt sql.NullTime
	if result.EndedAt != nil {
		endedAt = sql.NullTime{Time: result.EndedAt.UTC(), Valid: true}
	}
	var expiresAt sql.NullInt64
	if result.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: result.ExpiresAt.UnixMilli(), Valid: true}
	}
	var startedMs sql.NullInt64
	if result.StartedAt != nil {
		startedMs = sql.NullInt64{Int64: result.StartedAt.UnixMilli(), Valid: true}
	}

	query := `
		UPDATE jobs
		SET status = ?, result = ?, last_error = ?, ended_at = ?, expires_at = ?
		WHERE id = ? AND (? IS NULL OR started_ms = ?)
	`
	res, err := q.db.ExecContext(ctx, query,
		result.Status, payload, lastError, endedAt, expiresAt,
		result.JobID, startedMs, startedMs)
	if err != nil {
		return errors.Wrapf(err, "finish job %s", result.JobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(jobs.ErrJobNotFound, "%s has no execution started at %v", result.JobID, result.StartedAt)
	}
	return nil
}

const resultColumns = `id, status, result, last_error, description, enqueued_at, started_at, ended_at, expires_at`

func (q *SQLiteQueue) GetResult(ctx context.Context, id jobs.JobID) (*jobs.JobResult, error) {
	query := `SELECT ` + resultColumns + ` FROM jobs
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`

	res, err := scanResult(q.db.QueryRowContext(ctx, query, id, q.now().UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(jobs.ErrJobNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load result of job %s", id)
	}
	return res, nil
}

// ListResults returns unexpired results with status, oldest enqueue first. An
// empty status matches everything.
func (q *SQLiteQueue) ListResults(ctx context.Context, status jobs.JobStatus) ([]*jobs.JobResult, error) {
	query := `SELECT ` + resultColumns + ` FROM jobs
		WHERE (? = '' OR status = ?) AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY position ASC`

	rows, err := q.db.QueryContext(ctx, query, status, status, q.now().UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "list results")
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	var results []*jobs.JobResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (q *SQLiteQueue) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "purge expired results")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*jobs.JobResult, error) {
	var (
		res                jobs.JobResult
		payload, lastError sql.NullString
		startedAt, endedAt sql.NullTime
		expiresAt          sql.NullInt64
	)
	err := row.Scan(
		&res.JobID,
		&res.Status,
		&payload,
		&lastError,
		&res.Description,
		&res.EnqueuedAt,
		&startedAt,
		&endedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		res.Result = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		res.Error = lastError.String
	}
	if startedAt.Valid {
		res.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		res.EndedAt = &endedAt.Time
	}
	if res.StartedAt != nil && res.EndedAt != nil {
		elapsed := res.EndedAt.Sub(*res.StartedAt)
		res.Elapsed = &elapsed
	}
	if expiresAt.Valid {
		exp := time.UnixMilli(expiresAt.Int64).UTC()
		res.ExpiresAt = &exp
	}
	return &res, nil
}

func nonNilArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func nonNilKwargs(kwargs map[string]any) map[string]any {
	if kwargs == nil {
		return map[string]any{}
	}
	return kwargs
}
