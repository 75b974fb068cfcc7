// Reel is a media processing orchestration service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// SQLite-backed JobStore. Four tables: jobs, queue_pending (FIFO by
// position), workers (budget counter row), and webhook_dlq. All
// multi-step operations run in serializable transactions so concurrent
// loops observe a linearizable history.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"reel/pkg/mediajob"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
)

// SQLite wraps a SQLite database connection and provides the JobStore
// operations over it.
type SQLite struct {
	db  *sql.DB
	max int
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path, applies connection
// pragmas, runs migrations, and reconciles the persisted worker budget
// with maxWorkers.
func OpenSQLite(ctx context.Context, path string, maxWorkers int) (*SQLite, error) {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	// busy_timeout backs off on a locked database; WAL improves
	// concurrency; synchronous=NORMAL is a reasonable safety/perf tradeoff.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, max: maxWorkers, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.reconcileBudget(ctx, maxWorkers); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reconcile worker budget: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction.
func (s *SQLite) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`); err != nil {
		return err
	}

	cur, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) schemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *SQLite) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLite) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id                TEXT PRIMARY KEY,
  operation         TEXT NOT NULL,
  status            TEXT NOT NULL CHECK (status IN ('QUEUED','SUBMITTED','PROCESSING','COMPLETED','FAILED','CANCELLED')),
  payload_json      TEXT NOT NULL,
  webhook_url       TEXT NOT NULL,
  external_ids_json TEXT NOT NULL DEFAULT '[]',
  workers_reserved  INTEGER NOT NULL DEFAULT 0,
  chunks_done       INTEGER NOT NULL DEFAULT 0,
  result_json       TEXT NULL,
  error_json        TEXT NULL,
  id_roteiro        INTEGER NULL,
  path_raiz         TEXT NOT NULL DEFAULT '',
  attempts          INTEGER NOT NULL DEFAULT 0,
  webhook_attempts  INTEGER NOT NULL DEFAULT 0,
  webhook_delivered INTEGER NOT NULL DEFAULT 0,
  created_at        TIMESTAMP NOT NULL,
  submitted_at      TIMESTAMP NULL,
  completed_at      TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);`,

		`CREATE TABLE IF NOT EXISTS queue_pending (
  pos    INTEGER PRIMARY KEY,
  job_id TEXT NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE
);`,

		`CREATE TABLE IF NOT EXISTS workers (
  id          INTEGER PRIMARY KEY CHECK (id = 1),
  available   INTEGER NOT NULL,
  max_workers INTEGER NOT NULL
);`,

		`CREATE TABLE IF NOT EXISTS webhook_dlq (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id       TEXT NOT NULL,
  url          TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  reason       TEXT NOT NULL,
  created_at   TIMESTAMP NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// reconcileBudget seeds the workers row on first boot and shifts the
// available counter when MAX_WORKERS changed across restarts so the
// budget invariant keeps holding for in-flight reservations.
func (s *SQLite) reconcileBudget(ctx context.Context, maxWorkers int) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var available, prevMax int
		err := tx.QueryRowContext(ctx, `SELECT available, max_workers FROM workers WHERE id=1`).Scan(&available, &prevMax)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx, `INSERT INTO workers(id, available, max_workers) VALUES(1, ?, ?)`, maxWorkers, maxWorkers)
			return err
		}
		if err != nil {
			return err
		}
		if prevMax == maxWorkers {
			return nil
		}
		available += maxWorkers - prevMax
		if available < 0 {
			available = 0
		}
		if available > maxWorkers {
			available = maxWorkers
		}
		_, err = tx.ExecContext(ctx, `UPDATE workers SET available=?, max_workers=? WHERE id=1`, available, maxWorkers)
		return err
	})
}

// --------------- Jobs ---------------

func (s *SQLite) SaveJob(ctx context.Context, job *mediajob.Job) error {
	ids, err := json.Marshal(job.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external ids: %w", err)
	}
	var errJSON any
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return fmt.Errorf("marshal job error: %w", err)
		}
		errJSON = string(b)
	}
	var result any
	if job.Result != nil {
		result = string(job.Result)
	}
	var idRoteiro any
	if job.IDRoteiro != nil {
		idRoteiro = *job.IDRoteiro
	}
	var submittedAt, completedAt any
	if job.SubmittedAt != nil {
		submittedAt = job.SubmittedAt.UTC()
	}
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE id=?`, job.ID).Scan(&existing)
		existed := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("probe job: %w", err)
		}

		const upsert = `
INSERT INTO jobs (id, operation, status, payload_json, webhook_url, external_ids_json, workers_reserved, chunks_done,
                  result_json, error_json, id_roteiro, path_raiz, attempts, webhook_attempts, webhook_delivered,
                  created_at, submitted_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  operation=excluded.operation, status=excluded.status, payload_json=excluded.payload_json,
  webhook_url=excluded.webhook_url, external_ids_json=excluded.external_ids_json,
  workers_reserved=excluded.workers_reserved, chunks_done=excluded.chunks_done,
  result_json=excluded.result_json, error_json=excluded.error_json, id_roteiro=excluded.id_roteiro,
  path_raiz=excluded.path_raiz, attempts=excluded.attempts, webhook_attempts=excluded.webhook_attempts,
  webhook_delivered=excluded.webhook_delivered, created_at=excluded.created_at,
  submitted_at=excluded.submitted_at, completed_at=excluded.completed_at;`
		if _, err := tx.ExecContext(ctx, upsert,
			job.ID, job.Operation.String(), job.Status.String(), string(job.Payload), job.WebhookURL,
			string(ids), job.WorkersReserved, job.ChunksDone, result, errJSON, idRoteiro, job.PathRaiz,
			job.Attempts, job.WebhookAttempts, boolToInt(job.WebhookDelivered),
			job.CreatedAt.UTC(), submittedAt, completedAt); err != nil {
			return fmt.Errorf("upsert job: %w", err)
		}

		if job.Status == mediajob.StatusQueued && !existed {
			const enq = `INSERT OR IGNORE INTO queue_pending(pos, job_id)
VALUES ((SELECT COALESCE(MAX(pos), 0) + 1 FROM queue_pending), ?)`
			if _, err := tx.ExecContext(ctx, enq, job.ID); err != nil {
				return fmt.Errorf("enqueue pending: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*mediajob.Job, error) {
	var job *mediajob.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		j, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch Patch) (*mediajob.Job, error) {
	var updated *mediajob.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyPatch(job, patch, s.now); err != nil {
			return err
		}
		if err := writeJobTx(ctx, tx, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// --------------- Pending queue ---------------

func (s *SQLite) PeekPending(ctx context.Context) (*mediajob.Job, error) {
	var job *mediajob.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT job_id FROM queue_pending ORDER BY pos ASC LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("peek pending: %w", err)
		}
		job, err = getJobTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLite) DequeuePending(ctx context.Context) (*mediajob.Job, error) {
	var job *mediajob.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var pos int64
		var id string
		err := tx.QueryRowContext(ctx, `SELECT pos, job_id FROM queue_pending ORDER BY pos ASC LIMIT 1`).Scan(&pos, &id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select pending head: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_pending WHERE pos=?`, pos); err != nil {
			return fmt.Errorf("dequeue pending: %w", err)
		}
		job, err = getJobTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLite) RequeueFront(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := getJobTx(ctx, tx, id); err != nil {
			return err
		}
		const ins = `INSERT OR IGNORE INTO queue_pending(pos, job_id)
VALUES ((SELECT COALESCE(MIN(pos), 1) - 1 FROM queue_pending), ?)`
		if _, err := tx.ExecContext(ctx, ins, id); err != nil {
			return fmt.Errorf("requeue front: %w", err)
		}
		return nil
	})
}

func (s *SQLite) RemovePending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_pending WHERE job_id=?`, id)
	if err != nil {
		return false, fmt.Errorf("remove pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) QueuePosition(ctx context.Context, id string) (int, error) {
	const q = `SELECT COUNT(*) FROM queue_pending
WHERE pos <= (SELECT pos FROM queue_pending WHERE job_id=?)`
	var n int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// --------------- Worker budget ---------------

func (s *SQLite) ReserveWorkers(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		n = 0
	}
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET available = available - ? WHERE id=1 AND available >= ?`, n, n)
	if err != nil {
		return false, fmt.Errorf("reserve workers: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (s *SQLite) ReleaseWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE workers SET available = MIN(available + ?, max_workers) WHERE id=1`, n); err != nil {
		return fmt.Errorf("release workers: %w", err)
	}
	return nil
}

func (s *SQLite) ReleaseJobWorkers(ctx context.Context, id string) (int, error) {
	released := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT workers_reserved FROM jobs WHERE id=?`, id).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read reservation: %w", err)
		}
		if n <= 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET workers_reserved=0 WHERE id=?`, id); err != nil {
			return fmt.Errorf("zero reservation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET available = MIN(available + ?, max_workers) WHERE id=1`, n); err != nil {
			return fmt.Errorf("credit workers: %w", err)
		}
		released = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// --------------- Queries ---------------

func (s *SQLite) ListByStatus(ctx context.Context, status mediajob.Status) ([]*mediajob.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status: %s", status)
	}
	rows, err := s.db.QueryContext(ctx, jobSelectColumns+` FROM jobs WHERE status=? ORDER BY created_at ASC`, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*mediajob.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *SQLite) QueueStats(ctx context.Context) (*mediajob.QueueStats, error) {
	stats := &mediajob.QueueStats{}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
		if err != nil {
			return fmt.Errorf("count by status: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("scan status count: %w", err)
			}
			switch mediajob.Status(status) {
			case mediajob.StatusQueued:
				stats.Queued = n
			case mediajob.StatusSubmitted:
				stats.Submitted = n
			case mediajob.StatusProcessing:
				stats.Processing = n
			case mediajob.StatusCompleted:
				stats.Completed = n
			case mediajob.StatusFailed:
				stats.Failed = n
			case mediajob.StatusCancelled:
				stats.Cancelled = n
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_pending`).Scan(&stats.PendingDepth); err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		var available, max int
		if err := tx.QueryRowContext(ctx, `SELECT available, max_workers FROM workers WHERE id=1`).Scan(&available, &max); err != nil {
			return fmt.Errorf("read worker budget: %w", err)
		}
		stats.AvailableWorkers = available
		stats.ActiveWorkers = max - available
		stats.MaxWorkers = max
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// --------------- Recovery / eviction ---------------

func (s *SQLite) RecoverLeakedWorkers(ctx context.Context) (int, error) {
	recovered := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT COALESCE(SUM(workers_reserved), 0) FROM jobs
WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND workers_reserved > 0`
		if err := tx.QueryRowContext(ctx, q).Scan(&recovered); err != nil {
			return fmt.Errorf("sum leaked workers: %w", err)
		}
		if recovered == 0 {
			return nil
		}
		const zero = `UPDATE jobs SET workers_reserved=0
WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND workers_reserved > 0`
		if _, err := tx.ExecContext(ctx, zero); err != nil {
			return fmt.Errorf("zero leaked workers: %w", err)
		}
		const release = `UPDATE workers SET available = MIN(available + ?, max_workers) WHERE id=1`
		if _, err := tx.ExecContext(ctx, release, recovered); err != nil {
			return fmt.Errorf("release leaked workers: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

func (s *SQLite) EvictExpired(ctx context.Context, olderThan time.Time) (int, error) {
	const del = `DELETE FROM jobs
WHERE status IN ('COMPLETED','FAILED','CANCELLED') AND completed_at IS NOT NULL AND completed_at < ?`
	res, err := s.db.ExecContext(ctx, del, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --------------- Dead letters ---------------

func (s *SQLite) PushDeadLetter(ctx context.Context, d DeadLetter) error {
	const ins = `INSERT INTO webhook_dlq(job_id, url, payload_json, reason, created_at) VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, d.JobID, d.URL, string(d.Payload), d.Reason, d.Time.UTC()); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLite) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q := `SELECT job_id, url, payload_json, reason, created_at FROM webhook_dlq ORDER BY id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var payload string
		var t time.Time
		if err := rows.Scan(&d.JobID, &d.URL, &payload, &d.Reason, &t); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		d.Time = t.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// --------------- Row helpers ---------------

const jobSelectColumns = `SELECT id, operation, status, payload_json, webhook_url, external_ids_json, workers_reserved,
chunks_done, result_json, error_json, id_roteiro, path_raiz, attempts, webhook_attempts, webhook_delivered,
created_at, submitted_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*mediajob.Job, error) {
	var row struct {
		id, operation, status, payload, webhookURL, externalIDs string
		workersReserved, chunksDone                             int
		result, errJSON                                         sql.NullString
		idRoteiro                                               sql.NullInt64
		pathRaiz                                                string
		attempts, webhookAttempts, webhookDelivered             int
		createdAt                                               time.Time
		submittedAt, completedAt                                sql.NullTime
	}
	if err := r.Scan(
		&row.id, &row.operation, &row.status, &row.payload, &row.webhookURL, &row.externalIDs,
		&row.workersReserved, &row.chunksDone, &row.result, &row.errJSON, &row.idRoteiro, &row.pathRaiz,
		&row.attempts, &row.webhookAttempts, &row.webhookDelivered,
		&row.createdAt, &row.submittedAt, &row.completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job := &mediajob.Job{
		ID:               row.id,
		Operation:        mediajob.Operation(row.operation),
		Status:           mediajob.Status(row.status),
		Payload:          json.RawMessage(row.payload),
		WebhookURL:       row.webhookURL,
		WorkersReserved:  row.workersReserved,
		ChunksDone:       row.chunksDone,
		PathRaiz:         row.pathRaiz,
		Attempts:         row.attempts,
		WebhookAttempts:  row.webhookAttempts,
		WebhookDelivered: row.webhookDelivered != 0,
		CreatedAt:        row.createdAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.externalIDs), &job.ExternalIDs); err != nil {
		return nil, fmt.Errorf("unmarshal external ids: %w", err)
	}
	if row.result.Valid {
		job.Result = json.RawMessage(row.result.String)
	}
	if row.errJSON.Valid {
		var je mediajob.JobError
		if err := json.Unmarshal([]byte(row.errJSON.String), &je); err != nil {
			return nil, fmt.Errorf("unmarshal job error: %w", err)
		}
		job.Error = &je
	}
	if row.idRoteiro.Valid {
		v := int(row.idRoteiro.Int64)
		job.IDRoteiro = &v
	}
	if row.submittedAt.Valid {
		t := row.submittedAt.Time.UTC()
		job.SubmittedAt = &t
	}
	if row.completedAt.Valid {
		t := row.completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (*mediajob.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id=?`, id))
}

func writeJobTx(ctx context.Context, tx *sql.Tx, job *mediajob.Job) error {
	ids, err := json.Marshal(job.ExternalIDs)
	if err != nil {
		return fmt.Errorf("marshal external ids: %w", err)
	}
	var errJSON any
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return fmt.Errorf("marshal job error: %w", err)
		}
		errJSON = string(b)
	}
	var result any
	if job.Result != nil {
		result = string(job.Result)
	}
	var submittedAt, completedAt any
	if job.SubmittedAt != nil {
		submittedAt = job.SubmittedAt.UTC()
	}
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UTC()
	}

	const upd = `UPDATE jobs SET
  status=?, external_ids_json=?, workers_reserved=?, chunks_done=?, result_json=?, error_json=?,
  attempts=?, webhook_attempts=?, webhook_delivered=?, submitted_at=?, completed_at=?
WHERE id=?`
	if _, err := tx.ExecContext(ctx, upd,
		job.Status.String(), string(ids), job.WorkersReserved, job.ChunksDone, result, errJSON,
		job.Attempts, job.WebhookAttempts, boolToInt(job.WebhookDelivered), submittedAt, completedAt, job.ID); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
