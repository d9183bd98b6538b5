package store

import (
	"database/sql"
	"errors"
	"fmt"

	"dossier/internal/logging"
)

// CreateJob persists a new queued job. When the record carries a CallerRef
// that was seen before, the existing job is returned instead and created is
// false, so retried submissions never enqueue twice.
func (s *Store) CreateJob(job JobRecord) (*JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.CallerRef != "" {
		row := s.db.QueryRow(jobColumns+" WHERE caller_ref = ?", job.CallerRef)
		existing, err := scanJob(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
		if existing != nil {
			logging.JobsDebug("Job submission deduplicated by caller ref %s -> %s", job.CallerRef, existing.ID)
			return existing, false, nil
		}
	}

	var callerRef interface{}
	if job.CallerRef != "" {
		callerRef = job.CallerRef
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, spec, status, progress, caller_ref)
		VALUES (?, ?, ?, ?, 0, ?)`,
		job.ID, job.Type, job.Spec, JobQueued, callerRef,
	)
	if err != nil {
		logging.Get(logging.CategoryJobs).Error("Failed to create job %s: %v", job.ID, err)
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	row := s.db.QueryRow(jobColumns+" WHERE id = ?", job.ID)
	created, err := scanJob(row)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetJob fetches a job by id. Returns (nil, nil) when absent.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(jobColumns+" WHERE id = ?", id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// QueuedJobs returns up to limit queued jobs, oldest first.
func (s *Store) QueuedJobs(limit int) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// rowid breaks created_at ties so same-second submissions stay FIFO.
	rows, err := s.db.Query(
		jobColumns+" WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?",
		JobQueued, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// JobsByStatus returns the most recently updated jobs in a given state.
func (s *Store) JobsByStatus(status string, limit int) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		jobColumns+" WHERE status = ? ORDER BY updated_at DESC LIMIT ?",
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// RecentJobs returns the most recently updated jobs in any state.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		jobColumns+" ORDER BY updated_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ClaimJob moves a job from queued to running. The compare-and-swap on
// status means exactly one dispatcher tick wins a given job.
func (s *Store) ClaimJob(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?",
		JobRunning, id, JobQueued,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateProgress advances a running job's checkpoint and appends the stage
// message to its log in one transaction. Progress never moves backward and
// nothing is written once the job left the running state, so a cancelled or
// completed job cannot accrete trailing log lines.
func (s *Store) UpdateProgress(id string, progress float64, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}

	res, err := tx.Exec(`
		UPDATE jobs SET progress = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ? AND progress <= ?`,
		progress, id, JobRunning, progress,
	)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return false, nil
	}

	if _, err := tx.Exec(
		"INSERT INTO job_logs (job_id, message) VALUES (?, ?)", id, message,
	); err != nil {
		tx.Rollback()
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	logging.JobsDebug("Job %s progress %.2f: %s", id, progress, message)
	return true, nil
}

// CompleteJob moves a running job to a terminal state, records the result
// JSON, and appends the final log line in one transaction. A successful
// completion pins progress at 1.0. Returns false when the job was not
// running, which is how a finished worker discovers the job was cancelled
// under it.
func (s *Store) CompleteJob(id, status, result, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != JobSucceeded && status != JobFailed && status != JobCancelled {
		return false, fmt.Errorf("invalid terminal status %q", status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}

	var res sql.Result
	if status == JobSucceeded {
		res, err = tx.Exec(`
			UPDATE jobs SET status = ?, result = ?, progress = 1.0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			status, result, id, JobRunning,
		)
	} else {
		res, err = tx.Exec(`
			UPDATE jobs SET status = ?, result = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			status, result, id, JobRunning,
		)
	}
	if err != nil {
		tx.Rollback()
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return false, nil
	}

	if message != "" {
		if _, err := tx.Exec(
			"INSERT INTO job_logs (job_id, message) VALUES (?, ?)", id, message,
		); err != nil {
			tx.Rollback()
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	logging.Jobs("Job %s -> %s", id, status)
	return true, nil
}

// RequestCancel asks for a job to stop. Queued jobs cancel immediately;
// running jobs get the cancel flag set and the orchestrator finalizes
// between stages. Returns the job's status after the request.
func (s *Store) RequestCancel(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := scanJob(s.db.QueryRow(jobColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	switch job.Status {
	case JobQueued:
		tx, err := s.db.Begin()
		if err != nil {
			return "", err
		}
		res, err := tx.Exec(
			"UPDATE jobs SET status = ?, cancel_requested = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?",
			JobCancelled, id, JobQueued,
		)
		if err != nil {
			tx.Rollback()
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost a race with the dispatcher; treat as running.
			tx.Rollback()
			return s.flagCancelLocked(id)
		}
		if _, err := tx.Exec(
			"INSERT INTO job_logs (job_id, message) VALUES (?, ?)", id, "cancelled before dispatch",
		); err != nil {
			tx.Rollback()
			return "", err
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		logging.Jobs("Job %s cancelled while queued", id)
		return JobCancelled, nil
	case JobRunning:
		return s.flagCancelLocked(id)
	default:
		return job.Status, nil
	}
}

func (s *Store) flagCancelLocked(id string) (string, error) {
	_, err := s.db.Exec(
		"UPDATE jobs SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?",
		id, JobRunning,
	)
	if err != nil {
		return "", err
	}
	logging.Jobs("Cancel requested for running job %s", id)
	return JobRunning, nil
}

// CancelRequested reports whether a cancel has been asked for.
func (s *Store) CancelRequested(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flag int
	err := s.db.QueryRow(
		"SELECT cancel_requested FROM jobs WHERE id = ?", id,
	).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// AppendJobLog adds a log line outside a progress checkpoint.
func (s *Store) AppendJobLog(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO job_logs (job_id, message) VALUES (?, ?)", id, message,
	)
	return err
}

// JobLogs returns a job's log lines in append order.
func (s *Store) JobLogs(id string) ([]JobLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT job_id, ts, message FROM job_logs WHERE job_id = ? ORDER BY id ASC", id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JobLogEntry
	for rows.Next() {
		var e JobLogEntry
		var ts string
		if err := rows.Scan(&e.JobID, &ts, &e.Message); err != nil {
			continue
		}
		e.Timestamp = parseSQLiteTime(ts)
		entries = append(entries, e)
	}
	return entries, nil
}

const jobColumns = `
	SELECT id, type, spec, status, progress, result, caller_ref,
	       cancel_requested, created_at, updated_at
	FROM jobs`

func scanJobRow(sc rowScanner) (*JobRecord, error) {
	var job JobRecord
	var result, callerRef sql.NullString
	var cancelRequested int
	var createdAt, updatedAt string

	err := sc.Scan(
		&job.ID, &job.Type, &job.Spec, &job.Status, &job.Progress,
		&result, &callerRef, &cancelRequested, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Result = result.String
	job.CallerRef = callerRef.String
	job.CancelRequested = cancelRequested == 1
	job.CreatedAt = parseSQLiteTime(createdAt)
	job.UpdatedAt = parseSQLiteTime(updatedAt)
	return &job, nil
}

func scanJob(row *sql.Row) (*JobRecord, error) {
	return scanJobRow(row)
}

func scanJobs(rows *sql.Rows) ([]JobRecord, error) {
	var jobs []JobRecord
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}
