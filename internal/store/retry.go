package store

import (
	"time"

	"dossier/internal/logging"
)

// EnqueueRetry defers an ingest attempt. Payload is the JSON file reference
// the pipeline replays when the task comes due.
func (s *Store) EnqueueRetry(payload string, attempts int, nextAttempt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO ingest_retries (payload, attempts, next_attempt_at) VALUES (?, ?, ?)",
		payload, attempts, sqliteTime(nextAttempt),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	logging.StoreDebug("Enqueued ingest retry %d (attempt %d, due %s)", id, attempts, nextAttempt.UTC().Format(time.RFC3339))
	return id, nil
}

// DueRetries returns tasks whose next attempt time has passed, oldest first.
func (s *Store) DueRetries(now time.Time, limit int) ([]RetryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, payload, attempts, next_attempt_at, created_at
		FROM ingest_retries WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT ?`,
		sqliteTime(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []RetryTask
	for rows.Next() {
		var t RetryTask
		var nextAt, createdAt string
		if err := rows.Scan(&t.ID, &t.Payload, &t.Attempts, &nextAt, &createdAt); err != nil {
			continue
		}
		t.NextAttemptAt = parseSQLiteTime(nextAt)
		t.CreatedAt = parseSQLiteTime(createdAt)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// BumpRetry reschedules a task after another failed attempt.
func (s *Store) BumpRetry(id int64, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE ingest_retries SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?",
		sqliteTime(nextAttempt), id,
	)
	return err
}

// CompleteRetry removes a task after a successful or abandoned attempt.
func (s *Store) CompleteRetry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM ingest_retries WHERE id = ?", id)
	return err
}

// RecordFailedIngest files a permanent failure after the retry budget is
// exhausted.
func (s *Store) RecordFailedIngest(fi FailedIngest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO failed_ingests (source, source_id, name, attempts, last_error)
		VALUES (?, ?, ?, ?, ?)`,
		fi.Source, fi.SourceID, fi.Name, fi.Attempts, fi.LastError,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record failed ingest for %s: %v", fi.Name, err)
		return err
	}
	logging.Store("Recorded failed ingest: %s (%d attempts): %s", fi.Name, fi.Attempts, fi.LastError)
	return nil
}

// FailedIngests returns the most recent permanent failures.
func (s *Store) FailedIngests(limit int) ([]FailedIngest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, source, source_id, name, attempts, last_error, failed_at
		FROM failed_ingests ORDER BY failed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FailedIngest
	for rows.Next() {
		var fi FailedIngest
		var failedAt string
		if err := rows.Scan(&fi.ID, &fi.Source, &fi.SourceID, &fi.Name, &fi.Attempts, &fi.LastError, &failedAt); err != nil {
			continue
		}
		fi.FailedAt = parseSQLiteTime(failedAt)
		out = append(out, fi)
	}
	return out, nil
}
