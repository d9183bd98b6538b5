package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dossier/internal/logging"
)

// SaveWatcher inserts or replaces a watcher registration.
func (s *Store) SaveWatcher(w Watcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON := ""
	if len(w.State) > 0 {
		b, _ := json.Marshal(w.State)
		stateJSON = string(b)
	}

	var expiresAt interface{}
	if w.ExpiresAt != nil {
		expiresAt = sqliteTime(*w.ExpiresAt)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO watchers
		(id, kind, target, pattern, resource_id, state, poll_secs, expires_at, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Kind, w.Target, w.Pattern, w.ResourceID, stateJSON,
		w.PollSecs, expiresAt, boolInt(w.Active),
	)
	if err != nil {
		logging.Get(logging.CategoryWatch).Error("Failed to save watcher %s: %v", w.ID, err)
		return fmt.Errorf("failed to save watcher: %w", err)
	}
	logging.WatchDebug("Saved watcher %s (kind=%s target=%s)", w.ID, w.Kind, w.Target)
	return nil
}

// GetWatcher fetches a watcher by id. Returns (nil, nil) when absent.
func (s *Store) GetWatcher(id string) (*Watcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(watcherColumns+" WHERE id = ?", id)
	w, err := scanWatcher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// ListWatchers returns active watchers, optionally restricted to one kind.
func (s *Store) ListWatchers(kind string) ([]Watcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := watcherColumns + " WHERE active = 1"
	var args []interface{}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWatchers(rows)
}

// ExpiringWatchers returns active watchers whose channel expires within the
// given window, soonest first. Only drive push channels carry expirations.
func (s *Store) ExpiringWatchers(within time.Duration) ([]Watcher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deadline := sqliteTime(time.Now().Add(within))
	rows, err := s.db.Query(
		watcherColumns+" WHERE active = 1 AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC",
		deadline,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWatchers(rows)
}

// RenewWatcher records the replacement channel identity after a renewal.
// Drive channel ids are single-use, so the renewal rewrites the row id while
// the registration keeps its created_at and state.
func (s *Store) RenewWatcher(oldID, newID, resourceID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE watchers SET id = ?, resource_id = ?, expires_at = ? WHERE id = ?",
		newID, resourceID, sqliteTime(expiresAt), oldID,
	)
	return err
}

// UpdateWatcherState persists per-kind bookkeeping such as tracked mtimes.
func (s *Store) UpdateWatcherState(id string, state map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, _ := json.Marshal(state)
	_, err := s.db.Exec("UPDATE watchers SET state = ? WHERE id = ?", string(b), id)
	return err
}

// DeleteWatcher removes a registration. Returns false when absent.
func (s *Store) DeleteWatcher(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM watchers WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Watch("Deleted watcher %s", id)
	}
	return n > 0, nil
}

const watcherColumns = `
	SELECT id, kind, target, pattern, resource_id, state, poll_secs,
	       expires_at, created_at, active
	FROM watchers`

func scanWatcherRow(sc rowScanner) (*Watcher, error) {
	var w Watcher
	var pattern, resourceID, stateJSON, expiresAt sql.NullString
	var createdAt string
	var active int

	err := sc.Scan(
		&w.ID, &w.Kind, &w.Target, &pattern, &resourceID, &stateJSON,
		&w.PollSecs, &expiresAt, &createdAt, &active,
	)
	if err != nil {
		return nil, err
	}

	w.Pattern = pattern.String
	w.ResourceID = resourceID.String
	if stateJSON.Valid && stateJSON.String != "" {
		json.Unmarshal([]byte(stateJSON.String), &w.State)
	}
	if expiresAt.Valid {
		t := parseSQLiteTime(expiresAt.String)
		w.ExpiresAt = &t
	}
	w.CreatedAt = parseSQLiteTime(createdAt)
	w.Active = active == 1
	return &w, nil
}

func scanWatcher(row *sql.Row) (*Watcher, error) {
	return scanWatcherRow(row)
}

func scanWatchers(rows *sql.Rows) ([]Watcher, error) {
	var watchers []Watcher
	for rows.Next() {
		w, err := scanWatcherRow(rows)
		if err != nil {
			continue
		}
		watchers = append(watchers, *w)
	}
	return watchers, nil
}
