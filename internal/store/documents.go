package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dossier/internal/logging"
)

// UpsertDocument inserts or replaces a document row. Chunk rows are managed
// separately; most callers should go through CommitDocument instead so the
// chunks, document, and hash binding land in one transaction.
func (s *Store) UpsertDocument(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return upsertDocumentTx(s.db, doc)
}

// dbtx covers *sql.DB and *sql.Tx so commit helpers can run either
// standalone or inside a transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func upsertDocumentTx(e dbtx, doc *Document) error {
	provJSON := ""
	if len(doc.Provenance) > 0 {
		b, _ := json.Marshal(doc.Provenance)
		provJSON = string(b)
	}

	var modifiedAt interface{}
	if !doc.ModifiedAt.IsZero() {
		modifiedAt = sqliteTime(doc.ModifiedAt)
	}

	_, err := e.Exec(`
		INSERT INTO documents
		(id, name, source, source_id, folder_id, media_type, size_bytes,
		 content_hash, version_hash, revision_id, chunk_count, embed_pending,
		 degraded_chunking, provenance, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			source_id = excluded.source_id,
			folder_id = excluded.folder_id,
			media_type = excluded.media_type,
			size_bytes = excluded.size_bytes,
			content_hash = excluded.content_hash,
			version_hash = excluded.version_hash,
			revision_id = excluded.revision_id,
			chunk_count = excluded.chunk_count,
			embed_pending = excluded.embed_pending,
			degraded_chunking = excluded.degraded_chunking,
			provenance = excluded.provenance,
			modified_at = excluded.modified_at,
			deleted = 0,
			deleted_at = NULL`,
		doc.ID, doc.Name, doc.Source, doc.SourceID, doc.FolderID,
		doc.MediaType, doc.SizeBytes, doc.ContentHash, doc.VersionHash,
		doc.RevisionID, doc.ChunkCount, boolInt(doc.EmbedPending),
		boolInt(doc.DegradedChunking), provJSON, modifiedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert document %s: %v", doc.ID, err)
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by id. Returns (nil, nil) when absent.
func (s *Store) GetDocument(id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(documentColumns+" WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// GetDocumentBySource fetches the live document for a source identity, used
// by watchers to decide between first ingest and re-ingest. Returns
// (nil, nil) when absent.
func (s *Store) GetDocumentBySource(source, sourceID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// rowid breaks ties when two versions land within the same second.
	row := s.db.QueryRow(
		documentColumns+" WHERE source = ? AND source_id = ? AND deleted = 0 ORDER BY uploaded_at DESC, rowid DESC LIMIT 1",
		source, sourceID,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return doc, err
}

// ListDocuments returns the most recently uploaded documents. Soft-deleted
// rows are included only when includeDeleted is set.
func (s *Store) ListDocuments(limit int, includeDeleted bool) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := documentColumns
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY uploaded_at DESC, rowid DESC LIMIT ?"

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// LookupHash resolves a content hash to the document that owns it.
func (s *Store) LookupHash(contentHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docID string
	err := s.db.QueryRow(
		"SELECT document_id FROM hash_index WHERE content_hash = ?", contentHash,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return docID, true, nil
}

// BindHash claims a content hash for a document with create-if-absent
// semantics: the first binding wins and later callers get the winner back.
func (s *Store) BindHash(contentHash, documentID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bindHashTx(s.db, contentHash, documentID)
}

func bindHashTx(e dbtx, contentHash, documentID string) (string, bool, error) {
	if _, err := e.Exec(
		"INSERT OR IGNORE INTO hash_index (content_hash, document_id) VALUES (?, ?)",
		contentHash, documentID,
	); err != nil {
		return "", false, fmt.Errorf("failed to bind hash: %w", err)
	}

	var winner string
	if err := e.QueryRow(
		"SELECT document_id FROM hash_index WHERE content_hash = ?", contentHash,
	).Scan(&winner); err != nil {
		return "", false, err
	}
	return winner, winner == documentID, nil
}

// SoftDeleteDocument hides a document from search and starts its retention
// clock. Returns false when the document is absent or already deleted.
func (s *Store) SoftDeleteDocument(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE documents SET deleted = 1, deleted_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted = 0", id,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to soft-delete document %s: %v", id, err)
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Soft-deleted document %s", id)
	}
	return n > 0, nil
}

// HardDeleteDocument purges a document immediately, cascading to its
// chunks and hash binding. Returns false when the document is absent.
func (s *Store) HardDeleteDocument(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", id); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to purge chunks for %s: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM hash_index WHERE document_id = ?", id); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to purge hash binding for %s: %w", id, err)
	}
	res, err := tx.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("failed to purge document %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Hard-deleted document %s", id)
	}
	return n > 0, nil
}

// RestoreDocument clears the deleted flag before the sweep purges the row.
func (s *Store) RestoreDocument(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE documents SET deleted = 0, deleted_at = NULL WHERE id = ? AND deleted = 1", id,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpired purges documents soft-deleted at or before the cutoff,
// cascading to their chunks and hash bindings. Returns the number of
// documents removed.
func (s *Store) SweepExpired(cutoff time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SweepExpired")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT id FROM documents WHERE deleted = 1 AND deleted_at <= ?", sqliteTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to purge chunks for %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM hash_index WHERE document_id = ?", id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to purge hash binding for %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM documents WHERE id = ?", id); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to purge document %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logging.Store("Sweep purged %d expired documents", len(ids))
	return len(ids), nil
}

// SetEmbedPending flips the embed-pending flag on a document.
func (s *Store) SetEmbedPending(id string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE documents SET embed_pending = ? WHERE id = ?", boolInt(pending), id,
	)
	return err
}

// PendingEmbedDocuments lists live documents whose chunks still need
// embeddings, oldest first.
func (s *Store) PendingEmbedDocuments(limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		"SELECT id FROM documents WHERE embed_pending = 1 AND deleted = 0 ORDER BY uploaded_at ASC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const documentColumns = `
	SELECT id, name, source, source_id, folder_id, media_type, size_bytes,
	       content_hash, version_hash, revision_id, chunk_count, embed_pending,
	       degraded_chunking, provenance, modified_at, uploaded_at, deleted, deleted_at
	FROM documents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocumentRow(sc rowScanner) (*Document, error) {
	var doc Document
	var embedPending, degraded, deleted int
	var provJSON, modifiedAt, deletedAt sql.NullString
	var uploadedAt string

	err := sc.Scan(
		&doc.ID, &doc.Name, &doc.Source, &doc.SourceID, &doc.FolderID,
		&doc.MediaType, &doc.SizeBytes, &doc.ContentHash, &doc.VersionHash,
		&doc.RevisionID, &doc.ChunkCount, &embedPending, &degraded,
		&provJSON, &modifiedAt, &uploadedAt, &deleted, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.EmbedPending = embedPending == 1
	doc.DegradedChunking = degraded == 1
	doc.Deleted = deleted == 1
	if provJSON.Valid && provJSON.String != "" {
		json.Unmarshal([]byte(provJSON.String), &doc.Provenance)
	}
	if modifiedAt.Valid {
		doc.ModifiedAt = parseSQLiteTime(modifiedAt.String)
	}
	doc.UploadedAt = parseSQLiteTime(uploadedAt)
	if deletedAt.Valid {
		t := parseSQLiteTime(deletedAt.String)
		doc.DeletedAt = &t
	}
	return &doc, nil
}

func scanDocument(row *sql.Row) (*Document, error) {
	return scanDocumentRow(row)
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		doc, err := scanDocumentRow(rows)
		if err != nil {
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
