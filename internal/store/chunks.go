package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"dossier/internal/logging"
)

// CommitDocument lands a document and its chunks atomically. Rows are
// written chunks first, then the document, then the hash binding, so a
// crash mid-transaction can never leave a hash pointing at a document
// whose chunks are missing.
//
// When another document already owns the content hash the transaction
// removes the rows it just wrote and reports the winner instead. Callers
// that pre-checked LookupHash only hit this under concurrent ingest of
// identical bytes.
func (s *Store) CommitDocument(doc *Document, chunks []Chunk) (string, bool, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CommitDocument")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, err
	}

	if err := insertChunksTx(tx, doc.ID, chunks); err != nil {
		tx.Rollback()
		return "", false, err
	}

	doc.ChunkCount = len(chunks)
	if err := upsertDocumentTx(tx, doc); err != nil {
		tx.Rollback()
		return "", false, err
	}

	winner, won, err := bindHashTx(tx, doc.ContentHash, doc.ID)
	if err != nil {
		tx.Rollback()
		return "", false, err
	}
	if !won {
		// Lost the hash race. Drop this document's rows and keep the winner.
		if _, err := tx.Exec("DELETE FROM chunks WHERE document_id = ?", doc.ID); err != nil {
			tx.Rollback()
			return "", false, err
		}
		if _, err := tx.Exec("DELETE FROM documents WHERE id = ?", doc.ID); err != nil {
			tx.Rollback()
			return "", false, err
		}
		if err := tx.Commit(); err != nil {
			return "", false, err
		}
		logging.Store("Document %s deduplicated against %s (hash %s)", doc.ID, winner, doc.ContentHash)
		return winner, true, nil
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}

	logging.Store("Committed document %s (%d chunks, embed_pending=%v)", doc.ID, len(chunks), doc.EmbedPending)
	return doc.ID, false, nil
}

func insertChunksTx(e dbtx, docID string, chunks []Chunk) error {
	// Re-ingest replaces the previous revision's chunks wholesale.
	if _, err := e.Exec("DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
		return fmt.Errorf("failed to clear prior chunks: %w", err)
	}
	for i := range chunks {
		var embJSON interface{}
		if len(chunks[i].Embedding) > 0 {
			embJSON = encodeVectorJSON(chunks[i].Embedding)
		}
		if _, err := e.Exec(`
			INSERT INTO chunks (document_id, seq, text, start_token, end_token, start_char, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			docID, chunks[i].Seq, chunks[i].Text, chunks[i].StartToken,
			chunks[i].EndToken, chunks[i].StartChar, embJSON,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunks[i].Seq, err)
		}
	}
	return nil
}

// ChunksByDocument returns a document's chunks in sequence order.
func (s *Store) ChunksByDocument(docID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, document_id, seq, text, start_token, end_token, start_char, embedding
		FROM chunks WHERE document_id = ? ORDER BY seq ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// ChunksMissingEmbedding returns the chunks of a document that still have
// no stored vector.
func (s *Store) ChunksMissingEmbedding(docID string) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, document_id, seq, text, start_token, end_token, start_char, embedding
		FROM chunks WHERE document_id = ? AND embedding IS NULL ORDER BY seq ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanChunks(rows)
}

// UpdateChunkEmbedding backfills the vector for one chunk.
func (s *Store) UpdateChunkEmbedding(chunkID int64, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE chunks SET embedding = ? WHERE id = ?", encodeVectorJSON(embedding), chunkID,
	)
	return err
}

// CandidateChunks returns the chunks of live documents matching the filter,
// joined with the document fields ranking and provenance need. Chunks whose
// embeddings are still pending are included; the caller decides whether the
// lexical arm alone may score them.
func (s *Store) CandidateChunks(filter SearchFilter) ([]CandidateChunk, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CandidateChunks")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT c.id, c.document_id, c.seq, c.text,
		       c.start_token, c.end_token, c.start_char, c.embedding,
		       d.name, d.source, d.source_id, d.folder_id, d.media_type,
		       d.version_hash, d.revision_id, d.provenance, d.modified_at, d.uploaded_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.deleted = 0`
	var args []interface{}

	if len(filter.FolderIDs) > 0 {
		query += " AND d.folder_id IN (" + placeholders(len(filter.FolderIDs)) + ")"
		for _, id := range filter.FolderIDs {
			args = append(args, id)
		}
	}
	if len(filter.MediaTypes) > 0 {
		query += " AND d.media_type IN (" + placeholders(len(filter.MediaTypes)) + ")"
		for _, mt := range filter.MediaTypes {
			args = append(args, mt)
		}
	}
	if !filter.DateFrom.IsZero() {
		query += " AND d.modified_at >= ?"
		args = append(args, sqliteTime(filter.DateFrom))
	}
	if !filter.DateTo.IsZero() {
		query += " AND d.modified_at <= ?"
		args = append(args, sqliteTime(filter.DateTo))
	}
	if filter.VersionHash != "" {
		query += " AND d.version_hash = ?"
		args = append(args, filter.VersionHash)
	}
	query += " ORDER BY c.document_id, c.seq"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Candidate query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []CandidateChunk
	for rows.Next() {
		var cc CandidateChunk
		var embJSON, provJSON, modifiedAt sql.NullString
		var uploadedAt string

		if err := rows.Scan(
			&cc.Chunk.ID, &cc.Chunk.DocumentID, &cc.Seq, &cc.Text,
			&cc.StartToken, &cc.EndToken, &cc.StartChar, &embJSON,
			&cc.DocumentName, &cc.Source, &cc.SourceID, &cc.FolderID,
			&cc.MediaType, &cc.VersionHash, &cc.RevisionID, &provJSON,
			&modifiedAt, &uploadedAt,
		); err != nil {
			continue
		}

		if embJSON.Valid && embJSON.String != "" {
			vec, err := fastParseVectorJSON([]byte(embJSON.String), nil)
			if err == nil {
				cc.Embedding = vec
			}
		}
		if provJSON.Valid && provJSON.String != "" {
			json.Unmarshal([]byte(provJSON.String), &cc.Provenance)
		}
		if modifiedAt.Valid {
			cc.ModifiedAt = parseSQLiteTime(modifiedAt.String)
		}
		cc.UploadedAt = parseSQLiteTime(uploadedAt)
		out = append(out, cc)
	}

	logging.StoreDebug("Candidate query matched %d chunks", len(out))
	return out, nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var embJSON sql.NullString
		if err := rows.Scan(
			&c.ID, &c.DocumentID, &c.Seq, &c.Text,
			&c.StartToken, &c.EndToken, &c.StartChar, &embJSON,
		); err != nil {
			continue
		}
		if embJSON.Valid && embJSON.String != "" {
			vec, err := fastParseVectorJSON([]byte(embJSON.String), nil)
			if err == nil {
				c.Embedding = vec
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
