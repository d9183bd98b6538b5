// corpus-query is a read-only debugging tool for dossier corpus databases.
// It opens the SQLite file directly (pure-Go driver, no CGO, no vector
// extension needed) and prints schema and content summaries, so a corpus
// can be inspected on machines that don't run the service.
//
// Usage:
//
//	corpus-query                      # summarize .dossier/dossier.db
//	corpus-query path/to/corpus.db    # summarize a specific database
//	corpus-query corpus.db docs       # list documents
//	corpus-query corpus.db jobs       # list recent jobs
//	corpus-query corpus.db grep WORD  # scan chunk text for a term
package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := filepath.Join(".dossier", "dossier.db")
	args := os.Args[1:]
	if len(args) > 0 {
		dbPath = args[0]
		args = args[1:]
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening DB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if len(args) == 0 {
		summarize(db, dbPath)
		return
	}

	switch args[0] {
	case "docs":
		listDocuments(db)
	case "jobs":
		listJobs(db)
	case "grep":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: corpus-query <db> grep <term>")
			os.Exit(1)
		}
		grepChunks(db, args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q (docs, jobs, grep)\n", args[0])
		os.Exit(1)
	}
}

func summarize(db *sql.DB, dbPath string) {
	fmt.Printf("=== %s ===\n", dbPath)

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying tables: %v\n", err)
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	rows.Close()
	fmt.Printf("Tables: %v\n\n", tables)

	for _, table := range tables {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			continue
		}
		fmt.Printf("%-16s %d rows\n", table, count)
	}

	var deleted int
	if err := db.QueryRow("SELECT COUNT(*) FROM documents WHERE deleted = 1").Scan(&deleted); err == nil && deleted > 0 {
		fmt.Printf("\n%d document(s) soft-deleted, awaiting the retention sweep\n", deleted)
	}
}

func listDocuments(db *sql.DB) {
	rows, err := db.Query(`
		SELECT id, name, source, chunk_count, deleted, uploaded_at
		FROM documents ORDER BY uploaded_at DESC LIMIT 50`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying documents: %v\n", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var id, name, source, uploadedAt string
		var chunks, deleted int
		if err := rows.Scan(&id, &name, &source, &chunks, &deleted, &uploadedAt); err != nil {
			continue
		}
		marker := " "
		if deleted == 1 {
			marker = "D"
		}
		fmt.Printf("%s %-40s %-10s %3d chunks  %s  %s\n", marker, id, source, chunks, uploadedAt, name)
	}
}

func listJobs(db *sql.DB) {
	rows, err := db.Query(`
		SELECT id, type, status, progress, updated_at
		FROM jobs ORDER BY updated_at DESC LIMIT 50`)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying jobs: %v\n", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var id, typ, status, updatedAt string
		var progress float64
		if err := rows.Scan(&id, &typ, &status, &progress, &updatedAt); err != nil {
			continue
		}
		fmt.Printf("%-26s %-22s %-10s %3.0f%%  %s\n", id, typ, status, progress*100, updatedAt)
	}
}

func grepChunks(db *sql.DB, term string) {
	rows, err := db.Query(`
		SELECT c.document_id, c.seq, substr(c.text, 1, 120)
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.deleted = 0 AND c.text LIKE '%' || ? || '%'
		LIMIT 25`, term)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning chunks: %v\n", err)
		return
	}
	defer rows.Close()

	found := 0
	for rows.Next() {
		var docID, excerpt string
		var seq int
		if err := rows.Scan(&docID, &seq, &excerpt); err != nil {
			continue
		}
		found++
		fmt.Printf("%s#%d: %s\n", docID, seq, excerpt)
	}
	if found == 0 {
		fmt.Printf("No chunks match %q\n", term)
	}
}
