package ingest

import (
	"crypto/sha256"
	"encoding/hex"

	"dossier/internal/store"
)

// ContentHash returns the version hash for a file: the vendor checksum when
// the backend supplied one (Drive md5Checksum, GCS MD5), otherwise the
// SHA-256 of the downloaded bytes. Two files with equal hashes are the same
// content regardless of where they came from.
func ContentHash(vendorChecksum string, content []byte) string {
	if vendorChecksum != "" {
		return vendorChecksum
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DocumentID derives the stable document id for a file. Drive issues durable,
// URL-safe ids of its own, and keeping them lets watch notifications and
// share links resolve to the row directly. Everything else (GCS objects,
// local paths, fileshare mounts, email attachments) gets a content-derived
// id, so re-ingest of identical bytes lands on the same row.
func DocumentID(ref FileRef, contentHash string) string {
	if ref.Source == store.SourceDrive && ref.SourceID != "" {
		return ref.SourceID
	}
	if len(contentHash) > 16 {
		return contentHash[:16]
	}
	return contentHash
}
