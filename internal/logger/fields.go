package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently
// across log statements so logs can be aggregated and queried.
const (
	// Operation scope
	KeyOp       = "op"        // High-level operation: import, export, sync, gc, save
	KeyStableID = "stable_id" // Permanent public file identifier
	KeyDocID    = "doc_id"    // Document grouping key (DOI or synthetic)
	KeyHash     = "hash"      // Content hash (64-hex SHA-256)
	KeyFileType = "file_type" // pdf, tei, rng
	KeyVariant  = "variant"   // Extractor lineage tag
	KeyVersion  = "version"   // Entry version ordinal

	// Client / session
	KeySession  = "session"   // Session identifier holding locks
	KeyClientIP = "client_ip" // Client IP address

	// Storage
	KeyPath     = "path"      // Filesystem or remote path
	KeySize     = "size"      // Size in bytes
	KeyRefCount = "ref_count" // Blob reference count

	// Sync
	KeyRemoteVersion = "remote_version" // Global replica version

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt" // Retry attempt number
	KeyCount      = "count"   // Generic item count
)

// StableID returns a slog.Attr for a stable public identifier.
func StableID(id string) slog.Attr {
	return slog.String(KeyStableID, id)
}

// DocID returns a slog.Attr for a document grouping key.
func DocID(id string) slog.Attr {
	return slog.String(KeyDocID, id)
}

// Hash returns a slog.Attr for a content hash.
func Hash(h string) slog.Attr {
	return slog.String(KeyHash, h)
}

// Session returns a slog.Attr for a lock-holder session.
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// Err returns a slog.Attr for an error, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
