package domain

import "fmt"

// Client-input errors: surfaced synchronously, never retried server-side.

// ErrWrongExpectedVersion is returned when a caller's expected-version
// claim does not match the stream's actual tail, and the batch is not an
// idempotent replay.
type ErrWrongExpectedVersion struct {
	Stream  StreamID
	Current EventNumber
}

func (e *ErrWrongExpectedVersion) Error() string {
	return fmt.Sprintf("wrong expected version for stream %q: current version is %s", e.Stream, e.Current)
}

// ErrStreamDeleted is returned for appends and reads against a
// hard-deleted (tombstoned) stream.
type ErrStreamDeleted struct {
	Stream StreamID
}

func (e *ErrStreamDeleted) Error() string { return fmt.Sprintf("stream %q is deleted", e.Stream) }

// ErrNotFound is returned when a specific event number or stream does
// not exist.
type ErrNotFound struct {
	Stream StreamID
	Number EventNumber
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("event %s not found in stream %q", e.Number, e.Stream)
}

// ErrBadRequest signals a malformed or invalid operation request.
type ErrBadRequest struct{ Reason string }

func (e *ErrBadRequest) Error() string { return "bad request: " + e.Reason }

// ErrAccessDenied signals an authorization failure.
type ErrAccessDenied struct{ Reason string }

func (e *ErrAccessDenied) Error() string { return "access denied: " + e.Reason }

// Transient errors: may be retried briefly within the operation deadline.

// ErrCommitTimeout is returned when a write could not be confirmed
// durable before its deadline; the client must re-read to disambiguate
// from a late-but-successful commit.
type ErrCommitTimeout struct{ Stream StreamID }

func (e *ErrCommitTimeout) Error() string {
	return fmt.Sprintf("commit timeout appending to stream %q", e.Stream)
}

// ErrNotReady is returned while a component is still recovering.
type ErrNotReady struct{ Reason string }

func (e *ErrNotReady) Error() string { return "not ready: " + e.Reason }

// ErrTooBusy is returned when a bounded queue rejected the operation.
type ErrTooBusy struct{ Queue string }

func (e *ErrTooBusy) Error() string { return "too busy: " + e.Queue + " queue full" }

// Fatal errors: the affected component stops accepting new work.

// ErrChecksumMismatch is returned when a completed chunk's footer hash
// does not match its recomputed content hash.
type ErrChecksumMismatch struct {
	Chunk uint32
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("chunk %d: checksum mismatch", e.Chunk)
}

// ErrManifestCorrupt is returned when the PTable manifest cannot be
// parsed or its entries reference missing files.
type ErrManifestCorrupt struct{ Reason string }

func (e *ErrManifestCorrupt) Error() string { return "manifest corrupt: " + e.Reason }

// ErrCheckpointInconsistent is returned when the writer/chaser/epoch/
// truncate checkpoints disagree in a way that cannot be repaired by
// forward scan.
type ErrCheckpointInconsistent struct{ Reason string }

func (e *ErrCheckpointInconsistent) Error() string {
	return "checkpoint inconsistent: " + e.Reason
}
