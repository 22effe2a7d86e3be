// Package domain holds the value types shared by every component of the
// event store core: the event record, stream identity, event numbering,
// global log positions and per-stream metadata.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShardID identifies one of the fixed number of independently-serialized
// write shards a stream is routed to. Renamed from the teacher's
// PartitionID: here a shard owns a slice of the chunked log and stream
// index, not a raft group.
type ShardID uint8

// DefaultShardCount is the number of shards a fresh store is configured
// with unless overridden. Kept at the teacher's PartitionCount.
const DefaultShardCount = 25

// EventNumber is a dense, per-stream sequence number starting at 0, or one
// of the reserved expected-version sentinels below.
type EventNumber int64

const (
	// Any means the caller does not care about the stream's current tail.
	Any EventNumber = -2
	// NoStream means the caller expects the stream not to exist yet.
	NoStream EventNumber = -1
	// StreamExists means the caller expects the stream to already exist,
	// at any tail.
	StreamExists EventNumber = -4
)

// ExactVersion returns an EventNumber representing a caller's claim that
// the stream's current tail is exactly n.
func ExactVersion(n int64) EventNumber { return EventNumber(n) }

// IsExact reports whether en is a concrete, non-negative version rather
// than one of the sentinel values.
func (en EventNumber) IsExact() bool { return en >= 0 }

func (en EventNumber) String() string {
	switch en {
	case Any:
		return "any"
	case NoStream:
		return "no-stream"
	case StreamExists:
		return "stream-exists"
	default:
		return fmt.Sprintf("%d", int64(en))
	}
}

// LogPosition is a pair of byte offsets into the global transaction log.
// Commit defines the global "all" order; Prepare breaks ties between
// records that share a commit offset (the events of one appended batch,
// which all carry the batch's commit position).
type LogPosition struct {
	Commit  int64
	Prepare int64
}

// Compare returns -1, 0 or 1 as p sorts before, at, or after o.
func (p LogPosition) Compare(o LogPosition) int {
	switch {
	case p.Commit < o.Commit:
		return -1
	case p.Commit > o.Commit:
		return 1
	case p.Prepare < o.Prepare:
		return -1
	case p.Prepare > o.Prepare:
		return 1
	default:
		return 0
	}
}

func (p LogPosition) Less(o LogPosition) bool { return p.Compare(o) < 0 }

// Start is the position before any record has ever been written.
var Start = LogPosition{Commit: -1, Prepare: -1}

func (p LogPosition) String() string { return fmt.Sprintf("%d/%d", p.Commit, p.Prepare) }

// StreamID is a non-empty UTF-8 stream name. Names starting with "$" are
// system streams; MetadataStreamOf returns the reserved metadata stream
// for a given user stream.
type StreamID string

// IsSystem reports whether s names a system stream.
func (s StreamID) IsSystem() bool { return len(s) > 0 && s[0] == '$' }

// MetadataStreamOf returns the metadata stream for user stream s ("$$S").
func MetadataStreamOf(s StreamID) StreamID { return StreamID("$$" + string(s)) }

// IsMetadataStream reports whether s is the metadata stream for some
// user stream, and returns that stream if so.
func IsMetadataStream(s StreamID) (StreamID, bool) {
	if len(s) > 2 && s[0] == '$' && s[1] == '$' {
		return StreamID(s[2:]), true
	}
	return "", false
}

// Event is the immutable unit appended to a stream.
type Event struct {
	EventID   uuid.UUID
	EventType string
	IsJSON    bool
	Data      []byte
	Metadata  []byte
	CreatedAt time.Time
}

// LinkEventType is the event type that marks an Event as a resolvable
// link to another stream's event, per spec: data is "<number>@<stream>".
const LinkEventType = "$>"

// RecordedEvent is an Event as it exists durably in the log: assigned an
// event number within its stream and a position in the global log.
type RecordedEvent struct {
	Stream      StreamID
	EventNumber EventNumber
	Position    LogPosition
	Event       Event
}

// ResolvedEvent augments a RecordedEvent with link-resolution outcome.
type ResolvedEvent struct {
	Link       RecordedEvent
	Target     *RecordedEvent
	IsResolved bool
}

// StreamMetadata holds the per-stream control attributes stored in the
// "$$S" metadata stream.
type StreamMetadata struct {
	MaxAge         time.Duration // 0 = unlimited
	MaxCount       int64         // 0 = unlimited
	TruncateBefore EventNumber   // events below this number are hidden
	CacheControl   time.Duration
	Version        int64
	Custom         map[string]string
}

// StreamState is the Append Coordinator's and Stream Index's in-memory
// view of a stream's write-time state.
type StreamState struct {
	Stream      StreamID
	Tail        EventNumber // NoStream if the stream has never been written
	Tombstoned  bool
	Metadata    StreamMetadata
	LastEventID map[uuid.UUID]RecordedEvent // tail-of-batch idempotency lookup
}

// CommitNotification is published on the commit bus by the Append
// Coordinator after a batch durably commits.
type CommitNotification struct {
	Stream          StreamID
	FirstEventNum   EventNumber
	Events          []RecordedEvent
	CommitPosition  LogPosition
	CommittedAtUTC  time.Time
}
