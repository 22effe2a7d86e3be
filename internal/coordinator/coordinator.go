// Package coordinator implements the Append Coordinator: the single
// owner of the chunked log's writable tail and the in-memory stream-tail
// map. It serializes writes per stream, enforces expected-version
// semantics, assigns event numbers and log positions, and publishes
// commit notifications.
//
// Serialization is grounded in the teacher's socket.InMemoryEngine,
// which held a single mutex guarding a map keyed by stream and deduped
// batches by event-id; here that pattern is generalized into a durable,
// per-stream sequencer backed by the chunked log and stream index, with
// one shard lock per hashroute.ShardForStream bucket rather than one
// global lock.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/domain"
	"chronicles/internal/hashroute"
	"chronicles/internal/streamindex"
)

// WriteMode controls when Append acknowledges success relative to fsync.
type WriteMode int

const (
	// WriteModeSynchronous flushes the log before acknowledging a write.
	WriteModeSynchronous WriteMode = iota
	// WriteModeBatched acknowledges without flushing: Append issues no
	// fsync in this mode, and the coordinator runs no periodic flush.
	WriteModeBatched
)

// AppendResult is returned on a successful append.
type AppendResult struct {
	FirstEventNumber domain.EventNumber
	LogPosition      domain.LogPosition
}

// streamState is the coordinator's in-memory bookkeeping for one stream,
// guarded by the shard lock that owns it.
type streamState struct {
	tail        domain.EventNumber // domain.NoStream if never written
	tombstoned  bool
	lastEvents  []domain.RecordedEvent // most recent contiguous block, for idempotency
}

// Coordinator serializes appends across DefaultShardCount shards, each
// independently lockable, backed by a shared chunked log and stream
// index.
type Coordinator struct {
	log       *chunklog.Log
	index     *streamindex.Index
	bus       *commitbus.Bus
	writeMode WriteMode

	shards [domain.DefaultShardCount]sync.Mutex
	mu     sync.RWMutex // guards streams map
	streams map[domain.StreamID]*streamState
}

// New builds a Coordinator over an already-open log, stream index, and
// commit bus.
func New(log *chunklog.Log, index *streamindex.Index, bus *commitbus.Bus, mode WriteMode) *Coordinator {
	return &Coordinator{
		log:       log,
		index:     index,
		bus:       bus,
		writeMode: mode,
		streams:   make(map[domain.StreamID]*streamState),
	}
}

func (c *Coordinator) shardLock(stream domain.StreamID) *sync.Mutex {
	return &c.shards[hashroute.ShardForStream(stream)]
}

func (c *Coordinator) stateFor(stream domain.StreamID) *streamState {
	c.mu.RLock()
	s, ok := c.streams[stream]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[stream]; ok {
		return s
	}
	s = &streamState{tail: domain.NoStream}
	c.streams[stream] = s
	return s
}

// Append writes events to stream under the given expected-version check,
// exactly per the coordinator's expected-version table.
func (c *Coordinator) Append(stream domain.StreamID, expected domain.EventNumber, events []domain.Event) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, &domain.ErrBadRequest{Reason: "append with zero events"}
	}

	lock := c.shardLock(stream)
	lock.Lock()
	defer lock.Unlock()

	st := c.stateFor(stream)
	if st.tombstoned {
		return AppendResult{}, &domain.ErrStreamDeleted{Stream: stream}
	}

	if replay, ok := c.idempotentReplay(st, expected, events); ok {
		return replay, nil
	}

	if err := checkExpectedVersion(stream, expected, st.tail); err != nil {
		return AppendResult{}, err
	}

	firstEventNumber := st.tail + 1
	if st.tail == domain.NoStream {
		firstEventNumber = 0
	}

	txPos := c.log.Tail()
	recorded := make([]domain.RecordedEvent, 0, len(events))
	var logPos domain.LogPosition

	for i, ev := range events {
		flags := chunklog.PrepareFlags(0)
		if ev.IsJSON {
			flags |= chunklog.FlagIsJSON
		}
		if i == 0 {
			flags |= chunklog.FlagTransactionStart
		}
		if i == len(events)-1 {
			flags |= chunklog.FlagTransactionEnd
			if len(events) == 1 {
				flags |= chunklog.FlagImplicitCommit
			}
		}

		var eid [16]byte
		copy(eid[:], ev.EventID[:])

		pr := chunklog.PrepareRecord{
			TransactionPosition: txPos,
			TransactionOffset:   int32(i),
			StreamID:            string(stream),
			EventNumber:         int64(firstEventNumber) + int64(i),
			EventID:             eid,
			Flags:               flags,
			EventType:           ev.EventType,
			CreatedAtUnixNs:     ev.CreatedAt.UnixNano(),
			Data:                ev.Data,
			Metadata:            ev.Metadata,
		}
		pos, err := c.log.Append(chunklog.RecordTypePrepare, chunklog.EncodePrepare(pr))
		if err != nil {
			return AppendResult{}, &domain.ErrCommitTimeout{Stream: stream}
		}
		recorded = append(recorded, domain.RecordedEvent{
			Stream:      stream,
			EventNumber: firstEventNumber + domain.EventNumber(i),
			Position:    domain.LogPosition{Commit: pos, Prepare: pos},
			Event:       ev,
		})
		c.index.Insert(string(stream), int64(firstEventNumber)+int64(i), pos)
	}

	commitPos, err := c.log.Append(chunklog.RecordTypeCommit, chunklog.EncodeCommit(chunklog.CommitRecord{
		TransactionPosition: txPos,
		FirstEventNumber:    int64(firstEventNumber),
		LogPosition:         txPos,
	}))
	if err != nil {
		return AppendResult{}, &domain.ErrCommitTimeout{Stream: stream}
	}
	logPos = domain.LogPosition{Commit: commitPos, Prepare: txPos}
	// All events in a batch commit atomically; their global order key is
	// the shared commit position, with Prepare breaking ties among them.
	for i := range recorded {
		recorded[i].Position.Commit = commitPos
	}

	if c.writeMode == WriteModeSynchronous {
		if err := c.log.Flush(); err != nil {
			return AppendResult{}, &domain.ErrCommitTimeout{Stream: stream}
		}
	}

	st.tail = firstEventNumber + domain.EventNumber(len(events)) - 1
	st.lastEvents = recorded

	c.bus.Publish(domain.CommitNotification{
		Stream:         stream,
		FirstEventNum:  firstEventNumber,
		Events:         recorded,
		CommitPosition: logPos,
		CommittedAtUTC: time.Now().UTC(),
	})

	return AppendResult{FirstEventNumber: firstEventNumber, LogPosition: logPos}, nil
}

// checkExpectedVersion implements the expected-version table of the
// Append Coordinator contract exactly.
func checkExpectedVersion(stream domain.StreamID, expected, tail domain.EventNumber) error {
	switch {
	case expected == domain.Any:
		return nil
	case expected == domain.NoStream:
		if tail == domain.NoStream {
			return nil
		}
		return &domain.ErrWrongExpectedVersion{Stream: stream, Current: tail}
	case expected == domain.StreamExists:
		if tail != domain.NoStream {
			return nil
		}
		return &domain.ErrWrongExpectedVersion{Stream: stream, Current: tail}
	case expected.IsExact():
		if expected == tail {
			return nil
		}
		return &domain.ErrWrongExpectedVersion{Stream: stream, Current: tail}
	default:
		return &domain.ErrBadRequest{Reason: fmt.Sprintf("unrecognized expected-version %d", expected)}
	}
}

// idempotentReplay detects a batch whose event-ids exactly match the
// last-appended contiguous block at the requested expected version, and
// returns the original result without re-appending. With Any, only a
// best-effort check against the most recent event's id is performed,
// per the coordinator's idempotency rule — a guarantee only under exact
// expected versions.
func (c *Coordinator) idempotentReplay(st *streamState, expected domain.EventNumber, events []domain.Event) (AppendResult, bool) {
	if len(st.lastEvents) == 0 || len(st.lastEvents) != len(events) {
		return AppendResult{}, false
	}

	if expected == domain.Any {
		last := st.lastEvents[len(st.lastEvents)-1]
		if last.Event.EventID == events[len(events)-1].EventID {
			first := st.lastEvents[0]
			return AppendResult{FirstEventNumber: first.EventNumber, LogPosition: first.Position}, true
		}
		return AppendResult{}, false
	}

	if !expected.IsExact() && expected != domain.NoStream {
		return AppendResult{}, false
	}
	if st.lastEvents[0].EventNumber != expected+1 {
		return AppendResult{}, false
	}
	for i, e := range events {
		if e.EventID != st.lastEvents[i].Event.EventID {
			return AppendResult{}, false
		}
	}
	first := st.lastEvents[0]
	return AppendResult{FirstEventNumber: first.EventNumber, LogPosition: first.Position}, true
}

// Tail returns the current tail event number for stream.
func (c *Coordinator) Tail(stream domain.StreamID) domain.EventNumber {
	return c.stateFor(stream).tail
}

// NewEventID generates a random event-id for callers that do not supply
// their own (client-supplied ids are preferred for idempotency).
func NewEventID() uuid.UUID { return uuid.New() }
