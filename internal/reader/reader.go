// Package reader implements component D, the Reader: point and range
// reads against a single stream and against the global "all" order,
// with link resolution and stream-metadata enforcement.
//
// Grounded in the teacher's storage.Engine.GetChronicleByStream /
// GetChronicleByStreamVisualOrder, which offered exactly two fixed
// orderings (commit order and event-time order) over a partition's
// rows; this generalizes that pair into the full forward/backward +
// filter + resumable-position contract the spec requires, scanning the
// chunked log directly rather than a SQL table.
package reader

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chronicles/internal/chunklog"
	"chronicles/internal/domain"
	"chronicles/internal/streamindex"
)

// ErrNoStream is returned by ReadEvent/ReadStreamForward/Backward when the
// requested stream has never been written.
var ErrNoStream = errors.New("reader: no such stream")

// MetadataProvider answers the per-stream metadata questions the Reader
// must enforce: tombstone state and the $$S metadata attributes
// (max-age, truncate-before). The Append Coordinator and a future
// metadata-stream projector share this contract; a minimal in-memory
// implementation is provided by StaticMetadata for tests and
// single-node deployments without a metadata projector.
type MetadataProvider interface {
	IsTombstoned(stream domain.StreamID) bool
	Metadata(stream domain.StreamID) domain.StreamMetadata
}

// StaticMetadata is a MetadataProvider backed by a plain map, adequate
// until a metadata-stream projector is wired in.
type StaticMetadata struct {
	Tombstoned map[domain.StreamID]bool
	Entries    map[domain.StreamID]domain.StreamMetadata
}

func NewStaticMetadata() *StaticMetadata {
	return &StaticMetadata{
		Tombstoned: make(map[domain.StreamID]bool),
		Entries:    make(map[domain.StreamID]domain.StreamMetadata),
	}
}

func (m *StaticMetadata) IsTombstoned(stream domain.StreamID) bool { return m.Tombstoned[stream] }

func (m *StaticMetadata) Metadata(stream domain.StreamID) domain.StreamMetadata {
	return m.Entries[stream]
}

// Reader reads committed events from the chunked log via the stream
// index, in point, range, and global-order forms.
type Reader struct {
	log   *chunklog.Log
	index *streamindex.Index
	meta  MetadataProvider
}

func New(log *chunklog.Log, index *streamindex.Index, meta MetadataProvider) *Reader {
	if meta == nil {
		meta = NewStaticMetadata()
	}
	return &Reader{log: log, index: index, meta: meta}
}

// Tail returns the current tail event number of stream, or false if the
// stream has never been written.
func (r *Reader) Tail(stream domain.StreamID) (domain.EventNumber, bool) {
	t, ok := r.index.Tail(string(stream))
	return domain.EventNumber(t), ok
}

func (r *Reader) recordAt(pos int64) (domain.RecordedEvent, error) {
	recType, payload, _, err := r.log.ReadRecord(pos)
	if err != nil {
		return domain.RecordedEvent{}, err
	}
	if recType != chunklog.RecordTypePrepare {
		return domain.RecordedEvent{}, fmt.Errorf("reader: position %d is not a prepare record", pos)
	}
	pr, err := chunklog.DecodePrepare(payload)
	if err != nil {
		return domain.RecordedEvent{}, err
	}
	return prepareToRecorded(pr, pos), nil
}

func prepareToRecorded(pr chunklog.PrepareRecord, pos int64) domain.RecordedEvent {
	return domain.RecordedEvent{
		Stream:      domain.StreamID(pr.StreamID),
		EventNumber: domain.EventNumber(pr.EventNumber),
		// The chunked log has a single writer; physical log order already
		// is commit order, so the commit offset used for global-order
		// comparisons is the prepare's own physical position.
		Position: domain.LogPosition{Commit: pos, Prepare: pos},
		Event: domain.Event{
			EventID:   pr.EventID,
			EventType: pr.EventType,
			IsJSON:    pr.Flags&chunklog.FlagIsJSON != 0,
			Data:      pr.Data,
			Metadata:  pr.Metadata,
			CreatedAt: unixNsToTime(pr.CreatedAtUnixNs),
		},
	}
}

// ReadEvent reads a single event by stream and event number.
func (r *Reader) ReadEvent(stream domain.StreamID, eventNumber domain.EventNumber, resolveLinks bool) (domain.ResolvedEvent, error) {
	if r.meta.IsTombstoned(stream) {
		return domain.ResolvedEvent{}, &domain.ErrStreamDeleted{Stream: stream}
	}
	if _, ok := r.index.Tail(string(stream)); !ok {
		return domain.ResolvedEvent{}, ErrNoStream
	}

	pos, err := r.index.Lookup(string(stream), int64(eventNumber))
	if err != nil {
		if err == streamindex.ErrNotFound {
			return domain.ResolvedEvent{}, &domain.ErrNotFound{Stream: stream, Number: eventNumber}
		}
		return domain.ResolvedEvent{}, err
	}

	rec, err := r.recordAt(pos)
	if err != nil {
		return domain.ResolvedEvent{}, err
	}
	if r.belowTruncation(stream, rec.EventNumber) {
		return domain.ResolvedEvent{}, &domain.ErrNotFound{Stream: stream, Number: eventNumber}
	}
	return r.resolve(rec, resolveLinks)
}

func (r *Reader) belowTruncation(stream domain.StreamID, n domain.EventNumber) bool {
	md := r.meta.Metadata(stream)
	r.index.SetTruncateBefore(string(stream), int64(md.TruncateBefore))
	return md.TruncateBefore != 0 && n < md.TruncateBefore
}

// resolve applies link resolution: if the event's type is the link
// marker, its data is parsed as "<number>@<stream>" and the target event
// is substituted.
func (r *Reader) resolve(rec domain.RecordedEvent, resolveLinks bool) (domain.ResolvedEvent, error) {
	if !resolveLinks || rec.Event.EventType != domain.LinkEventType {
		return domain.ResolvedEvent{Link: rec, IsResolved: false}, nil
	}

	targetStream, targetNum, err := parseLink(string(rec.Event.Data))
	if err != nil {
		return domain.ResolvedEvent{Link: rec, IsResolved: false}, nil
	}
	target, err := r.ReadEvent(targetStream, targetNum, false)
	if err != nil {
		return domain.ResolvedEvent{Link: rec, IsResolved: false}, nil
	}
	t := target.Link
	return domain.ResolvedEvent{Link: rec, Target: &t, IsResolved: true}, nil
}

func parseLink(data string) (domain.StreamID, domain.EventNumber, error) {
	at := strings.IndexByte(data, '@')
	if at < 0 {
		return "", 0, fmt.Errorf("reader: malformed link payload %q", data)
	}
	n, err := strconv.ParseInt(data[:at], 10, 64)
	if err != nil {
		return "", 0, err
	}
	return domain.StreamID(data[at+1:]), domain.EventNumber(n), nil
}

// StreamSlice is a bounded, ordered result of a stream range read.
type StreamSlice struct {
	Events          []domain.ResolvedEvent
	NextEventNumber domain.EventNumber
	IsEndOfStream   bool
	TailAtRead      domain.EventNumber
}

// ReadStreamForward reads up to count events starting at from, in
// ascending event-number order.
func (r *Reader) ReadStreamForward(stream domain.StreamID, from domain.EventNumber, count int, resolveLinks bool) (StreamSlice, error) {
	return r.readStreamRange(stream, from, count, resolveLinks, true)
}

// ReadStreamBackward reads up to count events starting at from, in
// descending event-number order.
func (r *Reader) ReadStreamBackward(stream domain.StreamID, from domain.EventNumber, count int, resolveLinks bool) (StreamSlice, error) {
	return r.readStreamRange(stream, from, count, resolveLinks, false)
}

func (r *Reader) readStreamRange(stream domain.StreamID, from domain.EventNumber, count int, resolveLinks, forward bool) (StreamSlice, error) {
	if r.meta.IsTombstoned(stream) {
		return StreamSlice{}, &domain.ErrStreamDeleted{Stream: stream}
	}
	tail, ok := r.index.Tail(string(stream))
	if !ok {
		return StreamSlice{}, ErrNoStream
	}
	tailEventNumber := domain.EventNumber(tail)

	if (forward && int64(from) > tail) || (!forward && from < 0) {
		next := from
		if forward {
			next = domain.EventNumber(tail + 1)
		}
		return StreamSlice{IsEndOfStream: true, NextEventNumber: next, TailAtRead: tailEventNumber}, nil
	}

	entries, err := r.index.Range(string(stream), int64(from), count, forward)
	if err != nil {
		return StreamSlice{}, err
	}

	out := make([]domain.ResolvedEvent, 0, len(entries))
	for _, e := range entries {
		if r.belowTruncation(stream, domain.EventNumber(e.EventNumber)) {
			continue
		}
		rec, err := r.recordAt(e.Position)
		if err != nil {
			return StreamSlice{}, err
		}
		resolved, err := r.resolve(rec, resolveLinks)
		if err != nil {
			return StreamSlice{}, err
		}
		out = append(out, resolved)
	}

	slice := StreamSlice{Events: out, TailAtRead: tailEventNumber}
	if len(entries) == 0 {
		slice.IsEndOfStream = true
		slice.NextEventNumber = from
		return slice, nil
	}
	last := entries[len(entries)-1]
	if forward {
		slice.NextEventNumber = domain.EventNumber(last.EventNumber) + 1
		slice.IsEndOfStream = int64(slice.NextEventNumber) > tail
	} else {
		slice.NextEventNumber = domain.EventNumber(last.EventNumber) - 1
		slice.IsEndOfStream = slice.NextEventNumber < 0
	}
	return slice, nil
}

// AllSlice is a bounded, ordered result of an all-stream range read.
type AllSlice struct {
	Events        []domain.ResolvedEvent
	NextPosition  domain.LogPosition
	IsEndOfStream bool
}

// ReadAllForward scans the global log forward from position, returning
// up to maxCount records. If filter is non-nil, only matching records
// count toward maxCount but no more than maxSearchWindow records are
// examined; the returned position always reflects how far the scan
// actually advanced, so callers can resume even when max-count was not
// reached.
func (r *Reader) ReadAllForward(from domain.LogPosition, maxCount int, filter *Filter, maxSearchWindow int) (AllSlice, error) {
	return r.readAll(from, maxCount, filter, maxSearchWindow, true)
}

// ReadAllBackward is the backward counterpart of ReadAllForward.
func (r *Reader) ReadAllBackward(from domain.LogPosition, maxCount int, filter *Filter, maxSearchWindow int) (AllSlice, error) {
	return r.readAll(from, maxCount, filter, maxSearchWindow, false)
}

func (r *Reader) readAll(from domain.LogPosition, maxCount int, filter *Filter, maxSearchWindow int, forward bool) (AllSlice, error) {
	if maxSearchWindow <= 0 {
		maxSearchWindow = maxCount
		if filter != nil && maxSearchWindow < 4096 {
			maxSearchWindow = 4096
		}
	}

	var out []domain.ResolvedEvent
	examined := 0
	lastPos := from.Prepare
	startPos := from.Prepare
	if from == domain.Start {
		startPos = 0
	}

	scan := r.log.ScanForward
	if !forward {
		scan = r.log.ScanBackward
	}

	// stoppedEarly distinguishes "we chose to stop" (max-count or
	// search-window exhausted, more of the log may remain unexamined)
	// from the scan running out of records on its own. Only the latter
	// is a true end of the log/stream: a sparse filter going
	// maxSearchWindow records without a match must not be reported as
	// end-of-stream, or a catch-up subscription would skip the
	// remainder of history it never actually looked at.
	stoppedEarly := false
	scanned := false
	err := scan(startPos, func(recType chunklog.RecordType, payload []byte, pos int64) bool {
		lastPos = pos
		scanned = true
		if recType != chunklog.RecordTypePrepare {
			return true
		}
		examined++
		pr, decErr := chunklog.DecodePrepare(payload)
		if decErr != nil {
			return true
		}
		rec := prepareToRecorded(pr, pos)
		if filter == nil || filter.Match(string(rec.Stream), rec.Event.EventType) {
			resolved, resolveErr := r.resolve(rec, false)
			if resolveErr == nil {
				out = append(out, resolved)
			}
		}
		if len(out) >= maxCount {
			stoppedEarly = true
			return false
		}
		if examined >= maxSearchWindow {
			stoppedEarly = true
			return false
		}
		return true
	})
	if err != nil {
		return AllSlice{}, err
	}
	// A forward scan starts at or after its position, so the resume point
	// is the record after the last one examined, not that record itself.
	if forward && scanned {
		if _, _, next, nextErr := r.log.ReadRecord(lastPos); nextErr == nil {
			lastPos = next
		}
	}

	nextPos := domain.LogPosition{Commit: lastPos, Prepare: lastPos}
	return AllSlice{
		Events:        out,
		NextPosition:  nextPos,
		IsEndOfStream: !stoppedEarly,
	}, nil
}

func unixNsToTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
