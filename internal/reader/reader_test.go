package reader

import (
	"path/filepath"
	"testing"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/coordinator"
	"chronicles/internal/domain"
	"chronicles/internal/streamindex"

	"github.com/google/uuid"
)

type testHarness struct {
	log   *chunklog.Log
	index *streamindex.Index
	coord *coordinator.Coordinator
	meta  *StaticMetadata
	rd    *Reader
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	log, _, err := chunklog.Open(filepath.Join(dir, "log"), 1<<20)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	recordOf := func(pos int64) (string, error) {
		_, payload, _, err := log.ReadRecord(pos)
		if err != nil {
			return "", err
		}
		pr, err := chunklog.DecodePrepare(payload)
		if err != nil {
			return "", err
		}
		return pr.StreamID, nil
	}
	idx, err := streamindex.Open(filepath.Join(dir, "index"), recordOf)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	meta := NewStaticMetadata()
	coord := coordinator.New(log, idx, commitbus.New(), coordinator.WriteModeSynchronous)
	return &testHarness{log: log, index: idx, coord: coord, meta: meta, rd: New(log, idx, meta)}
}

func ev(eventType string, data string) domain.Event {
	return domain.Event{EventID: uuid.New(), EventType: eventType, Data: []byte(data), IsJSON: true}
}

func TestReadEventNoStream(t *testing.T) {
	h := newHarness(t)
	_, err := h.rd.ReadEvent("orders-1", 0, false)
	if err != ErrNoStream {
		t.Fatalf("expected ErrNoStream, got %v", err)
	}
}

func TestReadEventFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("Created", "a"), ev("Updated", "b")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	re, err := h.rd.ReadEvent("orders-1", 1, false)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if string(re.Link.Event.Data) != "b" {
		t.Fatalf("unexpected data: %s", re.Link.Event.Data)
	}
}

func TestReadEventNotFoundPastTail(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("Created", "a")})
	_, err := h.rd.ReadEvent("orders-1", 99, false)
	if _, ok := err.(*domain.ErrNotFound); !ok {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadStreamForwardOrdering(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("A", "1"), ev("B", "2"), ev("C", "3")})

	slice, err := h.rd.ReadStreamForward("orders-1", 0, 2, false)
	if err != nil {
		t.Fatalf("read forward: %v", err)
	}
	if len(slice.Events) != 2 || slice.Events[0].Link.EventNumber != 0 || slice.Events[1].Link.EventNumber != 1 {
		t.Fatalf("unexpected slice: %+v", slice.Events)
	}
	if slice.IsEndOfStream {
		t.Fatalf("expected not end of stream")
	}
	if slice.NextEventNumber != 2 {
		t.Fatalf("expected next event number 2, got %d", slice.NextEventNumber)
	}
}

func TestReadStreamBackwardOrdering(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("A", "1"), ev("B", "2"), ev("C", "3")})

	slice, err := h.rd.ReadStreamBackward("orders-1", 2, 10, false)
	if err != nil {
		t.Fatalf("read backward: %v", err)
	}
	if len(slice.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(slice.Events))
	}
	if slice.Events[0].Link.EventNumber != 2 || slice.Events[2].Link.EventNumber != 0 {
		t.Fatalf("unexpected order: %+v", slice.Events)
	}
}

func TestReadStreamForwardPastTailIsEndOfStream(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("A", "1")})

	slice, err := h.rd.ReadStreamForward("orders-1", 5, 10, false)
	if err != nil {
		t.Fatalf("read forward: %v", err)
	}
	if !slice.IsEndOfStream || len(slice.Events) != 0 {
		t.Fatalf("expected empty end-of-stream slice, got %+v", slice)
	}
}

func TestTombstonedStreamReadsReturnStreamDeleted(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("A", "1")})
	h.meta.Tombstoned["orders-1"] = true

	_, err := h.rd.ReadEvent("orders-1", 0, false)
	if _, ok := err.(*domain.ErrStreamDeleted); !ok {
		t.Fatalf("expected ErrStreamDeleted, got %v", err)
	}
}

func TestLinkResolution(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("Created", "payload")})
	h.coord.Append("$ce-orders", domain.NoStream, []domain.Event{ev(domain.LinkEventType, "0@orders-1")})

	re, err := h.rd.ReadEvent("$ce-orders", 0, true)
	if err != nil {
		t.Fatalf("read link: %v", err)
	}
	if !re.IsResolved || re.Target == nil {
		t.Fatalf("expected resolved link, got %+v", re)
	}
	if string(re.Target.Event.Data) != "payload" {
		t.Fatalf("unexpected resolved payload: %s", re.Target.Event.Data)
	}
}

func TestReadAllForwardScansGlobalOrder(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("a", domain.NoStream, []domain.Event{ev("X", "1")})
	h.coord.Append("b", domain.NoStream, []domain.Event{ev("Y", "2")})

	slice, err := h.rd.ReadAllForward(domain.Start, 10, nil, 0)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(slice.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(slice.Events))
	}
	if slice.Events[0].Link.Stream != "a" || slice.Events[1].Link.Stream != "b" {
		t.Fatalf("unexpected order: %+v", slice.Events)
	}
}

func TestReadAllForwardWithFilter(t *testing.T) {
	h := newHarness(t)
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("OrderCreated", "1")})
	h.coord.Append("users-1", domain.NoStream, []domain.Event{ev("UserCreated", "2")})

	filter, err := NewFilter(Predicate{Field: FieldStreamID, Mode: ModePrefix, Pattern: "orders-"})
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	slice, err := h.rd.ReadAllForward(domain.Start, 10, filter, 1000)
	if err != nil {
		t.Fatalf("read all filtered: %v", err)
	}
	if len(slice.Events) != 1 || slice.Events[0].Link.Stream != "orders-1" {
		t.Fatalf("unexpected filtered result: %+v", slice.Events)
	}
}

func TestReadAllForwardSparseFilterDoesNotReportEndOfStreamEarly(t *testing.T) {
	h := newHarness(t)
	// Several non-matching records, then one matching record beyond a
	// small search window, then more non-matching records past that.
	for i := 0; i < 3; i++ {
		h.coord.Append("users-1", domain.Any, []domain.Event{ev("UserCreated", "u")})
	}
	h.coord.Append("orders-1", domain.NoStream, []domain.Event{ev("OrderCreated", "o")})
	for i := 0; i < 3; i++ {
		h.coord.Append("users-1", domain.Any, []domain.Event{ev("UserCreated", "u")})
	}

	filter, err := NewFilter(Predicate{Field: FieldStreamID, Mode: ModePrefix, Pattern: "orders-"})
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}

	slice, err := h.rd.ReadAllForward(domain.Start, 10, filter, 2)
	if err != nil {
		t.Fatalf("read all filtered: %v", err)
	}
	if len(slice.Events) != 0 {
		t.Fatalf("expected no matches within the search window, got %+v", slice.Events)
	}
	if slice.IsEndOfStream {
		t.Fatalf("search-window exhaustion must not be reported as end-of-stream when more of the log remains")
	}

	next, err := h.rd.ReadAllForward(slice.NextPosition, 10, filter, 1000)
	if err != nil {
		t.Fatalf("read all filtered continuation: %v", err)
	}
	if len(next.Events) != 1 || next.Events[0].Link.Stream != "orders-1" {
		t.Fatalf("expected the continuation scan to find the match, got %+v", next.Events)
	}
	if !next.IsEndOfStream {
		t.Fatalf("expected the continuation scan to reach the true end of the log")
	}
}
