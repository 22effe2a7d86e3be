package coordinator

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/domain"
	"chronicles/internal/streamindex"
)

func newTestCoordinator(t *testing.T) *Coordinator {
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
	return New(log, idx, commitbus.New(), WriteModeSynchronous)
}

func ev(eventType string) domain.Event {
	return domain.Event{EventID: uuid.New(), EventType: eventType, Data: []byte("{}"), IsJSON: true}
}

func TestAppendToNewStreamAtNoStream(t *testing.T) {
	c := newTestCoordinator(t)
	res, err := c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.FirstEventNumber != 0 {
		t.Fatalf("expected first event 0, got %d", res.FirstEventNumber)
	}
}

func TestAppendNoStreamConflictsWhenStreamExists(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	_, err := c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")})
	if _, ok := err.(*domain.ErrWrongExpectedVersion); !ok {
		t.Fatalf("expected ErrWrongExpectedVersion, got %v", err)
	}
}

func TestAppendExactVersionConflict(t *testing.T) {
	c := newTestCoordinator(t)
	c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")})
	_, err := c.Append("orders-1", domain.ExactVersion(5), []domain.Event{ev("Updated")})
	if _, ok := err.(*domain.ErrWrongExpectedVersion); !ok {
		t.Fatalf("expected ErrWrongExpectedVersion, got %v", err)
	}
}

func TestAppendAnyAlwaysSucceeds(t *testing.T) {
	c := newTestCoordinator(t)
	c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")})
	res, err := c.Append("orders-1", domain.Any, []domain.Event{ev("Updated")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.FirstEventNumber != 1 {
		t.Fatalf("expected event number 1, got %d", res.FirstEventNumber)
	}
}

func TestAppendStreamExistsRequiresPriorEvents(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.Append("orders-1", domain.StreamExists, []domain.Event{ev("Created")})
	if _, ok := err.(*domain.ErrWrongExpectedVersion); !ok {
		t.Fatalf("expected ErrWrongExpectedVersion, got %v", err)
	}
}

func TestIdempotentReplayAtExactVersionReturnsOriginalPosition(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")}); err != nil {
		t.Fatalf("setup append: %v", err)
	}
	e := ev("Updated")
	first, err := c.Append("orders-1", domain.ExactVersion(0), []domain.Event{e})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	replay, err := c.Append("orders-1", domain.ExactVersion(0), []domain.Event{e})
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if replay.FirstEventNumber != first.FirstEventNumber || replay.LogPosition != first.LogPosition {
		t.Fatalf("expected replay to return original result, got %+v vs %+v", replay, first)
	}
	if c.Tail("orders-1") != 1 {
		t.Fatalf("replay must not advance the tail, got %d", c.Tail("orders-1"))
	}
}

func TestIdempotentReplayAtNoStreamReturnsOriginalPosition(t *testing.T) {
	c := newTestCoordinator(t)
	u1, u2 := ev("Created"), ev("Updated")

	first, err := c.Append("s", domain.NoStream, []domain.Event{u1, u2})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	replay, err := c.Append("s", domain.NoStream, []domain.Event{u1, u2})
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if replay.FirstEventNumber != first.FirstEventNumber || replay.LogPosition != first.LogPosition {
		t.Fatalf("expected replay to return original result, got %+v vs %+v", replay, first)
	}
	if c.Tail("s") != 1 {
		t.Fatalf("replay must not advance the tail, got %d", c.Tail("s"))
	}
}

func TestTombstonedStreamRejectsAppend(t *testing.T) {
	c := newTestCoordinator(t)
	c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")})
	st := c.stateFor("orders-1")
	st.tombstoned = true

	_, err := c.Append("orders-1", domain.Any, []domain.Event{ev("Updated")})
	if _, ok := err.(*domain.ErrStreamDeleted); !ok {
		t.Fatalf("expected ErrStreamDeleted, got %v", err)
	}
}

func TestAppendPublishesCommitNotification(t *testing.T) {
	dir := t.TempDir()
	log, _, err := chunklog.Open(filepath.Join(dir, "log"), 1<<20)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
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
	bus := commitbus.New()
	sub := bus.Subscribe()
	c := New(log, idx, bus, WriteModeSynchronous)

	if _, err := c.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case n := <-sub.C():
		if n.Stream != "orders-1" || len(n.Events) != 1 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	default:
		t.Fatal("expected a commit notification to be published")
	}
}
