package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/coordinator"
	"chronicles/internal/domain"
	"chronicles/internal/reader"
	"chronicles/internal/streamindex"
)

func newHarness(t *testing.T) (*commitbus.Bus, *coordinator.Coordinator, *reader.Reader) {
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
	bus := commitbus.New()
	coord := coordinator.New(log, idx, bus, coordinator.WriteModeSynchronous)
	rd := reader.New(log, idx, nil)
	return bus, coord, rd
}

func ev(eventType string) domain.Event {
	return domain.Event{EventID: uuid.New(), EventType: eventType, Data: []byte("{}"), IsJSON: true}
}

func TestLiveDeliversEventsPublishedAfterRegistration(t *testing.T) {
	bus, coord, rd := newHarness(t)
	d := New(bus, rd, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := d.Live(ctx, nil)
	if err != nil {
		t.Fatalf("live: %v", err)
	}

	if _, err := coord.Append("orders-1", domain.NoStream, []domain.Event{ev("Created")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Kind != KindRecord || got.Record.Link.Stream != "orders-1" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live delivery")
	}
}

func TestCatchUpDeliversHistoricalThenLive(t *testing.T) {
	bus, coord, rd := newHarness(t)
	if _, err := coord.Append("orders-1", domain.NoStream, []domain.Event{ev("Created"), ev("Updated")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	d := New(bus, rd, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := d.CatchUp(ctx, "orders-1", domain.EventNumber(-1), nil)
	if err != nil {
		t.Fatalf("catchup: %v", err)
	}

	var seen []domain.EventNumber
	sawLive := false
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 || !sawLive {
		select {
		case got := <-sub.C():
			switch got.Kind {
			case KindRecord:
				seen = append(seen, got.Record.Link.EventNumber)
			case KindLiveProcessingStarted:
				sawLive = true
			}
		case <-deadline:
			t.Fatalf("timed out: seen=%v sawLive=%v", seen, sawLive)
		}
	}
	if seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("unexpected historical order: %v", seen)
	}

	if _, err := coord.Append("orders-1", domain.ExactVersion(1), []domain.Event{ev("Deleted")}); err != nil {
		t.Fatalf("append live: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Kind != KindRecord || got.Record.Link.EventNumber != 2 {
			t.Fatalf("expected live event number 2, got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event after catch-up")
	}
}
