package streamindex

import (
	"fmt"
	"testing"
)

func recordOfFunc(m map[int64]string) RecordStreamOf {
	return func(pos int64) (string, error) {
		s, ok := m[pos]
		if !ok {
			return "", fmt.Errorf("no record at %d", pos)
		}
		return s, nil
	}
}

func TestInsertLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{100: "order-1", 200: "order-1", 300: "order-2"}
	idx, err := Open(dir, recordOfFunc(records))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	idx.Insert("order-1", 0, 100)
	idx.Insert("order-1", 1, 200)
	idx.Insert("order-2", 0, 300)

	pos, err := idx.Lookup("order-1", 1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pos != 200 {
		t.Fatalf("expected position 200, got %d", pos)
	}

	if _, err := idx.Lookup("order-1", 5); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTailTracksHighestEventNumber(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{10: "s", 20: "s", 30: "s"}
	idx, _ := Open(dir, recordOfFunc(records))

	if _, ok := idx.Tail("s"); ok {
		t.Fatalf("expected no tail before any insert")
	}
	idx.Insert("s", 0, 10)
	idx.Insert("s", 1, 20)
	idx.Insert("s", 2, 30)

	tail, ok := idx.Tail("s")
	if !ok || tail != 2 {
		t.Fatalf("expected tail 2, got %d (ok=%v)", tail, ok)
	}
}

func TestTailZeroIsNotMistakenForAbsent(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{1: "s"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("s", 0, 1)

	tail, ok := idx.Tail("s")
	if !ok || tail != 0 {
		t.Fatalf("expected tail 0 to be a valid present value, got %d (ok=%v)", tail, ok)
	}
}

func TestFlushPersistsToPTableAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{1: "s", 2: "s"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("s", 0, 1)
	idx.Insert("s", 1, 2)

	if err := idx.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reopened, err := Open(dir, recordOfFunc(records))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	pos, err := reopened.Lookup("s", 1)
	if err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
	if pos != 2 {
		t.Fatalf("expected 2, got %d", pos)
	}
}

func TestRangeForwardAndBackward(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{1: "s", 2: "s", 3: "s", 4: "s"}
	idx, _ := Open(dir, recordOfFunc(records))
	for i, pos := range []int64{1, 2, 3, 4} {
		idx.Insert("s", int64(i), pos)
	}

	fwd, err := idx.Range("s", 1, 2, true)
	if err != nil {
		t.Fatalf("range forward: %v", err)
	}
	if len(fwd) != 2 || fwd[0].EventNumber != 1 || fwd[1].EventNumber != 2 {
		t.Fatalf("unexpected forward range: %+v", fwd)
	}

	back, err := idx.Range("s", 2, 2, false)
	if err != nil {
		t.Fatalf("range backward: %v", err)
	}
	if len(back) != 2 || back[0].EventNumber != 2 || back[1].EventNumber != 1 {
		t.Fatalf("unexpected backward range: %+v", back)
	}
}

func TestMarkDeletedExcludesFromMerge(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{1: "gone", 2: "keep"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("gone", 0, 1)
	idx.Insert("keep", 0, 2)
	idx.MarkDeleted("gone", true)

	if err := idx.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := idx.MergeAll(); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if _, err := idx.Lookup("gone", 0); err != ErrNotFound {
		t.Fatalf("expected hard-deleted stream to be gone after merge, got %v", err)
	}
	if pos, err := idx.Lookup("keep", 0); err != nil || pos != 2 {
		t.Fatalf("expected kept stream to survive merge: pos=%d err=%v", pos, err)
	}
}

func TestTruncateBeforeExcludesOlderEntriesFromMerge(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{1: "s", 2: "s", 3: "s"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("s", 0, 1)
	idx.Insert("s", 1, 2)
	idx.Insert("s", 2, 3)
	idx.SetTruncateBefore("s", 2)

	if err := idx.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := idx.MergeAll(); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if _, err := idx.Lookup("s", 0); err != ErrNotFound {
		t.Fatalf("expected event below truncate-before to be gone after merge, got %v", err)
	}
	if _, err := idx.Lookup("s", 1); err != ErrNotFound {
		t.Fatalf("expected event below truncate-before to be gone after merge, got %v", err)
	}
	if pos, err := idx.Lookup("s", 2); err != nil || pos != 3 {
		t.Fatalf("expected event at/after truncate-before to survive merge: pos=%d err=%v", pos, err)
	}
}

func TestMergeAllDedupesNewerWritesOverOlder(t *testing.T) {
	dir := t.TempDir()
	records := map[int64]string{10: "s", 20: "s"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("s", 0, 10)
	if err := idx.Flush(); err != nil {
		t.Fatalf("flush 1: %v", err)
	}

	records[20] = "s"
	idx.Insert("s", 0, 20) // re-indexed at a new position
	if err := idx.Flush(); err != nil {
		t.Fatalf("flush 2: %v", err)
	}

	if err := idx.MergeAll(); err != nil {
		t.Fatalf("merge: %v", err)
	}

	pos, err := idx.Lookup("s", 0)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if pos != 20 {
		t.Fatalf("expected newer write (20) to win, got %d", pos)
	}
}

func TestCollisionDisambiguationViaRecordOf(t *testing.T) {
	// streamHash collisions are rare at 64 bits; here we simulate the
	// disambiguation path directly by constructing two entries under the
	// same key-space bucket scenario via records map.
	dir := t.TempDir()
	records := map[int64]string{1: "alpha", 2: "beta"}
	idx, _ := Open(dir, recordOfFunc(records))
	idx.Insert("alpha", 0, 1)
	idx.Insert("beta", 0, 2)

	if pos, err := idx.Lookup("alpha", 0); err != nil || pos != 1 {
		t.Fatalf("alpha lookup: pos=%d err=%v", pos, err)
	}
	if pos, err := idx.Lookup("beta", 0); err != nil || pos != 2 {
		t.Fatalf("beta lookup: pos=%d err=%v", pos, err)
	}
}
