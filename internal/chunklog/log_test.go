package chunklog

import (
	"os"
	"path/filepath"
	"testing"
)

func mustOpen(t *testing.T, maxSize int64) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, reports, err := Open(dir, maxSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("unexpected truncation reports on fresh log: %v", reports)
	}
	return l, dir
}

func appendPrepare(t *testing.T, l *Log, stream string, eventNo int64, data string) int64 {
	t.Helper()
	payload := EncodePrepare(PrepareRecord{
		StreamID:    stream,
		EventNumber: eventNo,
		EventType:   "TestEvent",
		Data:        []byte(data),
	})
	pos, err := l.Append(RecordTypePrepare, payload)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return pos
}

func TestAppendReadRoundTrip(t *testing.T) {
	l, _ := mustOpen(t, DefaultMaxChunkSize)
	defer l.Close()

	pos := appendPrepare(t, l, "orders-1", 0, "hello")
	recType, payload, next, err := l.ReadRecord(pos)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if recType != RecordTypePrepare {
		t.Fatalf("expected prepare record, got %v", recType)
	}
	rec, err := DecodePrepare(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.StreamID != "orders-1" || string(rec.Data) != "hello" {
		t.Fatalf("round trip mismatch: %+v", rec)
	}
	if next != l.Tail() {
		t.Fatalf("expected next position to equal tail, got %d want %d", next, l.Tail())
	}
}

func TestScanForwardOrder(t *testing.T) {
	l, _ := mustOpen(t, DefaultMaxChunkSize)
	defer l.Close()

	for i := int64(0); i < 5; i++ {
		appendPrepare(t, l, "s", i, "v")
	}

	var seen []int64
	err := l.ScanForward(0, func(recType RecordType, payload []byte, pos int64) bool {
		rec, derr := DecodePrepare(payload)
		if derr != nil {
			t.Fatalf("decode: %v", derr)
		}
		seen = append(seen, rec.EventNumber)
		return true
	})
	if err != nil {
		t.Fatalf("scan forward: %v", err)
	}
	for i, v := range seen {
		if v != int64(i) {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 records, got %d", len(seen))
	}
}

func TestScanBackwardOrder(t *testing.T) {
	l, _ := mustOpen(t, DefaultMaxChunkSize)
	defer l.Close()

	for i := int64(0); i < 5; i++ {
		appendPrepare(t, l, "s", i, "v")
	}
	tail := l.Tail()

	var seen []int64
	err := l.ScanBackward(tail, func(recType RecordType, payload []byte, pos int64) bool {
		rec, derr := DecodePrepare(payload)
		if derr != nil {
			t.Fatalf("decode: %v", derr)
		}
		seen = append(seen, rec.EventNumber)
		return true
	})
	if err != nil {
		t.Fatalf("scan backward: %v", err)
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 records, got %d", len(seen))
	}
	for i, v := range seen {
		want := int64(4 - i)
		if v != want {
			t.Fatalf("out of order at %d: got %d want %d", i, v, want)
		}
	}
}

func TestCompleteActiveChunkRollsToNewChunk(t *testing.T) {
	l, dir := mustOpen(t, DefaultMaxChunkSize)
	appendPrepare(t, l, "s", 0, "a")
	if err := l.CompleteActiveChunk(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	pos := appendPrepare(t, l, "s", 1, "b")
	l.Close()

	matches, err := filepath.Glob(filepath.Join(dir, "chunk-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 chunk files after roll, got %d: %v", len(matches), matches)
	}
	if pos <= 0 {
		t.Fatalf("expected second event to be positioned after the sealed chunk, got %d", pos)
	}
}

func TestOpenRepairsTornWriteOnActiveChunk(t *testing.T) {
	l, dir := mustOpen(t, DefaultMaxChunkSize)
	appendPrepare(t, l, "s", 0, "a")
	goodTail := l.Tail()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write: append 5 garbage bytes after the last valid
	// frame, as if a crash occurred mid-write.
	matches, _ := filepath.Glob(filepath.Join(dir, "chunk-*"))
	f, err := os.OpenFile(matches[0], os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2, reports, err := Open(dir, DefaultMaxChunkSize)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	if len(reports) != 1 {
		t.Fatalf("expected one truncation report, got %d", len(reports))
	}
	if l2.Tail() != goodTail {
		t.Fatalf("expected tail to be repaired to %d, got %d", goodTail, l2.Tail())
	}
}

func TestSealedChunkVerifiesChecksum(t *testing.T) {
	l, _ := mustOpen(t, DefaultMaxChunkSize)
	appendPrepare(t, l, "s", 0, "a")
	if err := l.CompleteActiveChunk(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sealed := l.chunks[0]
	if err := sealed.verify(); err != nil {
		t.Fatalf("expected sealed chunk to verify, got %v", err)
	}
	l.Close()
}
