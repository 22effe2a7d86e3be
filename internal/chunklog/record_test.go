package chunklog

import "testing"

func TestEncodeDecodePrepareRoundTrip(t *testing.T) {
	in := PrepareRecord{
		TransactionPosition: 42,
		TransactionOffset:   1,
		StreamID:            "orders-1",
		EventNumber:         7,
		EventType:           "OrderPlaced",
		CreatedAtUnixNs:     123456789,
		Data:                []byte(`{"ok":true}`),
		Metadata:            []byte(`{"trace":"abc"}`),
	}
	in.EventID[0] = 0xAB
	in.Flags = FlagIsJSON | FlagImplicitCommit

	encoded := EncodePrepare(in)
	out, err := DecodePrepare(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.StreamID != in.StreamID || out.EventNumber != in.EventNumber || out.EventType != in.EventType {
		t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
	}
	if string(out.Data) != string(in.Data) || string(out.Metadata) != string(in.Metadata) {
		t.Fatalf("payload round trip mismatch")
	}
	if out.Flags&FlagIsJSON == 0 || out.Flags&FlagImplicitCommit == 0 {
		t.Fatalf("flags not preserved: %v", out.Flags)
	}
	if out.EventID != in.EventID {
		t.Fatalf("event id not preserved")
	}
}

func TestEncodeDecodeCommitRoundTrip(t *testing.T) {
	in := CommitRecord{TransactionPosition: 10, FirstEventNumber: 3, LogPosition: 99}
	out, err := DecodeCommit(EncodeCommit(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", in, out)
	}
}

func TestDecodeCommitRejectsShortPayload(t *testing.T) {
	if _, err := DecodeCommit([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding short commit payload")
	}
}

func TestDecodePrepareRejectsTruncatedPayload(t *testing.T) {
	full := EncodePrepare(PrepareRecord{StreamID: "s", EventType: "E", Data: []byte("data")})
	if _, err := DecodePrepare(full[:len(full)-2]); err == nil {
		t.Fatalf("expected error decoding truncated prepare payload")
	}
}
