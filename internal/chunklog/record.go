// Package chunklog implements the append-only, chunked transaction log:
// component A of the event store core. Records are length-prefixed for
// bidirectional scanning; chunks are fixed-max-size segments with a
// header and, once sealed, a footer carrying a content hash.
package chunklog

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

// RecordType discriminates the payload of a framed log record.
type RecordType byte

const (
	RecordTypePrepare RecordType = iota + 1
	RecordTypeCommit
	RecordTypeSystem
)

// lengthPrefixSize is the size in bytes of each length prefix that
// brackets a record payload, enabling both forward and backward scans.
const lengthPrefixSize = 4

// PrepareFlags are bit flags carried on a Prepare record.
type PrepareFlags uint16

const (
	FlagIsJSON PrepareFlags = 1 << iota
	FlagTransactionStart
	FlagTransactionEnd
	FlagImplicitCommit // single-event append: combined prepare+commit
)

// PrepareRecord is the durable encoding of one appended event.
type PrepareRecord struct {
	TransactionPosition int64
	TransactionOffset   int32
	StreamID            string
	EventNumber         int64
	EventID             [16]byte
	Flags               PrepareFlags
	EventType           string
	CreatedAtUnixNs      int64
	Data                []byte
	Metadata            []byte
}

// CommitRecord is the durable encoding of a transaction's commit point.
type CommitRecord struct {
	TransactionPosition int64
	FirstEventNumber    int64
	LogPosition         int64
}

// EncodePrepare serializes a PrepareRecord's payload (without the
// record-type discriminator or length prefixes).
func EncodePrepare(r PrepareRecord) []byte {
	buf := make([]byte, 0, 64+len(r.StreamID)+len(r.EventType)+len(r.Data)+len(r.Metadata))
	var tmp [8]byte

	putI64 := func(v int64) {
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		buf = append(buf, tmp[:]...)
	}
	putI32 := func(v int32) {
		var t4 [4]byte
		binary.BigEndian.PutUint32(t4[:], uint32(v))
		buf = append(buf, t4[:]...)
	}
	putU16 := func(v uint16) {
		var t2 [2]byte
		binary.BigEndian.PutUint16(t2[:], v)
		buf = append(buf, t2[:]...)
	}
	putStr := func(s string) {
		putI32(int32(len(s)))
		buf = append(buf, s...)
	}
	putBytes := func(b []byte) {
		putI32(int32(len(b)))
		buf = append(buf, b...)
	}

	putI64(r.TransactionPosition)
	putI32(r.TransactionOffset)
	putStr(r.StreamID)
	putI64(r.EventNumber)
	buf = append(buf, r.EventID[:]...)
	putU16(uint16(r.Flags))
	putStr(r.EventType)
	putI64(r.CreatedAtUnixNs)
	putBytes(r.Data)
	putBytes(r.Metadata)
	return buf
}

// DecodePrepare parses a PrepareRecord payload produced by EncodePrepare.
func DecodePrepare(b []byte) (PrepareRecord, error) {
	var r PrepareRecord
	rd := &byteReader{b: b}

	r.TransactionPosition = rd.i64()
	r.TransactionOffset = rd.i32()
	r.StreamID = rd.str()
	r.EventNumber = rd.i64()
	copy(r.EventID[:], rd.fixed(16))
	r.Flags = PrepareFlags(rd.u16())
	r.EventType = rd.str()
	r.CreatedAtUnixNs = rd.i64()
	r.Data = rd.bytes()
	r.Metadata = rd.bytes()
	if rd.err != nil {
		return PrepareRecord{}, rd.err
	}
	return r, nil
}

// EncodeCommit serializes a CommitRecord's payload.
func EncodeCommit(r CommitRecord) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.TransactionPosition))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.FirstEventNumber))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.LogPosition))
	return buf
}

// DecodeCommit parses a CommitRecord payload.
func DecodeCommit(b []byte) (CommitRecord, error) {
	if len(b) != 24 {
		return CommitRecord{}, fmt.Errorf("chunklog: short commit record: %d bytes", len(b))
	}
	return CommitRecord{
		TransactionPosition: int64(binary.BigEndian.Uint64(b[0:8])),
		FirstEventNumber:    int64(binary.BigEndian.Uint64(b[8:16])),
		LogPosition:         int64(binary.BigEndian.Uint64(b[16:24])),
	}, nil
}

// frame wraps a type-tagged payload with symmetric length prefixes, as
// described in the spec: u32 length | payload | u32 length.
func frame(recType RecordType, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = byte(recType)
	copy(body[1:], payload)

	out := make([]byte, lengthPrefixSize+len(body)+lengthPrefixSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:4+len(body)], body)
	binary.BigEndian.PutUint32(out[4+len(body):], uint32(len(body)))
	return out
}

// readFrameForward reads one length-prefixed frame starting at the
// reader's current position. It returns the record type, the payload,
// and the total number of bytes consumed.
func readFrameForward(r io.Reader) (RecordType, []byte, int, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, 0, fmt.Errorf("chunklog: zero-length frame")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, 0, err
	}
	var trailer [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return 0, nil, 0, err
	}
	if binary.BigEndian.Uint32(trailer[:]) != n {
		return 0, nil, 0, fmt.Errorf("chunklog: asymmetric frame length prefixes")
	}
	total := lengthPrefixSize + int(n) + lengthPrefixSize
	return RecordType(body[0]), body[1:], total, nil
}

// contentHash hashes a chunk's record bytes for its footer.
func contentHash(b []byte) [32]byte { return sha256.Sum256(b) }

type byteReader struct {
	b   []byte
	off int
	err error
}

func (r *byteReader) need(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("chunklog: truncated record")
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *byteReader) i64() int64 {
	b := r.need(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *byteReader) i32() int32 {
	b := r.need(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *byteReader) u16() uint16 {
	b := r.need(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) fixed(n int) []byte { return r.need(n) }

func (r *byteReader) str() string {
	n := r.i32()
	b := r.need(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *byteReader) bytes() []byte {
	n := r.i32()
	b := r.need(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
