// Package streamindex implements the stream index: component B of the
// event store core. It maps (stream, event-number) to a log position
// through a two-tier structure — an in-memory memtable for recent
// writes, and immutable on-disk PTables for everything flushed out of
// memory — exactly as described in spec §4.B.
package streamindex

import "encoding/binary"

// EntrySize is the fixed, on-disk width of one index entry: u64
// stream-hash | i64 event-number | i64 log-position.
const EntrySize = 8 + 8 + 8

// Entry is one (stream-hash, event-number) -> log-position mapping.
type Entry struct {
	StreamHash  uint64
	EventNumber int64
	Position    int64
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, EntrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.StreamHash)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.EventNumber))
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.Position))
	return buf
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		StreamHash:  binary.BigEndian.Uint64(buf[0:8]),
		EventNumber: int64(binary.BigEndian.Uint64(buf[8:16])),
		Position:    int64(binary.BigEndian.Uint64(buf[16:24])),
	}
}

// streamHash is 64-bit FNV-1a over the stream name, the hash family
// hashroute.ShardForStream also uses. The index keeps one memtable and
// one PTable set for all streams; this hash is their sort and lookup key.
func streamHash(stream string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(stream); i++ {
		h ^= uint64(stream[i])
		h *= prime64
	}
	return h
}
