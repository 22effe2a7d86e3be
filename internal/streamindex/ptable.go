package streamindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// ptableHeaderSize holds version, entry count, hash-algorithm id and is
// padded so the entry region starts on a round offset.
const ptableHeaderSize = 16

const streamHashAlgoFNV1a64 = 1

// midpointStride controls how densely the midpoint table samples
// entries. lookupHash does not consult the table; it binary-searches the
// full resident entry slice.
const midpointStride = 64

// PTable is an immutable, sorted run of index entries backed by a file.
// Entries are ordered by (StreamHash, EventNumber), matching the
// memtable's sort order so merges are simple sequential scans.
type PTable struct {
	path      string
	entries   []Entry // kept resident; PTables are expected to be modest
	midpoints []int   // index into entries, every midpointStride-th entry
	generation uint64
}

// WritePTable serializes sorted entries to path and returns the
// resulting PTable handle. entries must already be sorted by
// (StreamHash, EventNumber).
func WritePTable(path string, generation uint64, entries []Entry) (*PTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr := make([]byte, ptableHeaderSize)
	binary.BigEndian.PutUint16(hdr[0:2], 1) // version
	binary.BigEndian.PutUint16(hdr[2:4], streamHashAlgoFNV1a64)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(entries)))
	if _, err := f.Write(hdr); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if _, err := f.Write(encodeEntry(e)); err != nil {
			return nil, err
		}
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	pt := &PTable{path: path, entries: append([]Entry(nil), entries...), generation: generation}
	pt.buildMidpoints()
	return pt, nil
}

// OpenPTable loads an existing PTable file fully into memory.
func OpenPTable(path string, generation uint64) (*PTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdr := make([]byte, ptableHeaderSize)
	if _, err := f.Read(hdr); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[4:8])
	entries := make([]Entry, 0, count)
	buf := make([]byte, EntrySize)
	for i := uint32(0); i < count; i++ {
		if _, err := f.Read(buf); err != nil {
			return nil, fmt.Errorf("streamindex: read ptable entry %d: %w", i, err)
		}
		entries = append(entries, decodeEntry(buf))
	}
	pt := &PTable{path: path, entries: entries, generation: generation}
	pt.buildMidpoints()
	return pt, nil
}

func (pt *PTable) buildMidpoints() {
	for i := 0; i < len(pt.entries); i += midpointStride {
		pt.midpoints = append(pt.midpoints, i)
	}
}

// lookupHash returns every entry in the PTable with the given stream
// hash, in ascending event-number order.
func (pt *PTable) lookupHash(hash uint64) []Entry {
	lo := sort.Search(len(pt.entries), func(i int) bool { return pt.entries[i].StreamHash >= hash })
	hi := sort.Search(len(pt.entries), func(i int) bool { return pt.entries[i].StreamHash > hash })
	if lo >= hi {
		return nil
	}
	return pt.entries[lo:hi]
}

func (pt *PTable) all() []Entry { return pt.entries }
