package streamindex

import "sort"

// memtable is the in-memory sorted map from (stream-hash, event-number)
// to log position, plus an exact stream-name map used to disambiguate
// 64-bit hash collisions without touching disk.
type memtable struct {
	byHash map[uint64][]Entry         // sorted by EventNumber ascending
	names  map[uint64]map[string]bool // hash -> set of exact stream names seen
	tails  map[string]int64           // exact stream name -> current tail event number
	hasTail map[string]bool
}

func newMemtable() *memtable {
	return &memtable{
		byHash:  make(map[uint64][]Entry),
		names:   make(map[uint64]map[string]bool),
		tails:   make(map[string]int64),
		hasTail: make(map[string]bool),
	}
}

func (m *memtable) insert(stream string, eventNumber, position int64) {
	h := streamHash(stream)
	entries := m.byHash[h]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].EventNumber >= eventNumber })
	e := Entry{StreamHash: h, EventNumber: eventNumber, Position: position}
	if idx < len(entries) && entries[idx].EventNumber == eventNumber {
		entries[idx] = e
	} else {
		entries = append(entries, Entry{})
		copy(entries[idx+1:], entries[idx:])
		entries[idx] = e
	}
	m.byHash[h] = entries

	if m.names[h] == nil {
		m.names[h] = make(map[string]bool)
	}
	m.names[h][stream] = true
	if !m.hasTail[stream] || eventNumber > m.tails[stream] {
		m.tails[stream] = eventNumber
		m.hasTail[stream] = true
	}
}

// tail returns the highest event number observed for stream in the
// memtable, if any.
func (m *memtable) tail(stream string) (int64, bool) {
	v, ok := m.hasTail[stream]
	if !ok || !v {
		return 0, false
	}
	return m.tails[stream], true
}

// candidates returns the entries for a stream's hash, to be disambiguated by
// the caller using a stream-name verifier (collisions are rare but
// possible at 64 bits, per spec §4.B).
func (m *memtable) candidates(stream string) []Entry {
	return m.byHash[streamHash(stream)]
}

func (m *memtable) hasSeenName(stream string) bool {
	h := streamHash(stream)
	names := m.names[h]
	return names != nil && names[stream]
}

// snapshot returns every entry currently held in the memtable, used when
// flushing to a new PTable.
func (m *memtable) snapshot() []Entry {
	var out []Entry
	for _, entries := range m.byHash {
		out = append(out, entries...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StreamHash != out[j].StreamHash {
			return out[i].StreamHash < out[j].StreamHash
		}
		return out[i].EventNumber < out[j].EventNumber
	})
	return out
}

func (m *memtable) clear() {
	m.byHash = make(map[uint64][]Entry)
	m.names = make(map[uint64]map[string]bool)
	m.tails = make(map[string]int64)
	m.hasTail = make(map[string]bool)
}
