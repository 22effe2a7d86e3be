package streamindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned by Lookup when no entry exists for the requested
// (stream, event-number).
var ErrNotFound = fmt.Errorf("streamindex: not found")

// RecordStreamOf dereferences a log position and returns the stream name
// recorded there, used to disambiguate 64-bit stream-hash collisions
// (spec §4.B). The Append Coordinator wires this to the Chunked Log.
type RecordStreamOf func(position int64) (stream string, err error)

// Index is the two-tier stream index: a memtable of recent writes plus
// immutable on-disk PTables, merged by Flush once there are more than
// mergeThreshold of them.
type Index struct {
	dir        string
	recordOf   RecordStreamOf

	mu         sync.RWMutex
	mem        *memtable
	ptables    []*PTable // oldest first
	nextGen    uint64
	deleted    map[string]bool // hard-deleted stream names
	deletedHash map[uint64]bool
	truncateBefore map[uint64]int64 // stream-hash -> watermark, 0 if none

	mergeMu sync.Mutex
}

// Open opens or creates a stream index rooted at dir.
func Open(dir string, recordOf RecordStreamOf) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	idx := &Index{
		dir:            dir,
		recordOf:       recordOf,
		mem:            newMemtable(),
		deleted:        make(map[string]bool),
		deletedHash:    make(map[uint64]bool),
		truncateBefore: make(map[uint64]int64),
	}

	entries, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	for _, me := range entries {
		pt, err := OpenPTable(filepath.Join(dir, me.File), me.Generation)
		if err != nil {
			return nil, fmt.Errorf("streamindex: %w", err)
		}
		idx.ptables = append(idx.ptables, pt)
		if me.Generation >= idx.nextGen {
			idx.nextGen = me.Generation + 1
		}
	}
	return idx, nil
}

// Insert records a new (stream, event-number) -> position mapping.
func (idx *Index) Insert(stream string, eventNumber int64, position int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.mem.insert(stream, eventNumber, position)
}

// Lookup resolves a stream/event-number to its log position.
func (idx *Index) Lookup(stream string, eventNumber int64) (int64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, e := range idx.mem.candidates(stream) {
		if e.EventNumber != eventNumber {
			continue
		}
		if ok, err := idx.verifyStream(e, stream); err != nil {
			return 0, err
		} else if ok {
			return e.Position, nil
		}
	}
	// Newest PTables first: a memtable flush can shadow older runs.
	for i := len(idx.ptables) - 1; i >= 0; i-- {
		for _, e := range idx.ptables[i].lookupHash(streamHash(stream)) {
			if e.EventNumber != eventNumber {
				continue
			}
			if ok, err := idx.verifyStream(e, stream); err != nil {
				return 0, err
			} else if ok {
				return e.Position, nil
			}
		}
	}
	return 0, ErrNotFound
}

// verifyStream dereferences the log record at e.Position and confirms it
// actually belongs to stream, guarding against 64-bit hash collisions.
func (idx *Index) verifyStream(e Entry, stream string) (bool, error) {
	if idx.recordOf == nil {
		return true, nil
	}
	actual, err := idx.recordOf(e.Position)
	if err != nil {
		return false, err
	}
	return actual == stream, nil
}

// Tail returns the highest known event number for stream, or false if
// the stream has never been written (NoStream).
func (idx *Index) Tail(stream string) (int64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if t, ok := idx.mem.tail(stream); ok {
		return t, true
	}
	best := int64(-1)
	found := false
	h := streamHash(stream)
	for _, pt := range idx.ptables {
		for _, e := range pt.lookupHash(h) {
			if ok, _ := idx.verifyStream(e, stream); ok && e.EventNumber > best {
				best = e.EventNumber
				found = true
			}
		}
	}
	return best, found
}

// IsDeleted reports whether stream has been hard-deleted.
func (idx *Index) IsDeleted(stream string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.deleted[stream]
}

// MarkDeleted marks a stream as hard-deleted (hard=true) so future
// merges discard its entries. Soft delete (truncate-before) is tracked
// by stream metadata outside the index, per spec's open-question
// resolution that $tb takes precedence over max-count.
func (idx *Index) MarkDeleted(stream string, hard bool) {
	if !hard {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.deleted[stream] = true
	idx.deletedHash[streamHash(stream)] = true
}

func (idx *Index) IsHardDeleted(hash uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.deletedHash[hash]
}

// SetTruncateBefore records stream's current truncate-before watermark
// (domain.StreamMetadata.TruncateBefore), so that the next background
// merge discards entries the metadata store has marked as truncated.
// Callers (the Reader, on every metadata lookup) keep this in sync with
// the metadata source of truth; a zero watermark clears it.
func (idx *Index) SetTruncateBefore(stream string, eventNumber int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	h := streamHash(stream)
	if eventNumber <= 0 {
		delete(idx.truncateBefore, h)
		return
	}
	idx.truncateBefore[h] = eventNumber
}

func (idx *Index) TruncateBefore(hash uint64) int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.truncateBefore[hash]
}

// Range returns up to count entries for stream starting at from, in the
// requested direction ("forward" ascending, anything else descending).
func (idx *Index) Range(stream string, from int64, count int, forward bool) ([]Entry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	h := streamHash(stream)
	var all []Entry
	for _, e := range idx.mem.candidates(stream) {
		if ok, err := idx.verifyStream(e, stream); err == nil && ok {
			all = append(all, e)
		}
	}
	for _, pt := range idx.ptables {
		for _, e := range pt.lookupHash(h) {
			if ok, err := idx.verifyStream(e, stream); err == nil && ok {
				all = append(all, e)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EventNumber < all[j].EventNumber })

	var out []Entry
	if forward {
		for _, e := range all {
			if e.EventNumber >= from && len(out) < count {
				out = append(out, e)
			}
		}
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			e := all[i]
			if e.EventNumber <= from && len(out) < count {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Flush writes the memtable out as a new PTable and clears it, then
// runs MergeAll before returning if the PTable count exceeds
// mergeThreshold.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	snapshot := idx.mem.snapshot()
	if len(snapshot) == 0 {
		idx.mu.Unlock()
		return nil
	}
	gen := idx.nextGen
	idx.nextGen++
	idx.mu.Unlock()

	fileName := fmt.Sprintf("ptable-%08d.dat", gen)
	pt, err := WritePTable(filepath.Join(idx.dir, fileName), gen, snapshot)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.ptables = append(idx.ptables, pt)
	idx.mem.clear()
	entries := idx.manifestEntriesLocked()
	idx.mu.Unlock()

	if err := writeManifest(idx.dir, entries); err != nil {
		return err
	}
	if len(idx.ptables) > mergeThreshold {
		return idx.MergeAll()
	}
	return nil
}

func (idx *Index) manifestEntriesLocked() []manifestEntry {
	out := make([]manifestEntry, 0, len(idx.ptables))
	for _, pt := range idx.ptables {
		out = append(out, manifestEntry{Generation: pt.generation, File: filepath.Base(pt.path)})
	}
	return out
}

// MergeAll performs a k-way merge of every PTable into a single new run,
// then atomically swaps the manifest to reference only the merged file.
func (idx *Index) MergeAll() error {
	idx.mergeMu.Lock()
	defer idx.mergeMu.Unlock()

	idx.mu.RLock()
	runs := make([][]Entry, len(idx.ptables))
	for i, pt := range idx.ptables {
		runs[i] = pt.all()
	}
	idx.mu.RUnlock()

	merged := kWayMerge(runs, idx)

	idx.mu.Lock()
	gen := idx.nextGen
	idx.nextGen++
	idx.mu.Unlock()

	fileName := fmt.Sprintf("ptable-%08d.dat", gen)
	pt, err := WritePTable(filepath.Join(idx.dir, fileName), gen, merged)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	old := idx.ptables
	idx.ptables = []*PTable{pt}
	entries := idx.manifestEntriesLocked()
	idx.mu.Unlock()

	if err := writeManifest(idx.dir, entries); err != nil {
		return err
	}
	for _, o := range old {
		_ = os.Remove(o.path)
	}
	return nil
}
