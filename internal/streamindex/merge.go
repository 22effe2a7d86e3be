package streamindex

// mergeThreshold is the PTable count above which Flush merges all
// PTables into one.
const mergeThreshold = 8

// DeletionView answers the questions the merge needs about a stream
// that the index itself does not track durably: whether it has been
// hard-deleted, and its current truncate-before watermark. The Append
// Coordinator / Reader provide a concrete implementation backed by
// stream metadata.
type DeletionView interface {
	IsHardDeleted(streamHash uint64) bool
	TruncateBefore(streamHash uint64) int64 // 0 if none
}

// kWayMerge merges several sorted PTable entry slices into one sorted,
// deduplicated slice, discarding entries for hard-deleted streams and
// entries below a stream's truncation watermark, per spec §4.B.
func kWayMerge(runs [][]Entry, view DeletionView) []Entry {
	type cursor struct {
		entries []Entry
		idx     int
	}
	cursors := make([]*cursor, 0, len(runs))
	for _, r := range runs {
		if len(r) > 0 {
			cursors = append(cursors, &cursor{entries: r})
		}
	}

	var out []Entry
	for len(cursors) > 0 {
		// Find the cursor with the smallest (StreamHash, EventNumber).
		best := 0
		for i := 1; i < len(cursors); i++ {
			if less(cursors[i].entries[cursors[i].idx], cursors[best].entries[cursors[best].idx]) {
				best = i
			}
		}
		e := cursors[best].entries[cursors[best].idx]
		cursors[best].idx++
		if cursors[best].idx >= len(cursors[best].entries) {
			cursors = append(cursors[:best], cursors[best+1:]...)
		}

		if view != nil {
			if view.IsHardDeleted(e.StreamHash) {
				continue
			}
			if tb := view.TruncateBefore(e.StreamHash); tb > 0 && e.EventNumber < tb {
				continue
			}
		}

		// Later entries for the same (hash, eventNumber) (from a newer
		// run) supersede earlier ones, e.g. after a replay or re-index.
		if n := len(out); n > 0 && out[n-1].StreamHash == e.StreamHash && out[n-1].EventNumber == e.EventNumber {
			out[n-1] = e
			continue
		}
		out = append(out, e)
	}
	return out
}

func less(a, b Entry) bool {
	if a.StreamHash != b.StreamHash {
		return a.StreamHash < b.StreamHash
	}
	return a.EventNumber < b.EventNumber
}
