// Package hashroute computes the deterministic shard assignment for a
// stream: every stream is pinned to exactly one of the store's fixed
// number of write shards for its entire lifetime, so that appends to a
// given stream always serialize on the same Append Coordinator shard lock
// and, over the wire, go through the same server shard queue.
package hashroute

import (
	"hash/fnv"
	"strings"

	"chronicles/internal/domain"
)

// ShardCount is the fixed number of write shards, matching
// domain.DefaultShardCount unless the store is configured otherwise.
const ShardCount = domain.DefaultShardCount

// CanonicalizeStreamID trims incidental whitespace from a stream name
// before hashing. Stream names are otherwise case-sensitive and exact.
func CanonicalizeStreamID(stream domain.StreamID) domain.StreamID {
	return domain.StreamID(strings.TrimSpace(string(stream)))
}

// ShardForStream returns the deterministic shard a stream is routed to.
func ShardForStream(stream domain.StreamID) domain.ShardID {
	key := CanonicalizeStreamID(stream)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return domain.ShardID(h.Sum64() % ShardCount)
}
