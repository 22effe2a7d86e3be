package hashroute

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"chronicles/internal/domain"
)

func TestShardForStreamDeterministic(t *testing.T) {
	streams := []domain.StreamID{"orders-45", " orders-45 ", "550e8400-e29b-41d4-a716-446655440000", "$$orders-45"}
	for _, s := range streams {
		p1 := ShardForStream(s)
		p2 := ShardForStream(s)
		if p1 != p2 {
			t.Fatalf("shard should be deterministic for %q", s)
		}
		if p1 >= ShardCount {
			t.Fatalf("shard out of range for %q: %d", s, p1)
		}
	}
}

func TestCanonicalizeStreamIDTrimsWhitespaceOnly(t *testing.T) {
	cases := map[domain.StreamID]domain.StreamID{
		"  ABC  ":    "ABC",
		"":           "",
		"  üñîçødê ": "üñîçødê",
		"MiXeD Case": "MiXeD Case",
	}
	for in, want := range cases {
		if got := CanonicalizeStreamID(in); got != want {
			t.Fatalf("canonicalize(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestShardRangeProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string) bool {
		p := ShardForStream(domain.StreamID(s))
		return p < ShardCount
	}, cfg); err != nil {
		t.Fatalf("shard range property failed: %v", err)
	}
}

func TestMetadataStreamShardIsStable(t *testing.T) {
	meta := domain.MetadataStreamOf("orders-45")
	if ShardForStream(meta) != ShardForStream(meta) {
		t.Fatalf("metadata stream shard must be stable")
	}
}
