package topology

import (
	"testing"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/shard"
)

func TestSameShardSetEmptyEqual(t *testing.T) {
	a := &Snapshot{Shards: map[string]*shard.Shard{}}
	b := &Snapshot{Shards: map[string]*shard.Shard{}}
	if !sameShardSet(a, b) {
		t.Fatal("two empty snapshots must compare equal")
	}
}

func TestSameShardSetDiffers(t *testing.T) {
	a := &Snapshot{Shards: map[string]*shard.Shard{"x": nil}}
	b := &Snapshot{Shards: map[string]*shard.Shard{}}
	if sameShardSet(a, b) {
		t.Fatal("snapshots with different shard sets must not compare equal")
	}
}

func TestAppendUniqueDedups(t *testing.T) {
	list := appendUnique(appendUnique(nil, "a"), "a")
	if len(list) != 1 {
		t.Fatalf("expected 1 element, got %v", list)
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port := splitHostPort("10.0.0.1:6380")
	if host != "10.0.0.1" || port != 6380 {
		t.Fatalf("unexpected split: %s %d", host, port)
	}
}

func TestSlotRangesKeyStable(t *testing.T) {
	a := []slotRange{{start: 0, end: 100, master: "h:1"}}
	b := []slotRange{{start: 0, end: 100, master: "h:1"}}
	if slotRangesKey(a) != slotRangesKey(b) {
		t.Fatal("identical slot ranges must produce the same key")
	}
}

func TestAllShardsReadyEmptySnapshot(t *testing.T) {
	snap := &Snapshot{Shards: map[string]*shard.Shard{}}
	if !allShardsReady(snap, command.WaitMasterOnly) {
		t.Fatal("vacuous truth: no shards means all shards ready")
	}
}
