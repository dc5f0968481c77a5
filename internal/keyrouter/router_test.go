package keyrouter

import (
	"hash/crc32"
	"testing"
)

func TestHashtagExtraction(t *testing.T) {
	cases := []struct {
		key  string
		want string
	}{
		{"{user42}:profile", "user42"},
		{"{user42}:orders", "user42"},
		{"plain", "plain"},
		{"{}empty", "{}empty"},
		{"no-closing{tag", "no-closing{tag"},
		{"{a}{b}", "a"},
	}
	for _, c := range cases {
		if got := HashtagKey(c.key); got != c.want {
			t.Errorf("HashtagKey(%q) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestHashtagKeysRouteToSameShard(t *testing.T) {
	a := Slot("{user42}:profile")
	b := Slot("{user42}:orders")
	if a != b {
		t.Fatalf("keys with identical hashtag routed to different slots: %d vs %d", a, b)
	}
}

func TestMutatingOutsideHashtagDoesNotChangeShard(t *testing.T) {
	base := Slot("{user42}:profile")
	mutated := Slot("{user42}:profileXYZ")
	if base != mutated {
		t.Fatalf("mutating outside the hashtag changed the slot: %d vs %d", base, mutated)
	}
}

func TestSlotInRange(t *testing.T) {
	keys := []string{"a", "b", "plain", "{tag}rest", "", "a very long key with spaces"}
	for _, k := range keys {
		s := Slot(k)
		if s < 0 || s >= NumSlots {
			t.Fatalf("Slot(%q) = %d out of range [0, %d)", k, s, NumSlots)
		}
	}
}

func TestCRC32RouterMatchesStdlib(t *testing.T) {
	r := NewCRC32Router(3)
	got := r.ShardByKey("plain")
	want := int(crc32.ChecksumIEEE([]byte("plain"))) % 3
	if got != want {
		t.Fatalf("ShardByKey(%q) = %d, want %d", "plain", got, want)
	}
}

func TestShardByKeyAlwaysInRange(t *testing.T) {
	r := NewCRC32Router(5)
	for _, k := range []string{"a", "b", "c", "{tag}x", "{tag}y", ""} {
		s := r.ShardByKey(k)
		if s < 0 || s >= r.ShardsCount() {
			t.Fatalf("ShardByKey(%q) = %d out of range", k, s)
		}
	}
}

func TestZeroRouter(t *testing.T) {
	var r ZeroRouter
	if r.ShardByKey("anything") != 0 || r.ShardsCount() != 1 {
		t.Fatalf("ZeroRouter must always route to shard 0 of 1")
	}
}

func TestKeysForShardsCoversEveryShard(t *testing.T) {
	r := NewCRC32Router(8)
	kfs, err := NewKeysForShards(r, 4)
	if err != nil {
		t.Fatalf("NewKeysForShards: %v", err)
	}
	for i := 0; i < r.ShardsCount(); i++ {
		key := kfs.GetAnyKeyForShard(i)
		if key == "" {
			t.Fatalf("no key generated for shard %d", i)
		}
		if got := r.ShardByKey(key); got != i {
			t.Fatalf("generated key %q for shard %d actually routes to %d", key, i, got)
		}
	}
}
