// Package keyrouter maps a command key to a shard index: CRC16-over-hashtag
// mod 16384 (then through the cluster slot map) for Cluster mode, or a
// pluggable function for Sentinel mode.
package keyrouter

import "hash/crc32"

// Router maps a key to a shard index in [0, ShardsCount()).
type Router interface {
	ShardByKey(key string) int
	ShardsCount() int
	// GeneratesKeysForShards reports whether KeysForShards can usefully
	// build example keys for this router (a hash-based router can; an
	// identity router to a single shard cannot meaningfully vary).
	GeneratesKeysForShards() bool
}

// ZeroRouter always routes to shard 0. It exists for single-shard
// (non-sharded, non-cluster) deployments - the Go counterpart of the
// original driver's KeyShardZero.
type ZeroRouter struct{}

func (ZeroRouter) ShardByKey(string) int       { return 0 }
func (ZeroRouter) ShardsCount() int            { return 1 }
func (ZeroRouter) GeneratesKeysForShards() bool { return false }

// CRC32Router routes by CRC32(IEEE) of the hashtag-extracted key, mod the
// shard count. This is the default Sentinel-mode router referenced in
// spec.md §4.4 ("e.g., CRC32").
type CRC32Router struct {
	shardCount int
}

// NewCRC32Router builds a CRC32Router for shardCount shards. shardCount must
// be > 0.
func NewCRC32Router(shardCount int) *CRC32Router {
	if shardCount <= 0 {
		panic("keyrouter: shardCount must be positive")
	}
	return &CRC32Router{shardCount: shardCount}
}

func (r *CRC32Router) ShardByKey(key string) int {
	h := crc32.ChecksumIEEE([]byte(HashtagKey(key)))
	return int(h) % r.shardCount
}

func (r *CRC32Router) ShardsCount() int             { return r.shardCount }
func (r *CRC32Router) GeneratesKeysForShards() bool { return true }

// ClusterRouter routes by CRC16 hashtag slot through a caller-supplied
// slot-to-shard lookup, refreshed whenever the Topology Holder installs a
// new ClusterTopology snapshot (see internal/topology).
type ClusterRouter struct {
	slotToShard func(slot int) int
	shardCount  func() int
}

// NewClusterRouter builds a ClusterRouter. slotToShard and shardCount read
// the live topology snapshot; they must be safe to call concurrently with
// topology updates (the topology package guarantees this via its
// read-copy-update cell).
func NewClusterRouter(slotToShard func(slot int) int, shardCount func() int) *ClusterRouter {
	return &ClusterRouter{slotToShard: slotToShard, shardCount: shardCount}
}

func (r *ClusterRouter) ShardByKey(key string) int {
	return r.slotToShard(Slot(key))
}

func (r *ClusterRouter) ShardsCount() int             { return r.shardCount() }
func (r *ClusterRouter) GeneratesKeysForShards() bool { return true }
