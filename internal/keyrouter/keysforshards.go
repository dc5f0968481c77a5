package keyrouter

import "fmt"

// KeysForShards precomputes, for each shard, the lexicographically smallest
// lowercase-letter key that hashes to it. Used when a command requires a
// concrete key argument but the caller only has a shard index (e.g. to run
// an administrative command against every shard). Ported from the original
// driver's GenerateLexMinKeysForShards recursive backtracking.
type KeysForShards struct {
	keys []string
}

// NewKeysForShards enumerates lowercase-letter keys of increasing length
// (1..maxLen), lexicographically, until every shard in [0, router.ShardsCount())
// has a representative key. It returns an error if maxLen is exhausted
// before every shard is covered.
func NewKeysForShards(router Router, maxLen int) (*KeysForShards, error) {
	shardCount := router.ShardsCount()
	keys := make([]string, shardCount)
	need := shardCount

	buf := make([]byte, 0, maxLen)
	for length := 1; length <= maxLen && need > 0; length++ {
		buf = buf[:length]
		generateLexMin(router, buf, 0, &need, keys)
	}
	if need > 0 {
		for i, k := range keys {
			if k == "" {
				return nil, fmt.Errorf("keyrouter: failed to generate key with length<=%d for shard=%d", maxLen, i)
			}
		}
		return nil, fmt.Errorf("keyrouter: need=%d keys remain unaccounted", need)
	}
	return &KeysForShards{keys: keys}, nil
}

func generateLexMin(router Router, buf []byte, pos int, need *int, keys []string) {
	if pos == len(buf) {
		shard := router.ShardByKey(string(buf))
		if keys[shard] == "" {
			keys[shard] = string(buf)
			*need--
		}
		return
	}
	for c := byte('a'); c <= 'z'; c++ {
		buf[pos] = c
		generateLexMin(router, buf, pos+1, need, keys)
		if *need == 0 {
			return
		}
	}
}

// GetAnyKeyForShard returns the precomputed representative key for
// shardIdx.
func (k *KeysForShards) GetAnyKeyForShard(shardIdx int) string {
	return k.keys[shardIdx]
}
