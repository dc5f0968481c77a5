// Package topology implements C3: the Topology Holder. It keeps Shard
// instance vectors in sync with either a Sentinel pool (master/replica
// discovery) or a Redis Cluster (slot map discovery), publishes immutable
// snapshots via a copy-on-write cell so in-flight readers never observe a
// torn update, and exposes WaitConnectedOnce for startup synchronization.
package topology

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sentinel "github.com/FZambia/go-sentinel"
	"golang.org/x/time/rate"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/shard"
)

// Mode selects which discovery protocol a Holder runs.
type Mode int

const (
	ModeSentinel Mode = iota
	ModeCluster
)

// Snapshot is the immutable, atomically-swapped view of the current
// topology: a map of shard name to live Shard, plus (cluster mode only) a
// slot-to-shard-name lookup.
type Snapshot struct {
	Version     uint64
	Shards      map[string]*shard.Shard
	SlotToShard []string // len 16384 in cluster mode, nil otherwise
	NonCluster  bool      // no Holder code path sets it; always false
}

// ShardByName looks up a shard by its configured name.
func (s *Snapshot) ShardByName(name string) *shard.Shard {
	if s == nil {
		return nil
	}
	return s.Shards[name]
}

// ShardBySlot looks up the shard owning a cluster slot. Only meaningful in
// cluster mode.
func (s *Snapshot) ShardBySlot(slot int) *shard.Shard {
	if s == nil || s.SlotToShard == nil || slot < 0 || slot >= len(s.SlotToShard) {
		return nil
	}
	name := s.SlotToShard[slot]
	if name == "" {
		return nil
	}
	return s.Shards[name]
}

// Holder owns periodic discovery and the copy-on-write Snapshot cell.
type Holder struct {
	mode     Mode
	registry *serverid.Registry
	logger   *logging.HandlerLogger
	instCfg  instance.Config

	cell atomic.Value // holds *Snapshot

	updating int32 // atomic bool: collapses concurrent refreshes

	// refreshLimiter caps how often RequestRefresh can actually trigger a
	// pass: a command storm hitting MOVED repeatedly must not spawn a
	// refresh goroutine per reply, only tryBeginUpdate's in-flight check
	// guards concurrent passes, not their rate.
	refreshLimiter *rate.Limiter

	mu      sync.Mutex
	nameIdx map[string]*shard.Shard

	stopCh chan struct{}
	doneCh chan struct{}

	// sentinel-mode config and live discovery state
	sentinelCfg   *SentinelConfig
	sentinelPools map[string]*sentinel.Sentinel

	// cluster-mode config and live discovery state
	clusterCfg     *ClusterConfig
	clusterStorage *nodesStorage
	clusterSeedsMu sync.Mutex
	clusterSeeds   []string
}

// refreshNow runs one out-of-band discovery pass using whatever state the
// running discovery loop has already built up (sentinel pools, or the
// cluster seed/node storage). A no-op before Start has populated that
// state.
func (h *Holder) refreshNow() {
	switch h.mode {
	case ModeSentinel:
		if h.sentinelPools != nil {
			h.refreshSentinel(h.sentinelPools)
		}
	case ModeCluster:
		if h.clusterStorage != nil {
			h.clusterSeedsMu.Lock()
			seeds := append([]string(nil), h.clusterSeeds...)
			h.clusterSeedsMu.Unlock()
			h.refreshSlots(h.clusterCfg, h.clusterStorage, seeds)
		}
	}
}

// minRefreshInterval bounds how often RequestRefresh can trigger an
// out-of-band discovery pass.
const minRefreshInterval = 200 * time.Millisecond

func newHolder(mode Mode, registry *serverid.Registry, logger *logging.HandlerLogger, instCfg instance.Config) *Holder {
	h := &Holder{
		mode:           mode,
		registry:       registry,
		logger:         logger,
		instCfg:        instCfg,
		nameIdx:        make(map[string]*shard.Shard),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		refreshLimiter: rate.NewLimiter(rate.Every(minRefreshInterval), 1),
	}
	h.cell.Store(&Snapshot{Shards: map[string]*shard.Shard{}})
	return h
}

// Current returns the latest published Snapshot. Safe for concurrent use;
// never blocks on the discovery loop.
func (h *Holder) Current() *Snapshot {
	return h.cell.Load().(*Snapshot)
}

// Start launches the discovery loop appropriate to the Holder's Mode. Call
// exactly once.
func (h *Holder) Start() {
	switch h.mode {
	case ModeSentinel:
		go h.runSentinel()
	case ModeCluster:
		go h.runCluster()
	}
}

// RequestRefresh asks for an out-of-band discovery pass, debounced against
// any pass already in flight via the same "update in progress" flag the
// periodic tick uses, and rate-limited against a burst of callers (e.g. many
// commands hitting MOVED at once) so each spawns at most one pass every
// minRefreshInterval. Used by the dispatcher on MOVED so a redirect can be
// followed by an up-to-date slot map on its next retry (§4.5).
func (h *Holder) RequestRefresh() {
	if !h.refreshLimiter.Allow() {
		return
	}
	go h.refreshNow()
}

// Stop halts the discovery loop. Shards and their Instances are left
// running; callers tear those down separately via the shards themselves.
func (h *Holder) Stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
	<-h.doneCh
}

// publish installs a new Snapshot via copy-on-write, skipping the swap if
// the shard set is unchanged (same shard names and same slot map), per
// §4.3 "Quorum and debouncing".
func (h *Holder) publish(next *Snapshot) {
	cur := h.Current()
	if sameShardSet(cur, next) {
		return
	}
	next.Version = cur.Version + 1
	h.cell.Store(next)
	if h.logger != nil {
		h.logger.Infof("topology: published snapshot version=%d shards=%d", next.Version, len(next.Shards))
	}
}

func sameShardSet(a, b *Snapshot) bool {
	if a == nil || b == nil || len(a.Shards) != len(b.Shards) {
		return false
	}
	for name := range a.Shards {
		if _, ok := b.Shards[name]; !ok {
			return false
		}
	}
	if (a.SlotToShard == nil) != (b.SlotToShard == nil) {
		return false
	}
	for i := range a.SlotToShard {
		if i >= len(b.SlotToShard) || a.SlotToShard[i] != b.SlotToShard[i] {
			return false
		}
	}
	return true
}

// getOrCreateShard returns the existing Shard for name, creating one (with
// an empty instance vector) if this is the first time it has been seen.
func (h *Holder) getOrCreateShard(name string) *shard.Shard {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.nameIdx[name]; ok {
		return s
	}
	s := shard.New(name, h.registry, h.logger, h.instCfg)
	h.nameIdx[name] = s
	return s
}

// tryBeginUpdate collapses concurrent discovery passes into one: returns
// false if an update is already in progress.
func (h *Holder) tryBeginUpdate() bool {
	return atomic.CompareAndSwapInt32(&h.updating, 0, 1)
}

func (h *Holder) endUpdate() {
	atomic.StoreInt32(&h.updating, 0)
}

// WaitConnectedOnce blocks until the current Snapshot is non-empty and
// every shard satisfies mode, or ctx is done.
func (h *Holder) WaitConnectedOnce(ctx context.Context, mode command.WaitMode) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := h.Current()
		if len(snap.Shards) > 0 && allShardsReady(snap, mode) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("topology: WaitConnectedOnce: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func allShardsReady(snap *Snapshot, mode command.WaitMode) bool {
	for _, s := range snap.Shards {
		if !s.IsReady(mode) {
			return false
		}
	}
	return true
}
