package topology

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/galaxyed/redisdriver/internal/conninfo"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/shard"
)

// ClusterConfig describes the seed pool a Cluster-mode Holder explores.
type ClusterConfig struct {
	SeedAddrs      []string
	Password       string
	TLS            bool
	DialTimeout    time.Duration // default 1s
	ExploreInterval time.Duration // CLUSTER NODES timer, default 10s
	SlotsInterval   time.Duration // CLUSTER SLOTS timer, default 5s
	SlotsFanout     int           // how many nodes to ask per update, default 3

	// OnNonCluster is invoked once, the first time a seed node reports it
	// doesn't support cluster commands, so the caller can fall back to
	// Sentinel mode (§4.3, S6).
	OnNonCluster func()
}

func (c ClusterConfig) withDefaults() ClusterConfig {
	if c.DialTimeout == 0 {
		c.DialTimeout = time.Second
	}
	if c.ExploreInterval == 0 {
		c.ExploreInterval = 10 * time.Second
	}
	if c.SlotsInterval == 0 {
		c.SlotsInterval = 5 * time.Second
	}
	if c.SlotsFanout == 0 {
		c.SlotsFanout = 3
	}
	return c
}

// NewClusterHolder builds a Holder that explores CLUSTER NODES/CLUSTER
// SLOTS from a seed pool, per §4.3 "Cluster mode".
func NewClusterHolder(cfg ClusterConfig, registry *serverid.Registry, logger *logging.HandlerLogger, instCfg instance.Config) *Holder {
	cfg = cfg.withDefaults()
	if cb := cfg.OnNonCluster; cb != nil {
		var once sync.Once
		cfg.OnNonCluster = func() { once.Do(cb) }
	}
	h := newHolder(ModeCluster, registry, logger, instCfg)
	h.clusterCfg = &cfg
	return h
}

// nodesStorage records every host:port seen in CLUSTER NODES and CLUSTER
// SLOTS output. Shard/Instance reuse across passes comes from
// getOrCreateShard and Shard.ProcessCreation, not from this set.
type nodesStorage struct {
	known map[string]bool
}

func (h *Holder) runCluster() {
	defer close(h.doneCh)

	cfg := h.clusterCfg
	storage := &nodesStorage{known: make(map[string]bool)}
	seeds := append([]string(nil), cfg.SeedAddrs...)
	h.clusterStorage = storage
	h.setClusterSeeds(seeds)

	exploreTicker := time.NewTicker(cfg.ExploreInterval)
	slotsTicker := time.NewTicker(cfg.SlotsInterval)
	defer exploreTicker.Stop()
	defer slotsTicker.Stop()

	h.exploreNodes(cfg, storage, &seeds)
	h.setClusterSeeds(seeds)
	h.refreshSlots(cfg, storage, seeds)
	for {
		select {
		case <-h.stopCh:
			return
		case <-exploreTicker.C:
			h.exploreNodes(cfg, storage, &seeds)
			h.setClusterSeeds(seeds)
		case <-slotsTicker.C:
			h.refreshSlots(cfg, storage, seeds)
		}
	}
}

func (h *Holder) setClusterSeeds(seeds []string) {
	h.clusterSeedsMu.Lock()
	h.clusterSeeds = append([]string(nil), seeds...)
	h.clusterSeedsMu.Unlock()
}

// exploreNodes issues CLUSTER NODES against the current seed pool and
// records every host:port it has not seen before, growing the seed pool so
// later passes can reach the whole cluster even if the original seeds
// disappear.
func (h *Holder) exploreNodes(cfg *ClusterConfig, storage *nodesStorage, seeds *[]string) {
	for _, addr := range *seeds {
		lines, err := h.clusterNodes(cfg, addr)
		if err != nil {
			if reply.IsNonClusterError(err.Error()) && cfg.OnNonCluster != nil {
				cfg.OnNonCluster()
			}
			if h.logger != nil {
				h.logger.Warnf("topology: CLUSTER NODES %s: %v", addr, err)
			}
			continue
		}
		for _, addr := range lines {
			if !storage.known[addr] {
				storage.known[addr] = true
				*seeds = appendUnique(*seeds, addr)
			}
		}
		return // one successful response is enough for this pass
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// clusterNodes dials addr, runs CLUSTER NODES, and returns every host:port
// field parsed from the reply lines.
func (h *Holder) clusterNodes(cfg *ClusterConfig, addr string) ([]string, error) {
	conn, err := h.dial(cfg, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.String(conn.Do("CLUSTER", "NODES"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		hostPort := strings.SplitN(fields[1], "@", 2)[0]
		if hostPort != "" {
			out = append(out, hostPort)
		}
	}
	return out, nil
}

func (h *Holder) dial(cfg *ClusterConfig, addr string) (redis.Conn, error) {
	opts := []redis.DialOption{
		redis.DialConnectTimeout(cfg.DialTimeout),
		redis.DialReadTimeout(cfg.DialTimeout),
		redis.DialWriteTimeout(cfg.DialTimeout),
	}
	if cfg.TLS {
		opts = append(opts, redis.DialUseTLS(true))
	}
	conn, err := redis.Dial("tcp", addr, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		if _, err := conn.Do("AUTH", cfg.Password); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// slotRange is one CLUSTER SLOTS reply entry: [start, end, master, ...replicas].
type slotRange struct {
	start, end int
	master     string
	replicas   []string
}

// refreshSlots issues CLUSTER SLOTS against up to cfg.SlotsFanout nodes and
// accepts the majority-agreeing reply, per §4.3's quorum rule
// (⌊N/2⌋+1 successful responses agreeing on the same slot map).
func (h *Holder) refreshSlots(cfg *ClusterConfig, storage *nodesStorage, seeds []string) {
	if !h.tryBeginUpdate() {
		return
	}
	defer h.endUpdate()

	fanout := cfg.SlotsFanout
	if fanout > len(seeds) {
		fanout = len(seeds)
	}
	if fanout == 0 {
		return
	}

	type result struct {
		ranges []slotRange
		key    string
	}
	byKey := make(map[string]int)
	var results []result
	for i := 0; i < fanout; i++ {
		ranges, err := h.clusterSlots(cfg, seeds[i])
		if err != nil {
			if reply.IsNonClusterError(err.Error()) && cfg.OnNonCluster != nil {
				cfg.OnNonCluster()
			}
			if h.logger != nil {
				h.logger.Warnf("topology: CLUSTER SLOTS %s: %v", seeds[i], err)
			}
			continue
		}
		key := slotRangesKey(ranges)
		byKey[key]++
		results = append(results, result{ranges: ranges, key: key})
	}

	quorum := fanout/2 + 1
	var winner []slotRange
	for _, r := range results {
		if byKey[r.key] >= quorum {
			winner = r.ranges
			break
		}
	}
	if winner == nil {
		if h.logger != nil {
			h.logger.Warnf("topology: CLUSTER SLOTS quorum not reached (%d/%d needed)", len(results), quorum)
		}
		return
	}

	next := &Snapshot{
		Shards:      make(map[string]*shard.Shard),
		SlotToShard: make([]string, 16384),
	}
	for _, sr := range winner {
		name := sr.master
		for _, storageAddr := range append([]string{sr.master}, sr.replicas...) {
			storage.known[storageAddr] = true
		}
		s := h.getOrCreateShard(name)
		desired := shard.Desired{Masters: []conninfo.Info{addrToInfo(sr.master, cfg)}}
		for _, rep := range sr.replicas {
			desired.Replicas = append(desired.Replicas, addrToInfo(rep, cfg))
		}
		s.ProcessCreation(desired)
		next.Shards[name] = s
		for slot := sr.start; slot <= sr.end && slot < len(next.SlotToShard); slot++ {
			next.SlotToShard[slot] = name
		}
	}
	h.publish(next)
}

func slotRangesKey(ranges []slotRange) string {
	var b strings.Builder
	for _, r := range ranges {
		fmt.Fprintf(&b, "%d-%d:%s;", r.start, r.end, r.master)
	}
	return b.String()
}

func (h *Holder) clusterSlots(cfg *ClusterConfig, addr string) ([]slotRange, error) {
	conn, err := h.dial(cfg, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := conn.Do("CLUSTER", "SLOTS")
	if err != nil {
		return nil, err
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("topology: unexpected CLUSTER SLOTS reply shape")
	}

	out := make([]slotRange, 0, len(entries))
	for _, e := range entries {
		fields, ok := e.([]interface{})
		if !ok || len(fields) < 3 {
			continue
		}
		start, err1 := redis.Int(fields[0], nil)
		end, err2 := redis.Int(fields[1], nil)
		if err1 != nil || err2 != nil {
			continue
		}
		sr := slotRange{start: start, end: end}
		for i := 2; i < len(fields); i++ {
			node, ok := fields[i].([]interface{})
			if !ok || len(node) < 2 {
				continue
			}
			host, _ := redis.String(node[0], nil)
			port, _ := redis.Int(node[1], nil)
			addr := fmt.Sprintf("%s:%d", host, port)
			if i == 2 {
				sr.master = addr
			} else {
				sr.replicas = append(sr.replicas, addr)
			}
		}
		out = append(out, sr)
	}
	return out, nil
}

func addrToInfo(addr string, cfg *ClusterConfig) conninfo.Info {
	host, port := splitHostPort(addr)
	return conninfo.Info{Host: host, Port: port, Password: cfg.Password, TLS: cfg.TLS}
}
