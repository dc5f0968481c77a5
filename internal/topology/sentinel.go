package topology

import (
	"net"
	"strconv"
	"time"

	sentinel "github.com/FZambia/go-sentinel"
	"github.com/garyburd/redigo/redis"

	"github.com/galaxyed/redisdriver/internal/conninfo"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/shard"
)

// SentinelConfig describes one Sentinel pool watching one or more named
// masters, each of which becomes a Shard.
type SentinelConfig struct {
	Addrs         []string
	MasterNames   []string // one Shard per entry
	Password      string
	TLS           bool
	PollInterval  time.Duration // default 5s
	DialTimeout   time.Duration // default 300ms, per the teacher's sentinel dial
}

func (c SentinelConfig) withDefaults() SentinelConfig {
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 300 * time.Millisecond
	}
	return c
}

// NewSentinelHolder builds a Holder that discovers master/replica sets for
// each configured master name via Sentinel, per §4.3 "Sentinel mode".
func NewSentinelHolder(cfg SentinelConfig, registry *serverid.Registry, logger *logging.HandlerLogger, instCfg instance.Config) *Holder {
	cfg = cfg.withDefaults()
	h := newHolder(ModeSentinel, registry, logger, instCfg)
	h.sentinelCfg = &cfg
	return h
}

// runSentinel runs the Sentinel discovery loop; it blocks until Stop is
// called.
func (h *Holder) runSentinel() {
	defer close(h.doneCh)

	cfg := h.sentinelCfg
	pools := make(map[string]*sentinel.Sentinel, len(cfg.MasterNames))
	for _, name := range cfg.MasterNames {
		pools[name] = &sentinel.Sentinel{
			Addrs:      cfg.Addrs,
			MasterName: name,
			Dial: func(addr string) (redis.Conn, error) {
				return redis.DialTimeout("tcp", addr, cfg.DialTimeout, cfg.DialTimeout, cfg.DialTimeout)
			},
		}
	}
	h.sentinelPools = pools

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	h.refreshSentinel(pools)
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.refreshSentinel(pools)
		}
	}
}

func (h *Holder) refreshSentinel(pools map[string]*sentinel.Sentinel) {
	if !h.tryBeginUpdate() {
		return
	}
	defer h.endUpdate()

	cur := h.Current()
	next := &Snapshot{Shards: make(map[string]*shard.Shard, len(pools))}

	for name, sntnl := range pools {
		if err := sntnl.Discover(); err != nil {
			if h.logger != nil {
				h.logger.Warnf("topology: sentinel discover for %s: %v", name, err)
			}
		}

		masterAddr, err := sntnl.MasterAddr()
		if err != nil {
			if h.logger != nil {
				h.logger.Warnf("topology: sentinel master addr for %s: %v", name, err)
			}
			if s, ok := cur.Shards[name]; ok {
				next.Shards[name] = s
			}
			continue
		}

		slaves, err := sntnl.Slaves()
		if err != nil && h.logger != nil {
			h.logger.Warnf("topology: sentinel slaves for %s: %v", name, err)
		}

		s := h.getOrCreateShard(name)
		desired := shard.Desired{
			Masters: []conninfo.Info{masterConnInfo(masterAddr, h.sentinelCfg)},
		}
		for _, sl := range slaves {
			if !sl.Available() {
				continue
			}
			desired.Replicas = append(desired.Replicas, replicaConnInfo(sl.Addr(), h.sentinelCfg))
		}
		s.ProcessCreation(desired)
		next.Shards[name] = s
	}

	h.publish(next)
}

func masterConnInfo(addr string, cfg *SentinelConfig) conninfo.Info {
	host, port := splitHostPort(addr)
	return conninfo.Info{Host: host, Port: port, Password: cfg.Password, TLS: cfg.TLS}
}

func replicaConnInfo(addr string, cfg *SentinelConfig) conninfo.Info {
	host, port := splitHostPort(addr)
	return conninfo.Info{Host: host, Port: port, Password: cfg.Password, TLS: cfg.TLS, Readonly: true}
}

// splitHostPort parses a "host:port" address into conninfo.Info's
// host/port fields, tolerating an unparseable address by leaving port 0.
func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
