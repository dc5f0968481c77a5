package redisdriver

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/config"
	"github.com/galaxyed/redisdriver/internal/dispatch"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/keyrouter"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/pubsubgateway"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/stats"
	"github.com/galaxyed/redisdriver/internal/substorage"
	"github.com/galaxyed/redisdriver/internal/topology"
)

// Client is the top-level driver handle: it owns the Topology Holder, the
// Command Dispatcher, the Subscription Storage and the dedicated pubsub
// Gateway, and is the only type most callers construct directly.
type Client struct {
	cfg     *config.Config
	logger  *logging.HandlerLogger
	holder  *topology.Holder
	disp    *dispatch.Dispatcher
	storage *substorage.Storage
	stats   *stats.Collector

	rebalanceStop chan struct{}
	rebalanceDone chan struct{}
}

// New builds a Client from cfg. reg receives every exported metric; pass
// prometheus.DefaultRegisterer in production. logHandler, if non-nil,
// receives every log entry; pass nil to use a handler built on
// logging.NewDefaultZerolog.
func New(cfg *config.Config, reg prometheus.Registerer, logHandler logging.Handler) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("redisdriver: %w", err)
	}

	if logHandler == nil {
		logHandler = logging.ZerologHandler(logging.NewDefaultZerolog())
	}
	level, ok := logging.StringToLevel[cfg.LogLevel]
	if !ok {
		level = logging.INFO
	}
	logger := logging.New(level, logHandler)

	registry := serverid.NewRegistry()
	metrics := stats.New(reg)

	instCfg := instance.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
	}

	var holder *topology.Holder
	var router keyrouter.Router
	cluster := cfg.Mode == "cluster"

	// storage is declared ahead of the Holder/Gateway so OnNonCluster and
	// the Gateway's message callback can close over it; both only fire
	// once the discovery loop or a dedicated pubsub connection is live,
	// well after storage is assigned below.
	var storage *substorage.Storage

	switch cfg.Mode {
	case "sentinel":
		holder = topology.NewSentinelHolder(topology.SentinelConfig{
			Addrs:        cfg.SentinelAddrs,
			MasterNames:  cfg.SentinelMasters,
			Password:     cfg.Password,
			TLS:          cfg.TLS,
			PollInterval: cfg.SentinelPollInterval,
		}, registry, logger, instCfg)
		router = keyrouter.NewCRC32Router(maxInt(len(cfg.SentinelMasters), 1))
	case "cluster":
		holder = topology.NewClusterHolder(topology.ClusterConfig{
			SeedAddrs:       cfg.ClusterSeeds,
			Password:        cfg.Password,
			TLS:             cfg.TLS,
			ExploreInterval: cfg.ClusterExploreInterval,
			SlotsInterval:   cfg.ClusterSlotsInterval,
			SlotsFanout:     cfg.ClusterSlotsFanout,
			// A full mode switch (re-dialing as Sentinel against the same
			// addresses) is out of scope here; SwitchToNonClusterMode
			// promotes every channel's fake per-shard slots to real FSMs on
			// whichever shards the cluster Holder's current snapshot lists.
			OnNonCluster: func() {
				if storage != nil {
					storage.SwitchToNonClusterMode()
				}
			},
		}, registry, logger, instCfg)
		router = keyrouter.ZeroRouter{}
	default:
		return nil, fmt.Errorf("redisdriver: unknown mode %q", cfg.Mode)
	}

	resolver := dispatch.NewTopologyResolver(holder, router)
	disp := dispatch.New(resolver, router, logger, cfg.DynamicControl())

	gateway := pubsubgateway.New(holder, cluster, registry, logger, instCfg,
		func(shardName string, from serverid.ID, kind substorage.Kind, channel, payload string) {
			storage.Dispatch(shardName, from, kind, channel, payload)
			metrics.MessageDelivered(shardName, channel, len(payload))
		})
	storage = substorage.New(gateway, cfg.RebalanceMinInterval)

	return &Client{
		cfg:     cfg,
		logger:  logger,
		holder:  holder,
		disp:    disp,
		storage: storage,
		stats:   metrics,
	}, nil
}

// Start launches the topology discovery loop, the dispatcher's retry tick
// and the periodic subscription-rebalance pass. Call exactly once.
func (c *Client) Start() {
	c.holder.Start()
	c.disp.Start()
	c.rebalanceStop = make(chan struct{})
	c.rebalanceDone = make(chan struct{})
	go c.rebalanceLoop()
}

// Stop halts every background loop. Instances and shards are left running;
// a process exiting after Stop simply lets them go with it.
func (c *Client) Stop() {
	if c.rebalanceStop != nil {
		close(c.rebalanceStop)
		<-c.rebalanceDone
	}
	c.disp.Stop()
	c.holder.Stop()
}

// WaitConnectedOnce blocks until every configured shard satisfies mode, or
// ctx is done.
func (c *Client) WaitConnectedOnce(ctx context.Context, mode WaitMode) error {
	return c.holder.WaitConnectedOnce(ctx, mode)
}

// AsyncCommand submits cmd against the shard target resolves to, applying
// readOnly/master routing per §4.2/§4.5. It forwards to the dispatcher and
// records no command statistics in c's Collector; ctl.AccountInStatistics
// is not read here.
func (c *Client) AsyncCommand(cmd *command.Command, target dispatch.Target, readOnly, master bool) {
	c.disp.AsyncCommand(cmd, target, readOnly, master)
}

// Subscribe places a channel/pattern/shardchannel subscription per §4.7 and
// returns a cancel func in place of a destructor-driven token.
func (c *Client) Subscribe(kind substorage.Kind, channel string, handler substorage.MessageHandler) (substorage.SubscriptionID, func()) {
	return c.storage.Subscribe(kind, channel, handler)
}

// Unsubscribe is equivalent to calling the cancel func Subscribe returned,
// exposed for callers that only kept the SubscriptionID.
func (c *Client) Unsubscribe(id substorage.SubscriptionID) {
	c.storage.Unsubscribe(id)
}

func (c *Client) rebalanceLoop() {
	defer close(c.rebalanceDone)
	ticker := time.NewTicker(c.cfg.RebalanceMinInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.rebalanceStop:
			return
		case <-ticker.C:
			c.runRebalancePass()
		}
	}
}

// runRebalancePass computes an equal-weight target (one weight unit per
// connected instance) for every shard and asks Storage to redistribute
// subscriptions toward it; Storage itself debounces against
// rebalanceMinInterval; this loop only supplies fresh weights on its tick.
func (c *Client) runRebalancePass() {
	snap := c.holder.Current()
	for name := range snap.Shards {
		weights := c.shardWeights(name)
		if len(weights) == 0 {
			continue
		}
		c.storage.Rebalance(name, weights)
	}
}

// shardWeights assigns equal weight to every connected instance of
// shardName, the simplest weighting §4.7 allows ("weights" is caller/policy
// supplied; ping-latency-proportional weighting is a pluggable refinement
// left for a future policy, per spec §9 Open Questions on DC-aware
// placement).
func (c *Client) shardWeights(shardName string) map[serverid.ID]int64 {
	sh := c.holder.Current().ShardByName(shardName)
	if sh == nil {
		return nil
	}
	ids := sh.ConnectedInstanceIDs()
	if len(ids) == 0 {
		return nil
	}
	weights := make(map[serverid.ID]int64, len(ids))
	for _, id := range ids {
		weights[id] = 1
	}
	return weights
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
