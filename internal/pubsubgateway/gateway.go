// Package pubsubgateway wires internal/substorage's thin Gateway boundary to
// real connections: one dedicated SubscribeMode Instance per shard, dialed
// against that shard's currently selected instance, carrying every
// channel/pattern/shardchannel subscription substorage places there.
package pubsubgateway

import (
	"context"
	"sync"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/substorage"
	"github.com/galaxyed/redisdriver/internal/topology"
)

// MessageFunc receives every unsolicited message/pmessage/smessage delivered
// on a shard's dedicated pubsub connection, tagged with the Kind and server
// ID substorage.Dispatch needs for alien accounting.
type MessageFunc func(shardName string, from serverid.ID, kind substorage.Kind, channel, payload string)

// Gateway adapts a *topology.Holder into substorage.Gateway.
type Gateway struct {
	holder    *topology.Holder
	cluster   bool
	idGen     serverid.Generator
	registry  *serverid.Registry
	logger    *logging.HandlerLogger
	instCfg   instance.Config
	onMessage MessageFunc

	mu   sync.Mutex
	conn map[string]*instance.Instance // shard name -> dedicated pubsub instance
}

// New builds a Gateway. instCfg supplies the connection timeouts/ping
// settings used for every dedicated pubsub connection it dials; its
// SubscribeMode and PushFunc fields are overwritten per shard.
func New(holder *topology.Holder, cluster bool, registry *serverid.Registry, logger *logging.HandlerLogger, instCfg instance.Config, onMessage MessageFunc) *Gateway {
	return &Gateway{
		holder:    holder,
		cluster:   cluster,
		registry:  registry,
		logger:    logger,
		instCfg:   instCfg,
		onMessage: onMessage,
		conn:      make(map[string]*instance.Instance),
	}
}

// ShardNames implements substorage.Gateway.
func (g *Gateway) ShardNames() []string {
	snap := g.holder.Current()
	names := make([]string, 0, len(snap.Shards))
	for name := range snap.Shards {
		names = append(names, name)
	}
	return names
}

// IsClusterMode implements substorage.Gateway.
func (g *Gateway) IsClusterMode() bool { return g.cluster }

// IssueSubscribe implements substorage.Gateway: dials (or reuses) the
// shard's dedicated pubsub connection and sends SUBSCRIBE/PSUBSCRIBE/
// SSUBSCRIBE, reporting success/failure and the serving server's ID back to
// the FSM via onConfirm.
func (g *Gateway) IssueSubscribe(shardName string, target serverid.ID, kind substorage.Kind, channel string, onConfirm func(ok bool, from serverid.ID)) {
	inst := g.pubsubInstance(shardName)
	if inst == nil {
		onConfirm(false, target)
		return
	}
	name := commandNameFor(kind, true)
	cmd := command.NewCommand(name, []interface{}{name, channel}, command.Control{}, false, func(r reply.Reply) {
		onConfirm(!r.IsError(), inst.ID())
	})
	if !inst.AsyncCommand(cmd) {
		onConfirm(false, inst.ID())
	}
}

// IssueUnsubscribe implements substorage.Gateway. Per the FSM's overloaded
// event (see internal/substorage's DESIGN.md entry), onConfirm fires whether
// the UNSUBSCRIBE was acknowledged or the connection was simply unusable -
// the FSM treats both identically.
func (g *Gateway) IssueUnsubscribe(shardName string, target serverid.ID, kind substorage.Kind, channel string, onConfirm func()) {
	g.mu.Lock()
	inst, ok := g.conn[shardName]
	g.mu.Unlock()
	if !ok || inst.State() != instance.Connected {
		onConfirm()
		return
	}
	name := commandNameFor(kind, false)
	cmd := command.NewCommand(name, []interface{}{name, channel}, command.Control{}, false, func(reply.Reply) {
		onConfirm()
	})
	if !inst.AsyncCommand(cmd) {
		onConfirm()
	}
}

// pubsubInstance returns the live dedicated pubsub Instance for shardName,
// dialing a fresh one (against the shard's currently selected instance) if
// none exists yet or the previous one has dropped.
func (g *Gateway) pubsubInstance(shardName string) *instance.Instance {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inst, ok := g.conn[shardName]; ok && inst.State() == instance.Connected {
		return inst
	}

	snap := g.holder.Current()
	sh := snap.ShardByName(shardName)
	if sh == nil {
		return nil
	}
	picked := sh.Select(command.Control{}, false, serverid.Any)
	if picked == nil {
		return nil
	}
	info := picked.Info()

	id := g.idGen.Next()
	g.registry.Set(id, info.Key()+" (pubsub)")

	cfg := g.instCfg
	cfg.SubscribeMode = true
	cfg.PushFunc = func(p reply.Push) {
		kind, ok := kindFromPush(p.Kind)
		if !ok || g.onMessage == nil {
			return
		}
		g.onMessage(shardName, id, kind, pushTarget(p), p.Payload)
	}

	inst := instance.New(info, id, cfg, g.logger)
	go func() { _ = inst.Connect(context.Background()) }()
	g.conn[shardName] = inst
	return inst
}

func kindFromPush(k reply.PushKind) (substorage.Kind, bool) {
	switch k {
	case reply.PushMessage:
		return substorage.KindChannel, true
	case reply.PushPMessage:
		return substorage.KindPattern, true
	case reply.PushSMessage:
		return substorage.KindShardChannel, true
	default:
		return 0, false
	}
}

func pushTarget(p reply.Push) string {
	if p.Pattern != "" {
		return p.Pattern
	}
	return p.Channel
}

func commandNameFor(kind substorage.Kind, subscribe bool) string {
	switch kind {
	case substorage.KindPattern:
		if subscribe {
			return "PSUBSCRIBE"
		}
		return "PUNSUBSCRIBE"
	case substorage.KindShardChannel:
		if subscribe {
			return "SSUBSCRIBE"
		}
		return "SUNSUBSCRIBE"
	default:
		if subscribe {
			return "SUBSCRIBE"
		}
		return "UNSUBSCRIBE"
	}
}
