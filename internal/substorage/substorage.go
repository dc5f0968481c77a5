// Package substorage implements C7: the subscription catalog and
// rebalancer sitting on top of one subfsm.FSM per (channel, shard). It
// owns every caller-registered callback, drives each FSM's Subscribe/
// Unsubscribe actions through a Gateway, dispatches incoming messages to
// callbacks while accounting "alien" deliveries, and runs the weighted
// rebalance algorithm on demand.
package substorage

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/subfsm"
)

// Kind distinguishes the three pub/sub subscription flavors.
type Kind int

const (
	KindChannel Kind = iota
	KindPattern
	KindShardChannel
)

// SubscriptionID identifies one caller's Subscribe/Psubscribe/Ssubscribe
// call, returned so the caller can later Unsubscribe it.
type SubscriptionID int64

// MessageHandler receives one delivered message. channel is the matched
// channel name (for a pattern subscription, the concrete channel a
// message arrived on, not the pattern itself).
type MessageHandler func(channel, payload string)

// Gateway is the I/O boundary substorage drives: issuing the actual
// SUBSCRIBE/UNSUBSCRIBE commands against live instances. Implementations
// must not block in these calls; IssueSubscribe reports its outcome
// asynchronously through onConfirm, exactly once.
type Gateway interface {
	// IssueSubscribe starts a subscribe of the given kind for channel on
	// shardName, targeting target (serverid.Any lets the gateway pick an
	// instance itself, per the Shard's selection policy). onConfirm is
	// called exactly once: ok=true with the serving instance's id on
	// success, or ok=false on failure/disconnect.
	IssueSubscribe(shardName string, target serverid.ID, kind Kind, channel string, onConfirm func(ok bool, from serverid.ID))
	// IssueUnsubscribe stops serving channel against target on shardName.
	// onConfirm is called exactly once, once the server has confirmed the
	// UNSUBSCRIBE (or the connection to target was lost) — the FSM treats
	// both the same way, as "no longer subscribed on target" (the
	// original driver overloads its SubscribeReplyError event for this).
	IssueUnsubscribe(shardName string, target serverid.ID, kind Kind, channel string, onConfirm func())
	// ShardNames lists every shard currently known to the topology.
	ShardNames() []string
	// IsClusterMode reports whether cluster-mode placement (one real FSM
	// per channel, on a round-robin-chosen shard, with fake slots on the
	// rest) applies, per §4.7 "Cluster-mode placement".
	IsClusterMode() bool
}

// shardSlot is one channel's per-shard placement: a real FSM, or a "fake"
// (nil FSM) placeholder reserved for SwitchToNonClusterMode to promote
// later.
type shardSlot struct {
	fsm *subfsm.FSM
}

type callbackEntry struct {
	id      SubscriptionID
	handler MessageHandler
}

// channelEntry is the catalog record for one (kind, name) pair: every
// caller callback registered on it, and its placement across shards.
type channelEntry struct {
	kind Kind
	name string

	callbacks []callbackEntry
	shards    map[string]*shardSlot

	alienCount   map[serverid.ID]int64
	messageCount int64
	messageBytes int64
}

type channelKey struct {
	kind Kind
	name string
}

// Storage is the subscription catalog and rebalancer.
type Storage struct {
	gateway Gateway

	rebalanceMinInterval time.Duration

	mu            sync.Mutex
	nextID        int64
	channels      map[channelKey]*channelEntry
	clusterRR     uint64
	lastRebalance map[string]time.Time
}

// New builds an empty Storage. rebalanceMinInterval defaults to 30s
// (§4.7's "Debounce" step) if zero.
func New(gateway Gateway, rebalanceMinInterval time.Duration) *Storage {
	if rebalanceMinInterval == 0 {
		rebalanceMinInterval = 30 * time.Second
	}
	return &Storage{
		gateway:              gateway,
		rebalanceMinInterval: rebalanceMinInterval,
		channels:             make(map[channelKey]*channelEntry),
		lastRebalance:        make(map[string]time.Time),
		clusterRR:            uint64(rand.Intn(1 << 16)),
	}
}

// Subscribe registers handler for kind/channel and returns its
// SubscriptionID plus a cancel function equivalent to the original
// SubscriptionToken's destructor-triggered Unsubscribe.
func (s *Storage) Subscribe(kind Kind, channel string, handler MessageHandler) (SubscriptionID, func()) {
	s.mu.Lock()
	key := channelKey{kind, channel}
	entry, exists := s.channels[key]
	if !exists {
		entry = &channelEntry{
			kind:       kind,
			name:       channel,
			shards:     make(map[string]*shardSlot),
			alienCount: make(map[serverid.ID]int64),
		}
		s.channels[key] = entry
	}

	id := SubscriptionID(atomic.AddInt64(&s.nextID, 1))
	entry.callbacks = append(entry.callbacks, callbackEntry{id: id, handler: handler})

	var pending []pendingAction
	if !exists {
		pending = s.placeChannelLocked(entry)
	} else {
		for shardName, slot := range entry.shards {
			if slot.fsm == nil {
				continue
			}
			pending = append(pending, pendingAction{shardName: shardName, action: slot.fsm.SubscribeRequested()})
		}
	}
	s.mu.Unlock()

	for _, p := range pending {
		s.applyAction(entry, p.shardName, p.action)
	}
	return id, func() { s.Unsubscribe(id) }
}

type pendingAction struct {
	shardName string
	action    subfsm.Action
}

// placeChannelLocked implements §4.7's "either create new FSMs (one per
// shard in non-cluster mode; one for a chosen shard in cluster mode)".
// Must be called with s.mu held.
func (s *Storage) placeChannelLocked(entry *channelEntry) []pendingAction {
	names := s.gateway.ShardNames()
	if len(names) == 0 {
		return nil
	}
	var selected string
	cluster := s.gateway.IsClusterMode()
	if cluster {
		idx := atomic.AddUint64(&s.clusterRR, 1) % uint64(len(names))
		selected = names[idx]
	}

	var pending []pendingAction
	for _, name := range names {
		fake := cluster && name != selected
		if fake {
			entry.shards[name] = &shardSlot{}
			continue
		}
		fsm := subfsm.New()
		entry.shards[name] = &shardSlot{fsm: fsm}
		pending = append(pending, pendingAction{shardName: name, action: fsm.SubscribeRequested()})
	}
	return pending
}

// Unsubscribe removes id's callback; if its channel has no callbacks
// left, every real FSM of that channel is sent UnsubscribeRequested.
func (s *Storage) Unsubscribe(id SubscriptionID) {
	s.mu.Lock()
	var entry *channelEntry
	for _, e := range s.channels {
		for i, cb := range e.callbacks {
			if cb.id == id {
				e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
				entry = e
				break
			}
		}
		if entry != nil {
			break
		}
	}
	if entry == nil {
		s.mu.Unlock()
		return
	}

	var pending []pendingAction
	if len(entry.callbacks) == 0 {
		for shardName, slot := range entry.shards {
			if slot.fsm == nil {
				continue
			}
			pending = append(pending, pendingAction{shardName: shardName, action: slot.fsm.UnsubscribeRequested()})
		}
	}
	s.mu.Unlock()

	for _, p := range pending {
		s.applyAction(entry, p.shardName, p.action)
	}
}

// applyAction executes one subfsm.Action against the Gateway, following
// the FSM callback chain (SubscribeReplyOk/Error) as confirmations
// arrive asynchronously.
func (s *Storage) applyAction(entry *channelEntry, shardName string, act subfsm.Action) {
	switch act.Kind {
	case subfsm.ActionNone:
		return
	case subfsm.ActionSubscribe:
		s.gateway.IssueSubscribe(shardName, act.Target, entry.kind, entry.name, func(ok bool, from serverid.ID) {
			s.onSubscribeReply(entry, shardName, ok, from)
		})
	case subfsm.ActionUnsubscribe:
		target := act.Target
		s.gateway.IssueUnsubscribe(shardName, target, entry.kind, entry.name, func() {
			s.onSubscribeReply(entry, shardName, false, target)
		})
	case subfsm.ActionDeleteFSM:
		s.deleteFSM(entry, shardName)
	}
}

func (s *Storage) onSubscribeReply(entry *channelEntry, shardName string, ok bool, from serverid.ID) {
	s.mu.Lock()
	slot, exists := entry.shards[shardName]
	if !exists || slot.fsm == nil {
		s.mu.Unlock()
		return
	}
	var act subfsm.Action
	if ok {
		act = slot.fsm.SubscribeReplyOk(from)
	} else {
		act = slot.fsm.SubscribeReplyError(from)
	}
	s.mu.Unlock()
	s.applyAction(entry, shardName, act)
}

func (s *Storage) deleteFSM(entry *channelEntry, shardName string) {
	s.mu.Lock()
	delete(entry.shards, shardName)
	key := channelKey{entry.kind, entry.name}
	empty := len(entry.shards) == 0 && len(entry.callbacks) == 0
	if empty {
		delete(s.channels, key)
	}
	s.mu.Unlock()
}

// Dispatch delivers one incoming message/pmessage/smessage frame observed
// from server "from" on shard shardName, per §4.7's "Message dispatch".
// Deliveries from a server other than the FSM's recorded current are
// counted as alien (expected transiently during rebalancing).
func (s *Storage) Dispatch(shardName string, from serverid.ID, kind Kind, channel, payload string) {
	s.mu.Lock()
	entry, ok := s.channels[channelKey{kind, channel}]
	if !ok {
		s.mu.Unlock()
		return
	}
	slot := entry.shards[shardName]
	alien := slot == nil || slot.fsm == nil || slot.fsm.Current() != from
	if alien {
		entry.alienCount[from]++
	}
	entry.messageCount++
	entry.messageBytes += int64(len(payload))
	callbacks := make([]callbackEntry, len(entry.callbacks))
	copy(callbacks, entry.callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb.handler(channel, payload)
	}
}

// AlienCount returns the number of messages observed from server "from"
// on shard shardName for kind/channel outside of the FSM's recorded
// current server, for statistics and tests.
func (s *Storage) AlienCount(shardName string, from serverid.ID, kind Kind, channel string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.channels[channelKey{kind, channel}]
	if !ok {
		return 0
	}
	return entry.alienCount[from]
}

// SwitchToNonClusterMode promotes every channel's fake (nil-FSM) shard
// slots to real FSMs that immediately request subscription, per §4.7
// "so that SwitchToNonClusterMode can lazily instantiate real FSMs
// without a caller-visible discontinuity". Intended to be called once,
// after the Topology Holder itself has switched modes (§9 S6).
func (s *Storage) SwitchToNonClusterMode() {
	s.mu.Lock()
	names := s.gateway.ShardNames()
	type promoted struct {
		entry     *channelEntry
		shardName string
	}
	var toSubscribe []promoted
	for _, entry := range s.channels {
		if len(entry.callbacks) == 0 {
			continue
		}
		for _, name := range names {
			slot, exists := entry.shards[name]
			if exists && slot.fsm != nil {
				continue
			}
			fsm := subfsm.New()
			entry.shards[name] = &shardSlot{fsm: fsm}
			toSubscribe = append(toSubscribe, promoted{entry: entry, shardName: name})
		}
	}
	s.mu.Unlock()

	for _, p := range toSubscribe {
		s.mu.Lock()
		slot := p.entry.shards[p.shardName]
		var act subfsm.Action
		if slot != nil && slot.fsm != nil {
			act = slot.fsm.SubscribeRequested()
		}
		s.mu.Unlock()
		s.applyAction(p.entry, p.shardName, act)
	}
}

// Rebalance runs §4.7's weighted-redistribution algorithm for shardName,
// moving surplus subscriptions from over-quota servers to under-quota
// ones. weights must be strictly positive server weights; a server
// absent from weights is never a rebalance target. Debounced per shard
// by rebalanceMinInterval.
func (s *Storage) Rebalance(shardName string, weights map[serverid.ID]int64) {
	s.mu.Lock()
	if last, ok := s.lastRebalance[shardName]; ok && time.Since(last) < s.rebalanceMinInterval {
		s.mu.Unlock()
		return
	}

	var sumWeights int64
	for _, w := range weights {
		sumWeights += w
	}
	if sumWeights <= 0 {
		s.mu.Unlock()
		return
	}

	type subscription struct {
		entry *channelEntry
		fsm   *subfsm.FSM
	}
	bySrv := make(map[serverid.ID][]subscription)
	var total int64
	for _, entry := range s.channels {
		slot, ok := entry.shards[shardName]
		if !ok || slot.fsm == nil || !slot.fsm.CanBeRebalanced() {
			continue
		}
		total++
		cur := slot.fsm.Current()
		bySrv[cur] = append(bySrv[cur], subscription{entry: entry, fsm: slot.fsm})
	}

	if total == 0 {
		s.lastRebalance[shardName] = time.Now()
		s.mu.Unlock()
		return
	}

	// Step 2: need[srv] = floor(total*weight/sum); remainder distributed by
	// a weighted random draw over the fractional remainders (expressed as
	// total*weight % sum, exactly mirroring the original's integer
	// arithmetic to avoid floating point drift).
	srvIDs := make([]serverid.ID, 0, len(weights))
	for srv := range weights {
		srvIDs = append(srvIDs, srv)
	}
	sort.Slice(srvIDs, func(i, j int) bool { return srvIDs[i] < srvIDs[j] })

	need := make(map[serverid.ID]int64, len(srvIDs))
	remWeight := make(map[serverid.ID]int64, len(srvIDs))
	var remSumWeights, assigned int64
	for _, srv := range srvIDs {
		w := weights[srv]
		n := total * w / sumWeights
		need[srv] = n
		remWeight[srv] = total*w - n*sumWeights // total*w % sumWeights
		remSumWeights += remWeight[srv]
		assigned += n
	}
	remainder := total - assigned
	for ; remainder > 0 && remSumWeights > 0; remainder-- {
		pick := rand.Int63n(remSumWeights)
		for _, srv := range srvIDs {
			w := remWeight[srv]
			if w == 0 {
				continue
			}
			if pick < w {
				need[srv]++
				remSumWeights -= w
				remWeight[srv] = 0
				break
			}
			pick -= w
		}
	}

	// Step 3: move surplus subscriptions from over-quota servers to the
	// next under-quota server in srvIDs order.
	deficitIdx := 0
	var moves []struct {
		entry  *channelEntry
		target serverid.ID
	}
	for _, srv := range srvIDs {
		list := bySrv[srv]
		surplus := int64(len(list)) - need[srv]
		if surplus <= 0 {
			continue
		}
		rand.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		for i := int64(0); i < surplus; i++ {
			for deficitIdx < len(srvIDs) && int64(len(bySrv[srvIDs[deficitIdx]]))+countPending(moves, srvIDs[deficitIdx]) >= need[srvIDs[deficitIdx]] {
				deficitIdx++
			}
			if deficitIdx >= len(srvIDs) {
				break
			}
			moves = append(moves, struct {
				entry  *channelEntry
				target serverid.ID
			}{entry: list[i].entry, target: srvIDs[deficitIdx]})
		}
	}

	s.lastRebalance[shardName] = time.Now()
	s.mu.Unlock()

	for _, mv := range moves {
		s.mu.Lock()
		slot, ok := mv.entry.shards[shardName]
		var act subfsm.Action
		if ok && slot.fsm != nil {
			act = slot.fsm.RebalanceRequested(mv.target)
		}
		s.mu.Unlock()
		s.applyAction(mv.entry, shardName, act)
	}
}

func countPending(moves []struct {
	entry  *channelEntry
	target serverid.ID
}, srv serverid.ID) int64 {
	var n int64
	for _, m := range moves {
		if m.target == srv {
			n++
		}
	}
	return n
}
