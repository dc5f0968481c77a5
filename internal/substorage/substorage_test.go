package substorage

import (
	"sync"
	"testing"
	"time"

	"github.com/galaxyed/redisdriver/internal/serverid"
)

type subscribeCall struct {
	shardName string
	target    serverid.ID
	kind      Kind
	channel   string
}

type fakeGateway struct {
	mu         sync.Mutex
	shardNames []string
	cluster    bool
	resolveAny serverid.ID

	subscribes   []subscribeCall
	unsubscribes []subscribeCall
	// autoConfirm, when true, immediately calls onConfirm(true, resolved).
	autoConfirm bool
}

func (g *fakeGateway) IssueSubscribe(shardName string, target serverid.ID, kind Kind, channel string, onConfirm func(ok bool, from serverid.ID)) {
	g.mu.Lock()
	resolved := target
	if resolved.IsAny() {
		resolved = g.resolveAny
	}
	g.subscribes = append(g.subscribes, subscribeCall{shardName, resolved, kind, channel})
	autoConfirm := g.autoConfirm
	g.mu.Unlock()
	if autoConfirm {
		onConfirm(true, resolved)
	}
}

func (g *fakeGateway) IssueUnsubscribe(shardName string, target serverid.ID, kind Kind, channel string, onConfirm func()) {
	g.mu.Lock()
	g.unsubscribes = append(g.unsubscribes, subscribeCall{shardName, target, kind, channel})
	autoConfirm := g.autoConfirm
	g.mu.Unlock()
	if autoConfirm {
		onConfirm()
	}
}

func (g *fakeGateway) ShardNames() []string { return g.shardNames }
func (g *fakeGateway) IsClusterMode() bool  { return g.cluster }

func TestSubscribeNonClusterCreatesOneFSMPerShard(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0", "shard1"}, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Minute)

	var delivered []string
	_, _ = s.Subscribe(KindChannel, "channel0", func(channel, payload string) {
		delivered = append(delivered, payload)
	})

	if len(gw.subscribes) != 2 {
		t.Fatalf("expected a SUBSCRIBE on both shards, got %d", len(gw.subscribes))
	}
}

func TestSubscribeClusterModePicksOneShard(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0", "shard1", "shard2"}, cluster: true, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Minute)

	s.Subscribe(KindChannel, "channel0", func(string, string) {})

	if len(gw.subscribes) != 1 {
		t.Fatalf("expected exactly one real SUBSCRIBE in cluster mode, got %d", len(gw.subscribes))
	}
}

func TestUnsubscribeTriggersUnsubscribeOnAllShards(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0", "shard1"}, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Minute)

	id, _ := s.Subscribe(KindChannel, "channel0", func(string, string) {})
	s.Unsubscribe(id)

	if len(gw.unsubscribes) != 2 {
		t.Fatalf("expected an UNSUBSCRIBE on both shards, got %d", len(gw.unsubscribes))
	}
}

func TestDispatchDeliversAndCountsAlien(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0"}, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Minute)

	var got []string
	s.Subscribe(KindChannel, "channel0", func(channel, payload string) {
		got = append(got, payload)
	})

	s.Dispatch("shard0", serverid.ID(1), KindChannel, "channel0", "hello")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected delivery of 'hello', got %v", got)
	}
	if s.AlienCount("shard0", serverid.ID(1), KindChannel, "channel0") != 0 {
		t.Fatal("message from the FSM's own current server must not count as alien")
	}

	s.Dispatch("shard0", serverid.ID(99), KindChannel, "channel0", "stray")
	if len(got) != 2 {
		t.Fatalf("expected the stray message to still be delivered, got %v", got)
	}
	if s.AlienCount("shard0", serverid.ID(99), KindChannel, "channel0") != 1 {
		t.Fatal("message from an unexpected server must count as alien")
	}
}

func TestRebalanceRedistributesFromSingleHost(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0"}, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Minute)

	for i := 0; i < 6; i++ {
		ch := string(rune('a' + i))
		s.Subscribe(KindChannel, ch, func(string, string) {})
	}
	gw.mu.Lock()
	gw.subscribes = nil
	gw.mu.Unlock()

	weights := map[serverid.ID]int64{1: 1, 2: 1, 3: 1, 4: 1, 5: 1, 6: 1}
	s.Rebalance("shard0", weights)

	gw.mu.Lock()
	moved := len(gw.subscribes)
	gw.mu.Unlock()
	if moved != 5 {
		t.Fatalf("expected exactly 5 of the 6 subscriptions to move (one stays on host 1), got %d", moved)
	}
}

func TestRebalanceDebounced(t *testing.T) {
	gw := &fakeGateway{shardNames: []string{"shard0"}, resolveAny: serverid.ID(1), autoConfirm: true}
	s := New(gw, time.Hour)

	s.Subscribe(KindChannel, "channel0", func(string, string) {})
	s.Rebalance("shard0", map[serverid.ID]int64{1: 1, 2: 1})
	gw.mu.Lock()
	gw.subscribes = nil
	gw.mu.Unlock()

	s.Rebalance("shard0", map[serverid.ID]int64{1: 1, 2: 1})
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.subscribes) != 0 {
		t.Fatalf("a second rebalance within rebalance_min_interval must be a no-op, got %d subscribe calls", len(gw.subscribes))
	}
}
