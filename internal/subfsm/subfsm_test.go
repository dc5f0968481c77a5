package subfsm

import (
	"testing"

	"github.com/galaxyed/redisdriver/internal/serverid"
)

func TestSubscribeRequestedFromUnsubscribed(t *testing.T) {
	f := New()
	act := f.SubscribeRequested()
	if f.State() != Subscribing {
		t.Fatalf("expected Subscribing, got %v", f.State())
	}
	if act.Kind != ActionSubscribe || act.Target != serverid.Any {
		t.Fatalf("expected ActionSubscribe(Any), got %+v", act)
	}
}

func TestSubscribeReplyOkEstablishesSubscribed(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	act := f.SubscribeReplyOk(serverid.ID(7))
	if f.State() != Subscribed {
		t.Fatalf("expected Subscribed, got %v", f.State())
	}
	if f.Current() != serverid.ID(7) {
		t.Fatalf("expected current=7, got %v", f.Current())
	}
	if act.Kind != ActionNone {
		t.Fatalf("expected no action, got %+v", act)
	}
	if !f.CanBeRebalanced() {
		t.Fatal("a steadily-subscribed, still-wanted FSM must be rebalance-eligible")
	}
}

func TestSubscribeReplyOkWhileNotNeededTriggersUnsubscribe(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.UnsubscribeRequested() // still Subscribing, so just clears needSubscription
	act := f.SubscribeReplyOk(serverid.ID(3))
	if f.State() != Unsubscribing {
		t.Fatalf("expected Unsubscribing, got %v", f.State())
	}
	if act.Kind != ActionUnsubscribe || act.Target != serverid.ID(3) {
		t.Fatalf("expected ActionUnsubscribe(3), got %+v", act)
	}
}

func TestSubscribeReplyErrorRetriesWhileNeeded(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	act := f.SubscribeReplyError(serverid.Any)
	if f.State() != Subscribing {
		t.Fatalf("expected to stay Subscribing, got %v", f.State())
	}
	if act.Kind != ActionSubscribe {
		t.Fatalf("expected a retry ActionSubscribe, got %+v", act)
	}
}

func TestSubscribeReplyErrorDeletesWhenNotNeeded(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.UnsubscribeRequested()
	act := f.SubscribeReplyError(serverid.Any)
	if f.State() != Unsubscribed {
		t.Fatalf("expected Unsubscribed, got %v", f.State())
	}
	if act.Kind != ActionDeleteFSM {
		t.Fatalf("expected ActionDeleteFSM, got %+v", act)
	}
}

func TestRebalanceRequestedIgnoredOutsideSubscribed(t *testing.T) {
	f := New()
	act := f.RebalanceRequested(serverid.ID(5))
	if f.State() != Unsubscribed {
		t.Fatalf("rebalance request must be ignored outside Subscribed, got %v", f.State())
	}
	if act.Kind != ActionNone {
		t.Fatalf("expected no action, got %+v", act)
	}
}

func TestRebalanceHappyPath(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.SubscribeReplyOk(serverid.ID(1))

	act := f.RebalanceRequested(serverid.ID(2))
	if f.State() != RebalancingWaitSubscribe {
		t.Fatalf("expected RebalancingWaitSubscribe, got %v", f.State())
	}
	if act.Kind != ActionSubscribe || act.Target != serverid.ID(2) {
		t.Fatalf("expected ActionSubscribe(2), got %+v", act)
	}

	act = f.SubscribeReplyOk(serverid.ID(2))
	if f.State() != RebalancingWaitUnsubscribe {
		t.Fatalf("expected RebalancingWaitUnsubscribe, got %v", f.State())
	}
	if act.Kind != ActionUnsubscribe || act.Target != serverid.ID(1) {
		t.Fatalf("expected ActionUnsubscribe(1) for the old instance, got %+v", act)
	}
	if f.Current() != serverid.ID(2) {
		t.Fatalf("expected current=2 after swap, got %v", f.Current())
	}

	act = f.SubscribeReplyError(serverid.ID(1))
	if f.State() != Subscribed {
		t.Fatalf("expected Subscribed once the old unsubscribe confirms, got %v", f.State())
	}
	if act.Kind != ActionNone {
		t.Fatalf("expected no further action, got %+v", act)
	}
}

func TestRebalanceSubscribeFailureReturnsToSubscribed(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.SubscribeReplyOk(serverid.ID(1))
	f.RebalanceRequested(serverid.ID(2))

	act := f.SubscribeReplyError(serverid.ID(2))
	if f.State() != Subscribed {
		t.Fatalf("expected to fall back to Subscribed, got %v", f.State())
	}
	if f.Current() != serverid.ID(1) {
		t.Fatalf("expected current to remain 1, got %v", f.Current())
	}
	if act.Kind != ActionNone {
		t.Fatalf("expected no action since subscription is still needed, got %+v", act)
	}
}

func TestStraySubscribeReplyOkTriggersCleanupUnsubscribe(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.SubscribeReplyOk(serverid.ID(1))

	act := f.SubscribeReplyOk(serverid.ID(99))
	if act.Kind != ActionUnsubscribe || act.Target != serverid.ID(99) {
		t.Fatalf("expected cleanup ActionUnsubscribe(99) for the stray instance, got %+v", act)
	}
	if f.Current() != serverid.ID(1) {
		t.Fatalf("stray reply must not disturb the existing current, got %v", f.Current())
	}
}

func TestUnsubscribeRequestedFromSubscribed(t *testing.T) {
	f := New()
	f.SubscribeRequested()
	f.SubscribeReplyOk(serverid.ID(4))

	act := f.UnsubscribeRequested()
	if f.State() != Unsubscribing {
		t.Fatalf("expected Unsubscribing, got %v", f.State())
	}
	if act.Kind != ActionUnsubscribe || act.Target != serverid.ID(4) {
		t.Fatalf("expected ActionUnsubscribe(4), got %+v", act)
	}

	act = f.SubscribeReplyError(serverid.ID(4))
	if f.State() != Unsubscribed {
		t.Fatalf("expected Unsubscribed once the unsubscribe confirms, got %v", f.State())
	}
	if act.Kind != ActionDeleteFSM {
		t.Fatalf("expected ActionDeleteFSM, got %+v", act)
	}
}
