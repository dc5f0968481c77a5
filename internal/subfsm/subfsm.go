// Package subfsm implements C6: one finite state machine per
// (channel, shard), tracking which Instance currently carries the live
// Redis-side SUBSCRIBE for that channel on that shard and driving the
// Subscribe/Unsubscribe actions needed to get there.
package subfsm

import (
	"github.com/galaxyed/redisdriver/internal/serverid"
)

// State enumerates the FSM states from §4.6.
type State int

const (
	Subscribing State = iota
	Subscribed
	Unsubscribing
	RebalancingWaitSubscribe
	RebalancingWaitUnsubscribe
	Unsubscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	case RebalancingWaitSubscribe:
		return "rebalancing_wait_subscribe"
	case RebalancingWaitUnsubscribe:
		return "rebalancing_wait_unsubscribe"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// ActionKind enumerates the side effects the FSM asks its owner to
// perform. The FSM itself never issues I/O; it only returns Actions.
type ActionKind int

const (
	// ActionNone: no action required.
	ActionNone ActionKind = iota
	// ActionSubscribe: issue SUBSCRIBE on Target (serverid.Any means "let
	// the owner pick an instance").
	ActionSubscribe
	// ActionUnsubscribe: issue UNSUBSCRIBE on Target.
	ActionUnsubscribe
	// ActionDeleteFSM: this (channel, shard) FSM has no further purpose
	// and can be removed from the owning storage's catalog.
	ActionDeleteFSM
)

// Action is one side effect requested by a transition.
type Action struct {
	Kind   ActionKind
	Target serverid.ID
}

// FSM is one (channel, shard) subscription state machine, per §4.6.
type FSM struct {
	state            State
	current          serverid.ID // Any except in Subscribing/Unsubscribed
	rebalancing      serverid.ID // Any except in Rebalancing* states
	needSubscription bool
}

// New builds an FSM in the Unsubscribed state, as every (channel, shard)
// pair starts with no live subscription.
func New() *FSM {
	return &FSM{state: Unsubscribed, current: serverid.Any, rebalancing: serverid.Any}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Current returns the ServerId currently carrying the subscription, or
// Any if none.
func (f *FSM) Current() serverid.ID { return f.current }

// CanBeRebalanced reports whether this FSM is eligible to be moved to a
// different instance by the rebalancer: only true while steadily
// subscribed and still wanted.
func (f *FSM) CanBeRebalanced() bool {
	return f.state == Subscribed && f.needSubscription
}

// SubscribeRequested handles a caller asking to (re)establish interest in
// this channel on this shard.
func (f *FSM) SubscribeRequested() Action {
	f.needSubscription = true
	if f.state == Unsubscribed {
		f.state = Subscribing
		return Action{Kind: ActionSubscribe, Target: serverid.Any}
	}
	return Action{Kind: ActionNone}
}

// UnsubscribeRequested handles a caller withdrawing interest.
func (f *FSM) UnsubscribeRequested() Action {
	f.needSubscription = false
	switch f.state {
	case Subscribing:
		return Action{Kind: ActionNone}
	case Subscribed:
		target := f.current
		f.state = Unsubscribing
		return Action{Kind: ActionUnsubscribe, Target: target}
	default:
		return Action{Kind: ActionNone}
	}
}

// RebalanceRequested handles the rebalancer asking to move this FSM's
// subscription onto newID. Ignored outside Subscribed (§4.6 "Rebalance
// requests are ignored outside Subscribed").
func (f *FSM) RebalanceRequested(newID serverid.ID) Action {
	if f.state != Subscribed {
		return Action{Kind: ActionNone}
	}
	f.rebalancing = newID
	f.state = RebalancingWaitSubscribe
	return Action{Kind: ActionSubscribe, Target: newID}
}

// SubscribeReplyOk handles a successful SUBSCRIBE confirmation observed
// from from.
func (f *FSM) SubscribeReplyOk(from serverid.ID) Action {
	switch f.state {
	case Subscribing:
		f.current = from
		f.state = Subscribed
		if !f.needSubscription {
			f.state = Unsubscribing
			return Action{Kind: ActionUnsubscribe, Target: from}
		}
		return Action{Kind: ActionNone}
	case RebalancingWaitSubscribe:
		if from != f.rebalancing {
			return strayCleanup(from)
		}
		old := f.current
		f.current = f.rebalancing
		f.rebalancing = old
		f.state = RebalancingWaitUnsubscribe
		return Action{Kind: ActionUnsubscribe, Target: old}
	default:
		if from != f.current && from != f.rebalancing {
			return strayCleanup(from)
		}
		return Action{Kind: ActionNone}
	}
}

// strayCleanup implements §4.6's "Any SubscribeReplyOk from a ServerId
// other than current/rebalancing emits an Unsubscribe action targeted at
// that ServerId" rule.
func strayCleanup(from serverid.ID) Action {
	return Action{Kind: ActionUnsubscribe, Target: from}
}

// SubscribeReplyError handles a failed SUBSCRIBE/UNSUBSCRIBE confirmation
// (or connection loss) observed from "from", which the caller has already
// determined was either the current or the rebalancing instance for this
// FSM (callers should not invoke this for a from that matches neither).
func (f *FSM) SubscribeReplyError(from serverid.ID) Action {
	switch f.state {
	case Subscribing:
		if f.needSubscription {
			return Action{Kind: ActionSubscribe, Target: serverid.Any}
		}
		f.state = Unsubscribed
		return Action{Kind: ActionDeleteFSM}

	case Subscribed:
		if from != f.current {
			return Action{Kind: ActionNone}
		}
		f.current = serverid.Any
		f.state = Subscribing
		return Action{Kind: ActionSubscribe, Target: serverid.Any}

	case Unsubscribing:
		if from != f.current {
			return Action{Kind: ActionNone}
		}
		f.current = serverid.Any
		if f.needSubscription {
			f.state = Subscribing
			return Action{Kind: ActionSubscribe, Target: serverid.Any}
		}
		f.state = Unsubscribed
		return Action{Kind: ActionDeleteFSM}

	case RebalancingWaitSubscribe:
		if from == f.rebalancing {
			f.rebalancing = serverid.Any
			f.state = Subscribed
			if !f.needSubscription {
				target := f.current
				f.state = Unsubscribing
				return Action{Kind: ActionUnsubscribe, Target: target}
			}
			return Action{Kind: ActionNone}
		}
		return Action{Kind: ActionNone}

	case RebalancingWaitUnsubscribe:
		switch from {
		case f.current:
			f.current = f.rebalancing
			f.rebalancing = serverid.Any
			f.state = Unsubscribing
			return Action{Kind: ActionNone}
		case f.rebalancing:
			f.rebalancing = serverid.Any
			f.state = Subscribed
			return Action{Kind: ActionNone}
		default:
			return Action{Kind: ActionNone}
		}

	default:
		return Action{Kind: ActionNone}
	}
}
