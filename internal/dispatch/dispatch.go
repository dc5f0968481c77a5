// Package dispatch implements C5: the Command Dispatcher. It resolves a
// target Shard for each submitted Command, hands it to the Shard's
// instance-selection policy, interprets replies for redirection and
// retryable errors, and retries within the command's budget before
// invoking the caller's callback exactly once.
package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/keyrouter"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/serverid"
	"github.com/galaxyed/redisdriver/internal/topology"
)

// ProcessWaitingCommandsInterval is the periodic tick that retries
// commands that found no available instance at submission time (§4.5).
const ProcessWaitingCommandsInterval = 3 * time.Second

// ShardResolver maps a target (explicit shard index, or a key through the
// Router) to the live *shard.Shard from the current topology snapshot.
// Implemented by *topology.Holder plus a keyrouter.Router for cluster/
// non-cluster key-based routing.
type ShardResolver interface {
	ResolveByIndex(idx int) (name string, ok bool)
	ResolveByKey(key string) (name string, ok bool)
	ShardByName(name string) shardHandle
	// RequestRefresh asks the topology holder for an out-of-band discovery
	// pass, debounced against any pass already in flight. Called on MOVED
	// so the following retry has a chance to see the updated slot map.
	RequestRefresh()
}

// shardHandle is the subset of *shard.Shard the dispatcher needs; kept as
// an interface so tests can substitute a fake without standing up real
// Instances.
type shardHandle interface {
	Select(ctl command.Control, readOnly bool, previous serverid.ID) *instance.Instance
}

// Target describes where a Command should be routed. The zero Target routes
// by Key; ForceShard must be set explicitly to route by ForceShardIdx, since
// a bare int field can't distinguish "shard 0" from "unset" (ForceShardIdx's
// own zero value is a valid shard index).
type Target struct {
	ForceShard    bool
	ForceShardIdx int
	Key           string
	ShardName     string // used when the caller already knows the shard
}

// ForceShardTarget builds a Target that routes directly to shard idx,
// bypassing key-based resolution.
func ForceShardTarget(idx int) Target {
	return Target{ForceShard: true, ForceShardIdx: idx}
}

// KeyTarget builds a Target that routes by key through the configured
// Router/cluster slot map.
func KeyTarget(key string) Target {
	return Target{Key: key}
}

// Dispatcher owns the waiting-command queue and wires Commands through
// shard resolution, selection and the redirect/retry reply handler.
type Dispatcher struct {
	resolver ShardResolver
	router   keyrouter.Router
	logger   *logging.HandlerLogger

	dynamicDefault command.Control

	mu      sync.Mutex
	waiting []*waitingCommand

	stopCh chan struct{}
	doneCh chan struct{}
}

type waitingCommand struct {
	cmd       *command.Command
	target    Target
	master    bool
	previous  serverid.ID
	userFn    command.ReplyFunc // the caller's own callback, captured on first submit
}

// New builds a Dispatcher. dynamicDefault supplies the config-level
// CommandControl defaults (§6's second precedence tier). router is kept on
// the Dispatcher, but key-to-shard resolution goes through resolver (see
// NewTopologyResolver).
func New(resolver ShardResolver, router keyrouter.Router, logger *logging.HandlerLogger, dynamicDefault command.Control) *Dispatcher {
	return &Dispatcher{
		resolver:       resolver,
		router:         router,
		logger:         logger,
		dynamicDefault: dynamicDefault,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the periodic waiting-queue retry tick.
func (d *Dispatcher) Start() {
	go d.tickLoop()
}

// Stop halts the retry tick.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.doneCh
}

func (d *Dispatcher) tickLoop() {
	defer close(d.doneCh)
	ticker := time.NewTicker(ProcessWaitingCommandsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.processWaiting()
		}
	}
}

// AsyncCommand implements §4.5 "Submission". ctl is the caller-provided
// CommandControl (possibly zero-value); readOnly distinguishes the
// replica-eligible read path from the master-only write path; master
// forces routing to the shard's master even for a read command.
func (d *Dispatcher) AsyncCommand(cmd *command.Command, target Target, readOnly, master bool) {
	cmd.Control = command.Merge(cmd.Control, d.dynamicDefault)
	wc := &waitingCommand{cmd: cmd, target: target, master: master}
	if !d.submit(wc, readOnly) {
		d.enqueueWaiting(wc, readOnly)
	}
}

func (d *Dispatcher) shardName(target Target) (string, bool) {
	if target.ShardName != "" {
		return target.ShardName, true
	}
	if target.ForceShard {
		return d.resolver.ResolveByIndex(target.ForceShardIdx)
	}
	return d.resolver.ResolveByKey(target.Key)
}

func (d *Dispatcher) submit(wc *waitingCommand, readOnly bool) bool {
	if wc.userFn == nil {
		wc.userFn = wc.cmd.ReplyFn
	}
	name, ok := d.shardName(wc.target)
	if !ok {
		return false
	}
	sh := d.resolver.ShardByName(name)
	if sh == nil {
		return false
	}
	inst := sh.Select(wc.cmd.Control, readOnly && !wc.master, wc.previous)
	if inst == nil {
		return false
	}

	wc.previous = inst.ID()
	cmd := wc.cmd
	attempt := cmd.Attempt()
	cmd.ReplyFn = d.wrapReplyFn(wc, readOnly, wc.userFn, attempt)
	if !inst.AsyncCommand(cmd) {
		return false
	}
	return true
}

// wrapReplyFn returns a closure that implements §4.5's "Reply handler":
// stale-reply dropping, redirect handling, retryable-error retry, and
// final delivery to the original callback.
func (d *Dispatcher) wrapReplyFn(wc *waitingCommand, readOnly bool, original command.ReplyFunc, attempt int32) command.ReplyFunc {
	return func(r reply.Reply) {
		if wc.cmd.Attempt() != attempt {
			return // stale: a newer attempt has already superseded this one
		}

		if r.IsError() {
			if redirect, ok := reply.ParseRedirect(r.ErrText); ok {
				if d.handleRedirect(wc, redirect, readOnly) {
					return
				}
			} else if d.retry(wc, readOnly) {
				return
			}
		} else if r.Status != reply.StatusOK {
			// Timeout, not-ready and any other non-OK, non-error status
			// retry exactly like a server error would, subject to the same
			// budget check: retry = status != OK, not just a named error
			// class.
			if d.retry(wc, readOnly) {
				return
			}
		} else if readOnly && r.IsNil() && wc.cmd.Control.ForceRetriesToMasterOnNilReply {
			wc.master = true
			if d.retry(wc, readOnly) {
				return
			}
		}

		if original != nil {
			original(r)
		}
	}
}

// handleRedirect requests a topology refresh and retries without
// consuming the retry budget the first time a given Command is
// redirected (§4.5 "preserve the budget if this is the first redirect");
// later redirects go through retry and consume it. The new attempt is
// resolved like any other submission (target shard, then Shard.Select):
// the redirect's slot and address are not used to pick the instance, and
// although the asking flag is recorded on the Command, no ASKING prefix
// is sent.
func (d *Dispatcher) handleRedirect(wc *waitingCommand, redirect reply.Redirect, readOnly bool) bool {
	d.resolver.RequestRefresh()

	preserve := !wc.cmd.Redirected()
	wc.cmd.SetRedirected(true)
	wc.cmd.SetAsking(redirect.Ask)

	if !preserve {
		return d.retry(wc, readOnly)
	}

	wc.cmd.BumpAttempt()
	return d.submit(wc, readOnly)
}

// retry implements §4.5 "Retry policy" steps 1-4.
func (d *Dispatcher) retry(wc *waitingCommand, readOnly bool) bool {
	ctl := &wc.cmd.Control
	retriesLeft := ctl.MaxRetries - 1
	remaining := wc.cmd.RemainingTimeoutAll(time.Now())
	if remaining <= 0 || retriesLeft <= 0 {
		return false
	}

	ctl.MaxRetries = retriesLeft
	ctl.TimeoutAll = remaining
	if ctl.TimeoutSingle > remaining {
		ctl.TimeoutSingle = remaining
	}
	wc.cmd.BumpAttempt()

	if d.submit(wc, readOnly) {
		return true
	}
	d.enqueueWaiting(wc, readOnly)
	return true
}

func (d *Dispatcher) enqueueWaiting(wc *waitingCommand, readOnly bool) {
	wc.cmd.ReadOnly = readOnly
	d.mu.Lock()
	d.waiting = append(d.waiting, wc)
	d.mu.Unlock()
}

// processWaiting retries every command in the waiting queue, completing
// any whose cumulative timeout has elapsed with a timeout reply.
func (d *Dispatcher) processWaiting() {
	d.mu.Lock()
	pending := d.waiting
	d.waiting = nil
	d.mu.Unlock()

	now := time.Now()
	var stillWaiting []*waitingCommand
	for _, wc := range pending {
		if wc.cmd.RemainingTimeoutAll(now) <= 0 {
			if wc.userFn != nil {
				wc.userFn(reply.Reply{Status: reply.StatusTimeout, Command: wc.cmd.Name, ValueKind: reply.KindNil})
			}
			continue
		}
		if !d.submit(wc, wc.cmd.ReadOnly) {
			stillWaiting = append(stillWaiting, wc)
		}
	}

	if len(stillWaiting) > 0 {
		d.mu.Lock()
		d.waiting = append(d.waiting, stillWaiting...)
		d.mu.Unlock()
	}
}

// WaitingCount reports the number of commands currently parked in the
// waiting queue, for diagnostics and tests.
func (d *Dispatcher) WaitingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

// topologyResolver adapts a *topology.Holder and a keyrouter.Router into a
// ShardResolver, the glue the top-level client wires together.
type topologyResolver struct {
	holder *topology.Holder
	router keyrouter.Router
}

// NewTopologyResolver builds the standard ShardResolver used outside of
// tests: shard names come from the topology snapshot. When the snapshot
// carries a slot map (cluster mode), a key resolves through its CRC16 slot
// and SlotToShard and router is not consulted; otherwise it resolves
// through router (CRC32/zero).
func NewTopologyResolver(holder *topology.Holder, router keyrouter.Router) ShardResolver {
	return &topologyResolver{holder: holder, router: router}
}

// ResolveByIndex maps a configuration-order shard index to a shard name.
// Names are sorted so the mapping is deterministic across calls even
// though Snapshot.Shards is a map; this matches force_shard_idx only as
// well as the caller's shard-name ordering happens to be stable (true for
// Sentinel-mode configs, which list master names in a fixed order).
func (t *topologyResolver) ResolveByIndex(idx int) (string, bool) {
	names := sortedShardNames(t.holder.Current())
	if idx < 0 || idx >= len(names) {
		return "", false
	}
	return names[idx], true
}

func (t *topologyResolver) ResolveByKey(key string) (string, bool) {
	snap := t.holder.Current()
	if snap.SlotToShard != nil {
		slot := keyrouter.Slot(key)
		if slot < 0 || slot >= len(snap.SlotToShard) {
			return "", false
		}
		name := snap.SlotToShard[slot]
		if name == "" {
			return "", false
		}
		return name, true
	}
	if t.router == nil || t.router.ShardsCount() == 0 {
		return "", false
	}
	idx := t.router.ShardByKey(key)
	return t.ResolveByIndex(idx)
}

func (t *topologyResolver) ShardByName(name string) shardHandle {
	s := t.holder.Current().ShardByName(name)
	if s == nil {
		return nil
	}
	return s
}

func (t *topologyResolver) RequestRefresh() {
	t.holder.RequestRefresh()
}

func sortedShardNames(snap *topology.Snapshot) []string {
	names := make([]string, 0, len(snap.Shards))
	for name := range snap.Shards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
