// Package command defines the Command and CommandControl types shared by
// the dispatcher, shard and instance layers, plus CommandControl's merge
// precedence (caller override > dynamic config default > built-in default).
package command

import (
	"sync/atomic"
	"time"

	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/serverid"
)

// Strategy selects the candidate-instance policy used by Shard selection
// (§4.2).
type Strategy int

const (
	// EveryDc considers every eligible instance; measured ping does not
	// weight the choice.
	EveryDc Strategy = iota
	// NearestServerPing considers only the BestDCCount instances with the
	// smallest measured ping.
	NearestServerPing
	// LocalDcConductor is accepted, but instances carry no datacenter tag
	// to match against: Shard selection treats it exactly like EveryDc.
	LocalDcConductor
)

// Built-in defaults from §6 "CommandControl".
const (
	DefaultTimeoutSingle = 500 * time.Millisecond
	DefaultTimeoutAll    = 2000 * time.Millisecond
	DefaultMaxRetries    = 4
)

// NoForceShard is the ForceShardIdx sentinel meaning "no forced shard".
const NoForceShard = -1

// WaitMode enumerates the readiness condition WaitConnectedOnce (and
// Shard.IsReady) waits for, per §4.3.
type WaitMode int

const (
	// WaitMasterOnly requires a connected master.
	WaitMasterOnly WaitMode = iota
	// WaitSlaveOnly requires at least one connected replica.
	WaitSlaveOnly
	// WaitMasterOrSlave requires a connected master or a connected replica.
	WaitMasterOrSlave
	// WaitMasterAndSlave requires both a connected master and at least one
	// connected replica.
	WaitMasterAndSlave
)

// Control carries every per-command tuning knob from §6.
type Control struct {
	TimeoutSingle time.Duration
	TimeoutAll    time.Duration
	MaxRetries    int
	Strategy      Strategy

	BestDCCount                    int
	ForceRequestToMaster           bool
	MaxPingLatency                 time.Duration
	AllowReadsFromMaster           bool
	AccountInStatistics            bool
	ForceShardIdx                  int
	ChunkSize                      int
	ForceServerID                  serverid.ID
	ForceRetriesToMasterOnNilReply bool

	// set tracks which fields the caller explicitly provided, so Merge
	// can apply the caller > dynamic-default > built-in-default
	// precedence field by field instead of all-or-nothing.
	set controlSet
}

type controlSet struct {
	timeoutSingle bool
	timeoutAll    bool
	maxRetries    bool
	strategy      bool
}

// WithTimeoutSingle returns a copy of c with TimeoutSingle set and marked
// caller-provided.
func (c Control) WithTimeoutSingle(d time.Duration) Control {
	c.TimeoutSingle = d
	c.set.timeoutSingle = true
	return c
}

// WithTimeoutAll returns a copy of c with TimeoutAll set and marked
// caller-provided.
func (c Control) WithTimeoutAll(d time.Duration) Control {
	c.TimeoutAll = d
	c.set.timeoutAll = true
	return c
}

// WithMaxRetries returns a copy of c with MaxRetries set and marked
// caller-provided.
func (c Control) WithMaxRetries(n int) Control {
	c.MaxRetries = n
	c.set.maxRetries = true
	return c
}

// WithStrategy returns a copy of c with Strategy set and marked
// caller-provided.
func (c Control) WithStrategy(s Strategy) Control {
	c.Strategy = s
	c.set.strategy = true
	return c
}

// Merge applies precedence: fields explicitly set on c (the caller-provided
// control) win; otherwise dynamicDefault's value is used; otherwise the
// spec's built-in defaults (§6).
func Merge(c, dynamicDefault Control) Control {
	out := dynamicDefault
	if out.TimeoutSingle == 0 {
		out.TimeoutSingle = DefaultTimeoutSingle
	}
	if out.TimeoutAll == 0 {
		out.TimeoutAll = DefaultTimeoutAll
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.ForceShardIdx == 0 {
		out.ForceShardIdx = NoForceShard
	}

	if c.set.timeoutSingle {
		out.TimeoutSingle = c.TimeoutSingle
	}
	if c.set.timeoutAll {
		out.TimeoutAll = c.TimeoutAll
	}
	if c.set.maxRetries {
		out.MaxRetries = c.MaxRetries
	}
	if c.set.strategy {
		out.Strategy = c.Strategy
	}
	out.BestDCCount = pickNonZero(c.BestDCCount, out.BestDCCount)
	out.MaxPingLatency = pickNonZeroDuration(c.MaxPingLatency, out.MaxPingLatency)
	out.ChunkSize = pickNonZero(c.ChunkSize, out.ChunkSize)
	if !c.ForceServerID.IsAny() {
		out.ForceServerID = c.ForceServerID
	}
	if c.ForceShardIdx != 0 {
		out.ForceShardIdx = c.ForceShardIdx
	}
	out.ForceRequestToMaster = out.ForceRequestToMaster || c.ForceRequestToMaster
	out.AllowReadsFromMaster = out.AllowReadsFromMaster || c.AllowReadsFromMaster
	out.AccountInStatistics = out.AccountInStatistics || c.AccountInStatistics
	out.ForceRetriesToMasterOnNilReply = out.ForceRetriesToMasterOnNilReply || c.ForceRetriesToMasterOnNilReply
	return out
}

func pickNonZero(caller, fallback int) int {
	if caller != 0 {
		return caller
	}
	return fallback
}

func pickNonZeroDuration(caller, fallback time.Duration) time.Duration {
	if caller != 0 {
		return caller
	}
	return fallback
}

// ReplyFunc is invoked on the event-loop goroutine with the terminal Reply
// for a Command. Implementations must not block or perform I/O; panics are
// caught and logged by the caller, never allowed to escape into the event
// loop (§7 "Propagation").
type ReplyFunc func(reply.Reply)

// Command is an immutable-after-submission record: one or more sub-request
// argument vectors (pipelined/MULTI...EXEC), its effective Control, a reply
// callback, and the mutable retry bookkeeping described in §3.
type Command struct {
	Args    [][]interface{}
	Name    string
	Control Control
	ReplyFn ReplyFunc

	ReadOnly   bool
	Start      time.Time

	attempt    int32
	asking     int32
	redirected int32
}

// NewCommand builds a Command for a single (non-pipelined) request.
func NewCommand(name string, args []interface{}, ctl Control, readOnly bool, fn ReplyFunc) *Command {
	return &Command{
		Args:     [][]interface{}{args},
		Name:     name,
		Control:  ctl,
		ReplyFn:  fn,
		ReadOnly: readOnly,
		Start:    time.Now(),
	}
}

// Attempt returns the current attempt counter. Replies whose attempt
// counter doesn't match the Command's current value are stale and must be
// dropped (§3, §4.5).
func (c *Command) Attempt() int32 { return atomic.LoadInt32(&c.attempt) }

// BumpAttempt increments and returns the new attempt counter, invalidating
// any reply in flight for the previous attempt.
func (c *Command) BumpAttempt() int32 { return atomic.AddInt32(&c.attempt, 1) }

// Asking reports whether an ASK redirection is in progress for the current
// attempt.
func (c *Command) Asking() bool { return atomic.LoadInt32(&c.asking) != 0 }

// SetAsking sets/clears the asking flag.
func (c *Command) SetAsking(v bool) { atomic.StoreInt32(&c.asking, boolToInt32(v)) }

// Redirected reports whether this command has already consumed its one
// retry-budget-preserving redirect.
func (c *Command) Redirected() bool { return atomic.LoadInt32(&c.redirected) != 0 }

// SetRedirected sets/clears the redirected flag.
func (c *Command) SetRedirected(v bool) { atomic.StoreInt32(&c.redirected, boolToInt32(v)) }

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

// RemainingTimeoutAll returns the remaining cumulative budget given Start
// and Control.TimeoutAll, which may be <= 0 once exhausted.
func (c *Command) RemainingTimeoutAll(now time.Time) time.Duration {
	return c.Start.Add(c.Control.TimeoutAll).Sub(now)
}
