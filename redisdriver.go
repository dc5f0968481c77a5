// Package redisdriver is a client library for Sentinel-managed replicated
// Redis deployments and Redis Cluster. It discovers and maintains shard
// topology, dispatches commands with retries and MOVED/ASK redirection, and
// places Pub/Sub subscriptions across the live instances of a shard.
//
// Each Instance runs its own writer/reader goroutine pair (plus an
// inactivity-ping goroutine outside subscribe mode); the Topology Holder,
// the Dispatcher's retry tick and the rebalance pass each run a background
// loop of their own. Callers interact through Client: AsyncCommand with a
// reply callback, Subscribe with its cancel func, and WaitConnectedOnce.
// Configuration is fixed when New builds the Client; it has no setters.
package redisdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/galaxyed/redisdriver/internal/command"
)

// Kind enumerates the error taxonomy from §7 of the specification.
type Kind int

const (
	// KindTimeout is surfaced after the retry budget or cumulative timeout
	// is exhausted.
	KindTimeout Kind = iota
	// KindNotReady means no connected instance was available for the
	// target shard at submission time, and no retry slot was left; also
	// used for commands rejected after Stop.
	KindNotReady
	// KindRedirect is recovered locally (MOVED/ASK) and never surfaced
	// unless retries are exhausted while still redirecting.
	KindRedirect
	// KindReadonlyReplica covers a demoted replica reply, recovered
	// locally with a retry against a different instance.
	KindReadonlyReplica
	// KindUnusableInstance covers a generic "unusable instance" server
	// reply, recovered locally with a retry.
	KindUnusableInstance
	// KindCancelled means the caller cancelled the command.
	KindCancelled
	// KindProtocolError means the reply shape was unexpected; the
	// dispatcher retries it like any other error reply and surfaces it
	// verbatim once the budget is spent.
	KindProtocolError
	// KindServerError is a non-redirect error reply from the server;
	// surfaced verbatim, though the retry policy may still retry on it
	// if budget permits.
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotReady:
		return "not_ready"
	case KindRedirect:
		return "redirect"
	case KindReadonlyReplica:
		return "readonly_replica"
	case KindUnusableInstance:
		return "unusable_instance"
	case KindCancelled:
		return "cancelled"
	case KindProtocolError:
		return "protocol_error"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Error wraps a Kind, the originating command name and the underlying
// cause. It supports errors.Is/errors.As via Unwrap.
type Error struct {
	Kind    Kind
	Command string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("redisdriver: %s: %s: %v", e.Kind, e.Command, e.Err)
	}
	return fmt.Sprintf("redisdriver: %s: %s", e.Kind, e.Command)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an *Error of the given Kind for the given command.
func NewError(kind Kind, command string, cause error) *Error {
	return &Error{Kind: kind, Command: command, Err: cause}
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrStopped names the "client stopped" condition, a caller misuse of the
// API rather than a reply status. Client.AsyncCommand and Client.Subscribe
// have no error result and do not check for Stop, so nothing in this
// package returns ErrStopped.
var ErrStopped = errors.New("redisdriver: client stopped")

// ErrInvariant marks an internal invariant violation (e.g. a slot mapping
// that does not partition [0, 16383]); per §7 this is fatal at the core
// level and is never converted into a reply status.
var ErrInvariant = errors.New("redisdriver: internal invariant violated")

// WaitMode enumerates the readiness condition WaitConnectedOnce waits for:
// every shard must satisfy it before the call returns.
type WaitMode = command.WaitMode

const (
	// MasterOnly requires every shard to have a connected master.
	MasterOnly = command.WaitMasterOnly
	// SlaveOnly requires every shard to have at least one connected
	// replica.
	SlaveOnly = command.WaitSlaveOnly
	// MasterOrSlave requires every shard to have a connected master or a
	// connected replica.
	MasterOrSlave = command.WaitMasterOrSlave
	// MasterAndSlave requires every shard to have both a connected master
	// and at least one connected replica.
	MasterAndSlave = command.WaitMasterAndSlave
)

// backgroundIfNil returns context.Background() when ctx is nil, so internal
// call sites that predate a context-aware API can be migrated gradually.
func backgroundIfNil(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
