// Package reply adapts garyburd/redigo reply values into the driver's
// Reply value type and classifies redirection (MOVED/ASK) and retryable
// server errors per §6/§7 of the specification.
package reply

import (
	"strconv"
	"strings"
	"time"
)

// Status enumerates the coarse outcome of a command attempt.
type Status int

const (
	// StatusOK means a normal, non-error reply was received.
	StatusOK Status = iota
	// StatusTimeout means the per-attempt or cumulative timeout fired
	// before a reply arrived.
	StatusTimeout
	// StatusNotReady means no connected instance was available.
	StatusNotReady
	// StatusError means the server replied with a RESP error.
	StatusError
)

// ValueKind enumerates the parsed RESP value shapes carried by a Reply.
type ValueKind int

const (
	KindNil ValueKind = iota
	KindString
	KindInteger
	KindArray
	KindStatus
	KindError
)

// Reply is the parsed result of one command attempt against one instance.
type Reply struct {
	Status      Status
	Command     string
	ValueKind   ValueKind
	Str         string
	Int         int64
	Array       []Reply
	ErrText     string
	ServerID    int64
	RoundTrip   time.Duration
}

// IsNil reports whether the reply is a RESP nil (*-1 bulk/array or $-1).
func (r Reply) IsNil() bool { return r.ValueKind == KindNil }

// IsError reports whether the reply is a RESP error.
func (r Reply) IsError() bool { return r.ValueKind == KindError }

// FromRedigo converts a value as returned by a garyburd/redigo redis.Conn
// Receive()/Do() call into a Reply. err, if non-nil, is either a redigo
// redis.Error (server error text) or a transport-level error.
func FromRedigo(command string, v interface{}, err error, rtt time.Duration) Reply {
	r := Reply{Command: command, RoundTrip: rtt}
	if err != nil {
		r.Status = StatusError
		r.ValueKind = KindError
		r.ErrText = err.Error()
		return r
	}
	r.Status = StatusOK
	assignValue(&r, v)
	return r
}

func assignValue(r *Reply, v interface{}) {
	switch t := v.(type) {
	case nil:
		r.ValueKind = KindNil
	case []byte:
		r.ValueKind = KindString
		r.Str = string(t)
	case string:
		// redigo returns simple statuses (+OK) as a string wrapped in its
		// own Error/Status types normally, but when callers pre-decode we
		// treat a bare Go string as a status line.
		r.ValueKind = KindStatus
		r.Str = t
	case int64:
		r.ValueKind = KindInteger
		r.Int = t
	case []interface{}:
		r.ValueKind = KindArray
		r.Array = make([]Reply, 0, len(t))
		for _, item := range t {
			var child Reply
			assignValue(&child, item)
			r.Array = append(r.Array, child)
		}
	default:
		r.ValueKind = KindError
		r.ErrText = "unsupported RESP value type"
	}
}

// Redirect describes a parsed MOVED/ASK error reply.
type Redirect struct {
	Ask  bool // true for ASK, false for MOVED
	Slot int
	Addr string // host:port
}

// ParseRedirect parses "MOVED <slot> <host>:<port>" or
// "ASK <slot> <host>:<port>" from a RESP error text. host may be a bracketed
// IPv6 literal; port is the last colon-delimited integer field. Returns
// ok=false if errText isn't a redirect error.
func ParseRedirect(errText string) (Redirect, bool) {
	var ask bool
	var rest string
	switch {
	case strings.HasPrefix(errText, "MOVED "):
		rest = strings.TrimPrefix(errText, "MOVED ")
	case strings.HasPrefix(errText, "ASK "):
		ask = true
		rest = strings.TrimPrefix(errText, "ASK ")
	default:
		return Redirect{}, false
	}

	fields := strings.SplitN(rest, " ", 2)
	if len(fields) != 2 {
		return Redirect{}, false
	}
	slot, err := strconv.Atoi(fields[0])
	if err != nil {
		return Redirect{}, false
	}
	addr := strings.TrimSpace(fields[1])
	if !validHostPort(addr) {
		return Redirect{}, false
	}
	return Redirect{Ask: ask, Slot: slot, Addr: addr}, true
}

// validHostPort performs a light sanity check: there must be a ':' after
// any bracketed IPv6 literal, separating host from port.
func validHostPort(addr string) bool {
	if addr == "" {
		return false
	}
	if strings.HasPrefix(addr, "[") {
		idx := strings.Index(addr, "]")
		return idx >= 0 && idx+1 < len(addr) && addr[idx+1] == ':'
	}
	return strings.Contains(addr, ":")
}

// IsReadonlyReplicaError reports whether errText is Redis's READONLY error,
// returned when a write lands on a demoted/read-only replica.
func IsReadonlyReplicaError(errText string) bool {
	return strings.HasPrefix(errText, "READONLY ")
}

// IsUnusableInstanceError reports whether errText indicates the instance is
// in a state where it cannot usefully serve the command (e.g. loading,
// in a failed cluster state) and the caller should retry elsewhere.
func IsUnusableInstanceError(errText string) bool {
	for _, prefix := range []string{"LOADING ", "CLUSTERDOWN ", "MASTERDOWN ", "TRYAGAIN "} {
		if strings.HasPrefix(errText, prefix) {
			return true
		}
	}
	return false
}

// PushKind enumerates the unsolicited RESP2 pub/sub push frame shapes from
// §6: confirmations count as pushes too, but only message/pmessage/smessage
// carry no
// corresponding queued request, which is what instance's reader loop needs
// to distinguish.
type PushKind int

const (
	PushUnknown PushKind = iota
	PushSubscribe
	PushPSubscribe
	PushSSubscribe
	PushUnsubscribe
	PushPUnsubscribe
	PushMessage
	PushPMessage
	PushSMessage
)

// Push is a parsed unsolicited pub/sub frame.
type Push struct {
	Kind    PushKind
	Channel string
	Pattern string // set only for PushPMessage
	Payload string
	Count   int64 // set only for the subscribe/unsubscribe confirmation kinds
}

// ClassifyPush inspects a raw value as returned by redigo's Conn.Receive and
// reports whether it has the ["kind", ...] array shape of a pub/sub push
// frame, per §6's wire message list.
func ClassifyPush(v interface{}) (Push, bool) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 2 {
		return Push{}, false
	}
	kindStr, ok := asString(arr[0])
	if !ok {
		return Push{}, false
	}
	switch kindStr {
	case "subscribe", "psubscribe", "ssubscribe", "unsubscribe", "punsubscribe":
		if len(arr) < 3 {
			return Push{}, false
		}
		channel, _ := asString(arr[1])
		count, _ := asInt(arr[2])
		return Push{Kind: pushKindFor(kindStr), Channel: channel, Count: count}, true
	case "message":
		if len(arr) < 3 {
			return Push{}, false
		}
		channel, _ := asString(arr[1])
		payload, _ := asString(arr[2])
		return Push{Kind: PushMessage, Channel: channel, Payload: payload}, true
	case "smessage":
		if len(arr) < 3 {
			return Push{}, false
		}
		channel, _ := asString(arr[1])
		payload, _ := asString(arr[2])
		return Push{Kind: PushSMessage, Channel: channel, Payload: payload}, true
	case "pmessage":
		if len(arr) < 4 {
			return Push{}, false
		}
		pattern, _ := asString(arr[1])
		channel, _ := asString(arr[2])
		payload, _ := asString(arr[3])
		return Push{Kind: PushPMessage, Pattern: pattern, Channel: channel, Payload: payload}, true
	default:
		return Push{}, false
	}
}

// ClassifyConfirmation inspects an already-aggregated Reply (as delivered
// through a Command's ReplyFn) and reports whether it has the
// ["subscribe"|"psubscribe"|"ssubscribe"|"unsubscribe"|"punsubscribe",
// channel, count] confirmation shape. Used for the SUBSCRIBE/UNSUBSCRIBE
// commands substorage issues through the ordinary command path (as opposed
// to the unsolicited message/pmessage frames classified by ClassifyPush,
// which arrive with no queued request to attach a ReplyFn to).
func ClassifyConfirmation(r Reply) (Push, bool) {
	if r.ValueKind != KindArray || len(r.Array) < 3 {
		return Push{}, false
	}
	kindStr := r.Array[0].Str
	switch kindStr {
	case "subscribe", "psubscribe", "ssubscribe", "unsubscribe", "punsubscribe":
		return Push{Kind: pushKindFor(kindStr), Channel: r.Array[1].Str, Count: r.Array[2].Int}, true
	default:
		return Push{}, false
	}
}

func pushKindFor(s string) PushKind {
	switch s {
	case "subscribe":
		return PushSubscribe
	case "psubscribe":
		return PushPSubscribe
	case "ssubscribe":
		return PushSSubscribe
	case "unsubscribe":
		return PushUnsubscribe
	case "punsubscribe":
		return PushPUnsubscribe
	default:
		return PushUnknown
	}
}

func asString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case []byte:
		return string(t), true
	case string:
		return t, true
	default:
		return "", false
	}
}

func asInt(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case []byte:
		n, err := strconv.ParseInt(string(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// IsNonClusterError reports whether errText indicates the server doesn't
// support CLUSTER commands at all, the signal the Topology Holder uses to
// fall back from Cluster mode to Sentinel mode (§4.3, S6).
func IsNonClusterError(errText string) bool {
	return strings.Contains(errText, "cluster support disabled") ||
		strings.HasPrefix(errText, "ERR unknown command")
}
