package instance

import (
	"testing"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/reply"
)

func TestBufferingSettingsDisabled(t *testing.T) {
	if !(BufferingSettings{}).Disabled() {
		t.Fatal("zero-value BufferingSettings must be disabled")
	}
	if (BufferingSettings{BufferCount: 8}).Disabled() {
		t.Fatal("BufferCount > 1 must enable buffering")
	}
}

func TestStateIsErrorState(t *testing.T) {
	for _, s := range []State{InitError, ConnectHiredisError, ConnectError} {
		if !s.IsErrorState() {
			t.Fatalf("%s must be an error state", s)
		}
	}
	for _, s := range []State{Init, Connected, Disconnected, ExitReady} {
		if s.IsErrorState() {
			t.Fatalf("%s must not be an error state", s)
		}
	}
}

func TestAggregateReplySingle(t *testing.T) {
	cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{}, true, nil)
	b := &batch{cmd: cmd, replies: []reply.Reply{{Status: reply.StatusOK, ValueKind: reply.KindString, Str: "v"}}}
	got := aggregateReply(b)
	if got.ValueKind != reply.KindString || got.Str != "v" {
		t.Fatalf("unexpected single aggregate: %+v", got)
	}
}

func TestAggregateReplyPipeline(t *testing.T) {
	cmd := command.NewCommand("MULTI", nil, command.Control{}, false, nil)
	b := &batch{cmd: cmd, replies: []reply.Reply{
		{ValueKind: reply.KindStatus, Str: "OK"},
		{ValueKind: reply.KindInteger, Int: 1},
	}}
	got := aggregateReply(b)
	if got.ValueKind != reply.KindArray || len(got.Array) != 2 {
		t.Fatalf("unexpected pipeline aggregate: %+v", got)
	}
}
