package dispatch

import (
	"testing"
	"time"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/reply"
)

// noShardResolver always fails ShardByName, so submit() always falls
// through to the waiting queue without needing a real *shard.Shard or
// *instance.Instance.
type noShardResolver struct{ refreshed int }

func (r *noShardResolver) ResolveByIndex(int) (string, bool)  { return "s1", true }
func (r *noShardResolver) ResolveByKey(string) (string, bool) { return "s1", true }
func (r *noShardResolver) ShardByName(string) shardHandle     { return nil }
func (r *noShardResolver) RequestRefresh()                    { r.refreshed++ }

func TestAsyncCommandEnqueuesWhenNoInstanceAvailable(t *testing.T) {
	d := New(&noShardResolver{}, nil, nil, command.Control{})
	cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{}, true, func(reply.Reply) {})
	d.AsyncCommand(cmd, Target{Key: "k"}, true, false)
	if d.WaitingCount() != 1 {
		t.Fatalf("expected command to be parked in the waiting queue, got count %d", d.WaitingCount())
	}
}

func TestProcessWaitingCompletesExpiredCommandsWithTimeout(t *testing.T) {
	d := New(&noShardResolver{}, nil, nil, command.Control{})
	var got reply.Reply
	cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{TimeoutAll: time.Millisecond}, true, func(r reply.Reply) {
		got = r
	})
	cmd.Start = time.Now().Add(-time.Hour)
	d.AsyncCommand(cmd, Target{Key: "k"}, true, false)
	d.processWaiting()
	if got.Status != reply.StatusTimeout {
		t.Fatalf("expected a timeout reply for an expired waiting command, got %+v", got)
	}
	if d.WaitingCount() != 0 {
		t.Fatalf("expired command must not remain in the waiting queue, count=%d", d.WaitingCount())
	}
}

func TestWrapReplyFnRetriesOnAnyNonOKStatus(t *testing.T) {
	d := New(&noShardResolver{}, nil, nil, command.Control{})
	for _, tc := range []struct {
		name  string
		reply reply.Reply
	}{
		{"timeout", reply.Reply{Status: reply.StatusTimeout, ValueKind: reply.KindNil}},
		{"generic server error", reply.Reply{Status: reply.StatusError, ValueKind: reply.KindError, ErrText: "WRONGTYPE Operation against a key holding the wrong kind of value"}},
		{"readonly error", reply.Reply{Status: reply.StatusError, ValueKind: reply.KindError, ErrText: "READONLY You can't write against a read only replica."}},
		{"loading error", reply.Reply{Status: reply.StatusError, ValueKind: reply.KindError, ErrText: "LOADING Redis is loading the dataset in memory"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{MaxRetries: 2, TimeoutAll: time.Hour}, true, func(reply.Reply) {
				t.Fatal("original callback must not run when the reply is retried")
			})
			wc := &waitingCommand{cmd: cmd, target: Target{Key: "k"}}
			wrapped := d.wrapReplyFn(wc, true, cmd.ReplyFn, cmd.Attempt())
			wrapped(tc.reply)
			if d.WaitingCount() != 1 {
				t.Fatalf("expected the reply to be retried into the waiting queue, got count %d", d.WaitingCount())
			}
			d.waiting = nil
		})
	}
}

func TestRetryParksCommandWhenNoInstanceAvailable(t *testing.T) {
	d := New(&noShardResolver{}, nil, nil, command.Control{})
	cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{MaxRetries: 2, TimeoutAll: time.Hour}, true, func(reply.Reply) {})
	wc := &waitingCommand{cmd: cmd, target: Target{Key: "k"}}
	if !d.retry(wc, true) {
		t.Fatal("retry with budget remaining must report handled (even if parked waiting)")
	}
	if d.WaitingCount() != 1 {
		t.Fatalf("expected the retried command to land in the waiting queue, got %d", d.WaitingCount())
	}
}

func TestRetryFailsWhenBudgetExhausted(t *testing.T) {
	d := New(&noShardResolver{}, nil, nil, command.Control{})
	cmd := command.NewCommand("GET", []interface{}{"GET", "k"}, command.Control{MaxRetries: 1, TimeoutAll: time.Hour}, true, func(reply.Reply) {})
	wc := &waitingCommand{cmd: cmd, target: Target{Key: "k"}}
	if d.retry(wc, true) {
		t.Fatal("retry must fail once MaxRetries-1 reaches zero")
	}
}
