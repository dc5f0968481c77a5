// Package instance implements C1: one TCP connection to one Redis process.
// It submits commands, receives replies in strict per-connection FIFO
// order, tracks its own connection state machine, and owns an inactivity
// ping. All socket I/O and timers run on the Instance's own event-loop
// goroutine pair (writer + reader); callers only ever enqueue work.
package instance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/conninfo"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/serverid"
)

// Config carries the tunables of one Instance.
type Config struct {
	PingInterval   time.Duration // default 2s
	PingTimeout    time.Duration // default 4s
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SubscribeMode  bool // PubSub connections run no inactivity ping; per-command timeout timers still apply

	// PushFunc, when set, receives every unsolicited message/pmessage/
	// smessage push frame observed on this connection (SubscribeMode
	// only). Called on the reader goroutine; must not block.
	PushFunc func(reply.Push)
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = 2 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 4 * time.Second
	}
	return c
}

type pendingSubmission struct {
	cmd *command.Command
}

// waitingReply tracks one in-flight sub-request's timeout timer and which
// Command attempt it belongs to; its position within the Command's batch
// follows from the FIFO order of the queue.
type waitingReply struct {
	reqID   uint64
	cmd     *command.Command
	attempt int32
	timer   *time.Timer
	evicted int32 // atomic bool: set by the timeout firing
}

// batch groups the sub-replies of one (possibly pipelined) Command so the
// aggregate Reply can be assembled once every sub-reply has arrived.
type batch struct {
	cmd      *command.Command
	attempt  int32
	replies  []reply.Reply
	remain   int
}

// Instance is one connection to one Redis process.
type Instance struct {
	info   conninfo.Info
	id     serverid.ID
	cfg    Config
	logger *logging.HandlerLogger

	mu          sync.RWMutex
	state       State
	subscribers []chan Signal

	bufMu     sync.RWMutex
	buffering BufferingSettings

	conn redis.Conn

	submitCh chan pendingSubmission
	stopCh   chan struct{}
	doneCh   chan struct{}

	nextReqID  uint64
	inFlight   int32 // atomic count, read by Shard selection
	destroying int32 // atomic bool

	pingLatencyNanos int64 // atomic
	lastActivity     int64 // atomic unix nanos

	statsSent      int64
	statsCompleted int64
	statsTimeouts  int64

	inflightMu sync.Mutex
	queue      []*waitingReply
	batches    map[*command.Command]*batch
}

// New constructs an Instance in the Init state. Call Connect to open the
// socket and start its event-loop goroutines.
func New(info conninfo.Info, id serverid.ID, cfg Config, logger *logging.HandlerLogger) *Instance {
	return &Instance{
		info:     info,
		id:       id,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		state:    Init,
		submitCh: make(chan pendingSubmission, 256),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		batches:  make(map[*command.Command]*batch),
	}
}

// ID returns the instance's ServerId.
func (in *Instance) ID() serverid.ID { return in.id }

// Info returns the instance's ConnectionInfo.
func (in *Instance) Info() conninfo.Info { return in.info }

// State returns the current connection state.
func (in *Instance) State() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// InFlightCount returns the number of commands currently awaiting reply,
// used by Shard's "fewest in-flight" selection tie-break.
func (in *Instance) InFlightCount() int {
	return int(atomic.LoadInt32(&in.inFlight))
}

// PingLatency returns the most recently measured inactivity-ping
// round-trip time.
func (in *Instance) PingLatency() time.Duration {
	return time.Duration(atomic.LoadInt64(&in.pingLatencyNanos))
}

// Subscribe registers ch to receive every future state Signal. Intended for
// the owning Shard; the channel must have spare buffer or a dedicated
// drain goroutine since transitions are delivered from the event loop and
// must never block it.
func (in *Instance) Subscribe(ch chan Signal) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.subscribers = append(in.subscribers, ch)
}

func (in *Instance) setState(to State) {
	in.mu.Lock()
	from := in.state
	in.state = to
	subs := append([]chan Signal(nil), in.subscribers...)
	in.mu.Unlock()

	if in.logger != nil {
		in.logger.Infof("instance %s (%s) transitioned %s -> %s", in.id, in.info.Key(), from, to)
	}
	for _, ch := range subs {
		select {
		case ch <- Signal{From: from, To: to}:
		default:
		}
	}
}

// SetBuffering updates the command-buffering (Nagle-like grouping)
// settings at runtime.
func (in *Instance) SetBuffering(b BufferingSettings) {
	in.bufMu.Lock()
	defer in.bufMu.Unlock()
	in.buffering = b
}

func (in *Instance) getBuffering() BufferingSettings {
	in.bufMu.RLock()
	defer in.bufMu.RUnlock()
	return in.buffering
}

// Connect opens the socket, runs AUTH if a password is configured, runs
// READONLY if the instance is marked readonly, then transitions to
// Connected and starts the event-loop goroutines. It blocks until these
// steps finish; callers that must not wait run it on its own goroutine.
// Any step failure transitions to the corresponding error state and
// returns an error.
func (in *Instance) Connect(ctx context.Context) error {
	network := "tcp"
	addr := in.info.Key()

	dialOpts := []redis.DialOption{
		redis.DialConnectTimeout(orDefault(in.cfg.ConnectTimeout, 2*time.Second)),
		redis.DialReadTimeout(in.cfg.ReadTimeout),
		redis.DialWriteTimeout(in.cfg.WriteTimeout),
	}
	if in.info.TLS {
		dialOpts = append(dialOpts, redis.DialUseTLS(true))
	}

	conn, err := redis.DialContext(ctx, network, addr, dialOpts...)
	if err != nil {
		in.setState(ConnectHiredisError)
		return fmt.Errorf("instance: dial %s: %w", addr, err)
	}

	if in.info.Password != "" {
		if _, err := conn.Do("AUTH", in.info.Password); err != nil {
			conn.Close()
			in.setState(ConnectError)
			return fmt.Errorf("instance: AUTH %s: %w", addr, err)
		}
	}
	if in.info.Readonly {
		if _, err := conn.Do("READONLY"); err != nil {
			conn.Close()
			in.setState(ConnectError)
			return fmt.Errorf("instance: READONLY %s: %w", addr, err)
		}
	}

	in.conn = conn
	atomic.StoreInt64(&in.lastActivity, time.Now().UnixNano())
	in.setState(Connected)

	go in.writerLoop()
	go in.readerLoop()
	if !in.cfg.SubscribeMode {
		go in.pingLoop()
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// AsyncCommand enqueues cmd for transmission. Returns false if the instance
// is destroying or not Connected.
func (in *Instance) AsyncCommand(cmd *command.Command) bool {
	if atomic.LoadInt32(&in.destroying) != 0 {
		return false
	}
	if in.State() != Connected {
		return false
	}
	select {
	case in.submitCh <- pendingSubmission{cmd: cmd}:
		return true
	default:
		return false
	}
}

// Destroy marks the instance for teardown: no further commands are
// accepted, and once drained the event loop exits and signals ExitReady.
func (in *Instance) Destroy() {
	atomic.StoreInt32(&in.destroying, 1)
	close(in.stopCh)
}

// Done returns a channel closed once the event loop has fully exited.
func (in *Instance) Done() <-chan struct{} { return in.doneCh }

func (in *Instance) writerLoop() {
	defer func() {
		if in.conn != nil {
			in.conn.Close()
		}
	}()

	var pending []pendingSubmission
	var flushTimer *time.Timer
	var flushC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		in.sendBatch(pending)
		pending = pending[:0]
		if flushTimer != nil {
			flushTimer.Stop()
			flushC = nil
		}
	}

	for {
		bs := in.getBuffering()
		select {
		case <-in.stopCh:
			flush()
			return
		case sub := <-in.submitCh:
			pending = append(pending, sub)
			if bs.Disabled() || len(pending) >= maxInt(bs.BufferCount, 1) {
				flush()
				continue
			}
			if flushTimer == nil {
				flushTimer = time.NewTimer(bs.BufferTime)
				flushC = flushTimer.C
			}
		case <-flushC:
			flush()
			flushTimer = nil
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (in *Instance) sendBatch(subs []pendingSubmission) {
	if in.conn == nil {
		return
	}
	now := time.Now()
	for _, sub := range subs {
		cmd := sub.cmd
		attempt := cmd.Attempt()
		b := &batch{cmd: cmd, attempt: attempt, replies: make([]reply.Reply, len(cmd.Args)), remain: len(cmd.Args)}

		in.inflightMu.Lock()
		in.batches[cmd] = b
		sendErr := false
		for _, args := range cmd.Args {
			if len(args) == 0 {
				continue
			}
			name, _ := args[0].(string)
			if name == "" {
				name = cmd.Name
			}
			if err := in.conn.Send(name, args[1:]...); err != nil {
				sendErr = true
				break
			}
			reqID := atomic.AddUint64(&in.nextReqID, 1)
			wr := &waitingReply{reqID: reqID, cmd: cmd, attempt: attempt}
			wr.timer = time.AfterFunc(cmd.Control.TimeoutSingle, func() { in.onTimeout(wr) })
			in.queue = append(in.queue, wr)
			atomic.AddInt32(&in.inFlight, 1)
			atomic.AddInt64(&in.statsSent, 1)
		}
		in.inflightMu.Unlock()
		if sendErr {
			in.deliverImmediate(cmd, reply.Reply{Status: reply.StatusError, Command: cmd.Name, ValueKind: reply.KindError, ErrText: "send failed"})
			continue
		}
	}
	if err := in.conn.Flush(); err != nil {
		in.handleFatalError(err)
	}
	atomic.StoreInt64(&in.lastActivity, now.UnixNano())
}

// deliverImmediate invokes cmd's ReplyFn directly, bypassing the in-flight
// queue, for submission-time failures that never reached the wire.
func (in *Instance) deliverImmediate(cmd *command.Command, r reply.Reply) {
	in.inflightMu.Lock()
	delete(in.batches, cmd)
	in.inflightMu.Unlock()
	if cmd.ReplyFn != nil {
		safeInvoke(in.logger, cmd.ReplyFn, r)
	}
}

func safeInvoke(logger *logging.HandlerLogger, fn command.ReplyFunc, r reply.Reply) {
	defer func() {
		if rec := recover(); rec != nil && logger != nil {
			logger.Errorf("recovered panic in command reply callback: %v", rec)
		}
	}()
	fn(r)
}

// onTimeout fires when a per-attempt timer expires without a matching
// reply. The slot is evicted (its eventual network reply, if any, will be
// discarded by readerLoop) and the command is completed with a timeout
// reply if this was its last outstanding sub-request.
func (in *Instance) onTimeout(wr *waitingReply) {
	if !atomic.CompareAndSwapInt32(&wr.evicted, 0, 1) {
		return
	}
	atomic.AddInt32(&in.inFlight, -1)
	atomic.AddInt64(&in.statsTimeouts, 1)

	in.inflightMu.Lock()
	b, ok := in.batches[wr.cmd]
	if ok && b.attempt == wr.attempt {
		b.remain--
		done := b.remain <= 0
		if done {
			delete(in.batches, wr.cmd)
		}
		in.inflightMu.Unlock()
		if done {
			in.completeBatch(b, reply.Reply{Status: reply.StatusTimeout, Command: wr.cmd.Name, ValueKind: reply.KindNil})
		}
		return
	}
	in.inflightMu.Unlock()
}

func (in *Instance) readerLoop() {
	for {
		v, err := in.conn.Receive()

		if err == nil && in.cfg.SubscribeMode {
			if push, ok := reply.ClassifyPush(v); ok && (push.Kind == reply.PushMessage || push.Kind == reply.PushPMessage || push.Kind == reply.PushSMessage) {
				if in.cfg.PushFunc != nil {
					in.cfg.PushFunc(push)
				}
				atomic.StoreInt64(&in.lastActivity, time.Now().UnixNano())
				continue
			}
		}

		in.inflightMu.Lock()
		if len(in.queue) == 0 {
			in.inflightMu.Unlock()
			if err != nil {
				in.handleFatalError(err)
				return
			}
			continue
		}
		wr := in.queue[0]
		in.queue = in.queue[1:]
		in.inflightMu.Unlock()

		wr.timer.Stop()
		evicted := !atomic.CompareAndSwapInt32(&wr.evicted, 0, 1)
		if evicted {
			// Already completed by timeout; this reply is discarded per
			// §4.1 ("a late network reply for the same request id is
			// discarded").
			continue
		}
		atomic.AddInt32(&in.inFlight, -1)
		atomic.StoreInt64(&in.lastActivity, time.Now().UnixNano())

		r := reply.FromRedigo(wr.cmd.Name, v, err, 0)
		in.inflightMu.Lock()
		b, ok := in.batches[wr.cmd]
		if !ok || b.attempt != wr.attempt {
			in.inflightMu.Unlock()
			continue
		}
		idx := len(b.replies) - b.remain
		if idx >= 0 && idx < len(b.replies) {
			b.replies[idx] = r
		}
		b.remain--
		done := b.remain <= 0
		if done {
			delete(in.batches, wr.cmd)
		}
		in.inflightMu.Unlock()

		atomic.AddInt64(&in.statsCompleted, 1)
		if done {
			in.completeBatch(b, aggregateReply(b))
		}

		if err != nil {
			in.handleFatalError(err)
			return
		}
	}
}

// aggregateReply builds the final Reply for a (possibly pipelined) batch:
// a single sub-request's reply is returned as-is, multiple are wrapped in
// an array reply.
func aggregateReply(b *batch) reply.Reply {
	if len(b.replies) == 1 {
		return b.replies[0]
	}
	return reply.Reply{
		Status:    reply.StatusOK,
		Command:   b.cmd.Name,
		ValueKind: reply.KindArray,
		Array:     b.replies,
	}
}

func (in *Instance) completeBatch(b *batch, r reply.Reply) {
	if b.cmd.ReplyFn != nil {
		safeInvoke(in.logger, b.cmd.ReplyFn, r)
	}
}

// handleFatalError transitions the instance to Disconnected, failing every
// outstanding command with a not-ready reply, and stops the event loop.
func (in *Instance) handleFatalError(err error) {
	in.inflightMu.Lock()
	queue := in.queue
	in.queue = nil
	batches := in.batches
	in.batches = make(map[*command.Command]*batch)
	in.inflightMu.Unlock()

	for _, wr := range queue {
		wr.timer.Stop()
		if atomic.CompareAndSwapInt32(&wr.evicted, 0, 1) {
			atomic.AddInt32(&in.inFlight, -1)
		}
	}
	seen := make(map[*command.Command]bool, len(batches))
	for _, b := range batches {
		if seen[b.cmd] {
			continue
		}
		seen[b.cmd] = true
		in.completeBatch(b, reply.Reply{Status: reply.StatusNotReady, Command: b.cmd.Name, ValueKind: reply.KindError, ErrText: fmt.Sprintf("instance disconnected: %v", err)})
	}

	if in.logger != nil {
		in.logger.Warnf("instance %s (%s) disconnected: %v", in.id, in.info.Key(), err)
	}
	in.setState(Disconnected)
	if atomic.LoadInt32(&in.destroying) != 0 {
		in.setState(ExitReady)
	}
	select {
	case <-in.stopCh:
	default:
		close(in.stopCh)
	}
	close(in.doneCh)
}

// pingLoop issues a periodic inactivity PING when no command has been sent
// for cfg.PingInterval, with its own short timeout (cfg.PingTimeout). A
// failed PING is logged and leaves the measured latency unchanged; it does
// not disconnect the instance, however often it repeats.
func (in *Instance) pingLoop() {
	ticker := time.NewTicker(in.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-in.stopCh:
			return
		case <-ticker.C:
			idleFor := time.Since(time.Unix(0, atomic.LoadInt64(&in.lastActivity)))
			if idleFor < in.cfg.PingInterval {
				continue
			}
			in.sendPing()
		}
	}
}

func (in *Instance) sendPing() {
	ctl := command.Control{TimeoutSingle: in.cfg.PingTimeout, TimeoutAll: in.cfg.PingTimeout, MaxRetries: 1}
	start := time.Now()
	cmd := command.NewCommand("PING", []interface{}{"PING"}, ctl, false, func(r reply.Reply) {
		if r.Status == reply.StatusOK {
			atomic.StoreInt64(&in.pingLatencyNanos, int64(time.Since(start)))
		} else if in.logger != nil {
			in.logger.Warnf("instance %s (%s) ping failed: %s", in.id, in.info.Key(), r.ErrText)
		}
	})
	in.AsyncCommand(cmd)
}
