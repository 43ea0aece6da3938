package proq

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/TheDropZone/ProActiveQueueClient/filter"
)

// Consumer pulls and subscribes on one destination. It holds two
// connections: one reserved for synchronous batch receive (strict pull, so
// a blocking call never stalls the listener path) and one reserved for
// asynchronous delivery. Every logical operation gets its own transacted
// session.
type Consumer[P any] struct {
	broker Broker
	dest   Destination
	codec  Codec
	logger *xlog.Logger
	clock  xclock.Clock
	notify func(Event)

	syncPrefetch  int
	asyncPrefetch int
	receiveWait   time.Duration
	pollWait      time.Duration
	middlewares   []Middleware

	mu        sync.Mutex // guards connection replacement
	syncConn  Connection
	asyncConn Connection
	closed    bool
}

// NewConsumer dials both connections against dest.
func NewConsumer[P any](ctx context.Context, b Broker, dest Destination, opts ...Option) (*Consumer[P], error) {
	if b == nil {
		return nil, &ConfigurationError{Reason: "consumer requires a broker"}
	}
	if dest.Name() == "" {
		return nil, &ConfigurationError{Reason: "consumer requires a named destination"}
	}

	s := defaultSettings()
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	cd, lg, clk, err := s.resolve()
	if err != nil {
		return nil, err
	}
	return newConsumerWith[P](ctx, b, dest, &s, cd, lg, clk, newNotifier(&s).notify)
}

func newConsumerWith[P any](ctx context.Context, b Broker, dest Destination, s *settings, cd Codec, lg *xlog.Logger, clk xclock.Clock, notify func(Event)) (*Consumer[P], error) {
	c := &Consumer[P]{
		broker:        b,
		dest:          dest,
		codec:         cd,
		logger:        lg,
		clock:         clk,
		notify:        notify,
		syncPrefetch:  s.syncPrefetch,
		asyncPrefetch: s.asyncPrefetch,
		receiveWait:   s.receiveWait,
		pollWait:      s.pollWait,
		middlewares:   s.middlewares,
	}

	var err error
	c.syncConn, err = b.Connect(ctx, ConnectOptions{Prefetch: c.syncPrefetch})
	if err != nil {
		return nil, transportErr("connect sync", err)
	}
	c.asyncConn, err = b.Connect(ctx, ConnectOptions{Prefetch: c.asyncPrefetch})
	if err != nil {
		_ = c.syncConn.Close()
		return nil, transportErr("connect async", err)
	}
	return c, nil
}

// session opens a transacted session on the requested connection. A
// session-open failure discards and replaces that connection exactly once;
// failure on the fresh connection is fatal to the call.
func (c *Consumer[P]) session(ctx context.Context, async bool) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &StateError{Reason: "consumer is closed", Err: ErrClosed}
	}

	conn := c.syncConn
	prefetch := c.syncPrefetch
	if async {
		conn = c.asyncConn
		prefetch = c.asyncPrefetch
	}

	sess, err := conn.OpenSession(ctx, true)
	if err == nil {
		return sess, nil
	}
	c.logger.Warn().Err(err).Msg("proq: session open failed, replacing connection")

	_ = conn.Close()
	fresh, derr := c.broker.Connect(ctx, ConnectOptions{Prefetch: prefetch})
	if derr != nil {
		return nil, transportErr("reconnect", derr)
	}
	if async {
		c.asyncConn = fresh
	} else {
		c.syncConn = fresh
	}
	sess, err = fresh.OpenSession(ctx, true)
	if err != nil {
		return nil, transportErr("open session", err)
	}
	return sess, nil
}

// Receive pulls up to limit messages in one transaction and hands the
// decoded batch to handle. A nil return from handle commits the session;
// an error rolls every message back to the destination for redelivery.
//
// The first message is awaited for the configured receive wait; once it
// arrives, any Matches clauses in expr are bound to that message's
// property values and the subscription is rescoped so the rest of the
// batch correlates with the first message. Remaining messages are drained
// with a short poll.
//
// limit <= 0 returns an empty batch without touching the broker.
func (c *Consumer[P]) Receive(ctx context.Context, limit int, expr *filter.Expression, handle func(context.Context, []P) error) ([]P, error) {
	if limit <= 0 {
		return nil, nil
	}

	sess, err := c.session(ctx, false)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	selector := expr.Compile(false)
	recv, err := sess.Receiver(c.dest, selector)
	if err != nil {
		return nil, transportErr("subscribe", err)
	}
	defer func() { _ = recv.Close() }()

	c.emit(Event{Type: ReceiveStart, Destination: c.dest.String()})
	start := c.clock.Now()

	d, err := recv.Receive(ctx, c.receiveWait)
	if err != nil {
		return nil, transportErr("receive", err)
	}
	if d == nil {
		// Nothing available inside the window. Not an error.
		c.emit(Event{Type: ReceiveDone, Destination: c.dest.String(), Count: 0, Duration: c.clock.Since(start)})
		return []P{}, nil
	}

	first := d.Message()
	items := make([]P, 0, limit)

	p, derr := DecodeCodec[P](c.codec, first)
	if derr != nil {
		c.rollback(ctx, sess, derr)
		return nil, derr
	}
	if err := d.Ack(ctx); err != nil {
		c.rollback(ctx, sess, err)
		return nil, transportErr("ack", err)
	}
	items = append(items, p)
	c.logger.Debug().Msg("proq: received first message from " + c.dest.String())

	// Two-phase correlation: key the rest of the batch to the property
	// values the first message carried on every Matches clause.
	if expr.HasUnbound() {
		bound := expr.Bind(first.Properties.Get)
		if rescoped := bound.Compile(true); rescoped != selector && rescoped != "" {
			_ = recv.Close()
			recv, err = sess.Receiver(c.dest, rescoped)
			if err != nil {
				c.rollback(ctx, sess, err)
				return nil, transportErr("rescope subscription", err)
			}
			c.logger.Debug().Msg("proq: draining batch with selector " + rescoped)
		}
	}

	for len(items) < limit {
		d, err := recv.Receive(ctx, c.pollWait)
		if err != nil {
			c.rollback(ctx, sess, err)
			return nil, transportErr("receive", err)
		}
		if d == nil {
			break
		}
		p, derr := DecodeCodec[P](c.codec, d.Message())
		if derr != nil {
			c.rollback(ctx, sess, derr)
			return nil, derr
		}
		if err := d.Ack(ctx); err != nil {
			c.rollback(ctx, sess, err)
			return nil, transportErr("ack", err)
		}
		items = append(items, p)
	}

	if handle != nil {
		if herr := handle(ctx, items); herr != nil {
			c.rollback(ctx, sess, herr)
			return nil, &ApplicationError{Err: herr}
		}
	}
	if err := sess.Commit(ctx); err != nil {
		return nil, transportErr("commit", err)
	}
	c.emit(Event{Type: Committed, Destination: c.dest.String(), Count: len(items)})
	c.emit(Event{Type: ReceiveDone, Destination: c.dest.String(), Count: len(items), Duration: c.clock.Since(start)})
	return items, nil
}

func (c *Consumer[P]) rollback(ctx context.Context, sess Session, cause error) {
	c.logger.Warn().Err(cause).Msg("proq: rolling back batch")
	if err := sess.Rollback(ctx); err != nil {
		c.logger.Error().Err(err).Msg("proq: rollback failed")
	}
	c.emit(Event{Type: RolledBack, Destination: c.dest.String(), Err: cause})
}

// Subscribe opens a session on the asynchronous connection and delivers
// matching messages to handler, one at a time. Only pre-bound clauses of
// expr scope the subscription: with no first message to key off, Matches
// clauses cannot be resolved and are ignored.
//
// Each delivery is decoded, acknowledged, and handed to handler. Handler
// success commits; handler failure (a decode failure counts) rolls the
// session back and tears it down. The listener is then Faulted and
// delivers nothing further until Subscribe is called again; supervision
// is the caller's responsibility.
func (c *Consumer[P]) Subscribe(ctx context.Context, expr *filter.Expression, handler func(context.Context, P) error) (*Listener, error) {
	if handler == nil {
		return nil, &ConfigurationError{Reason: "subscribe requires a handler"}
	}

	sess, err := c.session(ctx, true)
	if err != nil {
		return nil, err
	}
	if expr.HasUnbound() {
		c.logger.Warn().Msg("proq: Matches clauses are ignored on subscriptions; supply literals to filter")
	}

	recv, err := sess.Receiver(c.dest, expr.Compile(false))
	if err != nil {
		_ = sess.Close()
		return nil, transportErr("subscribe", err)
	}

	l := &Listener{
		sess:   sess,
		recv:   recv,
		logger: c.logger,
		notify: c.notify,
		dest:   c.dest,
	}
	l.state.Store(int32(StateSubscribed))

	base := ctx
	dispatch := func(d Delivery) {
		l.dispatchOne(base, d, func(hctx context.Context, msg *Message) error {
			p, derr := DecodeCodec[P](c.codec, msg)
			if derr != nil {
				return derr
			}
			if err := d.Ack(hctx); err != nil {
				return transportErr("ack", err)
			}
			hctx = injectCodec(hctx, c.codec)
			hctx = injectLogger(hctx, c.logger)
			hctx = injectClock(hctx, c.clock)
			h := Chain(RecoveryMiddleware()(func(ctx context.Context, _ *Message) error {
				return handler(ctx, p)
			}), c.middlewares...)
			return h(hctx, msg)
		})
	}
	if err := recv.Listen(dispatch); err != nil {
		_ = recv.Close()
		_ = sess.Close()
		return nil, transportErr("listen", err)
	}
	return l, nil
}

// Close releases both connections. In-flight sessions die with them.
func (c *Consumer[P]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	if c.syncConn != nil {
		if err := c.syncConn.Close(); err != nil {
			first = err
		}
	}
	if c.asyncConn != nil {
		if err := c.asyncConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Consumer[P]) emit(e Event) {
	if c.notify != nil {
		c.notify(e)
	}
}

// ListenerState is the explicit subscription state machine. The only way
// out of Faulted is a fresh Subscribe call.
type ListenerState int32

const (
	// StateSubscribed: the listener is live and delivering.
	StateSubscribed ListenerState = iota
	// StateFaulted: a processing error rolled back and destroyed the
	// session. Nothing is delivered until the caller re-subscribes.
	StateFaulted
	// StateClosed: the caller unsubscribed.
	StateClosed
)

func (s ListenerState) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateFaulted:
		return "faulted"
	default:
		return "closed"
	}
}

// Listener is an active asynchronous subscription.
type Listener struct {
	sess   Session
	recv   Receiver
	logger *xlog.Logger
	notify func(Event)
	dest   Destination

	state    atomic.Int32
	mu       sync.Mutex // serializes dispatch with fault/close transitions
	faultErr error
}

// State reports the current lifecycle state.
func (l *Listener) State() ListenerState { return ListenerState(l.state.Load()) }

// Err returns the error that faulted the listener, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.faultErr
}

// Close unsubscribes: the subscription handle and its session are
// released, while the consumer's connections stay usable for future
// subscriptions.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ListenerState(l.state.Load()) == StateClosed {
		return nil
	}
	l.state.Store(int32(StateClosed))
	err := l.recv.Close()
	if serr := l.sess.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (l *Listener) dispatchOne(ctx context.Context, d Delivery, run Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ListenerState(l.state.Load()) != StateSubscribed {
		if l.notify != nil {
			l.notify(Event{Type: ErrorEvent, Destination: l.dest.String(), Err: ErrListenerDead})
		}
		return
	}

	msg := d.Message()
	if err := run(ctx, msg); err != nil {
		l.fault(ctx, msg, err)
		return
	}
	if err := l.sess.Commit(ctx); err != nil {
		l.fault(ctx, msg, transportErr("commit", err))
		return
	}
	if l.notify != nil {
		l.notify(Event{Type: Committed, Destination: l.dest.String(), MessageID: msg.ID, Count: 1})
	}
}

// fault rolls back and destroys the session. Deliberately loud: the
// subscription is gone and a supervisor has to re-subscribe.
func (l *Listener) fault(ctx context.Context, msg *Message, cause error) {
	l.logger.Warn().Err(cause).Msg("proq: listener fault, rolling back and closing session")
	l.faultErr = cause
	l.state.Store(int32(StateFaulted))
	// Stop the pump before rollback so the requeued message cannot be
	// re-taken into the dying session.
	_ = l.recv.Close()
	if err := l.sess.Rollback(ctx); err != nil {
		l.logger.Error().Err(err).Msg("proq: listener rollback failed")
	}
	_ = l.sess.Close()
	if l.notify != nil {
		l.notify(Event{Type: ListenerFault, Destination: l.dest.String(), MessageID: msg.ID, Err: cause})
	}
}
