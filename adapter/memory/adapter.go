// Package memory implements the broker contract with in-process state.
// Selectors, transactions, and redelivery behave like the real backends,
// which makes it the reference adapter for tests and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	proq "github.com/TheDropZone/ProActiveQueueClient"
	"github.com/TheDropZone/ProActiveQueueClient/filter"
)

const BrokerName = "memory"

func init() {
	if err := proq.RegisterBroker(BrokerName, func(cfg map[string]any) (proq.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("proq/memory: failed to register broker: %w", err))
	}
}

// Config controls memory broker behavior.
type Config struct {
	// AssignIDs assigns IDs to messages that arrive without one (default: true).
	AssignIDs bool
	// ListenPoll is how often an async subscription re-checks its mailbox
	// after draining it (default: 20ms).
	ListenPoll time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}
	return Config{
		AssignIDs:  getBool("assign_ids", true),
		ListenPoll: getDur("listen_poll", 20*time.Millisecond),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"assign_ids":  c.AssignIDs,
		"listen_poll": c.ListenPoll,
	}
}

// Broker holds queues and topics in process memory.
type Broker struct {
	cfg Config

	mu     sync.RWMutex
	queues map[string]*mailbox
	topics map[string]*topicState

	closed atomic.Bool

	faultMu       sync.Mutex
	sessionFaults int

	metrics *brokerMetrics
}

type brokerMetrics struct {
	sent        atomic.Uint64
	delivered   atomic.Uint64
	committed   atomic.Uint64
	rolledBack  atomic.Uint64
	redelivered atomic.Uint64
}

var _ proq.Broker = (*Broker)(nil)

// NewBroker creates an empty in-memory broker.
func NewBroker(cfg Config) *Broker {
	if cfg.ListenPoll <= 0 {
		cfg.ListenPoll = 20 * time.Millisecond
	}
	return &Broker{
		cfg:     cfg,
		queues:  make(map[string]*mailbox),
		topics:  make(map[string]*topicState),
		metrics: &brokerMetrics{},
	}
}

// Connect opens a connection. Prefetch is accepted and recorded but has no
// effect in process memory; there is no network window to tune.
func (b *Broker) Connect(_ context.Context, opts proq.ConnectOptions) (proq.Connection, error) {
	if b.closed.Load() {
		return nil, errors.New("memory broker is closed")
	}
	return &conn{b: b, prefetch: opts.Prefetch}, nil
}

// Close drops all destinations and their backlog.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	b.queues = make(map[string]*mailbox)
	b.topics = make(map[string]*topicState)
	b.mu.Unlock()
	return nil
}

// InjectSessionFaults makes the next n OpenSession calls fail. Tests use
// it to exercise the connection-replacement path in the engines.
func (b *Broker) InjectSessionFaults(n int) {
	b.faultMu.Lock()
	b.sessionFaults = n
	b.faultMu.Unlock()
}

func (b *Broker) takeSessionFault() bool {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	if b.sessionFaults > 0 {
		b.sessionFaults--
		return true
	}
	return false
}

// Len reports the backlog currently held for a queue destination.
func (b *Broker) Len(dest proq.Destination) int {
	b.mu.RLock()
	mb, ok := b.queues[dest.Name()]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.msgs)
}

// Stats reports broker telemetry.
type Stats struct {
	Sent        uint64
	Delivered   uint64
	Committed   uint64
	RolledBack  uint64
	Redelivered uint64
}

func (b *Broker) Stats() Stats {
	return Stats{
		Sent:        b.metrics.sent.Load(),
		Delivered:   b.metrics.delivered.Load(),
		Committed:   b.metrics.committed.Load(),
		RolledBack:  b.metrics.rolledBack.Load(),
		Redelivered: b.metrics.redelivered.Load(),
	}
}

func (b *Broker) ensureQueue(name string) *mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.queues[name]; ok {
		return mb
	}
	mb := newMailbox()
	b.queues[name] = mb
	return mb
}

func (b *Broker) ensureTopic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tp, ok := b.topics[name]; ok {
		return tp
	}
	tp := &topicState{subs: make(map[*mailbox]struct{})}
	b.topics[name] = tp
	return tp
}

// publish makes msg visible on dest. Queues get the message itself;
// topics get one clone per live subscriber.
func (b *Broker) publish(dest proq.Destination, msg *proq.Message) {
	if b.cfg.AssignIDs && msg.ID == "" {
		msg.ID = nextID()
	}
	b.metrics.sent.Add(1)

	if dest.Kind() == proq.KindTopic {
		tp := b.ensureTopic(dest.Name())
		tp.mu.RLock()
		for mb := range tp.subs {
			mb.push(msg.Clone())
		}
		tp.mu.RUnlock()
		return
	}
	b.ensureQueue(dest.Name()).push(msg)
}

// mailbox is an ordered message store with a broadcast wakeup. Receivers
// waiting on an empty (or non-matching) mailbox park on the wake channel,
// which push closes and replaces.
type mailbox struct {
	mu   sync.Mutex
	msgs []*proq.Message
	wake chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{})}
}

func (mb *mailbox) push(msgs ...*proq.Message) {
	mb.mu.Lock()
	mb.msgs = append(mb.msgs, msgs...)
	close(mb.wake)
	mb.wake = make(chan struct{})
	mb.mu.Unlock()
}

// pushFront returns rolled-back messages to the head so redelivery order
// matches the original order.
func (mb *mailbox) pushFront(msgs ...*proq.Message) {
	mb.mu.Lock()
	mb.msgs = append(append([]*proq.Message{}, msgs...), mb.msgs...)
	close(mb.wake)
	mb.wake = make(chan struct{})
	mb.mu.Unlock()
}

// takeMatching removes and returns the first message satisfying expr.
// Non-matching messages stay in place for other receivers. The second
// return is the wake channel to park on when nothing matched.
func (mb *mailbox) takeMatching(expr *filter.Expression) (*proq.Message, <-chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, m := range mb.msgs {
		if expr == nil || expr.Match(m.Properties.Get) {
			mb.msgs = append(mb.msgs[:i], mb.msgs[i+1:]...)
			return m, nil
		}
	}
	return nil, mb.wake
}

type topicState struct {
	mu   sync.RWMutex
	subs map[*mailbox]struct{}
}

func (tp *topicState) attach(mb *mailbox) {
	tp.mu.Lock()
	tp.subs[mb] = struct{}{}
	tp.mu.Unlock()
}

func (tp *topicState) detach(mb *mailbox) {
	tp.mu.Lock()
	delete(tp.subs, mb)
	tp.mu.Unlock()
}

type conn struct {
	b        *Broker
	prefetch int

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

func (c *conn) OpenSession(_ context.Context, transacted bool) (proq.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("memory connection is closed")
	}
	if c.b.takeSessionFault() {
		return nil, errors.New("memory: injected session fault")
	}
	s := &session{conn: c, transacted: transacted}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

// delivered is one message consumed inside a session, remembered until
// commit discards it or rollback returns it to its mailbox.
type delivered struct {
	mb    *mailbox
	msg   *proq.Message
	acked bool
}

type stagedSend struct {
	dest proq.Destination
	msg  *proq.Message
}

type session struct {
	conn       *conn
	transacted bool

	mu        sync.Mutex
	staged    []stagedSend
	consumed  []*delivered
	receivers []*receiver
	closed    bool
}

func (s *session) Sender(dest proq.Destination) (proq.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("memory session is closed")
	}
	return &sender{sess: s, dest: dest}, nil
}

func (s *session) Receiver(dest proq.Destination, selector string) (proq.Receiver, error) {
	expr, err := filter.Parse(selector)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("memory session is closed")
	}

	r := &receiver{sess: s, expr: expr, stop: make(chan struct{})}
	if dest.Kind() == proq.KindTopic {
		// Each topic subscription gets a private mailbox fed by publish.
		tp := s.conn.b.ensureTopic(dest.Name())
		r.mb = newMailbox()
		r.topic = tp
		tp.attach(r.mb)
	} else {
		r.mb = s.conn.b.ensureQueue(dest.Name())
	}
	s.receivers = append(s.receivers, r)
	return r, nil
}

func (s *session) track(d *delivered) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Raced with session teardown: return the message instead of
		// stranding it in a session nobody will commit.
		m := d.msg.Clone()
		m.Redelivered = true
		d.mb.pushFront(m)
		return
	}
	s.consumed = append(s.consumed, d)
	s.mu.Unlock()
}

func (s *session) stage(dest proq.Destination, msg *proq.Message) {
	s.mu.Lock()
	s.staged = append(s.staged, stagedSend{dest: dest, msg: msg})
	s.mu.Unlock()
}

func (s *session) Commit(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("memory session is closed")
	}
	staged := s.staged
	s.staged = nil
	s.consumed = nil
	s.mu.Unlock()

	for _, st := range staged {
		s.conn.b.publish(st.dest, st.msg)
	}
	s.conn.b.metrics.committed.Add(1)
	return nil
}

func (s *session) Rollback(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("memory session is closed")
	}
	consumed := s.consumed
	s.staged = nil
	s.consumed = nil
	s.mu.Unlock()

	s.requeue(consumed)
	s.conn.b.metrics.rolledBack.Add(1)
	return nil
}

// requeue returns consumed messages to their mailboxes in original order,
// grouped per mailbox so head insertion keeps the sequence intact.
func (s *session) requeue(consumed []*delivered) {
	perBox := make(map[*mailbox][]*proq.Message)
	var order []*mailbox
	for _, d := range consumed {
		m := d.msg.Clone()
		m.Redelivered = true
		if _, seen := perBox[d.mb]; !seen {
			order = append(order, d.mb)
		}
		perBox[d.mb] = append(perBox[d.mb], m)
		s.conn.b.metrics.redelivered.Add(1)
	}
	for _, mb := range order {
		mb.pushFront(perBox[mb]...)
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumed := s.consumed
	receivers := s.receivers
	s.staged = nil
	s.consumed = nil
	s.receivers = nil
	s.mu.Unlock()

	for _, r := range receivers {
		_ = r.Close()
	}
	// Close without commit rolls uncommitted consumption back.
	if s.transacted && len(consumed) > 0 {
		s.requeue(consumed)
		s.conn.b.metrics.rolledBack.Add(1)
	}
	return nil
}

type sender struct {
	sess *session
	dest proq.Destination
}

func (sn *sender) Send(_ context.Context, msg *proq.Message) error {
	sn.sess.mu.Lock()
	closed := sn.sess.closed
	sn.sess.mu.Unlock()
	if closed {
		return errors.New("memory session is closed")
	}

	m := msg.Clone()
	if sn.sess.transacted {
		sn.sess.stage(sn.dest, m)
		return nil
	}
	sn.sess.conn.b.publish(sn.dest, m)
	return nil
}

func (sn *sender) Close() error { return nil }

type receiver struct {
	sess  *session
	mb    *mailbox
	expr  *filter.Expression
	topic *topicState

	stop      chan struct{}
	closed    atomic.Bool
	listening atomic.Bool
}

func (r *receiver) Receive(ctx context.Context, wait time.Duration) (proq.Delivery, error) {
	if r.closed.Load() {
		return nil, errors.New("memory receiver is closed")
	}

	deadline := time.Now().Add(wait)
	for {
		if r.closed.Load() {
			return nil, nil
		}
		msg, wake := r.mb.takeMatching(r.expr)
		if msg != nil {
			d := &delivered{mb: r.mb, msg: msg}
			if r.sess.transacted {
				r.sess.track(d)
			}
			r.sess.conn.b.metrics.delivered.Add(1)
			return &memDelivery{rec: d}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-r.stop:
			timer.Stop()
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Listen pumps the mailbox to fn from a single goroutine, preserving
// arrival order.
func (r *receiver) Listen(fn func(proq.Delivery)) error {
	if fn == nil {
		return errors.New("memory: listen requires a function")
	}
	if r.listening.Swap(true) {
		return errors.New("memory: receiver already listening")
	}

	poll := r.sess.conn.b.cfg.ListenPoll
	go func() {
		for {
			select {
			case <-r.stop:
				return
			default:
			}
			d, err := r.Receive(context.Background(), poll)
			if err != nil || d == nil {
				continue
			}
			fn(d)
		}
	}()
	return nil
}

func (r *receiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.stop)
	if r.topic != nil {
		r.topic.detach(r.mb)
	}
	return nil
}

type memDelivery struct {
	rec     *delivered
	ackOnce sync.Once
}

func (d *memDelivery) Message() *proq.Message { return d.rec.msg }

// Ack stages the acknowledgment; it becomes final when the session commits.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() { d.rec.acked = true })
	return nil
}

var idSeq uint64

func nextID() string {
	n := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("mem-%d", n)
}
