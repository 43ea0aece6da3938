// Package redisstream implements the broker contract on Redis Streams
// consumer groups.
//
// Queue destinations share one consumer group, so competing consumers
// split the stream; topic destinations get a private group per
// subscription, so every subscriber sees every entry. Selectors are
// evaluated client-side against the entry's property fields; entries that
// do not match stay pending for other consumers to claim.
//
// Transactions are staged client-side: sends and acknowledgments buffer
// in the session and flush in one pipeline on Commit. Rollback drops the
// staged work and leaves consumed entries in the pending entries list,
// where idle-claim recovery returns them to circulation.
package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	proq "github.com/TheDropZone/ProActiveQueueClient"
	"github.com/TheDropZone/ProActiveQueueClient/filter"
)

const BrokerName = "redis-streams"

func init() {
	if err := proq.RegisterBroker(BrokerName, func(cfg map[string]any) (proq.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("proq: failed to register broker %q: %w", BrokerName, err))
	}
}

// Broker dials Redis connections on demand. Each Connection owns its own
// client pool so the synchronous and asynchronous paths never share a
// socket.
type Broker struct {
	cfg Config

	closeOnce sync.Once
	closed    atomic.Bool
}

var _ proq.Broker = (*Broker)(nil)

// NewBroker validates cfg and probes the server once.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	probe := redis.NewClient(clientOptions(cfg))
	defer func() { _ = probe.Close() }()
	if err := ping(probe); err != nil {
		return nil, err
	}
	return &Broker{cfg: cfg}, nil
}

func clientOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return opts
}

func (b *Broker) Connect(ctx context.Context, opts proq.ConnectOptions) (proq.Connection, error) {
	if b.closed.Load() {
		return nil, errors.New("redisstream: broker is closed")
	}
	client := redis.NewClient(clientOptions(b.cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &conn{b: b, client: client, prefetch: opts.Prefetch}, nil
}

func (b *Broker) Close(_ context.Context) error {
	b.closeOnce.Do(func() { b.closed.Store(true) })
	return nil
}

type conn struct {
	b        *Broker
	client   *redis.Client
	prefetch int
	closed   atomic.Bool
}

func (c *conn) OpenSession(_ context.Context, transacted bool) (proq.Session, error) {
	if c.closed.Load() {
		return nil, errors.New("redisstream: connection is closed")
	}
	return &session{conn: c, transacted: transacted}, nil
}

func (c *conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.client.Close()
}

type stagedAdd struct {
	stream string
	vals   map[string]any
}

type ackRef struct {
	stream string
	group  string
	id     string
}

// bufEntry is a stream entry read from the server but not yet matched by
// any receiver. The buffer lives on the session so a rescoped receiver
// re-examines entries its predecessor fetched.
type bufEntry struct {
	stream      string
	group       string
	id          string
	vals        map[string]any
	redelivered bool
}

type session struct {
	conn       *conn
	transacted bool

	mu        sync.Mutex
	staged    []stagedAdd
	acks      []ackRef
	buf       []bufEntry
	receivers []*receiver
	closed    bool
}

func (s *session) Sender(dest proq.Destination) (proq.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("redisstream: session is closed")
	}
	return &sender{sess: s, stream: dest.Name()}, nil
}

func (s *session) Receiver(dest proq.Destination, selector string) (proq.Receiver, error) {
	expr, err := filter.Parse(selector)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("redisstream: session is closed")
	}
	s.mu.Unlock()

	cfg := s.conn.b.cfg
	r := &receiver{
		sess:   s,
		stream: dest.Name(),
		group:  cfg.Group,
		expr:   expr,
		stop:   make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if dest.Kind() == proq.KindTopic {
		// Broadcast: a private group per subscription, starting at the
		// stream tail so only entries published after subscribing arrive.
		r.group = cfg.Group + "-sub-" + uuid.NewString()[:8]
		r.ownGroup = true
		if err := s.conn.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err(); err != nil && !isBusyGroup(err) {
			return nil, err
		}
	} else if cfg.AutoCreate {
		// Queue: the shared group starts at "0" so backlog produced
		// before the first consumer still gets delivered.
		if err := s.conn.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err(); err != nil && !isBusyGroup(err) {
			return nil, err
		}
	}

	s.mu.Lock()
	s.receivers = append(s.receivers, r)
	s.mu.Unlock()
	return r, nil
}

func (s *session) Commit(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("redisstream: session is closed")
	}
	staged := s.staged
	acks := s.acks
	s.staged = nil
	s.acks = nil
	s.mu.Unlock()

	if len(staged) == 0 && len(acks) == 0 {
		return nil
	}
	cfg := s.conn.b.cfg
	pipe := s.conn.client.Pipeline()
	for _, st := range staged {
		args := &redis.XAddArgs{Stream: st.stream, ID: "*", Values: st.vals}
		if cfg.MaxLenApprox > 0 {
			args.MaxLen = cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	for _, a := range acks {
		pipe.XAck(ctx, a.stream, a.group, a.id)
		if cfg.AutoDeleteOnAck {
			pipe.XDel(ctx, a.stream, a.id)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Rollback discards staged sends and acknowledgments. Entries already
// read stay in the pending entries list; idle-claim recovery redelivers
// them once ClaimMinIdle passes.
func (s *session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("redisstream: session is closed")
	}
	s.staged = nil
	s.acks = nil
	s.buf = nil
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	receivers := s.receivers
	s.staged = nil
	s.acks = nil
	s.buf = nil
	s.receivers = nil
	s.mu.Unlock()

	for _, r := range receivers {
		_ = r.Close()
	}
	return nil
}

func (s *session) stage(stream string, vals map[string]any) {
	s.mu.Lock()
	s.staged = append(s.staged, stagedAdd{stream: stream, vals: vals})
	s.mu.Unlock()
}

func (s *session) stageAck(a ackRef) {
	s.mu.Lock()
	s.acks = append(s.acks, a)
	s.mu.Unlock()
}

// takeMatching pops the first buffered entry for (stream, group) that
// satisfies expr.
func (s *session) takeMatching(stream, group string, expr *filter.Expression) (bufEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.buf {
		if e.stream != stream || e.group != group {
			continue
		}
		msg := decodeMessage(e.id, e.vals, e.redelivered)
		if expr == nil || expr.Match(msg.Properties.Get) {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			return e, true
		}
	}
	return bufEntry{}, false
}

func (s *session) buffer(entries ...bufEntry) {
	s.mu.Lock()
	s.buf = append(s.buf, entries...)
	s.mu.Unlock()
}

type sender struct {
	sess   *session
	stream string
}

func (sn *sender) Send(ctx context.Context, msg *proq.Message) error {
	sn.sess.mu.Lock()
	closed := sn.sess.closed
	sn.sess.mu.Unlock()
	if closed {
		return errors.New("redisstream: session is closed")
	}

	vals := encodeMessage(msg)
	if sn.sess.transacted {
		sn.sess.stage(sn.stream, vals)
		return nil
	}
	cfg := sn.sess.conn.b.cfg
	args := &redis.XAddArgs{Stream: sn.stream, ID: "*", Values: vals}
	if cfg.MaxLenApprox > 0 {
		args.MaxLen = cfg.MaxLenApprox
		args.Approx = true
	}
	return sn.sess.conn.client.XAdd(ctx, args).Err()
}

func (sn *sender) Close() error { return nil }

type receiver struct {
	sess   *session
	stream string
	group  string
	expr   *filter.Expression

	ownGroup  bool
	stop      chan struct{}
	closed    atomic.Bool
	listening atomic.Bool
}

func (r *receiver) Receive(ctx context.Context, wait time.Duration) (proq.Delivery, error) {
	if r.closed.Load() {
		return nil, errors.New("redisstream: receiver is closed")
	}
	cfg := r.sess.conn.b.cfg
	deadline := time.Now().Add(wait)

	for {
		if e, ok := r.sess.takeMatching(r.stream, r.group, r.expr); ok {
			return r.deliver(e), nil
		}
		select {
		case <-r.stop:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Recover entries another consumer read and never committed.
		if cfg.ClaimMinIdle > 0 {
			if n, err := r.claim(ctx); err == nil && n > 0 {
				continue
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		block := cfg.Block
		if remaining < block {
			block = remaining
		}
		count := int64(r.sess.conn.prefetch)
		if count < 1 {
			count = 1
		}
		res, err := r.sess.conn.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: cfg.Consumer,
			Streams:  []string{r.stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		for i := range res {
			for _, x := range res[i].Messages {
				r.sess.buffer(bufEntry{stream: r.stream, group: r.group, id: x.ID, vals: x.Values})
			}
		}
	}
}

func (r *receiver) claim(ctx context.Context) (int, error) {
	cfg := r.sess.conn.b.cfg
	msgs, _, err := r.sess.conn.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.group,
		Consumer: cfg.Consumer,
		MinIdle:  cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(cfg.ClaimBatch),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, x := range msgs {
		r.sess.buffer(bufEntry{stream: r.stream, group: r.group, id: x.ID, vals: x.Values, redelivered: true})
	}
	return len(msgs), nil
}

func (r *receiver) deliver(e bufEntry) proq.Delivery {
	return &delivery{
		sess:  r.sess,
		ref:   ackRef{stream: e.stream, group: e.group, id: e.id},
		msg:   decodeMessage(e.id, e.vals, e.redelivered),
		sOnce: &sync.Once{},
	}
}

// Listen pumps deliveries to fn from a single goroutine. Blocking reads
// bound each iteration, so Close takes effect within one block interval.
func (r *receiver) Listen(fn func(proq.Delivery)) error {
	if fn == nil {
		return errors.New("redisstream: listen requires a function")
	}
	if r.listening.Swap(true) {
		return errors.New("redisstream: receiver already listening")
	}
	block := r.sess.conn.b.cfg.Block
	go func() {
		for {
			select {
			case <-r.stop:
				return
			default:
			}
			d, err := r.Receive(context.Background(), block)
			if err != nil || d == nil {
				if r.closed.Load() {
					return
				}
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
	if r.ownGroup {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.sess.conn.client.XGroupDestroy(ctx, r.stream, r.group).Err()
	}
	return nil
}

type delivery struct {
	sess  *session
	ref   ackRef
	msg   *proq.Message
	sOnce *sync.Once
}

func (d *delivery) Message() *proq.Message { return d.msg }

// Ack stages the acknowledgment in the session; XACK runs on Commit. On a
// non-transacted session it acknowledges immediately.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.sOnce.Do(func() {
		if d.sess.transacted {
			d.sess.stageAck(d.ref)
			return
		}
		err = d.sess.conn.client.XAck(ctx, d.ref.stream, d.ref.group, d.ref.id).Err()
	})
	return err
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
