package proq

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Producer owns one connection and one long-lived session bound to a
// destination. With transactions on (the default) sends stage on the
// session until Commit finalizes them as one atomic unit.
//
// A Producer is not self-synchronizing: concurrent Send/Commit from
// multiple goroutines needs external locking.
type Producer struct {
	broker Broker
	dest   Destination
	codec  Codec
	logger *xlog.Logger
	clock  xclock.Clock
	notify func(Event)

	transacted bool

	conn   Connection
	sess   Session
	sender Sender

	closeOnce sync.Once
	closeErr  error
}

// NewProducer dials the broker and binds a transacted session to dest.
func NewProducer(ctx context.Context, b Broker, dest Destination, opts ...Option) (*Producer, error) {
	if b == nil {
		return nil, &ConfigurationError{Reason: "producer requires a broker"}
	}
	if dest.Name() == "" {
		return nil, &ConfigurationError{Reason: "producer requires a named destination"}
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

	p := &Producer{
		broker:     b,
		dest:       dest,
		codec:      cd,
		logger:     lg,
		clock:      clk,
		transacted: s.transacted,
		notify:     newNotifier(&s).notify,
	}
	if err := p.setup(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// newProducerWith is the facade path: dependencies arrive pre-resolved and
// events flow through the facade's notifier.
func newProducerWith(ctx context.Context, b Broker, dest Destination, s *settings, cd Codec, lg *xlog.Logger, clk xclock.Clock, notify func(Event)) (*Producer, error) {
	p := &Producer{
		broker:     b,
		dest:       dest,
		codec:      cd,
		logger:     lg,
		clock:      clk,
		transacted: s.transacted,
		notify:     notify,
	}
	if err := p.setup(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Producer) setup(ctx context.Context) error {
	conn, err := p.broker.Connect(ctx, ConnectOptions{})
	if err != nil {
		return transportErr("connect producer", err)
	}
	sess, err := conn.OpenSession(ctx, p.transacted)
	if err != nil {
		_ = conn.Close()
		return transportErr("open producer session", err)
	}
	sender, err := sess.Sender(p.dest)
	if err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return transportErr("bind sender", err)
	}
	p.conn, p.sess, p.sender = conn, sess, sender
	return nil
}

// Send encodes payload, attaches the string/number properties, and
// enqueues the message on the session. Encode failure surfaces before any
// network call. A broker-level failure leaves the session open and
// uncommitted; committing or abandoning is the caller's decision.
//
// Property values that are neither string nor number are silently omitted.
func (p *Producer) Send(ctx context.Context, payload any, props Properties) error {
	if p.sender == nil {
		return &StateError{Reason: "producer is closed", Err: ErrClosed}
	}

	data, err := p.codec.Marshal(payload)
	if err != nil {
		return encodeErr(err)
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Payload:    data,
		ProducedAt: p.clock.Now(),
	}
	for _, prop := range props {
		v, ok := scalar(prop.Value)
		if !ok {
			p.logger.Debug().Msg("proq: dropping non-scalar property " + prop.Key)
			continue
		}
		msg.Properties.Set(prop.Key, v)
	}

	p.emit(Event{Type: SendStart, Destination: p.dest.String(), MessageID: msg.ID})
	start := p.clock.Now()
	err = p.sender.Send(ctx, msg)
	p.emit(Event{
		Type:        SendDone,
		Destination: p.dest.String(),
		MessageID:   msg.ID,
		Duration:    p.clock.Since(start),
		Err:         err,
	})
	if err != nil {
		return transportErr("send", err)
	}
	return nil
}

// Commit finalizes every send since the last commit as one atomic unit.
// On a non-transacted producer it is a no-op.
func (p *Producer) Commit(ctx context.Context) error {
	if p.sess == nil {
		return &StateError{Reason: "producer is closed", Err: ErrClosed}
	}
	if !p.transacted {
		return nil
	}
	if err := p.sess.Commit(ctx); err != nil {
		return transportErr("commit", err)
	}
	p.emit(Event{Type: Committed, Destination: p.dest.String()})
	return nil
}

// Rollback discards every send since the last commit. No-op when not
// transacted.
func (p *Producer) Rollback(ctx context.Context) error {
	if p.sess == nil {
		return &StateError{Reason: "producer is closed", Err: ErrClosed}
	}
	if !p.transacted {
		return nil
	}
	if err := p.sess.Rollback(ctx); err != nil {
		return transportErr("rollback", err)
	}
	p.emit(Event{Type: RolledBack, Destination: p.dest.String()})
	return nil
}

// Close releases sender, session, and connection in that order. Safe to
// call repeatedly.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		if p.sender != nil {
			if err := p.sender.Close(); err != nil {
				p.closeErr = err
			}
			p.sender = nil
		}
		if p.sess != nil {
			if err := p.sess.Close(); err != nil && p.closeErr == nil {
				p.closeErr = err
			}
			p.sess = nil
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil && p.closeErr == nil {
				p.closeErr = err
			}
			p.conn = nil
		}
	})
	return p.closeErr
}

func (p *Producer) emit(e Event) {
	if p.notify != nil {
		p.notify(e)
	}
}
