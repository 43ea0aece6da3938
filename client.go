package proq

import (
	"context"
	"sync"

	"github.com/TheDropZone/ProActiveQueueClient/filter"
)

// Client is the typed facade over one destination: a producer and a
// consumer sharing configuration, observers, and payload type P. It is
// the recommended entry point; the engines underneath remain available
// for callers that need asymmetric setups.
type Client[P any] struct {
	dest     Destination
	producer *Producer
	consumer *Consumer[P]
	notify   *notifier

	closeOnce sync.Once
	closeErr  error
}

// New builds a client for dest on broker b. The default configuration is
// a transacted JSON client with structured logging on every lifecycle
// event.
func New[P any](ctx context.Context, b Broker, dest Destination, opts ...Option) (*Client[P], error) {
	if b == nil {
		return nil, &ConfigurationError{Reason: "client requires a broker"}
	}
	if dest.Name() == "" {
		return nil, &ConfigurationError{Reason: "client requires a named destination"}
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

	n := newNotifier(&s)
	if len(s.observers) == 0 {
		n.add(LoggingObserver{Logger: lg})
	}

	p, err := newProducerWith(ctx, b, dest, &s, cd, lg, clk, n.notify)
	if err != nil {
		_ = n.close()
		return nil, err
	}
	c, err := newConsumerWith[P](ctx, b, dest, &s, cd, lg, clk, n.notify)
	if err != nil {
		_ = p.Close()
		_ = n.close()
		return nil, err
	}
	return &Client[P]{dest: dest, producer: p, consumer: c, notify: n}, nil
}

// Destination reports the destination this client is bound to.
func (c *Client[P]) Destination() Destination { return c.dest }

// Send publishes one payload and commits it immediately.
func (c *Client[P]) Send(ctx context.Context, payload P, props ...Property) error {
	if err := c.producer.Send(ctx, payload, Properties(props)); err != nil {
		return err
	}
	return c.producer.Commit(ctx)
}

// SendBatch publishes every payload inside a single transaction: either
// all of them become visible together, or a mid-batch failure rolls the
// whole batch back.
func (c *Client[P]) SendBatch(ctx context.Context, payloads []P, props ...Property) error {
	fixed := Properties(props)
	return c.SendBatchFunc(ctx, payloads, func(P) Properties { return fixed })
}

// SendBatchFunc is SendBatch with per-payload properties: props is invoked
// once per payload and its result attached to that message. A nil props
// sends the batch unadorned. Atomicity is unchanged; all payloads share
// one commit.
func (c *Client[P]) SendBatchFunc(ctx context.Context, payloads []P, props func(P) Properties) error {
	for _, pl := range payloads {
		var pp Properties
		if props != nil {
			pp = props(pl)
		}
		if err := c.producer.Send(ctx, pl, pp); err != nil {
			_ = c.producer.Rollback(ctx)
			return err
		}
	}
	return c.producer.Commit(ctx)
}

// ReceiveOne pulls a single message matching expr. The bool reports
// whether a message arrived inside the receive window.
func (c *Client[P]) ReceiveOne(ctx context.Context, expr *filter.Expression) (P, bool, error) {
	var zero P
	items, err := c.consumer.Receive(ctx, 1, expr, nil)
	if err != nil || len(items) == 0 {
		return zero, false, err
	}
	return items[0], true, nil
}

// ReceiveBatch pulls up to limit messages matching expr and runs handle
// over the decoded batch inside the receive transaction. See
// Consumer.Receive for the correlation and rollback semantics.
func (c *Client[P]) ReceiveBatch(ctx context.Context, limit int, expr *filter.Expression, handle func(context.Context, []P) error) ([]P, error) {
	return c.consumer.Receive(ctx, limit, expr, handle)
}

// OnMessage subscribes handler to the destination. See Consumer.Subscribe
// for the fault semantics.
func (c *Client[P]) OnMessage(ctx context.Context, expr *filter.Expression, handler func(context.Context, P) error) (*Listener, error) {
	return c.consumer.Subscribe(ctx, expr, handler)
}

// AddObserver attaches an observer at runtime.
func (c *Client[P]) AddObserver(obs Observer) { c.notify.add(obs) }

// RemoveObserver detaches a previously attached observer.
func (c *Client[P]) RemoveObserver(obs Observer) { c.notify.remove(obs) }

// Close releases the producer, the consumer, and the observer pool.
// Safe to call more than once.
func (c *Client[P]) Close() error {
	c.closeOnce.Do(func() {
		perr := c.producer.Close()
		cerr := c.consumer.Close()
		nerr := c.notify.close()
		switch {
		case perr != nil:
			c.closeErr = perr
		case cerr != nil:
			c.closeErr = cerr
		default:
			c.closeErr = nerr
		}
	})
	return c.closeErr
}
