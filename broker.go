package proq

import (
	"context"
	"time"
)

// DestinationKind distinguishes point-to-point queues from broadcast topics.
type DestinationKind int

const (
	// KindQueue delivers each message to exactly one of the competing consumers.
	KindQueue DestinationKind = iota
	// KindTopic delivers a copy of each message to every subscriber.
	KindTopic
)

func (k DestinationKind) String() string {
	if k == KindTopic {
		return "topic"
	}
	return "queue"
}

// Destination identifies a named queue or topic on the broker. Immutable
// once constructed; the zero value is invalid.
type Destination struct {
	kind DestinationKind
	name string
}

// NewQueue names a point-to-point destination.
func NewQueue(name string) Destination { return Destination{kind: KindQueue, name: name} }

// NewTopic names a broadcast destination.
func NewTopic(name string) Destination { return Destination{kind: KindTopic, name: name} }

// Name returns the destination name.
func (d Destination) Name() string { return d.name }

// Kind returns queue or topic semantics.
func (d Destination) Kind() DestinationKind { return d.kind }

func (d Destination) String() string { return d.kind.String() + "://" + d.name }

// ConnectOptions carries per-connection transport tuning.
type ConnectOptions struct {
	// Prefetch is how many messages the connection may buffer client-side
	// ahead of acknowledgment. 0 means strict pull: nothing is fetched
	// speculatively.
	Prefetch int
}

// Broker is the Strategy interface for message broker backends. A Broker is
// a connection factory; the engines dial the connections they need and own
// their lifecycle.
type Broker interface {
	// Connect opens a transport-level link to the broker.
	Connect(ctx context.Context, opts ConnectOptions) (Connection, error)
	// Close releases broker-level resources. Connections handed out
	// earlier must be closed by their owners.
	Close(ctx context.Context) error
}

// Connection is a transport-level link. Sessions opened from it share the
// link and its prefetch window.
type Connection interface {
	// OpenSession starts a broker-side transactional context. A transacted
	// session stages sends and acknowledgments until Commit; Rollback (or
	// Close without Commit) returns received messages to the destination.
	OpenSession(ctx context.Context, transacted bool) (Session, error)
	// Close tears the link down along with any sessions still open on it.
	Close() error
}

// Session is a transactional context. It is not safe for concurrent use;
// the engines create one per logical operation.
type Session interface {
	// Sender binds an outbound channel to the destination.
	Sender(dest Destination) (Sender, error)
	// Receiver opens a subscription scoped by the compiled selector
	// (empty selector = unfiltered).
	Receiver(dest Destination, selector string) (Receiver, error)
	// Commit finalizes staged sends and acknowledgments as one atomic unit.
	Commit(ctx context.Context) error
	// Rollback discards staged sends and returns acknowledged-but-uncommitted
	// messages to the destination for redelivery.
	Rollback(ctx context.Context) error
	// Close releases the session. On a transacted session, uncommitted
	// work is rolled back.
	Close() error
}

// Sender enqueues messages on a session toward one destination.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Receiver is a selector-scoped subscription.
type Receiver interface {
	// Receive blocks up to wait for the next matching message. A nil
	// Delivery with nil error means nothing arrived in the window.
	Receive(ctx context.Context, wait time.Duration) (Delivery, error)
	// Listen delivers matching messages to fn, serially, from a
	// broker-managed goroutine, until the receiver or its session closes.
	Listen(fn func(Delivery)) error
	// Close ends the subscription. The session and connection stay usable.
	Close() error
}

// Delivery is one received message plus its acknowledgment handle. Ack
// stages the acknowledgment in the owning session; it only becomes durable
// when the session commits.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
}
