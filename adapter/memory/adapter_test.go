package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proq "github.com/TheDropZone/ProActiveQueueClient"
)

func openSession(t *testing.T, b *Broker, transacted bool) proq.Session {
	t.Helper()
	conn, err := b.Connect(context.Background(), proq.ConnectOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	sess, err := conn.OpenSession(context.Background(), transacted)
	require.NoError(t, err)
	return sess
}

func send(t *testing.T, sess proq.Session, dest proq.Destination, id string, props ...proq.Property) {
	t.Helper()
	sn, err := sess.Sender(dest)
	require.NoError(t, err)
	require.NoError(t, sn.Send(context.Background(), &proq.Message{
		ID:         id,
		Payload:    []byte(`{}`),
		Properties: proq.Properties(props),
	}))
}

func TestSend_VisibleOnlyAfterCommit(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	sess := openSession(t, b, true)

	send(t, sess, dest, "m-1")
	assert.Equal(t, 0, b.Len(dest))

	require.NoError(t, sess.Commit(context.Background()))
	assert.Equal(t, 1, b.Len(dest))
}

func TestSend_NonTransactedPublishesImmediately(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	sess := openSession(t, b, false)

	send(t, sess, dest, "m-1")
	assert.Equal(t, 1, b.Len(dest))
}

func TestReceive_SelectorSkipsNonMatching(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	ctx := context.Background()

	pub := openSession(t, b, true)
	send(t, pub, dest, "skip", proq.Property{Key: "kind", Value: "a"})
	send(t, pub, dest, "take", proq.Property{Key: "kind", Value: "b"})
	require.NoError(t, pub.Commit(ctx))

	sess := openSession(t, b, true)
	recv, err := sess.Receiver(dest, "kind='b'")
	require.NoError(t, err)

	d, err := recv.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "take", d.Message().ID)

	// The non-matching message is still first in line for others.
	assert.Equal(t, 1, b.Len(dest))
}

func TestReceive_TimesOutEmpty(t *testing.T) {
	b := NewBroker(Config{})
	sess := openSession(t, b, true)
	recv, err := sess.Receiver(proq.NewQueue("empty"), "")
	require.NoError(t, err)

	start := time.Now()
	d, err := recv.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceive_WakesOnLatePublish(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	sess := openSession(t, b, true)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		pub := freshSession(t, b)
		send(t, pub, dest, "late")
		_ = pub.Commit(context.Background())
	}()

	d, err := recv.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "late", d.Message().ID)
}

// freshSession opens a session on its own connection.
func freshSession(t *testing.T, b *Broker) proq.Session {
	conn, err := b.Connect(context.Background(), proq.ConnectOptions{})
	require.NoError(t, err)
	sess, err := conn.OpenSession(context.Background(), true)
	require.NoError(t, err)
	return sess
}

func TestRollback_RequeuesInOrderWithRedeliveredFlag(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	ctx := context.Background()

	pub := openSession(t, b, true)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		send(t, pub, dest, id)
	}
	require.NoError(t, pub.Commit(ctx))

	sess := openSession(t, b, true)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		d, err := recv.Receive(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.NoError(t, d.Ack(ctx))
	}
	require.NoError(t, sess.Rollback(ctx))
	assert.Equal(t, 3, b.Len(dest))

	// Redelivery preserves order and marks the messages.
	sess2 := openSession(t, b, true)
	recv2, err := sess2.Receiver(dest, "")
	require.NoError(t, err)
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		d, err := recv2.Receive(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, want, d.Message().ID)
		assert.Equal(t, i < 2, d.Message().Redelivered, "message %s", want)
	}
}

func TestClose_WithoutCommitRollsBack(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	ctx := context.Background()

	pub := openSession(t, b, true)
	send(t, pub, dest, "m-1")
	require.NoError(t, pub.Commit(ctx))

	sess := freshSession(t, b)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 0, b.Len(dest))

	require.NoError(t, sess.Close())
	assert.Equal(t, 1, b.Len(dest))
}

func TestTopic_FanOutToEachSubscriber(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewTopic("alerts")
	ctx := context.Background()

	s1 := openSession(t, b, true)
	r1, err := s1.Receiver(dest, "")
	require.NoError(t, err)
	s2 := openSession(t, b, true)
	r2, err := s2.Receiver(dest, "")
	require.NoError(t, err)

	pub := openSession(t, b, true)
	send(t, pub, dest, "m-1")
	require.NoError(t, pub.Commit(ctx))

	for _, r := range []proq.Receiver{r1, r2} {
		d, err := r.Receive(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, "m-1", d.Message().ID)
	}
}

func TestTopic_NoDeliveryBeforeSubscribe(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewTopic("alerts")
	ctx := context.Background()

	pub := openSession(t, b, true)
	send(t, pub, dest, "early")
	require.NoError(t, pub.Commit(ctx))

	sess := openSession(t, b, true)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestReceiver_RejectsBadSelector(t *testing.T) {
	b := NewBroker(Config{})
	sess := openSession(t, b, true)
	_, err := sess.Receiver(proq.NewQueue("q"), "kind=")
	require.Error(t, err)
}

func TestInjectSessionFaults(t *testing.T) {
	b := NewBroker(Config{})
	conn, err := b.Connect(context.Background(), proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()

	b.InjectSessionFaults(2)
	_, err = conn.OpenSession(context.Background(), true)
	require.Error(t, err)
	_, err = conn.OpenSession(context.Background(), true)
	require.Error(t, err)
	_, err = conn.OpenSession(context.Background(), true)
	require.NoError(t, err)
}

func TestListen_SerialDelivery(t *testing.T) {
	b := NewBroker(Config{ListenPoll: 5 * time.Millisecond})
	dest := proq.NewQueue("q")

	sess := openSession(t, b, false)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)

	got := make(chan string, 10)
	require.NoError(t, recv.Listen(func(d proq.Delivery) {
		got <- d.Message().ID
	}))

	pub := openSession(t, b, false)
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		send(t, pub, dest, id)
	}

	for _, want := range []string{"m-1", "m-2", "m-3"} {
		select {
		case id := <-got:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	require.NoError(t, recv.Close())
}

func TestStats_CountsLifecycle(t *testing.T) {
	b := NewBroker(Config{})
	dest := proq.NewQueue("q")
	ctx := context.Background()

	pub := openSession(t, b, true)
	send(t, pub, dest, "m-1")
	require.NoError(t, pub.Commit(ctx))

	sess := freshSession(t, b)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, sess.Rollback(ctx))

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Sent)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(1), st.Committed)
	assert.Equal(t, uint64(1), st.RolledBack)
	assert.Equal(t, uint64(1), st.Redelivered)
}

func TestBrokerRegistry(t *testing.T) {
	b, err := proq.NewBroker(BrokerName, map[string]any{"listen_poll": "10ms"})
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NoError(t, b.Close(context.Background()))
}
