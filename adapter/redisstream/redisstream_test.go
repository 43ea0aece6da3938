package redisstream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proq "github.com/TheDropZone/ProActiveQueueClient"
)

func testAddr() string {
	if addr := os.Getenv("PROQ_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:6379"
}

// testBroker returns a connected broker, skipping the test when no Redis
// is reachable.
func testBroker(t *testing.T) (*Broker, Config) {
	t.Helper()
	cfg := Defaults()
	cfg.Addr = testAddr()
	cfg.Group = fmt.Sprintf("proq-test-%d", time.Now().UnixNano())
	cfg.Block = 200 * time.Millisecond
	cfg.ClaimMinIdle = 0

	b, err := NewBroker(cfg)
	if err != nil {
		t.Skipf("Redis not available at %s: %v", cfg.Addr, err)
	}
	return b, cfg
}

func cleanupStream(t *testing.T, cfg Config, stream string) {
	t.Helper()
	client := redis.NewClient(clientOptions(cfg))
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.XGroupDestroy(ctx, stream, cfg.Group).Err()
	_ = client.Del(ctx, stream).Err()
}

func uniqueStream(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func sendCommitted(t *testing.T, b *Broker, dest proq.Destination, msgs ...*proq.Message) {
	t.Helper()
	ctx := context.Background()
	conn, err := b.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess.Close()
	sn, err := sess.Sender(dest)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, sn.Send(ctx, m))
	}
	require.NoError(t, sess.Commit(ctx))
}

func TestCommit_FlushesStagedSends(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-commit")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()

	conn, err := b.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess.Close()

	sn, err := sess.Sender(proq.NewQueue(stream))
	require.NoError(t, err)
	require.NoError(t, sn.Send(ctx, &proq.Message{ID: "m-1", Payload: []byte(`{"a":1}`)}))
	require.NoError(t, sn.Send(ctx, &proq.Message{ID: "m-2", Payload: []byte(`{"a":2}`)}))

	client := redis.NewClient(clientOptions(cfg))
	defer client.Close()
	n, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "staged sends must not be visible before commit")

	require.NoError(t, sess.Commit(ctx))
	n, err = client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestReceive_RoundTripWithProperties(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-roundtrip")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()
	dest := proq.NewQueue(stream)

	var props proq.Properties
	props.Set("status", "pending").Set("attempts", float64(2))
	sendCommitted(t, b, dest, &proq.Message{
		ID:         "m-1",
		Payload:    []byte(`{"hello":"world"}`),
		Properties: props,
		ProducedAt: time.Now(),
	})

	conn, err := b.Connect(ctx, proq.ConnectOptions{Prefetch: 5})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess.Close()

	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)

	msg := d.Message()
	assert.Equal(t, []byte(`{"hello":"world"}`), msg.Payload)
	v, ok := msg.Properties.Get("status")
	require.True(t, ok)
	assert.Equal(t, "pending", v)
	v, ok = msg.Properties.Get("attempts")
	require.True(t, ok)
	assert.Equal(t, float64(2), v)

	require.NoError(t, d.Ack(ctx))
	require.NoError(t, sess.Commit(ctx))
}

func TestReceive_SelectorLeavesNonMatchingPending(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-selector")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()
	dest := proq.NewQueue(stream)

	mk := func(id, kind string) *proq.Message {
		var props proq.Properties
		props.Set("kind", kind)
		return &proq.Message{ID: id, Payload: []byte(`{}`), Properties: props}
	}
	sendCommitted(t, b, dest, mk("skip-1", "a"), mk("take-1", "b"), mk("skip-2", "a"))

	conn, err := b.Connect(ctx, proq.ConnectOptions{Prefetch: 10})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess.Close()

	recv, err := sess.Receiver(dest, "kind='b'")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	v, _ := d.Message().Properties.Get("kind")
	assert.Equal(t, "b", v)

	// Nothing else matches inside the window.
	d2, err := recv.Receive(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d2)
}

func TestReceive_TimesOutEmpty(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-empty")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()

	conn, err := b.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess.Close()

	recv, err := sess.Receiver(proq.NewQueue(stream), "")
	require.NoError(t, err)

	start := time.Now()
	d, err := recv.Receive(ctx, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestRollback_LeavesEntriesPendingForClaim(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-rollback")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()
	dest := proq.NewQueue(stream)

	sendCommitted(t, b, dest, &proq.Message{ID: "m-1", Payload: []byte(`{}`)})

	conn, err := b.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()
	sess, err := conn.OpenSession(ctx, true)
	require.NoError(t, err)
	recv, err := sess.Receiver(dest, "")
	require.NoError(t, err)
	d, err := recv.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, sess.Rollback(ctx))
	require.NoError(t, sess.Close())

	// The entry sits in the pending list, not acknowledged.
	client := redis.NewClient(clientOptions(cfg))
	defer client.Close()
	pending, err := client.XPending(ctx, stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)

	// A consumer with idle-claim recovery gets it back.
	cfg2 := cfg
	cfg2.ClaimMinIdle = 10 * time.Millisecond
	cfg2.Consumer = cfg.Consumer + "-recovery"
	b2, err := NewBroker(cfg2)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	conn2, err := b2.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn2.Close()
	sess2, err := conn2.OpenSession(ctx, true)
	require.NoError(t, err)
	defer sess2.Close()
	recv2, err := sess2.Receiver(dest, "")
	require.NoError(t, err)
	d2, err := recv2.Receive(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.True(t, d2.Message().Redelivered)
	require.NoError(t, d2.Ack(ctx))
	require.NoError(t, sess2.Commit(ctx))
}

func TestTopic_PrivateGroupPerSubscription(t *testing.T) {
	b, cfg := testBroker(t)
	stream := uniqueStream("proq-topic")
	defer cleanupStream(t, cfg, stream)
	ctx := context.Background()
	dest := proq.NewTopic(stream)

	conn, err := b.Connect(ctx, proq.ConnectOptions{})
	require.NoError(t, err)
	defer conn.Close()

	open := func() (proq.Session, proq.Receiver) {
		sess, err := conn.OpenSession(ctx, true)
		require.NoError(t, err)
		recv, err := sess.Receiver(dest, "")
		require.NoError(t, err)
		return sess, recv
	}
	s1, r1 := open()
	defer s1.Close()
	s2, r2 := open()
	defer s2.Close()

	sendCommitted(t, b, dest, &proq.Message{ID: "m-1", Payload: []byte(`{}`)})

	for _, r := range []proq.Receiver{r1, r2} {
		d, err := r.Receive(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, d, "every subscriber gets its own copy")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Addr = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Group = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Block = 0
	require.Error(t, bad.Validate())
}

func TestConfig_MapRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Addr = "redis.internal:6390"
	cfg.Group = "workers"
	cfg.AutoDeleteOnAck = true
	cfg.MaxLenApprox = 50_000

	back := ConfigFromMap(cfg.toMap())
	assert.Equal(t, cfg, back)
}

func TestConfig_FromEnv(t *testing.T) {
	t.Setenv("PROQ_REDIS_ADDR", "env.example:6379")
	t.Setenv("PROQ_REDIS_GROUP", "env-group")
	t.Setenv("PROQ_REDIS_BLOCK", "750ms")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env.example:6379", cfg.Addr)
	assert.Equal(t, "env-group", cfg.Group)
	assert.Equal(t, 750*time.Millisecond, cfg.Block)
	// Untouched fields keep their defaults.
	assert.True(t, cfg.AutoCreate)
}

func TestWire_EncodeDecode(t *testing.T) {
	var props proq.Properties
	props.Set("status", "done").Set("attempts", 3.5)
	now := time.Now().Truncate(time.Nanosecond)

	vals := encodeMessage(&proq.Message{
		ID:         "m-1",
		Payload:    []byte(`{"x":1}`),
		Properties: props,
		ProducedAt: now,
	})
	msg := decodeMessage("1-0", vals, true)

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, []byte(`{"x":1}`), msg.Payload)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, now.UnixNano(), msg.ProducedAt.UnixNano())
	v, _ := msg.Properties.Get("status")
	assert.Equal(t, "done", v)
	v, _ = msg.Properties.Get("attempts")
	assert.Equal(t, 3.5, v)
}
