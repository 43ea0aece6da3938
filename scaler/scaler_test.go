package scaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFleet struct {
	mu      sync.Mutex
	running int
	batches []int
	fail    error
}

func (f *fakeFleet) Running(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeFleet) Launch(_ context.Context, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.batches = append(f.batches, count)
	f.running += count
	return nil
}

func (f *fakeFleet) snapshot() (int, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, append([]int(nil), f.batches...)
}

func depthOf(n int64) DepthFunc {
	return func(context.Context) (int64, error) { return n, nil }
}

func testConfig() Config {
	cfg := Defaults()
	cfg.MaxWorkers = 50
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.MaxWorkers = 0
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.MinWorkers = 10
	bad.MaxWorkers = 5
	require.Error(t, bad.Validate())

	bad = testConfig()
	bad.MessagesPerWorker = 0
	require.Error(t, bad.Validate())
}

func TestConfig_FromEnv(t *testing.T) {
	t.Setenv("PROQ_SCALER_MAX_WORKERS", "25")
	t.Setenv("PROQ_SCALER_INTERVAL", "5s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, 10, cfg.MessagesPerWorker)
}

func TestDesired_ClampsToBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 2
	cfg.MaxWorkers = 8
	cfg.MessagesPerWorker = 10

	fleet := &fakeFleet{}
	c, err := NewController(cfg, depthOf(0), fleet, fleet)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Desired(0))
	assert.Equal(t, 2, c.Desired(15)) // ceil(1.5) = 2, meets the floor
	assert.Equal(t, 3, c.Desired(21))
	assert.Equal(t, 8, c.Desired(1_000_000))
}

func TestEvaluate_LaunchesShortfallInBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerWorker = 1
	cfg.LaunchBatch = 10

	fleet := &fakeFleet{running: 3}
	c, err := NewController(cfg, depthOf(28), fleet, fleet)
	require.NoError(t, err)

	require.NoError(t, c.Evaluate(context.Background()))

	running, batches := fleet.snapshot()
	assert.Equal(t, 28, running)
	// 25 missing workers launch as 10+10+5.
	assert.Equal(t, []int{10, 10, 5}, batches)
}

func TestEvaluate_NoopWhenFleetSufficient(t *testing.T) {
	fleet := &fakeFleet{running: 5}
	c, err := NewController(testConfig(), depthOf(30), fleet, fleet)
	require.NoError(t, err)

	require.NoError(t, c.Evaluate(context.Background()))
	running, batches := fleet.snapshot()
	assert.Equal(t, 5, running)
	assert.Empty(t, batches)
}

func TestEvaluate_PropagatesSourceErrors(t *testing.T) {
	fleet := &fakeFleet{}
	boom := errors.New("depth unavailable")
	c, err := NewController(testConfig(), DepthFunc(func(context.Context) (int64, error) {
		return 0, boom
	}), fleet, fleet)
	require.NoError(t, err)

	require.ErrorIs(t, c.Evaluate(context.Background()), boom)
}

func TestEvaluate_StopsOnLaunchFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerWorker = 1

	fleet := &fakeFleet{fail: errors.New("api throttled")}
	c, err := NewController(cfg, depthOf(30), fleet, fleet)
	require.NoError(t, err)

	require.Error(t, c.Evaluate(context.Background()))
}

func TestController_LoopLaunchesOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerWorker = 1
	cfg.MaxWorkers = 4
	cfg.Interval = 20 * time.Millisecond

	fleet := &fakeFleet{}
	c, err := NewController(cfg, depthOf(4), fleet, fleet)
	require.NoError(t, err)

	c.Start(context.Background())
	require.Eventually(t, func() bool {
		running, _ := fleet.snapshot()
		return running == 4
	}, 2*time.Second, 10*time.Millisecond)
	c.Close()

	// The fleet is at the ceiling; further ticks change nothing.
	running, _ := fleet.snapshot()
	assert.Equal(t, 4, running)
}

func TestNewController_RequiresSources(t *testing.T) {
	fleet := &fakeFleet{}
	_, err := NewController(testConfig(), nil, fleet, fleet)
	require.Error(t, err)
	_, err = NewController(testConfig(), depthOf(0), nil, fleet)
	require.Error(t, err)
	_, err = NewController(testConfig(), depthOf(0), fleet, nil)
	require.Error(t, err)
}
