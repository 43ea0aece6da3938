package proq

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	// defaultSyncPrefetch keeps the pull connection in strict-pull mode:
	// batch receive must never buffer speculatively.
	defaultSyncPrefetch = 0
	// defaultAsyncPrefetch gives the listener connection a small window.
	defaultAsyncPrefetch = 10
	// defaultReceiveWait is how long a batch receive blocks for its first
	// message before reporting "nothing available".
	defaultReceiveWait = 30 * time.Second
	// defaultPollWait is the inter-message drain poll once a batch has
	// started.
	defaultPollWait = 10 * time.Millisecond
)

// settings is the resolved construction state shared by the facade and the
// engines.
type settings struct {
	codecName string
	codecInst Codec
	logger    *xlog.Logger
	clock     xclock.Clock

	transacted    bool
	syncPrefetch  int
	asyncPrefetch int
	receiveWait   time.Duration
	pollWait      time.Duration

	middlewares []Middleware
	observers   []Observer
	poolWorkers int
	poolBuffer  int
}

func defaultSettings() settings {
	return settings{
		codecName:     "json",
		transacted:    true,
		syncPrefetch:  defaultSyncPrefetch,
		asyncPrefetch: defaultAsyncPrefetch,
		receiveWait:   defaultReceiveWait,
		pollWait:      defaultPollWait,
	}
}

func (s *settings) resolve() (Codec, *xlog.Logger, xclock.Clock, error) {
	cd := s.codecInst
	if cd == nil {
		var err error
		cd, err = NewCodec(s.codecName)
		if err != nil {
			return nil, nil, nil, &ConfigurationError{Reason: err.Error()}
		}
	}
	lg := s.logger
	if lg == nil {
		lg = xlog.Default()
	}
	clk := s.clock
	if clk == nil {
		clk = xclock.Default()
	}
	return cd, lg, clk, nil
}

// Option configures a Client, Producer or Consumer at construction.
type Option func(*settings)

// WithCodec selects a registered codec by name (default: "json").
func WithCodec(name string) Option {
	return func(s *settings) { s.codecName = name }
}

// WithCodecInstance accepts a ready Codec instance.
func WithCodecInstance(c Codec) Option {
	return func(s *settings) { s.codecInst = c }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithTransacted toggles producer-side transactions (default: on). With
// transactions off, Commit is a no-op and every send is final immediately.
func WithTransacted(t bool) Option {
	return func(s *settings) { s.transacted = t }
}

// WithSyncPrefetch sets the prefetch window of the synchronous pull
// connection (default 0: strict pull).
func WithSyncPrefetch(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.syncPrefetch = n
		}
	}
}

// WithAsyncPrefetch sets the prefetch window of the listener connection
// (default 10).
func WithAsyncPrefetch(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.asyncPrefetch = n
		}
	}
}

// WithReceiveWait overrides the first-message wait of a batch receive
// (default 30s).
func WithReceiveWait(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.receiveWait = d
		}
	}
}

// WithPollWait overrides the inter-message drain poll (default 10ms).
func WithPollWait(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollWait = d
		}
	}
}

// WithMiddleware adds listener-path middlewares (retry, timeout, ...).
func WithMiddleware(mw ...Middleware) Option {
	return func(s *settings) { s.middlewares = append(s.middlewares, mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...Observer) Option {
	return func(s *settings) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithObserverPool dispatches observer events asynchronously through a
// worker pool instead of inline.
func WithObserverPool(workers, bufferSize int) Option {
	return func(s *settings) {
		s.poolWorkers = workers
		s.poolBuffer = bufferSize
	}
}

// notifier fans events out to observers, inline or through an ObserverPool.
type notifier struct {
	mu        sync.RWMutex
	observers []Observer
	pool      *ObserverPool
}

func newNotifier(s *settings) *notifier {
	n := &notifier{observers: s.observers}
	if s.poolWorkers > 0 || s.poolBuffer > 0 {
		n.pool = NewObserverPool(context.Background(), s.poolWorkers, s.poolBuffer)
	}
	return n
}

func (n *notifier) add(obs Observer) {
	if obs == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, obs)
	n.mu.Unlock()
}

func (n *notifier) remove(obs Observer) {
	if obs == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, o := range n.observers {
		if sameObserver(o, obs) {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			break
		}
	}
}

// sameObserver compares observers without panicking on uncomparable
// dynamic types. Func observers (ObserverFunc) match by identity.
func sameObserver(a, b Observer) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	if !va.Comparable() {
		return false
	}
	return a == b
}

func (n *notifier) notify(e Event) {
	if n == nil {
		return
	}
	n.mu.RLock()
	if len(n.observers) == 0 {
		n.mu.RUnlock()
		return
	}
	obs := make([]Observer, len(n.observers))
	copy(obs, n.observers)
	n.mu.RUnlock()

	if n.pool != nil {
		n.pool.Notify(e, obs)
		return
	}
	for _, o := range obs {
		o.OnEvent(e)
	}
}

func (n *notifier) close() error {
	if n == nil || n.pool == nil {
		return nil
	}
	return n.pool.Close(5 * time.Second)
}
