// Package lifecycle owns the single shared engine handle: it initializes it
// on a background task, publishes it once, and tears it down exactly once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/telemetry"
)

var (
	ErrNotReady  = errors.New("engine not ready")
	ErrDestroyed = errors.New("engine lifecycle destroyed")
	ErrStopped   = errors.New("wait for engine stopped")
)

// DefaultMaxThreads caps the concurrency hint handed to the engine.
const DefaultMaxThreads = 4

// InitError reports a failed engine construction.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Initializer provisions what the engine needs and constructs it. ctx is
// canceled when the manager shuts down.
type Initializer func(ctx context.Context, numThreads int) (engine.Engine, error)

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = logger.With().Str("component", "lifecycle").Logger()
	}
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithMaxThreads sets the ceiling of the concurrency hint.
func WithMaxThreads(n int) Option {
	return func(m *Manager) {
		m.numThreads = ThreadHint(runtime.NumCPU(), n)
	}
}

// WithObserver registers fn to be called on every state transition. fn runs
// with the manager's transition lock held and must not call back into it.
func WithObserver(fn func(from, to State)) Option {
	return func(m *Manager) {
		m.observer = fn
	}
}

// ThreadHint is half the logical cores, clamped to [1, ceiling].
func ThreadHint(cpus, ceiling int) int {
	if ceiling < 1 {
		ceiling = DefaultMaxThreads
	}
	return max(1, min(cpus/2, ceiling))
}

type slot struct {
	eng engine.Engine
}

type initResult struct {
	eng     engine.Engine
	err     error
	elapsed time.Duration
}

type Manager struct {
	init       Initializer
	log        zerolog.Logger
	metrics    *telemetry.Metrics
	observer   func(from, to State)
	numThreads int

	// handle is written at most once per manager, under mu, and read
	// without locking.
	handle       atomic.Pointer[slot]
	initializing atomic.Bool

	mu        sync.Mutex
	state     State
	ready     chan struct{}
	destroyed chan struct{}

	// leases counts callers using the published handle; Add happens only
	// under mu while Ready.
	leases sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(initialize Initializer, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		init:       initialize,
		log:        zerolog.Nop(),
		numThreads: ThreadHint(runtime.NumCPU(), DefaultMaxThreads),
		state:      StateUninitialized,
		ready:      make(chan struct{}),
		destroyed:  make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentHandle is a non-blocking read of the shared slot.
func (m *Manager) CurrentHandle() (engine.Engine, bool) {
	s := m.handle.Load()
	if s == nil {
		return nil, false
	}
	return s.eng, true
}

// Ready is closed once a handle has been published.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}


// TriggerInitializationIfNeeded starts the background initialization when
// the manager is Uninitialized or Failed and no initialization is running.
// It reports whether a task was started.
func (m *Manager) TriggerInitializationIfNeeded() bool {
	if !m.initializing.CompareAndSwap(false, true) {
		return false
	}

	m.mu.Lock()
	if m.state != StateUninitialized && m.state != StateFailed {
		m.mu.Unlock()
		m.initializing.Store(false)
		return false
	}
	m.transition(StateInitializing)
	m.wg.Add(1)
	m.mu.Unlock()

	m.log.Info().Int("threads", m.numThreads).Msg("Starting engine initialization")
	go func() {
		defer m.wg.Done()
		m.complete(m.build())
	}()
	return true
}

func (m *Manager) build() (res initResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = initResult{err: &InitError{Err: fmt.Errorf("panic: %v", r)}}
		}
		res.elapsed = time.Since(start)
	}()
	eng, err := m.init(m.ctx, m.numThreads)
	return initResult{eng: eng, err: err}
}

// complete consumes the result of one initialization task. A handle built
// after teardown began is released instead of published.
func (m *Manager) complete(res initResult) {
	m.metrics.RecordInit(context.Background(), res.elapsed, res.err)

	m.mu.Lock()
	terminal := m.state == StateShuttingDown || m.state == StateDestroyed
	switch {
	case terminal:
	case res.err != nil || res.eng == nil:
		if res.err == nil {
			res.err = &InitError{Err: errors.New("initializer returned no engine")}
		}
		m.transition(StateFailed)
	default:
		m.handle.Store(&slot{eng: res.eng})
		m.transition(StateReady)
		close(m.ready)
	}
	m.initializing.Store(false)
	m.mu.Unlock()

	switch {
	case terminal:
		if res.eng != nil {
			m.log.Warn().Dur("elapsed", res.elapsed).Msg("Engine finished after shutdown, discarding")
			m.release(res.eng)
		}
	case res.err != nil:
		m.log.Error().Err(res.err).Dur("elapsed", res.elapsed).Msg("Engine initialization failed")
	default:
		info := res.eng.Info()
		m.log.Info().
			Str("engine", info.Name).
			Int("sample_rate", info.SampleRate).
			Dur("elapsed", res.elapsed).
			Msg("Engine ready")
	}
}

// Shutdown releases the published handle, if any, and moves the manager to
// Destroyed. It blocks until every lease from Acquire is returned, so it
// must not be called while holding one. It is idempotent and does not wait
// for an in-flight initialization; use Wait for that.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.state == StateShuttingDown || m.state == StateDestroyed {
		m.mu.Unlock()
		return
	}
	m.transition(StateShuttingDown)
	m.cancel()
	s := m.handle.Swap(nil)
	m.mu.Unlock()

	if s != nil {
		m.leases.Wait()
		m.release(s.eng)
	}

	m.mu.Lock()
	m.transition(StateDestroyed)
	close(m.destroyed)
	m.mu.Unlock()
	m.log.Info().Msg("Engine lifecycle destroyed")
}

// Wait blocks until no initialization task is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// WaitReady returns the handle once published. It fails with ErrNotReady
// after timeout, ErrDestroyed once teardown is observed and ErrStopped when
// stop is closed or ctx is done.
func (m *Manager) WaitReady(ctx context.Context, stop <-chan struct{}, timeout time.Duration) (engine.Engine, error) {
	if eng, ok := m.CurrentHandle(); ok {
		return eng, nil
	}
	select {
	case <-m.destroyed:
		return nil, ErrDestroyed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.ready:
		if eng, ok := m.CurrentHandle(); ok {
			return eng, nil
		}
		return nil, ErrDestroyed
	case <-m.destroyed:
		return nil, ErrDestroyed
	case <-stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
	case <-timer.C:
		return nil, ErrNotReady
	}
}

// Acquire waits like WaitReady and leases the handle to the caller, who
// must call release once done with the engine. The engine is not closed
// while a lease is outstanding.
func (m *Manager) Acquire(ctx context.Context, stop <-chan struct{}, timeout time.Duration) (eng engine.Engine, release func(), err error) {
	eng, err = m.WaitReady(ctx, stop, timeout)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, nil, ErrDestroyed
	}
	m.leases.Add(1)
	return eng, sync.OnceFunc(m.leases.Done), nil
}

func (m *Manager) release(eng engine.Engine) {
	if err := eng.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to release engine")
	}
}

// transition must be called with mu held.
func (m *Manager) transition(to State) {
	from := m.state
	if !CanTransition(from, to) {
		m.log.Error().Stringer("from", from).Stringer("to", to).Msg("Illegal lifecycle transition")
		return
	}
	m.state = to
	m.metrics.RecordTransition(context.Background(), to.String())
	if m.observer != nil {
		m.observer(from, to)
	}
}
