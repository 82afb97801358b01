package synth_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatts/internal/pkg/avatts/audio"
	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/interrupt"
	"avatts/internal/pkg/avatts/lifecycle"
	"avatts/internal/pkg/avatts/synth"
)

type stubEngine struct {
	samples []float32
	err     error
	panics  bool
	calls   atomic.Int32
	onCall  func()
}

func (s *stubEngine) Generate(string) (*audio.Audio, error) {
	s.calls.Add(1)
	if s.onCall != nil {
		s.onCall()
	}
	if s.panics {
		panic("runtime exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return audio.NewAudio(s.samples, 16000), nil
}

func (s *stubEngine) Info() engine.EngineInfo { return engine.EngineInfo{Name: "stub"} }
func (s *stubEngine) Close() error            { return nil }

// stubEngines answers readiness waits with a fixed result.
type stubEngines struct {
	eng      engine.Engine
	err      error
	triggers atomic.Int32
	leased   atomic.Int32
	returned atomic.Int32
}

func (s *stubEngines) Acquire(ctx context.Context, stop <-chan struct{}, _ time.Duration) (engine.Engine, func(), error) {
	select {
	case <-stop:
		return nil, nil, lifecycle.ErrStopped
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("%w: %w", lifecycle.ErrStopped, ctx.Err())
	default:
	}
	if s.err != nil {
		return nil, nil, s.err
	}
	s.leased.Add(1)
	return s.eng, func() { s.returned.Add(1) }, nil
}

func (s *stubEngines) TriggerInitializationIfNeeded() bool {
	s.triggers.Add(1)
	return true
}

type recordingSink struct {
	mu      sync.Mutex
	started int
	rate    int
	bits    int
	chans   int
	chunks  [][]byte
	done    int
	errs    []synth.ErrorKind
	startEr error
	onChunk func(n int)
}

func (r *recordingSink) Start(sampleRate, bitDepth, channels int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
	r.rate, r.bits, r.chans = sampleRate, bitDepth, channels
	return r.startEr
}

func (r *recordingSink) AudioAvailable(chunk []byte) error {
	r.mu.Lock()
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	n := len(r.chunks)
	r.mu.Unlock()
	if r.onChunk != nil {
		r.onChunk(n)
	}
	return nil
}

func (r *recordingSink) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
}

func (r *recordingSink) Error(kind synth.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, kind)
}

func (r *recordingSink) terminalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done + len(r.errs)
}

func newSession(engines synth.Engines, stop *interrupt.Controller, chunk int, timeout time.Duration) *synth.Session {
	return synth.NewSession(engines, stop, synth.Config{ChunkSize: chunk, ReadinessTimeout: timeout}, zerolog.Nop(), nil)
}

func samples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7)/7 - 0.5
	}
	return out
}

func TestBlankTextCompletesWithoutAudio(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		eng := &stubEngine{samples: samples(10)}
		sink := &recordingSink{}
		s := newSession(&stubEngines{eng: eng}, interrupt.New(), 4, time.Second)

		outcome := s.Synthesize(context.Background(), synth.Request{Text: text}, sink)

		assert.Equal(t, synth.OutcomeEmpty, outcome)
		assert.Equal(t, 1, sink.done)
		assert.Empty(t, sink.chunks)
		assert.Zero(t, sink.started)
		assert.Zero(t, eng.calls.Load())
	}
}

func TestHappyPathStreamsChunks(t *testing.T) {
	eng := &stubEngine{samples: samples(5)}
	sink := &recordingSink{}
	s := newSession(&stubEngines{eng: eng}, interrupt.New(), 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "سلام"}, sink)

	require.Equal(t, synth.OutcomeDone, outcome)
	assert.Equal(t, 1, sink.started)
	assert.Equal(t, 16000, sink.rate)
	assert.Equal(t, 16, sink.bits)
	assert.Equal(t, 1, sink.chans)
	require.Len(t, sink.chunks, 3)
	assert.Len(t, sink.chunks[0], 4)
	assert.Len(t, sink.chunks[2], 2)

	var joined []byte
	for _, c := range sink.chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, audio.NewAudio(samples(5), 16000).PCM16(), joined)
	assert.Equal(t, 1, sink.done)
	assert.Empty(t, sink.errs)
}

func TestLeaseReturnedOnEveryPath(t *testing.T) {
	for _, eng := range []*stubEngine{
		{samples: samples(4)},
		{},
		{err: errors.New("bad input")},
		{panics: true},
	} {
		engines := &stubEngines{eng: eng}
		s := newSession(engines, interrupt.New(), 4, time.Second)

		s.Synthesize(context.Background(), synth.Request{Text: "x"}, &recordingSink{})

		assert.Equal(t, int32(1), engines.leased.Load())
		assert.Equal(t, engines.leased.Load(), engines.returned.Load())
	}
}

func TestOddChunkSizeRoundsToWholeSamples(t *testing.T) {
	eng := &stubEngine{samples: samples(4)}
	sink := &recordingSink{}
	s := newSession(&stubEngines{eng: eng}, interrupt.New(), 5, time.Second)

	s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	require.Len(t, sink.chunks, 2)
	assert.Len(t, sink.chunks[0], 4)
}

func TestCanceledContextBeforeStart(t *testing.T) {
	eng := &stubEngine{samples: samples(10)}
	sink := &recordingSink{}
	s := newSession(&stubEngines{eng: eng}, interrupt.New(), 4, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := s.Synthesize(ctx, synth.Request{Text: "سلام"}, sink)

	assert.Equal(t, synth.OutcomeCanceled, outcome)
	assert.Zero(t, sink.started)
	assert.Empty(t, sink.chunks)
	assert.Zero(t, sink.terminalCalls())
	assert.Zero(t, eng.calls.Load())
}

func TestStaleStopIsClearedForNewRequest(t *testing.T) {
	stop := interrupt.New()
	stop.RequestStop()
	sink := &recordingSink{}
	s := newSession(&stubEngines{eng: &stubEngine{samples: samples(4)}}, stop, 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeDone, outcome)
	select {
	case <-stop.Done():
		t.Fatal("stop signal still set after reset")
	default:
	}
}

func TestStopMidStream(t *testing.T) {
	for k := 1; k <= 3; k++ {
		t.Run(fmt.Sprintf("after chunk %d", k), func(t *testing.T) {
			stop := interrupt.New()
			sink := &recordingSink{}
			sink.onChunk = func(n int) {
				if n == k {
					stop.RequestStop()
				}
			}
			s := newSession(&stubEngines{eng: &stubEngine{samples: samples(10)}}, stop, 4, time.Second)

			outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

			assert.Equal(t, synth.OutcomeCanceled, outcome)
			assert.Len(t, sink.chunks, k)
			assert.Zero(t, sink.terminalCalls())
		})
	}
}

func TestContextCanceledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{}
	sink.onChunk = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	s := newSession(&stubEngines{eng: &stubEngine{samples: samples(10)}}, interrupt.New(), 4, time.Second)

	outcome := s.Synthesize(ctx, synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeCanceled, outcome)
	assert.Len(t, sink.chunks, 2)
	assert.Zero(t, sink.terminalCalls())
}

func TestStopDuringGenerateEmitsNothing(t *testing.T) {
	stop := interrupt.New()
	eng := &stubEngine{samples: samples(10)}
	eng.onCall = stop.RequestStop
	sink := &recordingSink{}
	s := newSession(&stubEngines{eng: eng}, stop, 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeCanceled, outcome)
	assert.Equal(t, int32(1), eng.calls.Load())
	assert.Zero(t, sink.started)
	assert.Zero(t, sink.terminalCalls())
}

func TestEngineErrorsMapToKinds(t *testing.T) {
	tests := []struct {
		name string
		eng  *stubEngine
		want synth.ErrorKind
	}{
		{"empty output", &stubEngine{}, synth.SynthesisProducedNoAudio},
		{"out of memory", &stubEngine{err: fmt.Errorf("run: %w", engine.ErrOutOfMemory)}, synth.OutOfMemoryDuringSynthesis},
		{"other failure", &stubEngine{err: errors.New("bad input")}, synth.SynthesisFailed},
		{"panic", &stubEngine{panics: true}, synth.SynthesisFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			s := newSession(&stubEngines{eng: tt.eng}, interrupt.New(), 4, time.Second)

			outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

			assert.Equal(t, synth.OutcomeError, outcome)
			assert.Equal(t, []synth.ErrorKind{tt.want}, sink.errs)
			assert.Zero(t, sink.done)
			assert.Zero(t, sink.started)
		})
	}
}

func TestNotReadyReportsAndTriggersOnce(t *testing.T) {
	engines := &stubEngines{err: lifecycle.ErrNotReady}
	sink := &recordingSink{}
	s := newSession(engines, interrupt.New(), 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeError, outcome)
	assert.Equal(t, []synth.ErrorKind{synth.EngineNotReady}, sink.errs)
	assert.Equal(t, int32(1), engines.triggers.Load())
	assert.Zero(t, sink.done)
}

func TestDestroyedReturnsSilently(t *testing.T) {
	engines := &stubEngines{err: lifecycle.ErrDestroyed}
	sink := &recordingSink{}
	s := newSession(engines, interrupt.New(), 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeDestroyed, outcome)
	assert.Zero(t, sink.terminalCalls())
	assert.Zero(t, engines.triggers.Load())
}

func TestSinkStartFailureEndsStream(t *testing.T) {
	sink := &recordingSink{startEr: errors.New("host gone")}
	s := newSession(&stubEngines{eng: &stubEngine{samples: samples(4)}}, interrupt.New(), 4, time.Second)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeSinkError, outcome)
	assert.Empty(t, sink.chunks)
	assert.Zero(t, sink.terminalCalls())
}

func TestWaitsForEngineBecomingReady(t *testing.T) {
	gate := make(chan struct{})
	eng := &stubEngine{samples: samples(6)}
	m := lifecycle.NewManager(func(context.Context, int) (engine.Engine, error) {
		<-gate
		return eng, nil
	})
	defer m.Shutdown()
	m.TriggerInitializationIfNeeded()

	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	sink := &recordingSink{}
	s := newSession(m, interrupt.New(), 4, 5*time.Second)
	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeDone, outcome)
	assert.Len(t, sink.chunks, 3)
	assert.Equal(t, 1, sink.done)
}

func TestManagerNeverReadyTimesOut(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	m := lifecycle.NewManager(func(context.Context, int) (engine.Engine, error) {
		calls.Add(1)
		<-gate
		return nil, errors.New("still broken")
	})
	defer func() {
		close(gate)
		m.Shutdown()
		m.Wait()
	}()
	m.TriggerInitializationIfNeeded()

	sink := &recordingSink{}
	s := newSession(m, interrupt.New(), 4, 30*time.Millisecond)
	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeError, outcome)
	assert.Equal(t, []synth.ErrorKind{synth.EngineNotReady}, sink.errs)
	// The in-flight initialization absorbs the self-heal trigger.
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopWhileWaitingForEngine(t *testing.T) {
	m := lifecycle.NewManager(func(ctx context.Context, _ int) (engine.Engine, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer m.Shutdown()
	m.TriggerInitializationIfNeeded()

	stop := interrupt.New()
	sink := &recordingSink{}
	s := newSession(m, stop, 4, 5*time.Second)
	time.AfterFunc(20*time.Millisecond, stop.RequestStop)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeCanceled, outcome)
	assert.Zero(t, sink.terminalCalls())
}

func TestShutdownWhileWaitingReturnsSilently(t *testing.T) {
	m := lifecycle.NewManager(func(ctx context.Context, _ int) (engine.Engine, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m.TriggerInitializationIfNeeded()

	sink := &recordingSink{}
	s := newSession(m, interrupt.New(), 4, 5*time.Second)
	time.AfterFunc(20*time.Millisecond, m.Shutdown)

	outcome := s.Synthesize(context.Background(), synth.Request{Text: "x"}, sink)

	assert.Equal(t, synth.OutcomeDestroyed, outcome)
	assert.Zero(t, sink.terminalCalls())
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "engine_not_ready", synth.EngineNotReady.String())
	assert.Equal(t, "out_of_memory", synth.OutOfMemoryDuringSynthesis.String())
	assert.Equal(t, "unknown", synth.ErrorKind(0).String())
}

// slowEngine blocks in Generate until released and records whether it was
// closed while a call was running.
type slowEngine struct {
	entered      chan struct{}
	proceed      chan struct{}
	inFlight     atomic.Bool
	closedDuring atomic.Bool
	closed       atomic.Bool
}

func (e *slowEngine) Generate(string) (*audio.Audio, error) {
	e.inFlight.Store(true)
	close(e.entered)
	<-e.proceed
	e.inFlight.Store(false)
	return audio.NewAudio(samples(8), 16000), nil
}

func (e *slowEngine) Info() engine.EngineInfo { return engine.EngineInfo{Name: "slow"} }

func (e *slowEngine) Close() error {
	e.closedDuring.Store(e.inFlight.Load())
	e.closed.Store(true)
	return nil
}

func TestShutdownWaitsForRunningGenerate(t *testing.T) {
	eng := &slowEngine{entered: make(chan struct{}), proceed: make(chan struct{})}
	m := lifecycle.NewManager(func(context.Context, int) (engine.Engine, error) {
		return eng, nil
	})
	m.TriggerInitializationIfNeeded()

	stop := interrupt.New()
	s := newSession(m, stop, 4, 5*time.Second)
	result := make(chan synth.Outcome, 1)
	go func() {
		result <- s.Synthesize(context.Background(), synth.Request{Text: "x"}, &recordingSink{})
	}()
	<-eng.entered

	shutdownDone := make(chan struct{})
	go func() {
		stop.RequestStop()
		m.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned while Generate was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, eng.closed.Load())

	close(eng.proceed)
	<-shutdownDone

	assert.True(t, eng.closed.Load())
	assert.False(t, eng.closedDuring.Load())
	assert.Equal(t, synth.OutcomeCanceled, <-result)
	assert.Equal(t, lifecycle.StateDestroyed, m.State())
}
