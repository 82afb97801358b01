// Package synth turns one synthesis request into a stream of PCM chunks
// delivered to a host sink.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"avatts/internal/pkg/avatts/audio"
	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/interrupt"
	"avatts/internal/pkg/avatts/lifecycle"
	"avatts/internal/pkg/avatts/telemetry"
)

const (
	DefaultChunkSize        = 8192
	DefaultReadinessTimeout = 10 * time.Second
)

// Engines is the part of the lifecycle manager a session needs.
type Engines interface {
	Acquire(ctx context.Context, stop <-chan struct{}, timeout time.Duration) (engine.Engine, func(), error)
	TriggerInitializationIfNeeded() bool
}

// Request is one synthesis call. The context passed alongside it is the
// request's own cancellation flag.
type Request struct {
	ID   string
	Text string
}

// Outcome describes how a request ended.
type Outcome string

const (
	OutcomeDone      Outcome = "done"
	OutcomeEmpty     Outcome = "empty"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeDestroyed Outcome = "destroyed"
	OutcomeError     Outcome = "error"
	OutcomeSinkError Outcome = "sink_error"
)

type Config struct {
	ChunkSize        int
	ReadinessTimeout time.Duration
}

type Session struct {
	engines Engines
	stop    *interrupt.Controller
	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

func NewSession(engines Engines, stop *interrupt.Controller, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Session {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	cfg.ChunkSize -= cfg.ChunkSize % audio.BytesPerSample
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = audio.BytesPerSample
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = DefaultReadinessTimeout
	}
	return &Session{
		engines: engines,
		stop:    stop,
		cfg:     cfg,
		log:     logger.With().Str("component", "synth").Logger(),
		metrics: metrics,
	}
}

// Synthesize runs one request to completion, reporting only through sink.
// The engine call itself is not preemptible: a stop raised during it takes
// effect at the next chunk boundary.
func (s *Session) Synthesize(ctx context.Context, req Request, sink Sink) Outcome {
	outcome, kind := s.synthesize(ctx, req, sink)
	s.metrics.RecordRequest(ctx, string(outcome))

	ev := s.log.Debug()
	if outcome == OutcomeError {
		ev = s.log.Warn().Stringer("kind", kind)
	}
	ev.Str("request_id", req.ID).Str("outcome", string(outcome)).Msg("Synthesis finished")
	return outcome
}

func (s *Session) synthesize(ctx context.Context, req Request, sink Sink) (Outcome, ErrorKind) {
	if ctx.Err() != nil {
		return OutcomeCanceled, 0
	}
	if strings.TrimSpace(req.Text) == "" {
		sink.Done()
		return OutcomeEmpty, 0
	}

	s.stop.Reset()
	stopped := s.stop.Done()
	canceled := func() bool {
		select {
		case <-stopped:
			return true
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}

	eng, release, err := s.engines.Acquire(ctx, stopped, s.cfg.ReadinessTimeout)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrDestroyed):
		return OutcomeDestroyed, 0
	case errors.Is(err, lifecycle.ErrStopped):
		return OutcomeCanceled, 0
	default:
		sink.Error(EngineNotReady)
		if s.engines.TriggerInitializationIfNeeded() {
			s.log.Info().Msg("Engine not ready, reinitialization triggered")
		}
		return OutcomeError, EngineNotReady
	}

	result, err := generate(eng, req.Text)
	release()
	if err != nil {
		kind := SynthesisFailed
		if errors.Is(err, engine.ErrOutOfMemory) {
			kind = OutOfMemoryDuringSynthesis
		}
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("Synthesis failed")
		if canceled() {
			return OutcomeCanceled, 0
		}
		sink.Error(kind)
		return OutcomeError, kind
	}
	if canceled() {
		return OutcomeCanceled, 0
	}
	s.log.Debug().Str("request_id", req.ID).Float64("duration_sec", result.Duration()).Msg("Audio generated")
	if result.Empty() {
		sink.Error(SynthesisProducedNoAudio)
		return OutcomeError, SynthesisProducedNoAudio
	}

	if err := sink.Start(result.SampleRate, audio.BitsPerSample, audio.NumChannels); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Sink rejected start")
		return OutcomeSinkError, 0
	}

	sent := 0
	defer func() { s.metrics.RecordChunks(ctx, sent) }()
	for _, chunk := range audio.Chunks(result.PCM16(), s.cfg.ChunkSize) {
		if canceled() {
			return OutcomeCanceled, 0
		}
		if err := sink.AudioAvailable(chunk); err != nil {
			s.log.Warn().Err(err).Str("request_id", req.ID).Int("chunk", sent).Msg("Sink rejected audio")
			return OutcomeSinkError, 0
		}
		sent++
	}

	sink.Done()
	return OutcomeDone, 0
}

func generate(eng engine.Engine, text string) (result *audio.Audio, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return eng.Generate(text)
}
