// Package service implements the host framework's text-to-speech service
// contract on top of the engine lifecycle and synthesis session.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"avatts/internal/pkg/avatts/interrupt"
	"avatts/internal/pkg/avatts/lifecycle"
	"avatts/internal/pkg/avatts/synth"
	"avatts/internal/pkg/avatts/telemetry"
)

const (
	DefaultLanguage  = "fa"
	DefaultCountry   = "IR"
	DefaultVoiceName = "fa-ir-ava-premium"

	sampleText = "این یک آزمایش از موتور بازگو کننده آوا است."
)

type Options struct {
	Language         string
	Country          string
	VoiceName        string
	ChunkSize        int
	ReadinessTimeout time.Duration
	MaxThreads       int
	Logger           zerolog.Logger
	Metrics          *telemetry.Metrics
}

type Service struct {
	locale  Locale
	voice   Voice
	manager *lifecycle.Manager
	stop    *interrupt.Controller
	session *synth.Session
	log     zerolog.Logger
}

func New(initialize lifecycle.Initializer, opts Options) (*Service, error) {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
		if opts.Country == "" {
			opts.Country = DefaultCountry
		}
	}
	if opts.VoiceName == "" {
		opts.VoiceName = DefaultVoiceName
	}
	locale, err := ParseLocale(opts.Language, opts.Country)
	if err != nil {
		return nil, fmt.Errorf("invalid locale %s-%s: %w", opts.Language, opts.Country, err)
	}

	logger := opts.Logger
	managerOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(opts.Metrics),
	}
	if opts.MaxThreads > 0 {
		managerOpts = append(managerOpts, lifecycle.WithMaxThreads(opts.MaxThreads))
	}
	manager := lifecycle.NewManager(initialize, managerOpts...)
	stop := interrupt.New()

	return &Service{
		locale: locale,
		voice: Voice{
			Name:    opts.VoiceName,
			Locale:  locale.Tag().String(),
			Quality: QualityVeryHigh,
			Latency: LatencyNormal,
		},
		manager: manager,
		stop:    stop,
		session: synth.NewSession(manager, stop, synth.Config{
			ChunkSize:        opts.ChunkSize,
			ReadinessTimeout: opts.ReadinessTimeout,
		}, logger, opts.Metrics),
		log: logger.With().Str("component", "service").Logger(),
	}, nil
}

// Manager exposes the engine lifecycle for status reporting.
func (s *Service) Manager() *lifecycle.Manager { return s.manager }

func (s *Service) OnCreate() {
	s.log.Info().Str("voice", s.voice.Name).Msg("Service created")
	s.manager.TriggerInitializationIfNeeded()
}

// OnDestroy tears down the engine. It does not wait for a running
// initialization, whose result is discarded when it completes.
func (s *Service) OnDestroy() {
	s.stop.RequestStop()
	s.manager.Shutdown()
	s.log.Info().Msg("Service destroyed")
}

func (s *Service) OnStop() {
	s.log.Debug().Msg("Stop requested")
	s.stop.RequestStop()
}

func (s *Service) OnSynthesizeText(ctx context.Context, req synth.Request, sink synth.Sink) synth.Outcome {
	return s.session.Synthesize(ctx, req, sink)
}

func (s *Service) OnIsLanguageAvailable(lang, country, _ string) LanguageStatus {
	return s.locale.Status(lang, country)
}

func (s *Service) OnLoadLanguage(lang, country, variant string) LanguageStatus {
	return s.OnIsLanguageAvailable(lang, country, variant)
}

func (s *Service) OnGetLanguage() (lang, country, variant string) {
	return s.locale.Language(), s.locale.Country(), ""
}

func (s *Service) OnGetVoices() []Voice {
	return []Voice{s.voice}
}

// OnGetDefaultVoiceNameFor returns the voice name and true when the
// language is available.
func (s *Service) OnGetDefaultVoiceNameFor(lang, country, variant string) (string, bool) {
	if s.OnIsLanguageAvailable(lang, country, variant) == LangNotSupported {
		return "", false
	}
	return s.voice.Name, true
}

func (s *Service) CheckVoiceData() VoiceDataResult {
	return VoiceDataResult{
		Pass:        true,
		Available:   s.locale.dataCodes(),
		Unavailable: []string{},
	}
}

// SampleText returns a sentence for demonstrating the voice, or "" for
// languages the service does not speak.
func (s *Service) SampleText(lang string) string {
	if s.locale.Status(lang, "") == LangNotSupported {
		return ""
	}
	return sampleText
}
