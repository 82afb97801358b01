package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"avatts/internal/pkg/avatts/assets"
	"avatts/internal/pkg/avatts/config"
	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/hostbus"
	"avatts/internal/pkg/avatts/service"
	"avatts/internal/pkg/avatts/synth"
	"avatts/internal/pkg/avatts/telemetry"
	"avatts/internal/pkg/avatts/wavsink"

	_ "avatts/internal/pkg/avatts/backends/vits"
)

func main() {
	fmt.Fprintf(os.Stderr, "avatts %s\n", Version)

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadAndParse(os.Args[1:], os.Stdin)
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse configuration")
	}

	if err := setupLogging(cfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logging")
	}

	log.Debug().
		Str("assets", cfg.AssetDir).
		Str("instance_dir", cfg.InstanceDir).
		Str("backend", cfg.Backend).
		Str("voice", cfg.VoiceName).
		Dur("readiness_timeout", cfg.ReadinessTimeout).
		Int("chunk_size", cfg.ChunkSize).
		Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("avatts failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, err := engine.Resolve(cfg.Backend, cfg.Language)
	if err != nil {
		return err
	}
	log.Debug().Str("backend", backend.Name).Strs("languages", backend.Languages).Msg("Backend selected")

	metrics, shutdownMetrics, err := startMetrics(cfg.MetricsAddr)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	logger := log.Logger
	initialize := service.NewInitializer(assets.NewOsProvisioner(logger), cfg.Layout(), cfg.EngineConfig(), logger)
	svc, err := service.New(initialize, service.Options{
		Language:         cfg.Language,
		Country:          cfg.Country,
		VoiceName:        cfg.VoiceName,
		ChunkSize:        cfg.ChunkSize,
		ReadinessTimeout: cfg.ReadinessTimeout,
		MaxThreads:       cfg.MaxThreads,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	svc.OnCreate()
	defer func() {
		svc.OnDestroy()
		svc.Manager().Wait()
	}()

	if cfg.Serve {
		return serve(ctx, cfg, svc)
	}
	return say(ctx, cfg, svc)
}

func say(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	sink, err := wavsink.Create(afero.NewOsFs(), cfg.Output)
	if err != nil {
		return err
	}
	defer sink.Close()

	log.Info().Str("text", truncateText(cfg.Text, 50)).Msg("Generating speech...")
	startTime := time.Now()

	outcome := svc.OnSynthesizeText(ctx, synth.Request{ID: "cli", Text: cfg.Text}, sink)
	if err := sink.Err(); err != nil {
		return fmt.Errorf("failed to save audio: %w", err)
	}
	switch {
	case sink.Completed():
	case sink.Failure() != 0:
		return fmt.Errorf("synthesis failed: %s", sink.Failure())
	default:
		return fmt.Errorf("synthesis ended early: %s", outcome)
	}

	log.Info().
		Dur("elapsed", time.Since(startTime)).
		Int("bytes", sink.Written()).
		Str("output", sink.Path()).
		Msg("Audio saved successfully")
	return nil
}

func serve(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	url := cfg.NatsURL
	if cfg.NatsEmbedded {
		ns, err := hostbus.StartEmbedded("127.0.0.1", cfg.NatsPort, log.Logger)
		if err != nil {
			return err
		}
		defer func() {
			ns.Shutdown()
			ns.WaitForShutdown()
		}()
		url = ns.ClientURL()
	}

	conn, err := hostbus.Connect(url, log.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	binding := hostbus.New(conn, svc, cfg.SubjectPrefix, log.Logger)
	if err := binding.Start(); err != nil {
		return err
	}
	defer binding.Close()

	log.Info().Str("prefix", cfg.SubjectPrefix).Msg("Serving")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func startMetrics(addr string) (*telemetry.Metrics, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	provider, metrics, handler, err := telemetry.Setup()
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Serving metrics")

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = provider.Shutdown(ctx)
	}, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	}

	return nil
}

func truncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
