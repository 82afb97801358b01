package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"avatts/internal/pkg/avatts/assets"
	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/lifecycle"
)

// NewInitializer provisions the asset layout into instance storage and then
// constructs the configured engine from the provisioned copies. Asset
// failures surface as *assets.CopyError, engine failures as
// *lifecycle.InitError.
func NewInitializer(prov *assets.Provisioner, layout assets.Layout, cfg engine.EngineConfig, logger zerolog.Logger) lifecycle.Initializer {
	log := logger.With().Str("component", "initializer").Logger()
	return func(ctx context.Context, numThreads int) (engine.Engine, error) {
		start := time.Now()
		if _, err := prov.EnsureAll(layout.Specs()); err != nil {
			return nil, err
		}
		log.Debug().Dur("elapsed", time.Since(start)).Str("instance_dir", layout.InstanceDir).Msg("Assets provisioned")

		if err := ctx.Err(); err != nil {
			return nil, &lifecycle.InitError{Err: fmt.Errorf("canceled before engine construction: %w", err)}
		}

		ecfg := cfg
		ecfg.ModelPath = layout.ModelPath()
		ecfg.TokensPath = layout.TokensPath()
		ecfg.DataDir = layout.DataPath()
		ecfg.NumThreads = numThreads

		eng, err := engine.New(ecfg.Backend, ecfg)
		if err != nil {
			return nil, &lifecycle.InitError{Err: err}
		}
		return eng, nil
	}
}
