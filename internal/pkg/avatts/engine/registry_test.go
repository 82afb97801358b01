package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avatts/internal/pkg/avatts/audio"
	"avatts/internal/pkg/avatts/engine"
)

type stubEngine struct {
	cfg engine.EngineConfig
}

func (s *stubEngine) Generate(string) (*audio.Audio, error) {
	return audio.NewAudio([]float32{0}, s.cfg.SampleRate), nil
}

func (s *stubEngine) Info() engine.EngineInfo {
	return engine.EngineInfo{Name: s.cfg.Backend, SampleRate: s.cfg.SampleRate}
}

func (s *stubEngine) Close() error { return nil }

func stubFactory(cfg engine.EngineConfig) (engine.Engine, error) {
	return &stubEngine{cfg: cfg}, nil
}

func TestRegisterAndNew(t *testing.T) {
	engine.Register(engine.Backend{Name: "registry-test", Languages: []string{"fa"}, Factory: stubFactory})

	assert.Contains(t, engine.ListBackends(), "registry-test")

	b, err := engine.Lookup("registry-test")
	require.NoError(t, err)
	assert.Equal(t, []string{"fa"}, b.Languages)

	eng, err := engine.New("registry-test", engine.EngineConfig{Backend: "ignored", SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "registry-test", eng.Info().Name)
	assert.Equal(t, 16000, eng.Info().SampleRate)
}

func TestLookupUnknownBackend(t *testing.T) {
	_, err := engine.Lookup("does-not-exist")
	require.ErrorIs(t, err, engine.ErrUnknownBackend)
	assert.Contains(t, err.Error(), "does-not-exist")

	_, err = engine.New("does-not-exist", engine.EngineConfig{})
	assert.ErrorIs(t, err, engine.ErrUnknownBackend)
}

func TestResolveChecksLanguage(t *testing.T) {
	engine.Register(engine.Backend{Name: "resolve-test", Languages: []string{"fa"}, Factory: stubFactory})

	for _, lang := range []string{"fa", "FA", "fa-IR"} {
		_, err := engine.Resolve("resolve-test", lang)
		assert.NoError(t, err, lang)
	}

	_, err := engine.Resolve("resolve-test", "en")
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrUnknownBackend)
	assert.Contains(t, err.Error(), `"en"`)

	_, err = engine.Resolve("missing-backend", "fa")
	assert.ErrorIs(t, err, engine.ErrUnknownBackend)
}

func TestRegisterCopiesLanguages(t *testing.T) {
	langs := []string{"fa"}
	engine.Register(engine.Backend{Name: "copy-test", Languages: langs, Factory: stubFactory})
	langs[0] = "en"

	b, err := engine.Lookup("copy-test")
	require.NoError(t, err)
	assert.True(t, b.Supports("fa"))
	assert.False(t, b.Supports("en"))
}

func TestRegisterPanics(t *testing.T) {
	assert.Panics(t, func() { engine.Register(engine.Backend{Name: "nil-factory"}) })

	b := engine.Backend{Name: "dup-test", Factory: stubFactory}
	engine.Register(b)
	assert.Panics(t, func() { engine.Register(b) })
}
