package engine

import (
	"errors"

	"avatts/internal/pkg/avatts/audio"
)

// ErrOutOfMemory marks a Generate failure caused by resource exhaustion.
// Backends wrap it so callers can back off instead of retrying.
var ErrOutOfMemory = errors.New("engine: out of memory")

// Engine is a loaded inference engine. Generate is blocking and CPU-bound;
// implementations need not be safe for concurrent use.
type Engine interface {
	Generate(text string) (*audio.Audio, error)
	Info() EngineInfo
	Close() error
}

type EngineInfo struct {
	Name       string
	Languages  []string
	SampleRate int
	NumThreads int
}

type EngineConfig struct {
	Backend     string
	ModelPath   string
	TokensPath  string
	DataDir     string
	RuntimeLib  string
	Phonemizer  string
	NumThreads  int
	SampleRate  int
	NoiseScale  float32
	NoiseScaleW float32
	LengthScale float32
}
