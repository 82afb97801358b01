// Package vits runs single-speaker VITS acoustic models exported to ONNX.
package vits

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"avatts/internal/pkg/avatts/audio"
	"avatts/internal/pkg/avatts/engine"
	"avatts/internal/pkg/avatts/preprocess"
)

const backendName = "vits"

var languages = []string{"fa"}

func init() {
	engine.Register(engine.Backend{Name: backendName, Languages: languages, Factory: New})
}

var (
	inputNames  = []string{"x", "x_length", "noise_scale", "length_scale", "noise_scale_w"}
	outputNames = []string{"y"}
)

type Engine struct {
	session      *ort.DynamicAdvancedSession
	tokenizer    *Tokenizer
	preprocessor *preprocess.Preprocessor
	phonemizer   Phonemizer
	sampleRate   int
	numThreads   int
	noiseScale   float32
	noiseScaleW  float32
	lengthScale  float32

	closeOnce sync.Once
}

func getOnnxRuntimeLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if envPath := os.Getenv("ONNXRUNTIME_LIB_PATH"); envPath != "" {
		return envPath
	}

	var paths []string
	var fallback string
	switch runtime.GOOS {
	case "windows":
		paths = []string{"onnxruntime.dll", "./onnxruntime.dll", "./lib/onnxruntime.dll"}
		fallback = "onnxruntime.dll"
	case "darwin":
		paths = []string{"/usr/local/lib/libonnxruntime.dylib", "/opt/homebrew/lib/libonnxruntime.dylib", "./libonnxruntime.dylib"}
		fallback = "libonnxruntime.dylib"
	default:
		paths = []string{"/usr/lib/libonnxruntime.so", "/usr/local/lib/libonnxruntime.so", "./libonnxruntime.so", "./lib/libonnxruntime.so"}
		fallback = "libonnxruntime.so"
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return fallback
}

// The ONNX Runtime environment is process-global; engines share it and the
// last one closed tears it down.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 && !ort.IsInitialized() {
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs > 0 {
		return nil
	}
	envRefs = 0
	return ort.DestroyEnvironment()
}

func New(cfg engine.EngineConfig) (engine.Engine, error) {
	if info, err := os.Stat(cfg.DataDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("phonemizer data directory %q is not available", cfg.DataDir)
	}

	phonemizer, err := newPhonemizer(cfg.Phonemizer)
	if err != nil {
		return nil, err
	}

	tokenizer, err := NewTokenizer(cfg.TokensPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if err := acquireEnvironment(getOnnxRuntimeLibPath(cfg.RuntimeLib)); err != nil {
		return nil, err
	}

	e, err := newSession(cfg, tokenizer)
	if err != nil {
		if envErr := releaseEnvironment(); envErr != nil {
			return nil, fmt.Errorf("%w (releasing runtime: %v)", err, envErr)
		}
		return nil, err
	}
	e.phonemizer = phonemizer
	return e, nil
}

func newSession(cfg engine.EngineConfig, tokenizer *Tokenizer) (*Engine, error) {
	sampleRate, err := readSampleRate(cfg.ModelPath)
	if err != nil || sampleRate <= 0 {
		sampleRate = cfg.SampleRate
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	numThreads := max(cfg.NumThreads, 1)
	if err := options.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("failed to set thread count: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		inputNames,
		outputNames,
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Engine{
		session:      session,
		tokenizer:    tokenizer,
		preprocessor: preprocess.NewPreprocessor(),
		sampleRate:   sampleRate,
		numThreads:   numThreads,
		noiseScale:   orDefault(cfg.NoiseScale, 0.667),
		noiseScaleW:  orDefault(cfg.NoiseScaleW, 0.8),
		lengthScale:  orDefault(cfg.LengthScale, 1.0),
	}, nil
}

func readSampleRate(modelPath string) (int, error) {
	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return 0, err
	}
	defer meta.Destroy()

	value, ok, err := meta.LookupCustomMetadataMap("sample_rate")
	if err != nil || !ok {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(value))
}

func orDefault(v, def float32) float32 {
	if v <= 0 {
		return def
	}
	return v
}

func (e *Engine) Generate(text string) (*audio.Audio, error) {
	tokens := e.encode(text)
	if len(tokens) == 0 {
		return audio.NewAudio(nil, e.sampleRate), nil
	}

	xTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(tokens))), tokens)
	if err != nil {
		return nil, wrapRuntimeError("failed to create x tensor", err)
	}
	defer xTensor.Destroy()

	lengthTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(len(tokens))})
	if err != nil {
		return nil, wrapRuntimeError("failed to create x_length tensor", err)
	}
	defer lengthTensor.Destroy()

	scales := make([]*ort.Tensor[float32], 0, 3)
	defer func() {
		for _, s := range scales {
			s.Destroy()
		}
	}()
	for _, v := range []float32{e.noiseScale, e.lengthScale, e.noiseScaleW} {
		s, err := ort.NewTensor(ort.NewShape(1), []float32{v})
		if err != nil {
			return nil, wrapRuntimeError("failed to create scale tensor", err)
		}
		scales = append(scales, s)
	}

	inputs := []ort.Value{xTensor, lengthTensor, scales[0], scales[1], scales[2]}
	outputs := make([]ort.Value, 1)

	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, wrapRuntimeError("failed to run inference", err)
	}

	if outputs[0] == nil {
		return nil, fmt.Errorf("no output from model")
	}
	defer outputs[0].Destroy()

	outputTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type")
	}

	// The tensor owns its data; copy before it is destroyed.
	samples := append([]float32(nil), outputTensor.GetData()...)
	return audio.NewAudio(samples, e.sampleRate), nil
}

// encode normalizes text, phonemizes it when a phonemizer is configured,
// and maps the result to token IDs.
func (e *Engine) encode(text string) []int64 {
	processed := e.preprocessor.Process(text)
	if e.phonemizer != nil {
		processed = e.phonemizer.Phonemize(processed)
	}
	return e.tokenizer.Encode(processed)
}

func wrapRuntimeError(msg string, err error) error {
	if isOutOfMemory(err) {
		return fmt.Errorf("%s: %w: %v", msg, engine.ErrOutOfMemory, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isOutOfMemory(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"bad_alloc", "failed to allocate", "out of memory", "cannot allocate memory"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (e *Engine) Info() engine.EngineInfo {
	return engine.EngineInfo{
		Name:       backendName,
		Languages:  languages,
		SampleRate: e.sampleRate,
		NumThreads: e.numThreads,
	}
}

func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.session != nil {
			err = e.session.Destroy()
		}
		if envErr := releaseEnvironment(); err == nil {
			err = envErr
		}
	})
	return err
}
