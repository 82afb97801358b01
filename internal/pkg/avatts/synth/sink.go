package synth

// ErrorKind is the per-request failure reported to a sink.
type ErrorKind int

const (
	// EngineNotReady means the engine did not become ready in time. Transient.
	EngineNotReady ErrorKind = iota + 1
	// SynthesisProducedNoAudio means the engine returned an empty buffer.
	SynthesisProducedNoAudio
	// OutOfMemoryDuringSynthesis means the engine ran out of resources.
	OutOfMemoryDuringSynthesis
	// SynthesisFailed is any other engine failure.
	SynthesisFailed
)

func (k ErrorKind) String() string {
	switch k {
	case EngineNotReady:
		return "engine_not_ready"
	case SynthesisProducedNoAudio:
		return "no_audio"
	case OutOfMemoryDuringSynthesis:
		return "out_of_memory"
	case SynthesisFailed:
		return "synthesis_failed"
	default:
		return "unknown"
	}
}

// Sink receives one request's audio incrementally. At most one of Done or
// Error is called per request, and neither is called when the request is
// canceled. A non-nil error from Start or AudioAvailable ends the stream.
type Sink interface {
	Start(sampleRate, bitDepth, channels int) error
	AudioAvailable(chunk []byte) error
	Done()
	Error(kind ErrorKind)
}
