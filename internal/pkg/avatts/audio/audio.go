package audio

import (
	"encoding/binary"
	"math"
)

const (
	DefaultSampleRate = 22050
	NumChannels       = 1
	BitsPerSample     = 16
	BytesPerSample    = BitsPerSample / 8
)

// Audio is a mono float sample buffer as produced by an engine. Samples are
// nominally in [-1.0, 1.0].
type Audio struct {
	Samples    []float32
	SampleRate int
}

func NewAudio(samples []float32, sampleRate int) *Audio {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Audio{
		Samples:    samples,
		SampleRate: sampleRate,
	}
}

func (a *Audio) Empty() bool {
	return a == nil || len(a.Samples) == 0
}

func (a *Audio) Duration() float64 {
	if a == nil || a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// SampleToPCM16 scales s by 32767, rounds half away from zero and clamps
// to the int16 range. NaN maps to silence.
func SampleToPCM16(s float32) int16 {
	v := math.Round(float64(s) * math.MaxInt16)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// PCM16 converts the buffer to 16-bit signed little-endian PCM.
func (a *Audio) PCM16() []byte {
	if a == nil {
		return nil
	}
	out := make([]byte, len(a.Samples)*BytesPerSample)
	for i, s := range a.Samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(SampleToPCM16(s)))
	}
	return out
}

// Chunks splits pcm into consecutive slices of at most size bytes. The
// slices share pcm's backing array.
func Chunks(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(pcm)+size-1)/size)
	for offset := 0; offset < len(pcm); offset += size {
		end := min(offset+size, len(pcm))
		chunks = append(chunks, pcm[offset:end])
	}
	return chunks
}
