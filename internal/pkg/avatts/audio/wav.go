package audio

import (
	"encoding/binary"
	"io"
)

const WAVHeaderSize = 44

// WriteWAVHeader writes a canonical 44-byte PCM RIFF header for mono 16-bit
// audio holding dataSize bytes of samples.
func WriteWAVHeader(w io.Writer, sampleRate, dataSize int) error {
	fileSize := 36 + dataSize

	if _, err := w.Write([]byte("RIFF")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(fileSize)); err != nil {
		return err
	}
	if _, err := w.Write([]byte("WAVE")); err != nil {
		return err
	}

	if _, err := w.Write([]byte("fmt ")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(1)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(NumChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	byteRate := sampleRate * NumChannels * BytesPerSample
	if err := binary.Write(w, binary.LittleEndian, uint32(byteRate)); err != nil {
		return err
	}
	blockAlign := NumChannels * BytesPerSample
	if err := binary.Write(w, binary.LittleEndian, uint16(blockAlign)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(BitsPerSample)); err != nil {
		return err
	}

	if _, err := w.Write([]byte("data")); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(dataSize))
}
