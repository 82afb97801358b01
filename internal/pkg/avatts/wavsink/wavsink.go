// Package wavsink writes a synthesis stream to a WAV file.
package wavsink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"avatts/internal/pkg/avatts/audio"
	"avatts/internal/pkg/avatts/synth"
)

var ErrFormat = errors.New("wavsink: unsupported format")

// File is a synth.Sink backed by a WAV file. The header is written with a
// zero data size on Start and patched on Done, so an unfinished stream
// leaves a playable but truncated file.
type File struct {
	mu      sync.Mutex
	f       afero.File
	path    string
	started bool
	written int
	done    bool
	kind    synth.ErrorKind
	err     error
}

var _ synth.Sink = (*File)(nil)

func Create(fs afero.Fs, path string) (*File, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &File{f: f, path: path}, nil
}

func (w *File) Start(sampleRate, bitDepth, channels int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bitDepth != audio.BitsPerSample || channels != audio.NumChannels {
		return fmt.Errorf("%w: %d-bit %d-channel", ErrFormat, bitDepth, channels)
	}
	if err := audio.WriteWAVHeader(w.f, sampleRate, 0); err != nil {
		return w.fail(fmt.Errorf("failed to write header: %w", err))
	}
	w.started = true
	return nil
}

func (w *File) AudioAvailable(chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return errors.New("wavsink: audio before start")
	}
	n, err := w.f.Write(chunk)
	w.written += n
	if err != nil {
		return w.fail(fmt.Errorf("failed to write audio: %w", err))
	}
	return nil
}

// Done patches the RIFF and data chunk sizes. Failures are kept for Err.
func (w *File) Done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	if !w.started {
		if err := audio.WriteWAVHeader(w.f, audio.DefaultSampleRate, 0); err != nil {
			w.fail(fmt.Errorf("failed to write header: %w", err))
		}
		return
	}
	if err := w.patchSizes(); err != nil {
		w.fail(err)
	}
}

func (w *File) Error(kind synth.ErrorKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kind = kind
}

func (w *File) patchSizes() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(36+w.written))
	if _, err := w.f.WriteAt(buf[:], 4); err != nil {
		return fmt.Errorf("failed to patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(buf[:], uint32(w.written))
	if _, err := w.f.WriteAt(buf[:], audio.WAVHeaderSize-4); err != nil {
		return fmt.Errorf("failed to patch data size: %w", err)
	}
	return nil
}

// fail must be called with mu held.
func (w *File) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// Completed reports whether the stream ended with Done.
func (w *File) Completed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Failure returns the error kind reported by the session, or 0.
func (w *File) Failure() synth.ErrorKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kind
}

// Written returns the number of PCM bytes stored.
func (w *File) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Err returns the first write failure.
func (w *File) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *File) Path() string { return w.path }

func (w *File) Close() error {
	return w.f.Close()
}
