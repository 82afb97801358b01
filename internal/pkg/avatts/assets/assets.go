// Package assets provisions bundled model artifacts from read-only package
// storage into the writable instance directory.
package assets

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type Kind int

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "directory"
	default:
		return "unknown"
	}
}

// Spec names one artifact to provision.
type Spec struct {
	Source string
	Target string
	Kind   Kind
}

// CopyError reports a provisioning failure. It aborts the initialization
// sequence it occurred in; a later trigger retries from scratch.
type CopyError struct {
	Spec Spec
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("provision %s %s -> %s: %v", e.Spec.Kind, e.Spec.Source, e.Spec.Target, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

var ErrUnknownKind = errors.New("unknown asset kind")

type Provisioner struct {
	src afero.Fs
	dst afero.Fs
	log zerolog.Logger

	mu sync.Mutex
}

// NewProvisioner reads from src through a read-only view and writes into dst.
func NewProvisioner(src, dst afero.Fs, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		src: afero.NewReadOnlyFs(src),
		dst: dst,
		log: logger.With().Str("component", "assets").Logger(),
	}
}

// NewOsProvisioner provisions between paths of the host filesystem.
func NewOsProvisioner(logger zerolog.Logger) *Provisioner {
	fs := afero.NewOsFs()
	return NewProvisioner(fs, fs, logger)
}

// Ensure makes spec.Target exist and returns it. A File target is
// provisioned when it has non-zero length; a Directory target when it exists
// at all.
func (p *Provisioner) Ensure(spec Spec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch spec.Kind {
	case File:
		err = p.ensureFile(spec)
	case Directory:
		err = p.ensureDir(spec)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownKind, spec.Kind)
	}
	if err != nil {
		return "", &CopyError{Spec: spec, Err: err}
	}
	return spec.Target, nil
}

// EnsureAll provisions specs in order and stops at the first failure.
func (p *Provisioner) EnsureAll(specs []Spec) ([]string, error) {
	paths := make([]string, 0, len(specs))
	for _, spec := range specs {
		path, err := p.Ensure(spec)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (p *Provisioner) ensureFile(spec Spec) error {
	if info, err := p.dst.Stat(spec.Target); err == nil && !info.IsDir() && info.Size() > 0 {
		p.log.Debug().Str("target", spec.Target).Msg("Asset already provisioned")
		return nil
	}
	if err := p.dst.MkdirAll(filepath.Dir(spec.Target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	n, err := p.copyFile(spec.Source, spec.Target)
	if err != nil {
		return err
	}
	if n == 0 {
		_ = p.dst.Remove(spec.Target)
		return fmt.Errorf("source %s is empty", spec.Source)
	}
	p.log.Info().Str("source", spec.Source).Str("target", spec.Target).Int64("bytes", n).Msg("Asset copied")
	return nil
}

func (p *Provisioner) ensureDir(spec Spec) error {
	if _, err := p.dst.Stat(spec.Target); err == nil {
		p.log.Debug().Str("target", spec.Target).Msg("Asset directory already provisioned")
		return nil
	}
	info, err := p.src.Stat(spec.Source)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", spec.Source)
	}
	if err := p.dst.MkdirAll(spec.Target, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	files, err := p.mirror(spec.Source, spec.Target)
	if err != nil {
		if rmErr := p.dst.RemoveAll(spec.Target); rmErr != nil {
			p.log.Warn().Err(rmErr).Str("target", spec.Target).Msg("Failed to remove partial asset directory")
		}
		return err
	}
	p.log.Info().Str("source", spec.Source).Str("target", spec.Target).Int("files", files).Msg("Asset directory copied")
	return nil
}

func (p *Provisioner) mirror(srcDir, dstDir string) (int, error) {
	entries, err := afero.ReadDir(p.src, srcDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", srcDir, err)
	}
	files := 0
	for _, entry := range entries {
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())
		if entry.IsDir() {
			if err := p.dst.MkdirAll(dst, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory %s: %w", dst, err)
			}
			n, err := p.mirror(src, dst)
			files += n
			if err != nil {
				return files, err
			}
			continue
		}
		if _, err := p.copyFile(src, dst); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

// copyFile writes into a temporary sibling and renames it over dst, so an
// interrupted copy never leaves a non-empty target behind.
func (p *Provisioner) copyFile(src, dst string) (int64, error) {
	in, err := p.src.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	prefix := "." + filepath.Base(dst) + ".part-"
	p.sweepPartials(filepath.Dir(dst), prefix)

	tmp, err := afero.TempFile(p.dst, filepath.Dir(dst), prefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = p.dst.Remove(tmpName)
	}

	n, err := io.Copy(tmp, in)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		_ = p.dst.Remove(tmpName)
		return 0, fmt.Errorf("failed to close %s: %w", dst, err)
	}
	if err := p.dst.Rename(tmpName, dst); err != nil {
		_ = p.dst.Remove(tmpName)
		return 0, fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return n, nil
}

// sweepPartials removes temp files left by a copy that never finished.
func (p *Provisioner) sweepPartials(dir, prefix string) {
	stale, err := afero.Glob(p.dst, filepath.Join(dir, prefix+"*"))
	if err != nil {
		return
	}
	for _, name := range stale {
		if err := p.dst.Remove(name); err != nil {
			p.log.Warn().Err(err).Str("path", name).Msg("Failed to remove stale partial copy")
			continue
		}
		p.log.Debug().Str("path", name).Msg("Removed stale partial copy")
	}
}

// Layout is the fixed asset set of the service.
type Layout struct {
	AssetDir    string
	InstanceDir string
	ModelFile   string
	TokensFile  string
	DataDir     string
}

func (l Layout) ModelPath() string  { return filepath.Join(l.InstanceDir, l.ModelFile) }
func (l Layout) TokensPath() string { return filepath.Join(l.InstanceDir, l.TokensFile) }
func (l Layout) DataPath() string   { return filepath.Join(l.InstanceDir, l.DataDir) }

func (l Layout) Specs() []Spec {
	return []Spec{
		{Source: filepath.Join(l.AssetDir, l.ModelFile), Target: l.ModelPath(), Kind: File},
		{Source: filepath.Join(l.AssetDir, l.TokensFile), Target: l.TokensPath(), Kind: File},
		{Source: filepath.Join(l.AssetDir, l.DataDir), Target: l.DataPath(), Kind: Directory},
	}
}
