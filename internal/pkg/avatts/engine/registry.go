package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownBackend is returned for a backend name nothing registered.
var ErrUnknownBackend = errors.New("engine: unknown backend")

type EngineFactory func(cfg EngineConfig) (Engine, error)

// Backend describes a registered engine implementation. Languages holds
// ISO 639-1 codes the backend can speak; Factory loads an instance.
type Backend struct {
	Name      string
	Languages []string
	Factory   EngineFactory
}

// Supports reports whether lang (a code such as "fa" or "fa-IR") is one of
// the backend's languages.
func (b Backend) Supports(lang string) bool {
	base, _, _ := strings.Cut(lang, "-")
	return slices.ContainsFunc(b.Languages, func(l string) bool {
		return strings.EqualFold(l, base)
	})
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Backend)
)

func Register(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if b.Factory == nil {
		panic("engine: Register factory is nil for " + b.Name)
	}
	if _, dup := backends[b.Name]; dup {
		panic("engine: Register called twice for " + b.Name)
	}
	b.Languages = slices.Clone(b.Languages)
	backends[b.Name] = b
}

func Lookup(name string) (Backend, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return Backend{}, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, ListBackends())
	}
	return b, nil
}

// Resolve looks up name and checks that it can speak lang.
func Resolve(name, lang string) (Backend, error) {
	b, err := Lookup(name)
	if err != nil {
		return Backend{}, err
	}
	if !b.Supports(lang) {
		return Backend{}, fmt.Errorf("engine: backend %q does not support language %q (supports %v)", name, lang, b.Languages)
	}
	return b, nil
}

func New(name string, cfg EngineConfig) (Engine, error) {
	b, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	cfg.Backend = b.Name
	return b.Factory(cfg)
}

func ListBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
