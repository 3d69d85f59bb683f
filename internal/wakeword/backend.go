package wakeword

import (
	"fmt"
	"log/slog"
	"strings"
)

// Backend names a detector implementation.
type Backend string

const (
	BackendEnergy Backend = "energy"
	BackendWasm   Backend = "wasm"
	BackendExec   Backend = "exec"
)

// ParseBackend resolves a configured backend name once, at configuration time.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendEnergy, BackendWasm, BackendExec:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBackendUnavailable, name)
	}
}

// Options configures NewLoader.
type Options struct {
	Backend  Backend
	ModelDir string
	Command  string
	Energy   EnergyOptions
	Logger   *slog.Logger
}

// NewLoader returns the loader for a resolved backend.
func NewLoader(opts Options) (Loader, error) {
	switch opts.Backend {
	case BackendEnergy:
		return NewEnergyLoader(opts.Energy), nil
	case BackendWasm:
		if strings.TrimSpace(opts.ModelDir) == "" {
			return nil, fmt.Errorf("wasm detector requires a model directory")
		}
		return NewWasmLoader(opts.ModelDir, opts.Logger), nil
	case BackendExec:
		return NewExecLoader(opts.Command, opts.Logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, opts.Backend)
	}
}
