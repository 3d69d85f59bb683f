package audio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names a capture implementation.
type Backend string

const (
	BackendExec      Backend = "exec"
	BackendFile      Backend = "file"
	BackendPortAudio Backend = "portaudio"
)

// DefaultRecordCommand captures mono S16LE from ALSA. {rate} is substituted.
const DefaultRecordCommand = "arecord -q -t raw -f S16_LE -c 1 -r {rate}"

// ParseBackend resolves a configured backend name. Backends that are known but
// not compiled into this binary yield ErrBackendUnavailable.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendExec, BackendFile:
		return b, nil
	case BackendPortAudio:
		if !portaudioAvailable {
			return "", fmt.Errorf("%w: %s (rebuild with -tags portaudio)", ErrBackendUnavailable, b)
		}
		return b, nil
	default:
		return "", fmt.Errorf("unknown capture backend %q", name)
	}
}

// Backends lists the capture backends compiled into this binary.
func Backends() []Backend {
	out := []Backend{BackendExec, BackendFile}
	if portaudioAvailable {
		out = append(out, BackendPortAudio)
	}
	return out
}

// Options configures NewOpener.
type Options struct {
	Backend  Backend
	Command  string
	File     string
	Realtime bool
	Buffer   int
	Logger   *slog.Logger
}

// NewOpener returns an Opener for the resolved backend.
func NewOpener(opts Options) (Opener, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch opts.Backend {
	case BackendExec:
		command := opts.Command
		if strings.TrimSpace(command) == "" {
			command = DefaultRecordCommand
		}
		return OpenerFunc(func(ctx context.Context, format Format) (Capture, error) {
			return OpenExec(ctx, command, format, opts.Buffer, opts.Logger)
		}), nil
	case BackendFile:
		if strings.TrimSpace(opts.File) == "" {
			return nil, fmt.Errorf("file capture requires a path")
		}
		return OpenerFunc(func(_ context.Context, format Format) (Capture, error) {
			return OpenFile(opts.File, format, opts.Realtime)
		}), nil
	case BackendPortAudio:
		return OpenerFunc(func(_ context.Context, format Format) (Capture, error) {
			return openPortAudio(format)
		}), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", opts.Backend)
	}
}
