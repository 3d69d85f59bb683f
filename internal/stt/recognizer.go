package stt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Result captures recognizer output.
type Result struct {
	Text       string
	Language   string
	Confidence float64
}

// Recognizer abstracts STT backends. Calls are independent of each other.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, language string) (Result, error)
	Close() error
}

// Backend names a recognizer implementation.
type Backend string

const (
	BackendMock    Backend = "mock"
	BackendExec    Backend = "exec"
	BackendWhisper Backend = "whisper"
)

const (
	DefaultLanguage  = "en"
	DefaultModelSize = "base"
)

var (
	// ErrBackendUnavailable is returned for a backend that is unknown or not compiled in.
	ErrBackendUnavailable = errors.New("stt: backend unavailable")
	// ErrEmptyBuffer is returned when there is no audio to transcribe.
	ErrEmptyBuffer = errors.New("stt: empty audio buffer")
)

// ModelError reports a recognizer failure.
type ModelError struct {
	Backend Backend
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("stt %s: %v", e.Backend, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ParseBackend resolves a configured backend name once, at configuration time.
func ParseBackend(name string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(name))); b {
	case BackendMock, BackendExec:
		return b, nil
	case BackendWhisper:
		if !whisperAvailable {
			return "", fmt.Errorf("%w: whisper (build with -tags whisper)", ErrBackendUnavailable)
		}
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBackendUnavailable, name)
	}
}

// Options configures NewRecognizer.
type Options struct {
	Backend   Backend
	Command   string
	ModelPath string
	ModelSize string
	Threads   int
}

// ModelPathFor returns the conventional ggml model file for a whisper model size.
func ModelPathFor(dir, size string) string {
	if size == "" {
		size = DefaultModelSize
	}
	return filepath.Join(dir, "ggml-"+size+".bin")
}

// NewRecognizer returns the recognizer for a resolved backend.
func NewRecognizer(opts Options) (Recognizer, error) {
	switch opts.Backend {
	case BackendMock:
		return NewMockRecognizer(), nil
	case BackendExec:
		return NewExecRecognizer(opts.Command, opts.ModelPath)
	case BackendWhisper:
		path := opts.ModelPath
		if path == "" {
			path = ModelPathFor("models", opts.ModelSize)
		}
		return newWhisperRecognizer(path, opts.Threads)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, opts.Backend)
	}
}
