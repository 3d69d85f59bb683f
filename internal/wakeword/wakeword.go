package wakeword

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-wake/internal/audio"
)

// Config describes the keyword model to load. It is immutable once a
// detector has been created from it.
type Config struct {
	Keyword     string
	Sensitivity float64
	SampleRate  int
	FrameLength int
}

// NewConfig builds a normalized config.
func NewConfig(keyword string, sensitivity float64, sampleRate, frameLength int) Config {
	return Config{
		Keyword:     keyword,
		Sensitivity: sensitivity,
		SampleRate:  sampleRate,
		FrameLength: frameLength,
	}.Normalize()
}

// Normalize lowercases the keyword and clamps sensitivity to [0,1].
func (c Config) Normalize() Config {
	c.Keyword = strings.ToLower(strings.TrimSpace(c.Keyword))
	switch {
	case c.Sensitivity < 0:
		c.Sensitivity = 0
	case c.Sensitivity > 1:
		c.Sensitivity = 1
	}
	return c
}

// Format is the capture format this detector expects.
func (c Config) Format(device string) audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: 1, FrameLength: c.FrameLength, Device: device}
}

// Verdict is the per-frame decision of a detector.
type Verdict struct {
	Match        bool
	KeywordIndex int
}

// NoMatch is the zero verdict.
var NoMatch = Verdict{}

// Match reports a detection of the keyword at index.
func Match(index int) Verdict { return Verdict{Match: true, KeywordIndex: index} }

// Detector consumes frames in capture order. Implementations keep state
// across calls and are not safe for concurrent use.
type Detector interface {
	Process(frame audio.Frame) Verdict
	// Unload releases model resources. It is idempotent.
	Unload() error
}

// Failer is implemented by detectors backed by something that can break
// mid-session, such as a model process or a wasm instance. Err returns nil
// while the detector is healthy and the cause once it will never match again.
type Failer interface {
	Err() error
}

// Loader creates a detector for one listening session.
type Loader interface {
	Load(ctx context.Context, cfg Config) (Detector, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, cfg Config) (Detector, error)

func (f LoaderFunc) Load(ctx context.Context, cfg Config) (Detector, error) { return f(ctx, cfg) }

var (
	ErrUnsupportedKeyword = errors.New("unsupported keyword")
	ErrFormatMismatch     = errors.New("frame format mismatch")
	ErrLoadFailed         = errors.New("model load failed")
	ErrBackendUnavailable = errors.New("detector backend unavailable")
	ErrModelFailed        = errors.New("model failed")
)

// ModelError reports a failure to load or run a keyword model. Kind is one of the
// sentinel errors above and is what errors.Is matches against.
type ModelError struct {
	Kind    error
	Keyword string
	Err     error
}

func (e *ModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wakeword %q: %v", e.Keyword, e.Kind)
	}
	return fmt.Sprintf("wakeword %q: %v: %v", e.Keyword, e.Kind, e.Err)
}

func (e *ModelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func unsupported(keyword string) error {
	return &ModelError{Kind: ErrUnsupportedKeyword, Keyword: keyword}
}

func checkFormat(cfg Config, sampleRate, frameLength int) error {
	if cfg.SampleRate != sampleRate || cfg.FrameLength != frameLength {
		return &ModelError{Kind: ErrFormatMismatch, Keyword: cfg.Keyword, Err: fmt.Errorf(
			"model requires %d Hz / %d samples, config has %d Hz / %d samples",
			sampleRate, frameLength, cfg.SampleRate, cfg.FrameLength)}
	}
	return nil
}
