//go:build whisper

package stt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

const whisperAvailable = true

type whisperRecognizer struct {
	model   whisper.Model
	threads uint
	mu      sync.Mutex
}

func newWhisperRecognizer(modelPath string, threads int) (Recognizer, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, &ModelError{Backend: BackendWhisper, Err: fmt.Errorf("load model %s: %w", modelPath, err)}
	}
	r := &whisperRecognizer{model: model}
	if threads > 0 {
		r.threads = uint(threads)
	}
	return r, nil
}

// Transcribe expects mono audio at 16 kHz, the rate whisper models are trained on.
func (r *whisperRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, language string) (Result, error) {
	if sampleRate != whisper.SampleRate || channels != 1 {
		return Result{}, fmt.Errorf("whisper requires mono %d Hz audio, got %d channels at %d Hz", whisper.SampleRate, channels, sampleRate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	wctx, err := r.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return Result{}, fmt.Errorf("set language %q: %w", language, err)
	}
	if r.threads > 0 {
		wctx.SetThreads(r.threads)
	}
	wctx.SetTranslate(false)

	var segments []string
	err = wctx.Process(pcmToFloat32(pcm), nil, func(segment whisper.Segment) {
		if text := strings.TrimSpace(segment.Text); text != "" {
			segments = append(segments, text)
		}
	}, nil)
	if err != nil {
		return Result{}, fmt.Errorf("process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Text: strings.Join(segments, " "), Language: wctx.Language()}, nil
}

func (r *whisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model.Close()
}

func pcmToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
