package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, _ int, language string) (Result, error) {
	return Result{
		Text:     fmt.Sprintf("[transcript samples=%d rate=%d]", len(pcm)/2, sampleRate),
		Language: language,
	}, nil
}

func (m *mockRecognizer) Close() error { return nil }
