//go:build !whisper

package stt

const whisperAvailable = false

func newWhisperRecognizer(string, int) (Recognizer, error) {
	return nil, &ModelError{Backend: BackendWhisper, Err: ErrBackendUnavailable}
}
