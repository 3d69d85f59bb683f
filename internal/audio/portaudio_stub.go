//go:build !portaudio

package audio

const portaudioAvailable = false

func openPortAudio(format Format) (Capture, error) {
	return nil, &DeviceError{Op: "open", Device: format.Device, Err: ErrBackendUnavailable}
}
