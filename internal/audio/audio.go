package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout reports that no frame arrived within the read timeout.
	ErrTimeout = errors.New("audio: read timeout")
	// ErrOverflow reports that the driver dropped samples. It is transient.
	ErrOverflow = errors.New("audio: input overflow")
	// ErrDisconnected reports that the device vanished. It is fatal for the session.
	ErrDisconnected = errors.New("audio: device disconnected")
	// ErrClosed is returned by reads on a closed capture.
	ErrClosed = errors.New("audio: capture closed")
	// ErrBackendUnavailable is returned when a capture backend is not compiled in.
	ErrBackendUnavailable = errors.New("audio: backend unavailable")
)

// DeviceError describes a failure to open or read an input device.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	device := e.Device
	if device == "" {
		device = "default"
	}
	return fmt.Sprintf("audio %s %s: %v", e.Op, device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Format describes the PCM layout requested from a device.
type Format struct {
	SampleRate  int
	Channels    int
	FrameLength int
	Device      string
}

// FrameDuration is the wall-clock length of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameLength) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes is the size of one S16LE frame across all channels.
func (f Format) FrameBytes() int {
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return f.FrameLength * channels * 2
}

func (f Format) validate() error {
	if f.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if f.FrameLength <= 0 {
		return errors.New("frame length must be positive")
	}
	if f.Channels < 0 {
		return errors.New("channels must not be negative")
	}
	return nil
}

// Frame is an immutable block of signed 16-bit samples.
type Frame struct {
	seq     uint64
	samples []int16
	at      time.Time
}

// NewFrame copies samples into a new frame.
func NewFrame(seq uint64, samples []int16, at time.Time) Frame {
	return Frame{seq: seq, samples: append([]int16(nil), samples...), at: at}
}

// FrameFromPCM decodes little-endian S16 PCM into a frame.
func FrameFromPCM(seq uint64, pcm []byte, at time.Time) Frame {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return Frame{seq: seq, samples: samples, at: at}
}

func (f Frame) Sequence() uint64     { return f.seq }
func (f Frame) Len() int             { return len(f.samples) }
func (f Frame) Timestamp() time.Time { return f.at }
func (f Frame) At(i int) int16       { return f.samples[i] }

// Samples returns a copy of the frame's samples.
func (f Frame) Samples() []int16 {
	return append([]int16(nil), f.samples...)
}

// PCM encodes the frame as little-endian S16.
func (f Frame) PCM() []byte {
	out := make([]byte, len(f.samples)*2)
	for i, s := range f.samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Capture yields fixed-length frames from an open input device.
type Capture interface {
	// ReadFrame blocks up to timeout. It may return a valid frame together
	// with ErrOverflow.
	ReadFrame(timeout time.Duration) (Frame, error)
	// Close releases the device. It is idempotent.
	Close() error
}

// Opener acquires a capture stream.
type Opener interface {
	Open(ctx context.Context, format Format) (Capture, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, format Format) (Capture, error)

func (f OpenerFunc) Open(ctx context.Context, format Format) (Capture, error) {
	return f(ctx, format)
}
