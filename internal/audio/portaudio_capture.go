//go:build portaudio

package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

const portaudioAvailable = true

const portaudioPoll = 2 * time.Millisecond

// paCapture reads blocking-mode PortAudio input. PortAudio is initialized per
// capture so the library is terminated together with the last open stream.
type paCapture struct {
	format Format
	stream *portaudio.Stream
	buf    []int16

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func openPortAudio(format Format) (Capture, error) {
	if err := format.validate(); err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: err}
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: fmt.Errorf("initialize portaudio: %w", err)}
	}
	device, err := findInputDevice(format.Device)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: err}
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = format.Channels
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = format.FrameLength

	buf := make([]int16, format.FrameLength*format.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &DeviceError{Op: "open", Device: device.Name, Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, &DeviceError{Op: "open", Device: device.Name, Err: err}
	}
	format.Device = device.Name
	return &paCapture{format: format, stream: stream, buf: buf}, nil
}

func findInputDevice(selector string) (*portaudio.DeviceInfo, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "default" {
		return portaudio.DefaultInputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(selector)) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matches %q", selector)
}

func (c *paCapture) ReadFrame(timeout time.Duration) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Frame{}, ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		avail, err := c.stream.AvailableToRead()
		if err != nil {
			return Frame{}, &DeviceError{Op: "read", Device: c.format.Device, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)}
		}
		if avail >= c.format.FrameLength {
			break
		}
		if time.Now().After(deadline) {
			return Frame{}, ErrTimeout
		}
		time.Sleep(portaudioPoll)
	}

	err := c.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return Frame{}, &DeviceError{Op: "read", Device: c.format.Device, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)}
	}
	frame := NewFrame(c.seq, c.buf, time.Now())
	c.seq++
	if err != nil {
		return frame, ErrOverflow
	}
	return frame, nil
}

func (c *paCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	errs := []error{c.stream.Stop(), c.stream.Close(), portaudio.Terminate()}
	return errors.Join(errs...)
}
