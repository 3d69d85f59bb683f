package audio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// fileCapture replays a 16-bit WAV file as a capture stream. Reaching the end
// of the file behaves like a device disconnect.
type fileCapture struct {
	path     string
	format   Format
	samples  []int
	realtime bool

	mu      sync.Mutex
	pos     int
	seq     uint64
	started time.Time
	closed  bool
}

// OpenFile decodes a WAV file whose layout must match format.
func OpenFile(path string, format Format, realtime bool) (Capture, error) {
	if err := format.validate(); err != nil {
		return nil, &DeviceError{Op: "open", Device: path, Err: err}
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &DeviceError{Op: "open", Device: path, Err: errors.New("not a valid wav file")}
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != format.Channels || dec.BitDepth != 16 {
		return nil, &DeviceError{Op: "open", Device: path, Err: fmt.Errorf(
			"format mismatch: file is %d Hz/%d ch/%d bit, want %d Hz/%d ch/16 bit",
			dec.SampleRate, dec.NumChans, dec.BitDepth, format.SampleRate, format.Channels)}
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: path, Err: fmt.Errorf("decode wav: %w", err)}
	}
	return &fileCapture{
		path:     path,
		format:   format,
		samples:  buf.Data,
		realtime: realtime,
		started:  time.Now(),
	}, nil
}

func (c *fileCapture) ReadFrame(timeout time.Duration) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Frame{}, ErrClosed
	}
	n := c.format.FrameLength * c.format.Channels
	if c.pos+n > len(c.samples) {
		return Frame{}, &DeviceError{Op: "read", Device: c.path, Err: fmt.Errorf("%w: end of file", ErrDisconnected)}
	}
	if c.realtime {
		due := c.started.Add(time.Duration(c.seq+1) * c.format.FrameDuration())
		wait := time.Until(due)
		if wait > timeout {
			time.Sleep(timeout)
			return Frame{}, ErrTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(c.samples[c.pos+i])
	}
	frame := Frame{seq: c.seq, samples: samples, at: time.Now()}
	c.pos += n
	c.seq++
	return frame, nil
}

func (c *fileCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.samples = nil
	return nil
}
