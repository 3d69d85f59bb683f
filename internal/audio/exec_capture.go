package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	defaultExecBuffer = 16
	openSettleWindow  = 200 * time.Millisecond
	// closeTimeout bounds how long Close waits for the reader to drain
	// after the recorder was killed.
	closeTimeout = 2 * time.Second
)

type execCapture struct {
	cmd    *exec.Cmd
	stdout io.Closer
	format Format
	log    *slog.Logger
	stderr bytes.Buffer

	frames chan Frame
	ready  chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	overflow bool
	closed   bool
	exitErr  error

	closeOnce sync.Once
}

// OpenExec starts a recorder process that writes raw S16LE PCM to stdout.
// The placeholders {rate}, {channels} and {device} are expanded before the
// command line is split.
func OpenExec(ctx context.Context, command string, format Format, buffer int, log *slog.Logger) (Capture, error) {
	if err := format.validate(); err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: err}
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if buffer <= 0 {
		buffer = defaultExecBuffer
	}
	if log == nil {
		log = slog.Default()
	}

	args, err := shellwords.NewParser().Parse(expandCommand(command, format))
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: fmt.Errorf("parse record command: %w", err)}
	}
	if len(args) == 0 {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: errors.New("record command is empty")}
	}

	c := &execCapture{
		cmd:    exec.Command(args[0], args[1:]...),
		format: format,
		log:    log.With(slog.String("component", "exec-capture")),
		frames: make(chan Frame, buffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.cmd.Stderr = &c.stderr
	c.cmd.WaitDelay = closeTimeout
	setProcessGroup(c.cmd)
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: err}
	}
	c.stdout = stdout
	if err := c.cmd.Start(); err != nil {
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: fmt.Errorf("start record command: %w", err)}
	}
	go c.readLoop(stdout)

	settle := time.NewTimer(openSettleWindow)
	defer settle.Stop()
	select {
	case <-c.ready:
	case <-settle.C:
	case <-ctx.Done():
		_ = c.Close()
		return nil, &DeviceError{Op: "open", Device: format.Device, Err: ctx.Err()}
	case <-c.done:
		select {
		case <-c.ready:
		default:
			err := c.exitError()
			_ = c.Close()
			return nil, &DeviceError{Op: "open", Device: format.Device, Err: err}
		}
	}
	return c, nil
}

func expandCommand(command string, format Format) string {
	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
		"{device}", format.Device,
	)
	return r.Replace(command)
}

func (c *execCapture) readLoop(stdout io.Reader) {
	defer close(c.done)
	buf := make([]byte, c.format.FrameBytes())
	var seq uint64
	var readErr error
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			readErr = err
			break
		}
		if seq == 0 {
			close(c.ready)
		}
		c.push(FrameFromPCM(seq, buf, time.Now()))
		seq++
	}
	waitErr := c.cmd.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case waitErr != nil:
		c.exitErr = fmt.Errorf("record command exited: %w: %s", waitErr, strings.TrimSpace(c.stderr.String()))
	case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
		c.exitErr = errors.New("record command closed its output")
	default:
		c.exitErr = readErr
	}
}

// push never blocks the reader: when the ring is full the oldest frame is
// dropped and the next read reports an overflow.
func (c *execCapture) push(f Frame) {
	for {
		select {
		case c.frames <- f:
			return
		default:
		}
		select {
		case <-c.frames:
			c.mu.Lock()
			c.overflow = true
			c.mu.Unlock()
		default:
		}
	}
}

func (c *execCapture) takeOverflow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.overflow
	c.overflow = false
	return o
}

func (c *execCapture) exitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitErr == nil {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, c.exitErr)
}

func (c *execCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *execCapture) ReadFrame(timeout time.Duration) (Frame, error) {
	if c.isClosed() {
		return Frame{}, ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-c.frames:
		if c.takeOverflow() {
			return f, ErrOverflow
		}
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			if c.takeOverflow() {
				return f, ErrOverflow
			}
			return f, nil
		default:
		}
		if c.isClosed() {
			return Frame{}, ErrClosed
		}
		return Frame{}, &DeviceError{Op: "read", Device: c.format.Device, Err: c.exitError()}
	case <-timer.C:
		return Frame{}, ErrTimeout
	}
}

func (c *execCapture) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		killProcessGroup(c.cmd)
		// Unblocks the reader even if something outside the group still
		// holds the write end.
		_ = c.stdout.Close()

		timer := time.NewTimer(closeTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
			c.log.Debug("record command stopped", slog.Int("pid", c.cmd.Process.Pid))
		case <-timer.C:
			c.log.Warn("record command did not stop in time", slog.Int("pid", c.cmd.Process.Pid))
		}
	})
	return nil
}
