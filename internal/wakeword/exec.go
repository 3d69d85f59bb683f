package wakeword

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/mattn/go-shellwords"
)

// The exec backend talks to a long-lived model process over JSON lines: one
// hello/ack exchange at load, then one request and one reply per frame.
type execHello struct {
	Keyword     string  `json:"keyword"`
	Sensitivity float64 `json:"sensitivity"`
	SampleRate  int     `json:"sample_rate"`
	FrameLength int     `json:"frame_length"`
}

type execAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type execFrame struct {
	Sequence uint64 `json:"sequence"`
	PCM      []byte `json:"pcm"`
}

// A reply without keyword_index is no match; a reply carrying error ends
// the session.
type execVerdict struct {
	KeywordIndex *int   `json:"keyword_index"`
	Error        string `json:"error,omitempty"`
}

const ackUnsupportedKeyword = "unsupported_keyword"

// NewExecLoader returns a loader that spawns command for every session.
func NewExecLoader(command string, log *slog.Logger) (Loader, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse detector command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("detector command is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "exec-kws"))
	return LoaderFunc(func(ctx context.Context, cfg Config) (Detector, error) {
		return startExec(ctx, args, cfg.Normalize(), log)
	}), nil
}

type execDetector struct {
	keyword string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *bufio.Scanner
	enc     *json.Encoder
	log     *slog.Logger

	mu       sync.Mutex
	unloaded bool
	err      error

	killOnce sync.Once
}

var _ Failer = (*execDetector)(nil)

func startExec(ctx context.Context, args []string, cfg Config, log *slog.Logger) (Detector, error) {
	loadErr := func(err error) error {
		return &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: err}
	}
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, loadErr(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, loadErr(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, loadErr(fmt.Errorf("start detector command: %w", err))
	}
	d := &execDetector{
		keyword: cfg.Keyword,
		cmd:     cmd,
		stdin:   stdin,
		out:     bufio.NewScanner(stdout),
		enc:     json.NewEncoder(stdin),
		log:     log,
	}
	d.out.Buffer(make([]byte, 0, 4096), 1024*1024)

	type result struct {
		ack execAck
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = d.enc.Encode(execHello{
			Keyword:     cfg.Keyword,
			Sensitivity: cfg.Sensitivity,
			SampleRate:  cfg.SampleRate,
			FrameLength: cfg.FrameLength,
		}); r.err == nil {
			r.err = d.readLine(&r.ack)
		}
		done <- r
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		_ = d.Unload()
		return nil, loadErr(ctx.Err())
	}
	switch {
	case r.err != nil:
		_ = d.Unload()
		return nil, loadErr(fmt.Errorf("detector handshake: %w", r.err))
	case r.ack.Error == ackUnsupportedKeyword:
		_ = d.Unload()
		return nil, unsupported(cfg.Keyword)
	case !r.ack.OK:
		_ = d.Unload()
		return nil, loadErr(fmt.Errorf("detector rejected config: %s", r.ack.Error))
	}
	return d, nil
}

func (d *execDetector) readLine(v any) error {
	if !d.out.Scan() {
		if err := d.out.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	return json.Unmarshal(d.out.Bytes(), v)
}

func (d *execDetector) Process(frame audio.Frame) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded || d.err != nil {
		return NoMatch
	}
	if err := d.enc.Encode(execFrame{Sequence: frame.Sequence(), PCM: frame.PCM()}); err != nil {
		d.fail(fmt.Errorf("write frame %d: %w", frame.Sequence(), err))
		return NoMatch
	}
	var v execVerdict
	if err := d.readLine(&v); err != nil {
		d.fail(fmt.Errorf("read verdict for frame %d: %w", frame.Sequence(), err))
		return NoMatch
	}
	if v.Error != "" {
		d.fail(fmt.Errorf("frame %d: %s", frame.Sequence(), v.Error))
		return NoMatch
	}
	if v.KeywordIndex != nil && *v.KeywordIndex >= 0 {
		return Match(*v.KeywordIndex)
	}
	return NoMatch
}

// fail stops talking to a broken process. The listener sees the error
// through Err and ends the session.
func (d *execDetector) fail(err error) {
	d.err = &ModelError{Kind: ErrModelFailed, Keyword: d.keyword, Err: err}
	d.log.Error("detector process failed", slog.String("error", err.Error()))
}

// Err reports why the model process stopped answering. Errors caused by
// Unload are not reported.
func (d *execDetector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return nil
	}
	return d.err
}

// Unload kills the process before taking the lock so a Process call blocked
// on a hung model returns.
func (d *execDetector) Unload() error {
	d.killOnce.Do(func() {
		_ = d.stdin.Close()
		if d.cmd.Process != nil {
			_ = d.cmd.Process.Kill()
		}
		_ = d.cmd.Wait()
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unloaded = true
	return nil
}
