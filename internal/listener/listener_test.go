package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
)

type step struct {
	frame audio.Frame
	err   error
}

type fakeCapture struct {
	mu        sync.Mutex
	steps     []step
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeCapture(steps ...step) *fakeCapture {
	return &fakeCapture{steps: steps, closed: make(chan struct{})}
}

func (c *fakeCapture) ReadFrame(timeout time.Duration) (audio.Frame, error) {
	select {
	case <-c.closed:
		return audio.Frame{}, audio.ErrClosed
	default:
	}
	c.mu.Lock()
	if len(c.steps) > 0 {
		s := c.steps[0]
		c.steps = c.steps[1:]
		c.mu.Unlock()
		return s.frame, s.err
	}
	c.mu.Unlock()
	select {
	case <-c.closed:
		return audio.Frame{}, audio.ErrClosed
	case <-time.After(timeout):
		return audio.Frame{}, audio.ErrTimeout
	}
}

func (c *fakeCapture) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeCapture) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDetector struct {
	matchOn   map[uint64]bool
	processed chan uint64
	unloaded  atomic.Bool

	mu   sync.Mutex
	seen []uint64
}

func newFakeDetector(matchOn ...uint64) *fakeDetector {
	d := &fakeDetector{matchOn: map[uint64]bool{}, processed: make(chan uint64, 1024)}
	for _, seq := range matchOn {
		d.matchOn[seq] = true
	}
	return d
}

func (d *fakeDetector) Process(frame audio.Frame) wakeword.Verdict {
	d.mu.Lock()
	d.seen = append(d.seen, frame.Sequence())
	d.mu.Unlock()
	d.processed <- frame.Sequence()
	if d.matchOn[frame.Sequence()] {
		return wakeword.Match(0)
	}
	return wakeword.NoMatch
}

func (d *fakeDetector) Unload() error {
	d.unloaded.Store(true)
	return nil
}

func (d *fakeDetector) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *fakeDetector) sequences() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.seen...)
}

func frames(n int) []step {
	steps := make([]step, n)
	for i := range steps {
		steps[i] = step{frame: audio.NewFrame(uint64(i), make([]int16, 512), time.Now())}
	}
	return steps
}

type harness struct {
	listener *Listener
	capture  *fakeCapture
	detector *fakeDetector
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, capture *fakeCapture, detector *fakeDetector, mutate func(*Options)) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	opts := Options{
		Config: wakeword.NewConfig("jarvis", 0.5, 16000, 512),
		Opener: audio.OpenerFunc(func(context.Context, audio.Format) (audio.Capture, error) {
			return capture, nil
		}),
		Loader: wakeword.LoaderFunc(func(context.Context, wakeword.Config) (wakeword.Detector, error) {
			return detector, nil
		}),
		ReadTimeout: 5 * time.Millisecond,
		GracePeriod: time.Second,
		Logger:      slog.New(slog.NewJSONHandler(logs, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return &harness{listener: l, capture: capture, detector: detector, logs: logs}
}

func waitProcessed(t *testing.T, d *fakeDetector, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for d.count() < n {
		select {
		case <-d.processed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, d.count())
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), nil)
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop while idle: %v", err)
	}
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := h.listener.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestStartStopReleasesResources(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), nil)
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.listener.State(); got != Listening {
		t.Fatalf("expected listening, got %s", got)
	}
	if h.listener.SessionID() == "" {
		t.Fatal("expected a session id while listening")
	}
	done := h.listener.Done()
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-done:
	default:
		t.Fatal("worker still running after stop")
	}
	if !h.capture.isClosed() {
		t.Fatal("capture not closed")
	}
	if !h.detector.unloaded.Load() {
		t.Fatal("detector not unloaded")
	}
	if h.listener.SessionID() != "" {
		t.Fatal("session id should be cleared after stop")
	}
}

func TestFramesProcessedInOrderAcrossOverflow(t *testing.T) {
	steps := frames(10)
	steps[4].err = audio.ErrOverflow
	h := newHarness(t, newFakeCapture(steps...), newFakeDetector(), nil)
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitProcessed(t, h.detector, 10)
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for i, seq := range h.detector.sequences() {
		if seq != uint64(i) {
			t.Fatalf("frame %d processed out of order: %v", i, h.detector.sequences())
		}
	}
	stats := h.listener.Stats()
	if stats.Overflows != 1 || stats.Frames != 10 || stats.Failures != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if n := strings.Count(h.logs.String(), "audio input overflow"); n != 1 {
		t.Fatalf("expected one overflow log entry, got %d", n)
	}
	if strings.Contains(h.logs.String(), `"level":"ERROR"`) {
		t.Fatalf("overflow must not be logged as an error: %s", h.logs.String())
	}
}

func TestWakeHandlerRunsBeforeNextFrame(t *testing.T) {
	h := newHarness(t, newFakeCapture(frames(10)...), newFakeDetector(5), nil)
	var (
		mu         sync.Mutex
		events     []WakeEvent
		seenAtCall []int
	)
	err := h.listener.SetWakeHandler(func(evt WakeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
		seenAtCall = append(seenAtCall, h.detector.count())
	})
	if err != nil {
		t.Fatalf("set handler: %v", err)
	}
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitProcessed(t, h.detector, 10)
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected exactly one wake event, got %d", len(events))
	}
	if seenAtCall[0] != 6 {
		t.Fatalf("handler ran after %d frames, want 6", seenAtCall[0])
	}
	if events[0].Sequence != 5 || events[0].Keyword != "jarvis" || events[0].SessionID == "" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestDisconnectMovesToFailed(t *testing.T) {
	steps := append(frames(3), step{err: &audio.DeviceError{Op: "read", Device: "fake", Err: audio.ErrDisconnected}})
	h := newHarness(t, newFakeCapture(steps...), newFakeDetector(), nil)
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.listener.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after disconnect")
	}
	if got := h.listener.State(); got != Failed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !errors.Is(h.listener.Err(), audio.ErrDisconnected) {
		t.Fatalf("expected disconnect reason, got %v", h.listener.Err())
	}
	if !h.capture.isClosed() || !h.detector.unloaded.Load() {
		t.Fatal("resources must be released on failure without stop")
	}
	if err := h.listener.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start from failed should be rejected, got %v", err)
	}
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop from failed: %v", err)
	}
	if got := h.listener.State(); got != Idle {
		t.Fatalf("expected idle after stop, got %s", got)
	}
	if h.listener.Err() != nil {
		t.Fatal("failure reason should be cleared by stop")
	}
}

func TestDoubleStartIsRejected(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), nil)
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.listener.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if got := h.listener.State(); got != Listening {
		t.Fatalf("rejected start must not change state, got %s", got)
	}
}

func TestJarvisDetectedAfterSilence(t *testing.T) {
	h := newHarness(t, newFakeCapture(frames(101)...), newFakeDetector(100), nil)
	events := make(chan WakeEvent, 4)
	if err := h.listener.SetWakeHandler(func(evt WakeEvent) { events <- evt }); err != nil {
		t.Fatal(err)
	}
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitProcessed(t, h.detector, 101)
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(events)
	var got []WakeEvent
	for evt := range events {
		got = append(got, evt)
	}
	if len(got) != 1 || got[0].Keyword != "jarvis" || got[0].Sequence != 100 {
		t.Fatalf("expected one jarvis wake on frame 100, got %+v", got)
	}
	if stats := h.listener.Stats(); stats.Wakes != 1 || stats.Frames != 101 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHandlerLockedOutsideIdle(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), nil)
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.listener.SetWakeHandler(func(WakeEvent) {}); !errors.Is(err, ErrHandlerLocked) {
		t.Fatalf("expected ErrHandlerLocked, got %v", err)
	}
	_ = h.listener.Stop()
	if err := h.listener.SetWakeHandler(func(WakeEvent) {}); err != nil {
		t.Fatalf("set handler after stop: %v", err)
	}
}

func TestStartDeviceError(t *testing.T) {
	deviceErr := &audio.DeviceError{Op: "open", Device: "hw:9", Err: errors.New("no such device")}
	h := newHarness(t, newFakeCapture(), newFakeDetector(), func(o *Options) {
		o.Opener = audio.OpenerFunc(func(context.Context, audio.Format) (audio.Capture, error) {
			return nil, deviceErr
		})
	})
	err := h.listener.Start(context.Background())
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Kind != StartDevice {
		t.Fatalf("expected device start error, got %v", err)
	}
	if got := h.listener.State(); got != Failed {
		t.Fatalf("expected failed, got %s", got)
	}
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := h.listener.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
}

func TestStartModelErrorClosesCapture(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), func(o *Options) {
		o.Config = wakeword.NewConfig("friday", 0.5, 16000, 512)
		o.Loader = wakeword.NewEnergyLoader(wakeword.EnergyOptions{})
	})
	err := h.listener.Start(context.Background())
	var startErr *StartError
	if !errors.As(err, &startErr) || startErr.Kind != StartModel {
		t.Fatalf("expected model start error, got %v", err)
	}
	if !errors.Is(err, wakeword.ErrUnsupportedKeyword) {
		t.Fatalf("expected unsupported keyword, got %v", err)
	}
	if !h.capture.isClosed() {
		t.Fatal("capture must be closed when the model fails to load")
	}
}

func TestStartUsesFallbackKeyword(t *testing.T) {
	h := newHarness(t, newFakeCapture(), newFakeDetector(), func(o *Options) {
		o.Config = wakeword.NewConfig("friday", 0.5, 16000, 512)
		o.FallbackKeyword = wakeword.DefaultKeyword
		o.Loader = wakeword.NewEnergyLoader(wakeword.EnergyOptions{})
	})
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.listener.Keyword(); got != wakeword.DefaultKeyword {
		t.Fatalf("expected fallback keyword, got %q", got)
	}
}

func TestStopReleasesWhenWorkerIsStuck(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, newFakeCapture(frames(1)...), newFakeDetector(0), func(o *Options) {
		o.GracePeriod = 20 * time.Millisecond
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	})
	entered := make(chan struct{})
	if err := h.listener.SetWakeHandler(func(WakeEvent) {
		close(entered)
		<-release
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.listener.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-entered
	done := h.listener.Done()

	start := time.Now()
	if err := h.listener.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	if !h.capture.isClosed() || !h.detector.unloaded.Load() {
		t.Fatal("stop must release resources even if the worker is stuck")
	}
	if err := h.listener.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start while previous worker drains should fail, got %v", err)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after handler returned")
	}
	if got := h.listener.State(); got != Idle {
		t.Fatalf("expected idle, got %s", got)
	}
}

const dyingModelScript = `read hello
echo '{"ok":true}'
read frame
echo '{"keyword_index":-1}'
read frame
echo '{"keyword_index":-1}'
exit 1
`

func TestModelProcessExitMovesToFailed(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(script, []byte(dyingModelScript), 0o755); err != nil {
		t.Fatal(err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader, err := wakeword.NewExecLoader("sh "+script, log)
	if err != nil {
		t.Fatalf("exec loader: %v", err)
	}
	capture := newFakeCapture(frames(10)...)
	l, err := New(Options{
		Config: wakeword.NewConfig("jarvis", 0.5, 16000, 512),
		Opener: audio.OpenerFunc(func(context.Context, audio.Format) (audio.Capture, error) {
			return capture, nil
		}),
		Loader:      loader,
		ReadTimeout: 5 * time.Millisecond,
		Logger:      log,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })

	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("worker kept running after the model died, state %s", l.State())
	}
	if got := l.State(); got != Failed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !errors.Is(l.Err(), wakeword.ErrModelFailed) {
		t.Fatalf("expected model failure, got %v", l.Err())
	}
	if got := l.Stats().Frames; got != 3 {
		t.Fatalf("expected the worker to stop on the first unanswered frame, processed %d", got)
	}
	if !capture.isClosed() {
		t.Fatal("capture must be released when the model fails")
	}
}

type failingDetector struct {
	*fakeDetector
	failOn uint64
	err    atomic.Value
}

func (d *failingDetector) Process(frame audio.Frame) wakeword.Verdict {
	v := d.fakeDetector.Process(frame)
	if frame.Sequence() == d.failOn {
		d.err.Store(errors.New("model crashed"))
	}
	return v
}

func (d *failingDetector) Err() error {
	if err, ok := d.err.Load().(error); ok {
		return err
	}
	return nil
}

func TestDetectorFailureSkipsRemainingFrames(t *testing.T) {
	det := &failingDetector{fakeDetector: newFakeDetector(), failOn: 4}
	capture := newFakeCapture(frames(10)...)
	l, err := New(Options{
		Config: wakeword.NewConfig("jarvis", 0.5, 16000, 512),
		Opener: audio.OpenerFunc(func(context.Context, audio.Format) (audio.Capture, error) {
			return capture, nil
		}),
		Loader: wakeword.LoaderFunc(func(context.Context, wakeword.Config) (wakeword.Detector, error) {
			return det, nil
		}),
		ReadTimeout: 5 * time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after detector failure")
	}
	if l.State() != Failed || l.Err() == nil {
		t.Fatalf("expected failed with a reason, got %s %v", l.State(), l.Err())
	}
	if got := det.count(); got != 5 {
		t.Fatalf("expected frames 0..4 processed, got %d", got)
	}
	if !det.unloaded.Load() {
		t.Fatal("detector must be unloaded on failure")
	}
}
