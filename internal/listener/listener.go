package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const (
	DefaultReadTimeout = 50 * time.Millisecond
	DefaultGracePeriod = 2 * time.Second
)

// Options configures a Listener. Opener and Loader are required.
type Options struct {
	Config          wakeword.Config
	FallbackKeyword string
	Device          string
	Opener          audio.Opener
	Loader          wakeword.Loader
	ReadTimeout     time.Duration
	GracePeriod     time.Duration
	Logger          *slog.Logger
}

// Listener runs wake word detection on a dedicated goroutine. Control
// methods are serialized; State, Err and Stats may be called from anywhere.
type Listener struct {
	opts        Options
	log         *slog.Logger
	overflowLog *rate.Limiter
	instr       instruments

	frames    atomic.Uint64
	overflows atomic.Uint64
	wakes     atomic.Uint64
	failures  atomic.Uint64

	ctl sync.Mutex

	mu       sync.Mutex
	state    State
	failErr  error
	handler  func(WakeEvent)
	session  *session
	draining <-chan struct{}
}

type session struct {
	id       string
	cfg      wakeword.Config
	capture  audio.Capture
	detector wakeword.Detector
	cancel   context.CancelFunc
	done     chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// release closes the capture and unloads the model exactly once.
func (s *session) release() error {
	s.releaseOnce.Do(func() {
		s.releaseErr = errors.Join(s.detector.Unload(), s.capture.Close())
	})
	return s.releaseErr
}

// New validates options and returns an idle listener.
func New(opts Options) (*Listener, error) {
	if opts.Opener == nil {
		return nil, errors.New("listener requires an audio opener")
	}
	if opts.Loader == nil {
		return nil, errors.New("listener requires a detector loader")
	}
	opts.Config = opts.Config.Normalize()
	if opts.Config.SampleRate <= 0 || opts.Config.FrameLength <= 0 {
		return nil, errors.New("listener requires a positive sample rate and frame length")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Listener{
		opts:        opts,
		log:         opts.Logger.With(slog.String("component", "listener")),
		overflowLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	if err := l.instr.init(otel.Meter("github.com/loqalabs/loqa-wake/listener")); err != nil {
		l.log.Warn("failed to initialize metrics", slogError(err))
	}
	return l, nil
}

// SetWakeHandler registers the function the worker calls on every detection.
// It runs on the audio goroutine and must hand slow work off elsewhere.
func (l *Listener) SetWakeHandler(h func(WakeEvent)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle {
		return ErrHandlerLocked
	}
	l.handler = h
	return nil
}

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the reason the listener entered Failed, if it did.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failErr
}

// SessionID returns the id of the current session, or "".
func (l *Listener) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return ""
	}
	return l.session.id
}

// Keyword returns the keyword loaded for the current session, which differs
// from the configured one when the fallback was used.
func (l *Listener) Keyword() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return l.opts.Config.Keyword
	}
	return l.session.cfg.Keyword
}

// Done is closed when the current session's worker exits. With no session it
// returns a closed channel.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.session.done
}

func (l *Listener) Stats() Stats {
	return Stats{
		Frames:    l.frames.Load(),
		Overflows: l.overflows.Load(),
		Wakes:     l.wakes.Load(),
		Failures:  l.failures.Load(),
	}
}

// Start opens the capture, loads the detector and spawns the worker. It is
// only valid from Idle.
func (l *Listener) Start(ctx context.Context) error {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.Lock()
	if l.state != Idle || !drained(l.draining) {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.state = Starting
	l.failErr = nil
	handler := l.handler
	l.mu.Unlock()

	capture, err := l.opts.Opener.Open(ctx, l.opts.Config.Format(l.opts.Device))
	if err != nil {
		return l.startFailed(&StartError{Kind: StartDevice, Err: err})
	}
	detector, cfg, err := wakeword.LoadWithFallback(ctx, l.opts.Loader, l.opts.Config, l.opts.FallbackKeyword, l.log)
	if err != nil {
		if cerr := capture.Close(); cerr != nil {
			l.log.Warn("failed to close capture after model error", slogError(cerr))
		}
		return l.startFailed(&StartError{Kind: StartModel, Err: err})
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       uuid.NewString(),
		cfg:      cfg,
		capture:  capture,
		detector: detector,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	l.mu.Lock()
	l.session = s
	l.draining = s.done
	l.state = Listening
	l.mu.Unlock()

	go l.run(workerCtx, s, handler)

	l.log.Info("listener started",
		slog.String("session_id", s.id),
		slog.String("keyword", cfg.Keyword),
		slog.Float64("sensitivity", cfg.Sensitivity),
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("frame_length", cfg.FrameLength))
	return nil
}

func drained(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (l *Listener) startFailed(err *StartError) error {
	l.mu.Lock()
	l.state = Failed
	l.failErr = err
	l.mu.Unlock()
	l.failures.Add(1)
	l.instr.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", err.Kind.String())))
	l.log.Error("listener failed to start", slog.String("stage", err.Kind.String()), slogError(err.Err))
	return err
}

// Stop signals the worker, waits up to the grace period and releases the
// session's resources whether or not the worker exited. It is a no-op when
// idle.
func (l *Listener) Stop() error {
	l.ctl.Lock()
	defer l.ctl.Unlock()

	l.mu.Lock()
	if l.state == Idle {
		l.mu.Unlock()
		return nil
	}
	s := l.session
	l.state = Stopping
	l.mu.Unlock()

	var err error
	if s != nil {
		s.cancel()
		timer := time.NewTimer(l.opts.GracePeriod)
		select {
		case <-s.done:
		case <-timer.C:
			l.log.Warn("listener worker did not exit within grace period",
				slog.String("session_id", s.id),
				slog.Duration("grace", l.opts.GracePeriod))
		}
		timer.Stop()
		err = s.release()
	}

	l.mu.Lock()
	l.state = Idle
	l.session = nil
	l.failErr = nil
	l.mu.Unlock()

	if s != nil {
		l.log.Info("listener stopped", slog.String("session_id", s.id))
	}
	return err
}

func (l *Listener) run(ctx context.Context, s *session, handler func(WakeEvent)) {
	defer close(s.done)
	log := l.log.With(slog.String("session_id", s.id))
	log.Debug("listening loop started")

	for ctx.Err() == nil {
		frame, err := s.capture.ReadFrame(l.opts.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, audio.ErrTimeout):
			continue
		case errors.Is(err, audio.ErrOverflow):
			total := l.overflows.Add(1)
			l.instr.overflows.Add(context.Background(), 1)
			if l.overflowLog.Allow() {
				log.Warn("audio input overflow",
					slog.Uint64("sequence", frame.Sequence()),
					slog.Uint64("overflows", total))
			}
			if frame.Len() == 0 {
				continue
			}
		default:
			if ctx.Err() != nil {
				return
			}
			l.workerFailed(s, "read", err, log)
			return
		}

		verdict := s.detector.Process(frame)
		l.frames.Add(1)
		l.instr.frames.Add(context.Background(), 1)
		if err := detectorErr(s.detector); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.workerFailed(s, "model", err, log)
			return
		}
		if !verdict.Match {
			continue
		}

		evt := WakeEvent{
			SessionID:    s.id,
			Keyword:      s.cfg.Keyword,
			KeywordIndex: verdict.KeywordIndex,
			Sequence:     frame.Sequence(),
			Timestamp:    time.Now().UTC(),
		}
		l.wakes.Add(1)
		l.instr.wakes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("keyword", evt.Keyword)))
		log.Info("wake word detected", slog.String("keyword", evt.Keyword), slog.Uint64("sequence", evt.Sequence))
		if handler != nil {
			handler(evt)
		}
	}
	log.Debug("listening loop stopped")
}

// detectorErr reports a detector that broke mid-session and will never
// match again.
func detectorErr(d wakeword.Detector) error {
	if f, ok := d.(wakeword.Failer); ok {
		return f.Err()
	}
	return nil
}

func (l *Listener) workerFailed(s *session, stage string, err error, log *slog.Logger) {
	if rerr := s.release(); rerr != nil {
		log.Warn("failed to release session resources", slogError(rerr))
	}
	l.mu.Lock()
	if l.session == s && l.state == Listening {
		l.state = Failed
		l.failErr = err
	}
	l.mu.Unlock()
	l.failures.Add(1)
	l.instr.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	log.Error("listener failed", slog.String("stage", stage), slogError(err))
}

type instruments struct {
	frames    metric.Int64Counter
	overflows metric.Int64Counter
	wakes     metric.Int64Counter
	failures  metric.Int64Counter
}

func (i *instruments) init(meter metric.Meter) error {
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	i.frames = counter("loqa.voice.frames", "Audio frames fed to the wake word detector")
	i.overflows = counter("loqa.voice.overflows", "Audio input overflows reported by the capture device")
	i.wakes = counter("loqa.voice.wakes", "Wake word detections")
	i.failures = counter("loqa.voice.failures", "Listener sessions that entered the failed state")
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
