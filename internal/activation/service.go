package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/eventstore"
	"github.com/loqalabs/loqa-wake/internal/listener"
	"github.com/loqalabs/loqa-wake/internal/protocol"
	"github.com/loqalabs/loqa-wake/internal/stt"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Publisher sends JSON messages on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Timeline records listening sessions and their events.
type Timeline interface {
	BeginSession(ctx context.Context, sess eventstore.Session) error
	EndSession(ctx context.Context, sessionID, endState string, cause error) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Transcriber records and transcribes the command spoken after a wake word.
type Transcriber interface {
	Listen(ctx context.Context, duration time.Duration, language string) (stt.Result, error)
}

// RestartPolicy bounds how hard the supervisor tries to bring a failed
// listener back.
type RestartPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Options struct {
	NodeID            string
	Listener          *listener.Listener
	Publisher         Publisher
	Timeline          Timeline
	Transcriber       Transcriber
	ChainOnWake       bool
	RecordDuration    time.Duration
	Language          string
	TranscribeTimeout time.Duration
	QueueSize         int
	Restart           RestartPolicy
	Logger            *slog.Logger
}

// Service owns the listener for a node. Wake events leave the audio goroutine
// through a bounded queue and are published, recorded and optionally followed
// by a transcription on the dispatcher goroutine.
type Service struct {
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	dropLog *rate.Limiter

	droppedCounter metric.Int64Counter
	restartCounter metric.Int64Counter

	queue   chan listener.WakeEvent
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	// ctl serializes listener Start/Stop between the supervisor, the
	// dispatcher and control requests.
	ctl sync.Mutex

	mu        sync.Mutex
	restarts  int
	available bool
	paused    bool
	lastErr   error
}

func New(parent context.Context, opts Options) (*Service, error) {
	if opts.Listener == nil {
		return nil, errors.New("activation requires a listener")
	}
	if opts.Publisher == nil {
		return nil, errors.New("activation requires a publisher")
	}
	if opts.Timeline == nil {
		opts.Timeline = noopTimeline{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 8
	}
	if opts.RecordDuration <= 0 {
		opts.RecordDuration = stt.DefaultRecordDuration
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = 45 * time.Second
	}
	if opts.Restart.InitialInterval <= 0 {
		opts.Restart.InitialInterval = 500 * time.Millisecond
	}
	if opts.Restart.MaxInterval < opts.Restart.InitialInterval {
		opts.Restart.MaxInterval = opts.Restart.InitialInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "activation")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-wake/activation"),
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 1),
		queue:     make(chan listener.WakeEvent, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		available: true,
	}
	if err := s.initMetrics(otel.Meter("github.com/loqalabs/loqa-wake/activation")); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := opts.Listener.SetWakeHandler(s.enqueue); err != nil {
		cancel()
		return nil, fmt.Errorf("install wake handler: %w", err)
	}
	return s, nil
}

// Start begins dispatching and starts the listener. A listener that fails to
// start is handed to the supervisor; Start itself only fails on programming
// errors.
func (s *Service) Start() error {
	s.wg.Add(1)
	go s.dispatch()

	s.ctl.Lock()
	err := s.startListening()
	s.ctl.Unlock()
	if err != nil {
		s.superviseAsync("", err)
	}
	return nil
}

// ServeControl answers voice.ctrl.* requests on conn.
func (s *Service) ServeControl(conn *nats.Conn) error {
	for _, subject := range []string{protocol.SubjectControlStart, protocol.SubjectControlStop, protocol.SubjectControlStatus} {
		sub, err := conn.Subscribe(subject, s.handleControl)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.ctl.Lock()
	s.stopListening("idle")
	s.ctl.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ctx.Err() == nil
}

// Available reports whether voice activation can currently be used. It turns
// false when the supervisor gives up or the configured keyword cannot load.
func (s *Service) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Dropped is the number of wake events discarded because the queue was full.
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Service) Status() protocol.ListenerStatus {
	l := s.opts.Listener
	stats := l.Stats()
	status := protocol.ListenerStatus{
		NodeID:    s.opts.NodeID,
		State:     l.State().String(),
		SessionID: l.SessionID(),
		Keyword:   l.Keyword(),
		Frames:    stats.Frames,
		Overflows: stats.Overflows,
		Wakes:     stats.Wakes,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	status.Available = s.available
	status.Restarts = s.restarts
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	s.mu.Unlock()
	return status
}

// Pause stops listening until Resume. The supervisor does not restart a
// paused listener.
func (s *Service) Pause() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.stopListening("idle")
	return nil
}

// Resume clears a pause or an exhausted restart budget and starts listening.
func (s *Service) Resume() error {
	s.ctl.Lock()
	s.mu.Lock()
	s.paused = false
	s.available = true
	s.restarts = 0
	s.lastErr = nil
	s.mu.Unlock()
	if s.opts.Listener.State() == listener.Listening {
		s.ctl.Unlock()
		return nil
	}
	err := s.startListening()
	s.ctl.Unlock()
	if err != nil {
		s.superviseAsync("", err)
	}
	return err
}

// enqueue runs on the audio goroutine and must never block.
func (s *Service) enqueue(evt listener.WakeEvent) {
	select {
	case s.queue <- evt:
	default:
		total := s.dropped.Add(1)
		s.droppedCounter.Add(context.Background(), 1)
		if s.dropLog.Allow() {
			s.log.Warn("wake event queue full, dropping event",
				slog.String("session_id", evt.SessionID),
				slog.Uint64("dropped", total))
		}
	}
}

func (s *Service) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.queue:
			s.handleWake(evt)
		}
	}
}

func (s *Service) handleWake(evt listener.WakeEvent) {
	msg := protocol.WakeEvent{
		NodeID:       s.opts.NodeID,
		SessionID:    evt.SessionID,
		Keyword:      evt.Keyword,
		KeywordIndex: evt.KeywordIndex,
		Sequence:     evt.Sequence,
		Timestamp:    evt.Timestamp,
	}
	if err := s.opts.Publisher.PublishJSON(protocol.SubjectWake, msg); err != nil {
		s.log.Warn("failed to publish wake event", slogError(err))
	}
	if err := s.opts.Timeline.AppendEvent(s.ctx, eventstore.Event{
		SessionID: evt.SessionID,
		Type:      eventstore.TypeWake,
		Keyword:   evt.Keyword,
		Sequence:  evt.Sequence,
		CreatedAt: evt.Timestamp,
	}); err != nil {
		s.log.Warn("failed to record wake event", slogError(err))
	}
	if s.opts.ChainOnWake && s.opts.Transcriber != nil {
		s.transcribeCommand(evt)
	}
}

// transcribeCommand hands the microphone from the listener to the
// transcriber for one utterance and then resumes listening.
func (s *Service) transcribeCommand(evt listener.WakeEvent) {
	ctx, span := s.tracer.Start(s.ctx, "voice.command", trace.WithAttributes(
		attribute.String("session_id", evt.SessionID),
		attribute.String("keyword", evt.Keyword)))
	defer span.End()

	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	l := s.opts.Listener
	if paused || l.State() != listener.Listening || l.SessionID() != evt.SessionID {
		s.log.Debug("skipping transcription for stale wake event", slog.String("session_id", evt.SessionID))
		return
	}

	s.stopListening("idle")

	tctx, cancel := context.WithTimeout(ctx, s.opts.TranscribeTimeout)
	result, err := s.opts.Transcriber.Listen(tctx, s.opts.RecordDuration, s.opts.Language)
	cancel()
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		s.log.Warn("command transcription failed", slog.String("session_id", evt.SessionID), slogError(err))
	case strings.TrimSpace(result.Text) == "":
		s.log.Info("no command heard after wake word", slog.String("session_id", evt.SessionID))
	default:
		s.publishTranscript(evt.SessionID, result)
	}

	if err := s.startListening(); err != nil {
		s.superviseAsync("", err)
	}
}

func (s *Service) publishTranscript(sessionID string, result stt.Result) {
	msg := protocol.Transcript{
		NodeID:     s.opts.NodeID,
		SessionID:  sessionID,
		Text:       strings.TrimSpace(result.Text),
		Language:   result.Language,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.opts.Publisher.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
	if err := s.opts.Timeline.AppendEvent(s.ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventstore.TypeTranscript,
		Text:      msg.Text,
	}); err != nil {
		s.log.Warn("failed to record transcript", slogError(err))
	}
}

// startListening must be called with ctl held.
func (s *Service) startListening() error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	l := s.opts.Listener
	if l.State() == listener.Failed {
		if err := l.Stop(); err != nil {
			s.log.Warn("failed to release failed listener", slogError(err))
		}
	}
	if err := l.Start(s.ctx); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.publishStatus()
		return err
	}
	id := l.SessionID()
	if err := s.opts.Timeline.BeginSession(s.ctx, eventstore.Session{
		ID:      id,
		NodeID:  s.opts.NodeID,
		Keyword: l.Keyword(),
	}); err != nil {
		s.log.Warn("failed to record session start", slogError(err))
	}
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.publishStatus()

	s.wg.Add(1)
	go s.watch(id, l.Done())
	return nil
}

// stopListening must be called with ctl held.
func (s *Service) stopListening(endState string) {
	l := s.opts.Listener
	id := l.SessionID()
	if l.State() == listener.Idle {
		return
	}
	if err := l.Stop(); err != nil {
		s.log.Warn("listener stop reported errors", slogError(err))
	}
	if id != "" {
		if err := s.opts.Timeline.EndSession(context.Background(), id, endState, nil); err != nil {
			s.log.Warn("failed to record session end", slogError(err))
		}
	}
	s.publishStatus()
}

// watch waits for a session's worker to exit and hands failures to the
// supervisor.
func (s *Service) watch(sessionID string, done <-chan struct{}) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-done:
	}
	if s.opts.Listener.State() != listener.Failed {
		return
	}
	s.supervise(sessionID, s.opts.Listener.Err())
}

func (s *Service) superviseAsync(sessionID string, cause error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(sessionID, cause)
	}()
}

// supervise restarts a failed listener with exponential backoff until it
// runs again, the budget is spent, or the failure cannot be fixed by retrying.
func (s *Service) supervise(sessionID string, cause error) {
	s.ctl.Lock()
	l := s.opts.Listener
	if s.ctx.Err() != nil || l.State() != listener.Failed || (sessionID != "" && l.SessionID() != sessionID) {
		s.ctl.Unlock()
		return
	}
	if sessionID != "" {
		ctx := context.Background()
		if err := s.opts.Timeline.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeFailure, Text: errText(cause)}); err != nil {
			s.log.Warn("failed to record listener failure", slogError(err))
		}
		if err := s.opts.Timeline.EndSession(ctx, sessionID, listener.Failed.String(), cause); err != nil {
			s.log.Warn("failed to record session end", slogError(err))
		}
	}
	s.mu.Lock()
	s.lastErr = cause
	s.mu.Unlock()
	s.log.Error("listener failed", slog.String("session_id", sessionID), slogError(cause))
	s.publishStatus()
	s.ctl.Unlock()

	if permanent(cause) {
		s.giveUp(cause)
		return
	}
	if s.opts.Restart.MaxAttempts <= 0 {
		s.giveUp(fmt.Errorf("restarts disabled: %w", cause))
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Restart.InitialInterval
	b.MaxInterval = s.opts.Restart.MaxInterval

	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		s.ctl.Lock()
		defer s.ctl.Unlock()
		s.mu.Lock()
		paused := s.paused
		if !paused {
			s.restarts++
		}
		s.mu.Unlock()
		if paused {
			return struct{}{}, backoff.Permanent(errPaused)
		}
		if l.State() == listener.Listening {
			return struct{}{}, nil
		}
		s.restartCounter.Add(s.ctx, 1)
		if err := s.startListening(); err != nil {
			if permanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := s.opts.Timeline.AppendEvent(s.ctx, eventstore.Event{
			SessionID: l.SessionID(),
			Type:      eventstore.TypeRestart,
			Text:      errText(cause),
		}); err != nil {
			s.log.Warn("failed to record restart", slogError(err))
		}
		s.log.Info("listener restarted", slog.String("session_id", l.SessionID()))
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.Restart.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("listener restart failed", slogError(err), slog.Duration("retry_in", next))
		}),
	)
	switch {
	case err == nil, errors.Is(err, errPaused), s.ctx.Err() != nil:
		return
	default:
		s.giveUp(err)
	}
}

var errPaused = errors.New("activation paused")

func (s *Service) giveUp(cause error) {
	s.mu.Lock()
	s.available = false
	s.lastErr = cause
	s.mu.Unlock()
	s.log.Error("voice activation unavailable", slogError(cause))
	s.publishStatus()
}

// permanent reports failures that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, wakeword.ErrUnsupportedKeyword) ||
		errors.Is(err, wakeword.ErrFormatMismatch) ||
		errors.Is(err, wakeword.ErrBackendUnavailable) ||
		errors.Is(err, audio.ErrBackendUnavailable)
}

func (s *Service) publishStatus() {
	if err := s.opts.Publisher.PublishJSON(protocol.StatusSubject(s.opts.NodeID), s.Status()); err != nil {
		s.log.Warn("failed to publish listener status", slogError(err))
	}
}

func (s *Service) initMetrics(meter metric.Meter) error {
	var err error
	if s.droppedCounter, err = meter.Int64Counter("loqa.voice.dropped_wakes",
		metric.WithDescription("Wake events dropped because the dispatch queue was full")); err != nil {
		return err
	}
	s.restartCounter, err = meter.Int64Counter("loqa.voice.restarts",
		metric.WithDescription("Listener restart attempts made by the supervisor"))
	return err
}

type noopTimeline struct{}

func (noopTimeline) BeginSession(context.Context, eventstore.Session) error  { return nil }
func (noopTimeline) EndSession(context.Context, string, string, error) error { return nil }
func (noopTimeline) AppendEvent(context.Context, eventstore.Event) error     { return nil }

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
