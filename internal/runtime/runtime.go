package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-wake/internal/activation"
	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/bus"
	"github.com/loqalabs/loqa-wake/internal/config"
	"github.com/loqalabs/loqa-wake/internal/eventstore"
	"github.com/loqalabs/loqa-wake/internal/listener"
	"github.com/loqalabs/loqa-wake/internal/natsserver"
	"github.com/loqalabs/loqa-wake/internal/presence"
	"github.com/loqalabs/loqa-wake/internal/protocol"
	"github.com/loqalabs/loqa-wake/internal/stt"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
)

// voiceStatus is the part of the activation service the HTTP endpoints need.
type voiceStatus interface {
	Status() protocol.ListenerStatus
	Available() bool
}

// sessionHistory is the part of the event store /status reads.
type sessionHistory interface {
	RecentSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *eventstore.Store
	transcriber *stt.Transcriber
	voice       *activation.Service
	presence    *presence.Tracker

	// status endpoints read these; nil when voice is disabled.
	status  voiceStatus
	history sessionHistory
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up telemetry, the bus, the event store and voice activation,
// serves HTTP until ctx is cancelled and then shuts everything down in
// reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.history = store

	if !r.cfg.Voice.Enabled {
		r.logger.Info("voice activation disabled")
		return nil
	}

	lst, err := r.buildListener()
	if err != nil {
		return err
	}
	opts := activation.Options{
		NodeID:    r.cfg.Node.ID,
		Listener:  lst,
		Publisher: client,
		Timeline:  store,
		QueueSize: r.cfg.Voice.QueueSize,
		Restart: activation.RestartPolicy{
			MaxAttempts:     r.cfg.Voice.Restart.MaxAttempts,
			InitialInterval: millis(r.cfg.Voice.Restart.InitialIntervalMS),
			MaxInterval:     millis(r.cfg.Voice.Restart.MaxIntervalMS),
		},
		Logger: r.logger,
	}
	if r.cfg.STT.Enabled {
		transcriber, err := r.buildTranscriber()
		if err != nil {
			return err
		}
		r.transcriber = transcriber
		opts.Transcriber = transcriber
		opts.ChainOnWake = r.cfg.STT.ChainOnWake
		opts.RecordDuration = millis(r.cfg.STT.RecordMS)
		opts.Language = r.cfg.STT.Language
		opts.TranscribeTimeout = millis(r.cfg.STT.TimeoutMS)
	}

	svc, err := activation.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("create voice activation: %w", err)
	}
	r.voice = svc
	r.status = svc
	if err := svc.ServeControl(client.Conn()); err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start voice activation: %w", err)
	}

	tracker, err := presence.New(ctx, r.cfg.Node, client, svc.Status, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}
	r.presence = tracker
	return nil
}

func (r *Runtime) captureOptions() (audio.Options, error) {
	c := r.cfg.Voice.Capture
	backend, err := audio.ParseBackend(c.Backend)
	if err != nil {
		return audio.Options{}, err
	}
	return audio.Options{
		Backend:  backend,
		Command:  c.Command,
		File:     c.File,
		Realtime: c.Realtime,
		Buffer:   c.BufferFrames,
		Logger:   r.logger,
	}, nil
}

func (r *Runtime) buildListener() (*listener.Listener, error) {
	v := r.cfg.Voice
	captureOpts, err := r.captureOptions()
	if err != nil {
		return nil, err
	}
	opener, err := audio.NewOpener(captureOpts)
	if err != nil {
		return nil, fmt.Errorf("audio capture: %w", err)
	}
	backend, err := wakeword.ParseBackend(v.Detector.Backend)
	if err != nil {
		return nil, err
	}
	loader, err := wakeword.NewLoader(wakeword.Options{
		Backend:  backend,
		ModelDir: v.Detector.ModelDir,
		Command:  v.Detector.Command,
		Energy: wakeword.EnergyOptions{
			HoldFrames:       v.Detector.HoldFrames,
			RefractoryFrames: v.Detector.RefractoryFrames,
		},
		Logger: r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("wake word detector: %w", err)
	}
	return listener.New(listener.Options{
		Config:          wakeword.NewConfig(v.WakeWord, v.Sensitivity, v.SampleRate, v.FrameLength),
		FallbackKeyword: v.FallbackKeyword,
		Device:          v.Device,
		Opener:          opener,
		Loader:          loader,
		ReadTimeout:     millis(v.ReadTimeoutMS),
		GracePeriod:     millis(v.StopGraceMS),
		Logger:          r.logger,
	})
}

func (r *Runtime) buildTranscriber() (*stt.Transcriber, error) {
	s := r.cfg.STT
	backend, err := stt.ParseBackend(s.Mode)
	if err != nil {
		return nil, err
	}
	recognizer, err := stt.NewRecognizer(stt.Options{
		Backend:   backend,
		Command:   s.Command,
		ModelPath: s.ModelPath,
		ModelSize: s.ModelSize,
		Threads:   s.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("speech recognizer: %w", err)
	}
	captureOpts, err := r.captureOptions()
	if err != nil {
		return nil, err
	}
	opener, err := audio.NewOpener(captureOpts)
	if err != nil {
		_ = recognizer.Close()
		return nil, fmt.Errorf("audio capture: %w", err)
	}
	device := s.Device
	if strings.TrimSpace(device) == "" {
		device = r.cfg.Voice.Device
	}
	return stt.NewTranscriber(stt.TranscriberOptions{
		Backend:     backend,
		Opener:      opener,
		Recognizer:  recognizer,
		SampleRate:  r.cfg.Voice.SampleRate,
		FrameLength: r.cfg.Voice.FrameLength,
		Device:      device,
		Language:    s.Language,
		Logger:      r.logger,
	})
}

// shutdown releases whatever startServices acquired, newest first.
func (r *Runtime) shutdown() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.voice != nil {
		r.voice.Close()
	}
	var errs []error
	if r.transcriber != nil {
		errs = append(errs, r.transcriber.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, r.tracerClose(ctx))
		cancel()
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady also reports not ready once voice activation has given up, so
// a host can switch to another input mode.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	switch {
	case !r.ready.Load():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	case r.status != nil && !r.status.Available():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("voice activation unavailable"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

type statusResponse struct {
	Voice    *protocol.ListenerStatus `json:"voice,omitempty"`
	Sessions []eventstore.Session     `json:"sessions,omitempty"`
	Nodes    map[string]presence.Node `json:"nodes,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	var resp statusResponse
	if r.status != nil {
		status := r.status.Status()
		resp.Voice = &status
	}
	if r.history != nil {
		sessions, err := r.history.RecentSessions(req.Context(), 10)
		if err != nil {
			r.logger.Warn("failed to read recent sessions", slog.String("error", err.Error()))
		}
		resp.Sessions = sessions
	}
	if r.presence != nil {
		resp.Nodes = r.presence.Nodes(nil)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("failed to write status", slog.String("error", err.Error()))
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
