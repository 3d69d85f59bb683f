package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultRecordDuration = 5 * time.Second

// Buffer is recorded mono 16-bit audio.
type Buffer struct {
	Samples    []int16
	SampleRate int
}

func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// PCM returns the buffer as little-endian bytes.
func (b Buffer) PCM() []byte {
	out := make([]byte, len(b.Samples)*2)
	for i, s := range b.Samples {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// TranscriberOptions configures a Transcriber.
type TranscriberOptions struct {
	Backend     Backend
	Opener      audio.Opener
	Recognizer  Recognizer
	SampleRate  int
	FrameLength int
	Device      string
	Language    string
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Transcriber records short utterances on its own capture and turns them into
// text. It never shares a device with the wake word listener.
type Transcriber struct {
	opts   TranscriberOptions
	log    *slog.Logger
	tracer trace.Tracer
}

func NewTranscriber(opts TranscriberOptions) (*Transcriber, error) {
	if opts.Opener == nil {
		return nil, errors.New("transcriber requires an audio opener")
	}
	if opts.Recognizer == nil {
		return nil, errors.New("transcriber requires a recognizer")
	}
	if opts.SampleRate <= 0 || opts.FrameLength <= 0 {
		return nil, errors.New("transcriber requires a positive sample rate and frame length")
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transcriber{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "stt")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-wake/stt"),
	}, nil
}

// Record captures duration of audio. The device is closed on every return path.
func (t *Transcriber) Record(ctx context.Context, duration time.Duration) (Buffer, error) {
	if duration <= 0 {
		duration = DefaultRecordDuration
	}
	ctx, span := t.tracer.Start(ctx, "stt.record", trace.WithAttributes(
		attribute.Int64("duration_ms", duration.Milliseconds())))
	defer span.End()

	format := audio.Format{
		SampleRate:  t.opts.SampleRate,
		Channels:    1,
		FrameLength: t.opts.FrameLength,
		Device:      t.opts.Device,
	}
	capture, err := t.opts.Opener.Open(ctx, format)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open capture")
		return Buffer{}, err
	}
	defer func() {
		if cerr := capture.Close(); cerr != nil {
			t.log.Warn("failed to close recording capture", slogError(cerr))
		}
	}()

	need := int(int64(duration) * int64(t.opts.SampleRate) / int64(time.Second))
	samples := make([]int16, 0, need)
	for len(samples) < need {
		if err := ctx.Err(); err != nil {
			return Buffer{}, err
		}
		frame, err := capture.ReadFrame(t.opts.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, audio.ErrTimeout):
			continue
		case errors.Is(err, audio.ErrOverflow):
			t.log.Debug("overflow while recording", slog.Uint64("sequence", frame.Sequence()))
		default:
			var devErr *audio.DeviceError
			if !errors.As(err, &devErr) {
				err = &audio.DeviceError{Op: "read", Device: t.opts.Device, Err: err}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "read capture")
			return Buffer{}, err
		}
		samples = append(samples, frame.Samples()...)
	}
	return Buffer{Samples: samples[:need], SampleRate: t.opts.SampleRate}, nil
}

// Transcribe runs the recognizer over buf. Each call is independent.
func (t *Transcriber) Transcribe(ctx context.Context, buf Buffer, language string) (Result, error) {
	if language == "" {
		language = t.opts.Language
	}
	ctx, span := t.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("backend", string(t.opts.Backend)),
		attribute.String("language", language),
		attribute.Int("samples", len(buf.Samples))))
	defer span.End()

	if len(buf.Samples) == 0 {
		return Result{}, &ModelError{Backend: t.opts.Backend, Err: ErrEmptyBuffer}
	}
	started := time.Now()
	result, err := t.opts.Recognizer.Transcribe(ctx, buf.PCM(), buf.SampleRate, 1, language)
	if err != nil {
		var modelErr *ModelError
		if !errors.As(err, &modelErr) {
			err = &ModelError{Backend: t.opts.Backend, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcribe")
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("text_length", len(result.Text)))
	t.log.Info("transcription complete",
		slog.String("language", result.Language),
		slog.Duration("audio", buf.Duration()),
		slog.Duration("elapsed", time.Since(started)))
	return result, nil
}

// Listen records duration of audio and transcribes it.
func (t *Transcriber) Listen(ctx context.Context, duration time.Duration, language string) (Result, error) {
	buf, err := t.Record(ctx, duration)
	if err != nil {
		return Result{}, fmt.Errorf("record: %w", err)
	}
	return t.Transcribe(ctx, buf, language)
}

func (t *Transcriber) Close() error {
	return t.opts.Recognizer.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
