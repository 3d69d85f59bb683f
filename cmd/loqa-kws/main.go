package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/stt"
	"github.com/loqalabs/loqa-wake/internal/wakeword"
	"github.com/loqalabs/loqa-wake/internal/wakeword/manifest"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'keywords', 'devices', 'detect' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:], os.Stdout)
	case "keywords":
		for _, k := range wakeword.BuiltinKeywords() {
			fmt.Println(k)
		}
	case "devices":
		runDevices(os.Stdout)
	case "detect":
		err = runDetect(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("file", manifest.FileName, "Path to keyword model manifest")
	sampleRate := fs.Int("sample-rate", 0, "Require this sample rate (0 skips the check)")
	frameLength := fs.Int("frame-length", 0, "Require this frame length (0 skips the check)")
	_ = fs.Parse(args)

	m, err := manifest.Load(*path)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	if *sampleRate > 0 || *frameLength > 0 {
		rate, length := *sampleRate, *frameLength
		if rate == 0 {
			rate = m.Model.SampleRate
		}
		if length == 0 {
			length = m.Model.FrameLength
		}
		if err := manifest.CheckFormat(m, rate, length); err != nil {
			return err
		}
	}
	if _, err := os.Stat(m.ModulePath()); err != nil {
		return fmt.Errorf("model module: %w", err)
	}
	fmt.Fprintf(out, "manifest valid: %s %s (%d keywords)\n", m.Metadata.Name, m.Metadata.Version, len(m.Model.Keywords))
	return nil
}

func runDevices(out io.Writer) {
	fmt.Fprintln(out, "capture backends:")
	for _, b := range audio.Backends() {
		fmt.Fprintf(out, "  %s\n", b)
	}
	fmt.Fprintln(out, "recognizer backends:")
	for _, name := range []string{string(stt.BackendMock), string(stt.BackendExec), string(stt.BackendWhisper)} {
		status := "available"
		if _, err := stt.ParseBackend(name); err != nil {
			status = "not compiled in"
		}
		fmt.Fprintf(out, "  %s (%s)\n", name, status)
	}
}

// runDetect replays a WAV file through a detector and prints every match.
func runDetect(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	file := fs.String("file", "", "WAV file to scan")
	keyword := fs.String("keyword", wakeword.DefaultKeyword, "Keyword to detect")
	sensitivity := fs.Float64("sensitivity", 0.5, "Detection sensitivity in [0,1]")
	backendName := fs.String("backend", string(wakeword.BackendEnergy), "Detector backend (energy, wasm, exec)")
	modelDir := fs.String("model-dir", "./models", "Keyword model directory for the wasm backend")
	command := fs.String("command", "", "Detector command for the exec backend")
	sampleRate := fs.Int("sample-rate", 16000, "Sample rate of the WAV file")
	frameLength := fs.Int("frame-length", 512, "Samples per frame")
	_ = fs.Parse(args)
	if *file == "" {
		return errors.New("detect requires -file")
	}

	backend, err := wakeword.ParseBackend(*backendName)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	loader, err := wakeword.NewLoader(wakeword.Options{Backend: backend, ModelDir: *modelDir, Command: *command, Logger: log})
	if err != nil {
		return err
	}
	cfg := wakeword.NewConfig(*keyword, *sensitivity, *sampleRate, *frameLength)
	capture, err := audio.OpenFile(*file, cfg.Format(""), false)
	if err != nil {
		return err
	}
	defer capture.Close()

	detector, cfg, err := wakeword.LoadWithFallback(context.Background(), loader, cfg, "", log)
	if err != nil {
		return err
	}
	defer detector.Unload()

	matches := 0
	for {
		frame, err := capture.ReadFrame(time.Second)
		if errors.Is(err, audio.ErrDisconnected) {
			break
		}
		if err != nil && !errors.Is(err, audio.ErrOverflow) {
			return err
		}
		if frame.Len() == 0 {
			continue
		}
		if verdict := detector.Process(frame); verdict.Match {
			matches++
			offset := time.Duration(frame.Sequence()) * time.Duration(cfg.FrameLength) * time.Second / time.Duration(cfg.SampleRate)
			fmt.Fprintf(out, "%s detected at %s (frame %d)\n", cfg.Keyword, offset, frame.Sequence())
		}
	}
	fmt.Fprintf(out, "%d detections\n", matches)
	return nil
}
