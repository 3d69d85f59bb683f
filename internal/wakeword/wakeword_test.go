package wakeword

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/wakeword/manifest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func constantFrame(seq uint64, value int16, n int) audio.Frame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.NewFrame(seq, samples, time.Now())
}

func TestNewConfigClampsSensitivity(t *testing.T) {
	if cfg := NewConfig(" Jarvis ", 1.7, 16000, 512); cfg.Sensitivity != 1 || cfg.Keyword != "jarvis" {
		t.Fatalf("unexpected normalized config %+v", cfg)
	}
	if cfg := NewConfig("jarvis", -0.2, 16000, 512); cfg.Sensitivity != 0 {
		t.Fatalf("expected sensitivity clamped to 0, got %v", cfg.Sensitivity)
	}
}

func TestThresholdDecreasesWithSensitivity(t *testing.T) {
	prev := Threshold(0)
	for s := 0.1; s <= 1.0001; s += 0.1 {
		cur := Threshold(s)
		if cur >= prev {
			t.Fatalf("threshold not strictly decreasing at %.1f: %v >= %v", s, cur, prev)
		}
		prev = cur
	}
	if Threshold(2) != Threshold(1) || Threshold(-1) != Threshold(0) {
		t.Fatal("threshold should clamp out-of-range sensitivity")
	}
}

func TestEnergyDetectorHoldAndRefractory(t *testing.T) {
	loader := NewEnergyLoader(EnergyOptions{HoldFrames: 2, RefractoryFrames: 2})
	det, err := loader.Load(context.Background(), NewConfig("jarvis", 0.5, 16000, 16))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = det.Unload() })

	loud := int16(Threshold(0.5) + 100)
	var verdicts []Verdict
	for seq := uint64(0); seq < 6; seq++ {
		verdicts = append(verdicts, det.Process(constantFrame(seq, loud, 16)))
	}
	// hit on frame 1, frames 2-3 refractory, second hit on frame 5
	want := []bool{false, true, false, false, false, true}
	for i, v := range verdicts {
		if v.Match != want[i] {
			t.Fatalf("frame %d: match=%v want %v", i, v.Match, want[i])
		}
	}
	if det.Process(constantFrame(6, 10, 16)).Match {
		t.Fatal("quiet frame should not match")
	}
	if err := det.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := det.Unload(); err != nil {
		t.Fatalf("second unload: %v", err)
	}
}

func TestEnergyDetectorSensitivityIsMonotonic(t *testing.T) {
	level := int16(Threshold(0.5))
	loader := NewEnergyLoader(EnergyOptions{HoldFrames: 1})
	quiet, _ := loader.Load(context.Background(), NewConfig("jarvis", 0.2, 16000, 16))
	keen, _ := loader.Load(context.Background(), NewConfig("jarvis", 0.8, 16000, 16))
	if quiet.Process(constantFrame(0, level, 16)).Match {
		t.Fatal("low sensitivity should ignore a mid-level frame")
	}
	if !keen.Process(constantFrame(0, level, 16)).Match {
		t.Fatal("high sensitivity should fire on a mid-level frame")
	}
}

func TestLoadWithFallback(t *testing.T) {
	loader := NewEnergyLoader(EnergyOptions{})
	det, cfg, err := LoadWithFallback(context.Background(), loader, NewConfig("friday", 0.5, 16000, 512), DefaultKeyword, newLogger())
	if err != nil {
		t.Fatalf("expected fallback to succeed: %v", err)
	}
	defer det.Unload()
	if cfg.Keyword != DefaultKeyword {
		t.Fatalf("expected fallback keyword, got %q", cfg.Keyword)
	}

	if _, _, err := LoadWithFallback(context.Background(), loader, NewConfig("friday", 0.5, 16000, 512), "", newLogger()); !errors.Is(err, ErrUnsupportedKeyword) {
		t.Fatalf("expected unsupported keyword without fallback, got %v", err)
	}

	calls := 0
	failing := LoaderFunc(func(context.Context, Config) (Detector, error) {
		calls++
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: "jarvis", Err: errors.New("corrupt")}
	})
	if _, _, err := LoadWithFallback(context.Background(), failing, NewConfig("jarvis", 0.5, 16000, 512), "computer", newLogger()); !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected load failure passthrough, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-keyword errors must not trigger fallback, got %d calls", calls)
	}
}

func TestParseBackend(t *testing.T) {
	if b, err := ParseBackend("WASM"); err != nil || b != BackendWasm {
		t.Fatalf("expected wasm backend, got %q %v", b, err)
	}
	if _, err := ParseBackend("porcupine"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

const jarvisManifest = `metadata:
  name: jarvis-kws
  version: 0.1.0
model:
  mode: wasm
  module: jarvis.wasm
  keywords: [jarvis]
  sample_rate: 16000
  frame_length: 512
`

func writeModel(t *testing.T, dir string, wasm []byte) {
	t.Helper()
	modelDir := ModelDirFor(dir, "jarvis")
	if err := os.MkdirAll(modelDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, manifest.FileName), []byte(jarvisManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(modelDir, "jarvis.wasm"), wasm, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWasmLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewWasmLoader(dir, newLogger())
	ctx := context.Background()

	if _, err := loader.Load(ctx, NewConfig("computer", 0.5, 16000, 512)); !errors.Is(err, ErrUnsupportedKeyword) {
		t.Fatalf("expected unsupported keyword for missing model, got %v", err)
	}

	writeModel(t, dir, []byte("not wasm"))
	if _, err := loader.Load(ctx, NewConfig("jarvis", 0.5, 16000, 480)); !errors.Is(err, ErrFormatMismatch) {
		t.Fatalf("expected format mismatch, got %v", err)
	}
	_, err := loader.Load(ctx, NewConfig("jarvis", 0.5, 16000, 512))
	var modelErr *ModelError
	if !errors.As(err, &modelErr) || !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("expected load failure for invalid module, got %v", err)
	}
}

const fakeModelScript = `read hello
case "$hello" in
  *'"keyword":"jarvis"'*) echo '{"ok":true}' ;;
  *) echo '{"ok":false,"error":"unsupported_keyword"}'; exit 0 ;;
esac
n=0
while read frame; do
  n=$((n+1))
  if [ "$n" -eq 3 ]; then echo '{"keyword_index":0}'; else echo '{"keyword_index":-1}'; fi
done
`

func TestExecDetectorProtocol(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(script, []byte(fakeModelScript), 0o755); err != nil {
		t.Fatal(err)
	}
	loader, err := NewExecLoader("sh "+script, newLogger())
	if err != nil {
		t.Fatalf("new exec loader: %v", err)
	}
	ctx := context.Background()

	if _, err := loader.Load(ctx, NewConfig("alexa", 0.5, 16000, 16)); !errors.Is(err, ErrUnsupportedKeyword) {
		t.Fatalf("expected unsupported keyword from model process, got %v", err)
	}

	det, err := loader.Load(ctx, NewConfig("jarvis", 0.5, 16000, 16))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for seq := uint64(0); seq < 4; seq++ {
		v := det.Process(constantFrame(seq, 0, 16))
		if v.Match != (seq == 2) {
			t.Fatalf("frame %d: unexpected verdict %+v", seq, v)
		}
	}
	if err := det.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if det.Process(constantFrame(4, 0, 16)).Match {
		t.Fatal("unloaded detector must not match")
	}
}

// echoModule is a minimal v1 keyword model: kws_init returns 0, kws_buffer
// returns 16, and kws_process returns the first sample of the frame as the
// keyword index. A zero-length frame hits unreachable.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x10, 0x03, 0x60,
	0x02, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x01, 0x7f,
	0x01, 0x7f, 0x03, 0x04, 0x03, 0x00, 0x01, 0x02, 0x05, 0x03, 0x01, 0x00,
	0x01, 0x07, 0x30, 0x04, 0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02,
	0x00, 0x08, 0x6b, 0x77, 0x73, 0x5f, 0x69, 0x6e, 0x69, 0x74, 0x00, 0x00,
	0x0a, 0x6b, 0x77, 0x73, 0x5f, 0x62, 0x75, 0x66, 0x66, 0x65, 0x72, 0x00,
	0x01, 0x0b, 0x6b, 0x77, 0x73, 0x5f, 0x70, 0x72, 0x6f, 0x63, 0x65, 0x73,
	0x73, 0x00, 0x02, 0x0a, 0x1a, 0x03, 0x04, 0x00, 0x41, 0x00, 0x0b, 0x04,
	0x00, 0x41, 0x10, 0x0b, 0x0e, 0x00, 0x20, 0x00, 0x45, 0x04, 0x40, 0x00,
	0x0b, 0x41, 0x10, 0x2e, 0x01, 0x00, 0x0b,
}

func TestWasmDetectorRunsModule(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, echoModule)
	loader := NewWasmLoader(dir, newLogger())

	det, err := loader.Load(context.Background(), NewConfig("jarvis", 0.5, 16000, 512))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v := det.Process(constantFrame(0, -1, 512)); v.Match {
		t.Fatalf("negative index must not match, got %+v", v)
	}
	if v := det.Process(constantFrame(1, 7, 512)); !v.Match || v.KeywordIndex != 7 {
		t.Fatalf("expected match on keyword 7, got %+v", v)
	}
	if err := det.(Failer).Err(); err != nil {
		t.Fatalf("healthy model reported %v", err)
	}
	if err := det.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := det.Unload(); err != nil {
		t.Fatalf("second unload: %v", err)
	}
	if det.Process(constantFrame(2, 7, 512)).Match {
		t.Fatal("unloaded detector must not match")
	}
}

func TestWasmDetectorTrapDisablesModel(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, echoModule)
	det, err := NewWasmLoader(dir, newLogger()).Load(context.Background(), NewConfig("jarvis", 0.5, 16000, 512))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = det.Unload() })

	if det.Process(audio.NewFrame(0, nil, time.Now())).Match {
		t.Fatal("trapped call must not match")
	}
	if err := det.(Failer).Err(); !errors.Is(err, ErrModelFailed) {
		t.Fatalf("expected model failure after trap, got %v", err)
	}
	if det.Process(constantFrame(1, 7, 512)).Match {
		t.Fatal("model must not be called again after a trap")
	}
}

const errorReplyModelScript = `read hello
echo '{"ok":true}'
read frame
echo '{}'
read frame
echo '{"error":"bad frame"}'
while read frame; do echo '{"keyword_index":0}'; done
`

func TestExecDetectorErrorReply(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "model.sh")
	if err := os.WriteFile(script, []byte(errorReplyModelScript), 0o755); err != nil {
		t.Fatal(err)
	}
	loader, err := NewExecLoader("sh "+script, newLogger())
	if err != nil {
		t.Fatalf("new exec loader: %v", err)
	}
	det, err := loader.Load(context.Background(), NewConfig("jarvis", 0.5, 16000, 16))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = det.Unload() })

	if v := det.Process(constantFrame(0, 0, 16)); v.Match {
		t.Fatalf("reply without keyword_index must not match, got %+v", v)
	}
	if err := det.(Failer).Err(); err != nil {
		t.Fatalf("empty reply is not a failure, got %v", err)
	}
	if v := det.Process(constantFrame(1, 0, 16)); v.Match {
		t.Fatalf("error reply must not match, got %+v", v)
	}
	err = det.(Failer).Err()
	if !errors.Is(err, ErrModelFailed) {
		t.Fatalf("expected model failure, got %v", err)
	}
	if det.Process(constantFrame(2, 0, 16)).Match {
		t.Fatal("failed detector must not be asked again")
	}
}
