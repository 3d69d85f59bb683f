package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-wake/internal/audio"
	"github.com/loqalabs/loqa-wake/internal/wakeword/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Guest exports required by the v1 model ABI.
const (
	exportInit    = "kws_init"
	exportBuffer  = "kws_buffer"
	exportProcess = "kws_process"
)

// NewWasmLoader loads keyword models packaged as WebAssembly modules. Each
// keyword lives in modelDir/<keyword>/model.yaml; spaces in the keyword map
// to dashes.
func NewWasmLoader(modelDir string, log *slog.Logger) Loader {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "wasm-kws"))
	return LoaderFunc(func(ctx context.Context, cfg Config) (Detector, error) {
		cfg = cfg.Normalize()
		return loadWasm(ctx, modelDir, cfg, log)
	})
}

// ModelDirFor returns the directory holding the model for keyword.
func ModelDirFor(modelDir, keyword string) string {
	return filepath.Join(modelDir, strings.ReplaceAll(strings.ToLower(strings.TrimSpace(keyword)), " ", "-"))
}

func loadWasm(ctx context.Context, modelDir string, cfg Config, log *slog.Logger) (Detector, error) {
	path := filepath.Join(ModelDirFor(modelDir, cfg.Keyword), manifest.FileName)
	m, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, unsupported(cfg.Keyword)
		}
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: err}
	}
	if err := manifest.Validate(m); err != nil {
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: err}
	}
	index := m.KeywordIndex(cfg.Keyword)
	if index < 0 {
		return nil, unsupported(cfg.Keyword)
	}
	if err := checkFormat(cfg, m.Model.SampleRate, m.Model.FrameLength); err != nil {
		return nil, err
	}
	wasmBytes, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: fmt.Errorf("read wasm module: %w", err)}
	}

	d, err := instantiate(ctx, wasmBytes, m, log)
	if err != nil {
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: err}
	}
	sensitivity := api.EncodeI32(int32(math.Round(cfg.Sensitivity * 1000)))
	res, err := d.init.Call(ctx, sensitivity, api.EncodeI32(int32(index)))
	if err == nil && len(res) > 0 && api.DecodeI32(res[0]) != 0 {
		err = fmt.Errorf("%s returned %d", exportInit, api.DecodeI32(res[0]))
	}
	if err != nil {
		_ = d.Unload()
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: err}
	}
	res, err = d.buffer.Call(ctx)
	if err != nil || len(res) == 0 {
		_ = d.Unload()
		return nil, &ModelError{Kind: ErrLoadFailed, Keyword: cfg.Keyword, Err: fmt.Errorf("%s: %v", exportBuffer, err)}
	}
	d.bufPtr = api.DecodeU32(res[0])
	d.keyword = cfg.Keyword

	log.Info("keyword model loaded",
		slog.String("keyword", cfg.Keyword),
		slog.String("model", m.Metadata.Name),
		slog.String("version", m.Metadata.Version))
	return d, nil
}

type wasmDetector struct {
	rt      wazero.Runtime
	module  api.Module
	init    api.Function
	buffer  api.Function
	process api.Function
	bufPtr  uint32
	keyword string
	log     *slog.Logger

	mu       sync.Mutex
	unloaded bool
	err      error
}

var _ Failer = (*wasmDetector)(nil)

func instantiate(ctx context.Context, wasmBytes []byte, m manifest.Manifest, log *slog.Logger) (*wasmDetector, error) {
	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, log); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(m.Metadata.Name))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	d := &wasmDetector{rt: rt, module: module, log: log}
	for name, fn := range map[string]*api.Function{
		exportInit:    &d.init,
		exportBuffer:  &d.buffer,
		exportProcess: &d.process,
	} {
		*fn = module.ExportedFunction(name)
		if *fn == nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("export %q not found", name)
		}
	}
	if module.Memory() == nil {
		_ = rt.Close(ctx)
		return nil, errors.New("module exports no memory")
	}
	return d, nil
}

func (d *wasmDetector) Process(frame audio.Frame) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded || d.err != nil {
		return NoMatch
	}
	if !d.module.Memory().Write(d.bufPtr, frame.PCM()) {
		d.log.Warn("frame does not fit guest buffer", slog.Uint64("sequence", frame.Sequence()))
		return NoMatch
	}
	res, err := d.process.Call(context.Background(), api.EncodeI32(int32(frame.Len())))
	if err != nil {
		// A trapped instance is in an undefined state; it is not called again.
		d.err = &ModelError{Kind: ErrModelFailed, Keyword: d.keyword, Err: err}
		d.log.Error("keyword model trapped", slog.String("error", err.Error()))
		return NoMatch
	}
	if len(res) == 0 {
		return NoMatch
	}
	if idx := api.DecodeI32(res[0]); idx >= 0 {
		return Match(int(idx))
	}
	return NoMatch
}

// Err reports the trap that disabled the model, if any.
func (d *wasmDetector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return nil
	}
	return d.err
}

func (d *wasmDetector) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return nil
	}
	d.unloaded = true
	return d.rt.Close(context.Background())
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, log *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 || mod.Memory() == nil {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			log.Warn("host_log: unable to read guest memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		log.Debug("model log", slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
