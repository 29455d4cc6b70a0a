package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-tts/internal/host/worker"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// GuestDataDir is where the module's data directory is mounted inside the
// guest filesystem.
const GuestDataDir = "/data"

// WasmLoader runs modules compiled as WASI reactors. Every load gets its own
// runtime so a trapped instance can be thrown away whole; compiled code is
// shared through a cache.
type WasmLoader struct {
	dataDir string
	voice   synth.Voice
	symbols Symbols
	logger  *slog.Logger
	cache   wazero.CompilationCache
}

func NewWasmLoader(dataDir string, voice synth.Voice, symbols Symbols, logger *slog.Logger) *WasmLoader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &WasmLoader{
		dataDir: dataDir,
		voice:   voice,
		symbols: symbols.WithDefaults(),
		logger:  logger.With(slog.String("component", "wasm-loader")),
		cache:   wazero.NewCompilationCache(),
	}
}

// Close releases the compilation cache.
func (l *WasmLoader) Close(ctx context.Context) error {
	return l.cache.Close(ctx)
}

type wasmInstance struct {
	rt     wazero.Runtime
	mod    api.Module
	logger *slog.Logger

	initFn, closeFn, callbackFn, speakFn api.Function

	text []byte
	sink stage.Sink
}

func (l *WasmLoader) Load(ctx context.Context, path string) (*Module, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read wasm module: %w", err)}
	}

	inst := &wasmInstance{logger: l.logger.With(slog.String("module", path))}
	inst.rt = wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCompilationCache(l.cache).
		WithCloseOnContextDone(true))
	fail := func(symbol string, err error) (*Module, error) {
		_ = inst.rt.Close(ctx)
		return nil, &LoadError{Path: path, Symbol: symbol, Err: err}
	}

	if err := inst.instantiateHostModule(ctx); err != nil {
		return fail("", fmt.Errorf("instantiate host module: %w", err))
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, inst.rt); err != nil {
		return fail("", fmt.Errorf("instantiate WASI: %w", err))
	}
	compiled, err := inst.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fail("", fmt.Errorf("compile module: %w", err))
	}

	cfg := wazero.NewModuleConfig().
		WithName("tihu").
		WithStartFunctions("_initialize").
		WithEnv(worker.EnvDataDir, GuestDataDir).
		WithEnv(worker.EnvVoice, l.voice.String()).
		WithStdout(os.Stderr).
		WithStderr(os.Stderr)
	if l.dataDir != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(l.dataDir, GuestDataDir))
	}
	inst.mod, err = inst.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return fail("", fmt.Errorf("instantiate module: %w", err))
	}

	for _, bind := range []struct {
		name string
		fn   *api.Function
	}{
		{l.symbols.Init, &inst.initFn},
		{l.symbols.Close, &inst.closeFn},
		{l.symbols.Callback, &inst.callbackFn},
		{l.symbols.Speak, &inst.speakFn},
	} {
		*bind.fn = inst.mod.ExportedFunction(bind.name)
		if *bind.fn == nil {
			return fail(bind.name, ErrSymbolNotFound)
		}
	}

	return &Module{
		Init:     inst.Init,
		Close:    inst.Close,
		Callback: inst.Callback,
		Speak:    inst.Speak,
		Unload:   inst.Unload,
	}, nil
}

func (w *wasmInstance) Init(ctx context.Context) error {
	return w.status(ctx, "init", w.initFn)
}

func (w *wasmInstance) Close(ctx context.Context) error {
	if _, err := w.closeFn.Call(ctx); err != nil {
		return &CrashError{Entry: "close", Cause: err}
	}
	return nil
}

func (w *wasmInstance) Callback(sink stage.Sink) error {
	w.sink = sink
	enabled := uint64(0)
	if sink != nil {
		enabled = 1
	}
	if _, err := w.callbackFn.Call(context.Background(), enabled); err != nil {
		return &CrashError{Entry: "callback", Cause: err}
	}
	return nil
}

// Speak stages text for the guest, which pulls it through tihu_text.
func (w *wasmInstance) Speak(ctx context.Context, text string, voice synth.Voice) error {
	w.text = []byte(text)
	defer func() { w.text = nil }()
	return w.status(ctx, "speak", w.speakFn, uint64(len(w.text)), uint64(voice))
}

func (w *wasmInstance) Unload(ctx context.Context) error {
	return w.rt.Close(ctx)
}

// status calls fn and maps a trap to a crash and a non-zero result to an
// error.
func (w *wasmInstance) status(ctx context.Context, entry string, fn api.Function, params ...uint64) error {
	results, err := fn.Call(ctx, params...)
	if err != nil {
		return &CrashError{Entry: entry, Cause: err}
	}
	if len(results) > 0 {
		if code := api.DecodeI32(results[0]); code != 0 {
			return fmt.Errorf("%s returned %d", entry, code)
		}
	}
	return nil
}

func (w *wasmInstance) instantiateHostModule(ctx context.Context) error {
	builder := w.rt.NewHostModuleBuilder("env")

	emitFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		kind := stage.Kind(api.DecodeU32(stack[0]))
		ptr := api.DecodeU32(stack[1])
		length := api.DecodeU32(stack[2])
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			w.logger.Warn("tihu_emit: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		w.sink.Emit(kind, data)
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(emitFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("tihu_emit").
		Export("tihu_emit")

	textFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		if !mod.Memory().Write(ptr, w.text) {
			panic(errors.New("tihu_text: guest buffer out of range"))
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(textFn, []api.ValueType{api.ValueTypeI32}, nil).
		WithName("tihu_text").
		Export("tihu_text")

	logFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			w.logger.Warn("tihu_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		w.logger.Info("module log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(logFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("tihu_log").
		Export("tihu_log")

	_, err := builder.Instantiate(ctx)
	return err
}
