package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/host/manifest"
	"github.com/loqalabs/loqa-tts/internal/host/worker"
	"github.com/loqalabs/loqa-tts/internal/module"
)

// Binding is a loader together with the path it loads.
type Binding struct {
	Loader Loader
	Path   string
	close  func(context.Context) error
}

// Close releases loader-wide resources such as compiled code caches.
func (b Binding) Close(ctx context.Context) error {
	if b.close == nil {
		return nil
	}
	return b.close(ctx)
}

// Bind selects the loader for m. base supplies engine settings for modules
// run in-process or in a worker; its data dir is taken from the manifest.
func Bind(m manifest.Manifest, base engine.Config, logger *slog.Logger) (Binding, error) {
	symbols := Symbols(m.Runtime.Entrypoints).WithDefaults()
	switch m.Runtime.Mode {
	case manifest.ModeBuiltin:
		loader := BuiltinLoader{Open: func(path string) (Entrypoints, error) {
			cfg := base
			cfg.DataDir = path
			return module.New(cfg, m.Voice(), logger), nil
		}}
		return Binding{Loader: loader, Path: m.DataDir}, nil
	case manifest.ModeWasm:
		loader := NewWasmLoader(m.DataDir, m.Voice(), symbols, logger)
		return Binding{Loader: loader, Path: m.Runtime.Module, close: loader.Close}, nil
	case manifest.ModeExec:
		env := []string{
			worker.EnvDataDir + "=" + m.DataDir,
			worker.EnvVoice + "=" + m.Voice().String(),
		}
		if base.DumpEnabled && base.LogDir != "" {
			env = append(env, worker.EnvLogDir+"="+base.LogDir)
		}
		return Binding{Loader: ExecLoader{Symbols: symbols, Env: env, Logger: logger}, Path: m.Runtime.Module}, nil
	default:
		return Binding{}, fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
}
