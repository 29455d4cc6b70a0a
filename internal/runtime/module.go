package runtime

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/host"
	"github.com/loqalabs/loqa-tts/internal/host/manifest"
)

// resolveManifest loads the configured module manifest. Without one the
// engine is linked in over engine.data_dir.
func resolveManifest(cfg config.Config) (manifest.Manifest, error) {
	if cfg.Host.Manifest == "" {
		return manifest.Manifest{
			Metadata:     manifest.Metadata{Name: cfg.RuntimeName, Version: "builtin"},
			Runtime:      manifest.RuntimeSpec{Mode: manifest.ModeBuiltin},
			DataDir:      cfg.Engine.DataDir,
			DefaultVoice: cfg.Host.DefaultVoice,
		}, nil
	}
	m, err := manifest.Load(cfg.Host.Manifest)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("load module manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("invalid module manifest %s: %w", cfg.Host.Manifest, err)
	}
	if m.DefaultVoice == "" {
		m.DefaultVoice = cfg.Host.DefaultVoice
	}
	return m, nil
}

func bindModule(cfg config.Config, m manifest.Manifest, logger *slog.Logger) (host.Binding, error) {
	return host.Bind(m, engine.Config{
		DataDir:        cfg.Engine.DataDir,
		LogDir:         cfg.Engine.LogDir,
		UserDictionary: cfg.Engine.UserDictionary,
		DumpEnabled:    cfg.Engine.DumpEnabled,
	}, logger)
}
