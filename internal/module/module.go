// Package module is the loadable side of the host boundary. A Module owns
// one engine and exposes it through the four entry points every loader binds:
// init, close, callback and speak.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

// ErrNotInitialized is returned by Speak before Init succeeded.
var ErrNotInitialized = errors.New("module not initialized")

type Module struct {
	cfg          engine.Config
	defaultVoice synth.Voice
	logger       *slog.Logger
	opts         []engine.Option

	eng  *engine.Engine
	sink stage.Sink
}

func New(cfg engine.Config, defaultVoice synth.Voice, logger *slog.Logger, opts ...engine.Option) *Module {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &Module{
		cfg:          cfg,
		defaultVoice: defaultVoice,
		logger:       logger.With(slog.String("component", "module")),
		opts:         opts,
	}
}

// Init builds the engine, loads every stage and the default voice. A module
// that fails to initialize holds no engine.
func (m *Module) Init(ctx context.Context) error {
	if m.eng != nil {
		return nil
	}
	eng := engine.New(m.cfg, m.logger, m.opts...)
	eng.SetCallback(m.sink)
	if err := eng.LoadModules(ctx); err != nil {
		_ = eng.Close()
		return err
	}
	if err := eng.LoadSynthesizer(ctx, m.defaultVoice); err != nil {
		_ = eng.Close()
		return err
	}
	m.eng = eng
	return nil
}

// Close releases the engine. Closing twice is a no-op.
func (m *Module) Close() error {
	if m.eng == nil {
		return nil
	}
	err := m.eng.Close()
	m.eng = nil
	return err
}

// Callback installs the sink receiving stage notifications. It may be called
// before Init.
func (m *Module) Callback(sink stage.Sink) {
	m.sink = sink
	if m.eng != nil {
		m.eng.SetCallback(sink)
	}
}

// Speak switches to voice when it differs from the active one and runs the
// pipeline over text.
func (m *Module) Speak(ctx context.Context, text string, voice synth.Voice) error {
	if m.eng == nil {
		return ErrNotInitialized
	}
	if !voice.Valid() {
		return fmt.Errorf("unknown voice %d", uint32(voice))
	}
	if active, ok := m.eng.Voice(); !ok || active != voice {
		if err := m.eng.LoadSynthesizer(ctx, voice); err != nil {
			return err
		}
	}
	return m.eng.Speak(ctx, text)
}

// Engine exposes the underlying engine for parameter control.
func (m *Module) Engine() *engine.Engine {
	return m.eng
}
