package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

// Entrypoints is what an in-process module exports.
type Entrypoints interface {
	Init(ctx context.Context) error
	Close() error
	Callback(sink stage.Sink)
	Speak(ctx context.Context, text string, voice synth.Voice) error
}

// BuiltinLoader binds modules linked into the binary. Open receives the load
// path and builds a fresh module for every load. Panics raised by an entry
// point are recovered and reported as *CrashError.
type BuiltinLoader struct {
	Open func(path string) (Entrypoints, error)
}

func (l BuiltinLoader) Load(_ context.Context, path string) (*Module, error) {
	if l.Open == nil {
		return nil, &LoadError{Path: path, Err: errors.New("no builtin module registered")}
	}
	ep, err := l.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if ep == nil {
		return nil, &LoadError{Path: path, Err: ErrSymbolNotFound}
	}
	return &Module{
		Init: func(ctx context.Context) error {
			return guard("init", func() error { return ep.Init(ctx) })
		},
		Close: func(context.Context) error {
			return guard("close", ep.Close)
		},
		Callback: func(sink stage.Sink) error {
			return guard("callback", func() error { ep.Callback(sink); return nil })
		},
		Speak: func(ctx context.Context, text string, voice synth.Voice) error {
			return guard("speak", func() error { return ep.Speak(ctx, text, voice) })
		},
		Unload: func(context.Context) error { return nil },
	}, nil
}

func guard(entry string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CrashError{Entry: entry, Cause: r}
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", entry, err)
	}
	return nil
}
