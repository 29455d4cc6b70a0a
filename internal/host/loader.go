package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

var (
	// ErrUnavailable is returned by Speak while no module is ready.
	ErrUnavailable = errors.New("module unavailable")
	// ErrCrashed marks a module that failed inside an entry point.
	ErrCrashed = errors.New("module crashed")
	// ErrSymbolNotFound is returned when a module image lacks an entry point.
	ErrSymbolNotFound = errors.New("entry point not found")
)

// Symbols names the entry points resolved from a module image.
type Symbols struct {
	Init     string
	Close    string
	Callback string
	Speak    string
}

func DefaultSymbols() Symbols {
	return Symbols{
		Init:     "tihu_init",
		Close:    "tihu_close",
		Callback: "tihu_callback",
		Speak:    "tihu_speak",
	}
}

// WithDefaults fills empty names from DefaultSymbols.
func (s Symbols) WithDefaults() Symbols {
	d := DefaultSymbols()
	if s.Init == "" {
		s.Init = d.Init
	}
	if s.Close == "" {
		s.Close = d.Close
	}
	if s.Callback == "" {
		s.Callback = d.Callback
	}
	if s.Speak == "" {
		s.Speak = d.Speak
	}
	return s
}

func (s Symbols) list() []string {
	return []string{s.Init, s.Close, s.Callback, s.Speak}
}

// Module is the table of entry points bound by a loader. The host never sees
// raw symbols.
type Module struct {
	Init     func(ctx context.Context) error
	Close    func(ctx context.Context) error
	Callback func(sink stage.Sink) error
	Speak    func(ctx context.Context, text string, voice synth.Voice) error
	// Unload releases the image itself after Close.
	Unload func(ctx context.Context) error
}

// Loader resolves a module image into its entry point table.
type Loader interface {
	Load(ctx context.Context, path string) (*Module, error)
}

// LoadError reports a module image that could not be loaded or bound.
type LoadError struct {
	Path   string
	Symbol string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("load module %s: %s: %v", e.Path, e.Symbol, e.Err)
	}
	return fmt.Sprintf("load module %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// CrashError reports a failure raised inside an entry point rather than
// returned by it: a recovered panic, a runtime trap or a dead worker.
type CrashError struct {
	Entry string
	Cause any
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("%s crashed: %v", e.Entry, e.Cause)
}

func (e *CrashError) Unwrap() []error {
	errs := []error{ErrCrashed}
	if err, ok := e.Cause.(error); ok {
		errs = append(errs, err)
	}
	return errs
}
