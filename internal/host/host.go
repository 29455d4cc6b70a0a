// Package host loads a speech module image, binds its entry points and keeps
// it serving across crashes. A speak call that crashes closes and reloads the
// module so the next request finds it ready again.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

type Option func(*Host)

// WithJournal mirrors lifecycle diagnostics into j.
func WithJournal(j *Journal) Option {
	return func(h *Host) { h.journal = j }
}

type Host struct {
	loader  Loader
	path    string
	logger  *slog.Logger
	journal *Journal

	mu    sync.Mutex
	state atomic.Int32
	mod   *Module
	sink  stage.Sink

	crashes  metric.Int64Counter
	reloads  metric.Int64Counter
	duration metric.Float64Histogram
}

func New(loader Loader, path string, logger *slog.Logger, opts ...Option) *Host {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	h := &Host{
		loader: loader,
		path:   path,
		logger: logger.With(slog.String("component", "host")),
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.initMetrics(); err != nil {
		h.logger.Warn("failed to initialize host metrics", slogError(err))
	}
	return h
}

func (h *Host) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/host")
	var errs []error
	var err error
	if h.crashes, err = meter.Int64Counter("loqa.tts.host.crashes", metric.WithDescription("Speak calls that crashed the module")); err != nil {
		h.crashes = noop.Int64Counter{}
		errs = append(errs, err)
	}
	if h.reloads, err = meter.Int64Counter("loqa.tts.host.reloads", metric.WithDescription("Module reloads after a crash or operator request")); err != nil {
		h.reloads = noop.Int64Counter{}
		errs = append(errs, err)
	}
	if h.duration, err = meter.Float64Histogram("loqa.tts.host.speak.duration", metric.WithUnit("s"), metric.WithDescription("Speak call latency")); err != nil {
		h.duration = noop.Float64Histogram{}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// State reports the lifecycle state without waiting for an in-flight call.
func (h *Host) State() State {
	return State(h.state.Load())
}

// Ready reports whether a Speak call would reach the module.
func (h *Host) Ready() bool {
	s := h.State()
	return s == StateReady || s == StateSpeaking
}

// Init loads the module and binds its entry points. On failure the host stays
// unloaded and the error is returned; Init never retries on its own.
func (h *Host) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mod != nil {
		return nil
	}
	return h.initLocked(ctx)
}

// Close shuts the module down. Closing an unloaded host is a no-op.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked(ctx)
}

// Reload closes and reinitialises the module. It is the way back for a host
// left unloaded by a failed load.
func (h *Host) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(ctx, slog.LevelInfo, "module reload requested")
	if err := h.closeLocked(ctx); err != nil {
		h.record(ctx, slog.LevelWarn, "module close failed", slogError(err))
	}
	h.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "operator")))
	return h.initLocked(ctx)
}

// Speak runs text through the module with voice, delivering notifications to
// sink before it returns. An error the module returns, such as a voice that
// fails to load, goes back to the caller and the module stays loaded. A crash
// or an overrun deadline closes and reloads the module and is not reported to
// the caller. Only a reload that itself fails leaves the host unloaded.
func (h *Host) Speak(ctx context.Context, text string, voice synth.Voice, sink stage.Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mod == nil || h.State() != StateReady {
		return ErrUnavailable
	}

	h.setState(StateSpeaking)
	h.sink = sink
	start := time.Now()
	err := h.mod.Speak(ctx, text, voice)
	h.sink = nil
	h.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("voice", voice.String())))

	if !isCrash(err) {
		h.setState(StateReady)
		if err != nil {
			h.record(ctx, slog.LevelWarn, "module rejected speak", slog.String("voice", voice.String()), slogError(err))
		}
		return err
	}

	h.crashes.Add(ctx, 1)
	h.record(ctx, slog.LevelError, "module crashed during speak",
		slog.String("voice", voice.String()), slogError(err))

	// Cleanup must not inherit the deadline that may have caused the crash.
	cleanupCtx := context.WithoutCancel(ctx)
	if cerr := h.closeLocked(cleanupCtx); cerr != nil {
		h.record(ctx, slog.LevelWarn, "closing crashed module failed", slogError(cerr))
	}
	h.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "crash")))
	if ierr := h.initLocked(cleanupCtx); ierr != nil {
		h.record(ctx, slog.LevelError, "module reload after crash failed", slogError(ierr))
	}
	return nil
}

// isCrash reports whether err leaves the module in an unknown state. A module
// still running when its deadline passed counts as crashed.
func isCrash(err error) bool {
	return errors.Is(err, ErrCrashed) || errors.Is(err, context.DeadlineExceeded)
}

func (h *Host) initLocked(ctx context.Context) error {
	h.setState(StateLoading)
	mod, err := h.loader.Load(ctx, h.path)
	if err != nil {
		h.setState(StateUnloaded)
		h.record(ctx, slog.LevelError, "module load failed", slogError(err))
		return err
	}
	if err := mod.Init(ctx); err != nil {
		h.discard(ctx, mod, false)
		h.setState(StateUnloaded)
		lerr := &LoadError{Path: h.path, Symbol: "init", Err: err}
		h.record(ctx, slog.LevelError, "module init failed", slogError(lerr))
		return lerr
	}
	if err := mod.Callback(h.emit); err != nil {
		h.discard(ctx, mod, true)
		h.setState(StateUnloaded)
		lerr := &LoadError{Path: h.path, Symbol: "callback", Err: err}
		h.record(ctx, slog.LevelError, "module callback registration failed", slogError(lerr))
		return lerr
	}
	h.mod = mod
	h.setState(StateReady)
	h.record(ctx, slog.LevelInfo, "module ready")
	return nil
}

func (h *Host) closeLocked(ctx context.Context) error {
	if h.mod == nil {
		h.setState(StateUnloaded)
		return nil
	}
	mod := h.mod
	h.mod = nil
	h.setState(StateUnloaded)
	var errs []error
	if err := mod.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := mod.Unload(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unload: %w", err))
	}
	h.record(ctx, slog.LevelInfo, "module closed")
	return errors.Join(errs...)
}

func (h *Host) discard(ctx context.Context, mod *Module, initialized bool) {
	if initialized {
		_ = mod.Close(ctx)
	}
	if err := mod.Unload(ctx); err != nil {
		h.logger.Warn("module unload failed", slogError(err))
	}
}

// emit is registered with the module once per load and forwards to the sink
// of the call in flight.
func (h *Host) emit(kind stage.Kind, data []byte) {
	h.sink.Emit(kind, data)
}

func (h *Host) setState(s State) {
	h.state.Store(int32(s))
}

func (h *Host) record(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("module", h.path), slog.String("state", h.State().String())}, attrs...)
	h.logger.LogAttrs(ctx, level, msg, attrs...)
	h.journal.Log(ctx, level, msg, attrs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
