package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/host/worker"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"github.com/mattn/go-shellwords"
)

// ExecLoader runs the module in a worker subprocess. The load path is a
// command line; the worker must announce every entry point in its hello
// frame. A worker that exits or breaks the stream mid-call has crashed.
type ExecLoader struct {
	Symbols Symbols
	// Env is appended to the host environment of the worker.
	Env    []string
	Logger *slog.Logger
}

func (l ExecLoader) Load(ctx context.Context, path string) (*Module, error) {
	args, err := shellwords.NewParser().Parse(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("parse worker command: %w", err)}
	}
	if len(args) == 0 {
		return nil, &LoadError{Path: path, Err: errors.New("worker command empty")}
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	w := &execWorker{cmd: cmd, stdin: stdin, scanner: bufio.NewScanner(stdout), logger: l.Logger}
	w.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	stopWatch := context.AfterFunc(ctx, w.kill)
	hello, err := w.next()
	stopWatch()
	if err != nil {
		w.kill()
		_ = w.wait()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("read hello: %w", err)}
	}
	if hello.Type != worker.FrameHello {
		w.kill()
		_ = w.wait()
		return nil, &LoadError{Path: path, Err: fmt.Errorf("unexpected %q frame before hello", hello.Type)}
	}
	for _, sym := range l.Symbols.WithDefaults().list() {
		if !slices.Contains(hello.Entrypoints, sym) {
			w.kill()
			_ = w.wait()
			return nil, &LoadError{Path: path, Symbol: sym, Err: ErrSymbolNotFound}
		}
	}

	return &Module{
		Init: func(ctx context.Context) error {
			return w.call(ctx, "init", worker.Request{Op: worker.OpInit}, nil)
		},
		Close: func(ctx context.Context) error {
			return w.call(ctx, "close", worker.Request{Op: worker.OpClose}, nil)
		},
		Callback: func(sink stage.Sink) error {
			w.sink = sink
			return w.call(context.Background(), "callback", worker.Request{Op: worker.OpCallback, Enabled: sink != nil}, nil)
		},
		Speak: func(ctx context.Context, text string, voice synth.Voice) error {
			return w.call(ctx, "speak", worker.Request{Op: worker.OpSpeak, Text: text, Voice: uint32(voice)}, w.sink)
		},
		Unload: func(context.Context) error {
			_ = w.stdin.Close()
			return w.wait()
		},
	}, nil
}

type execWorker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	sink    stage.Sink
	logger  *slog.Logger

	mu     sync.Mutex
	dead   bool
	waited bool
}

// call sends one request and consumes frames until the worker answers it.
func (w *execWorker) call(ctx context.Context, entry string, req worker.Request, sink stage.Sink) error {
	if w.isDead() {
		return &CrashError{Entry: entry, Cause: errors.New("worker exited")}
	}
	stop := context.AfterFunc(ctx, w.kill)
	defer stop()

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		return w.crashed(ctx, entry, err)
	}
	for {
		frame, err := w.next()
		if err != nil {
			return w.crashed(ctx, entry, err)
		}
		switch frame.Type {
		case worker.FrameEvent:
			payload, err := frame.Data()
			if err != nil {
				return w.crashed(ctx, entry, fmt.Errorf("decode event: %w", err))
			}
			sink.Emit(stage.Kind(frame.Kind), payload)
		case worker.FrameDone:
			return nil
		case worker.FrameError:
			return fmt.Errorf("%s: %s", entry, frame.Error)
		default:
			return w.crashed(ctx, entry, fmt.Errorf("unexpected %q frame", frame.Type))
		}
	}
}

func (w *execWorker) next() (worker.Frame, error) {
	for w.scanner.Scan() {
		line := w.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame worker.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return worker.Frame{}, err
		}
		return frame, nil
	}
	if err := w.scanner.Err(); err != nil {
		return worker.Frame{}, err
	}
	return worker.Frame{}, io.ErrUnexpectedEOF
}

func (w *execWorker) crashed(ctx context.Context, entry string, cause error) error {
	w.kill()
	if ctx.Err() != nil {
		cause = errors.Join(cause, ctx.Err())
	}
	return &CrashError{Entry: entry, Cause: cause}
}

func (w *execWorker) kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

func (w *execWorker) isDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

func (w *execWorker) wait() error {
	w.mu.Lock()
	if w.waited {
		w.mu.Unlock()
		return nil
	}
	w.waited = true
	killed := w.dead
	w.mu.Unlock()

	err := w.cmd.Wait()
	if killed {
		return nil
	}
	if err != nil && w.logger != nil {
		w.logger.Warn("worker exited with error", slog.Int("pid", w.cmd.Process.Pid), slogError(err))
	}
	return err
}
