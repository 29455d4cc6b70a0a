// Package worker implements the subprocess side of the exec loader: a module
// served over newline-delimited JSON on stdin and stdout.
//
// The worker announces itself with a hello frame listing its entry points,
// then answers one request at a time. A speak request produces any number of
// event frames followed by a done or error frame.
package worker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

// Environment passed to worker processes.
const (
	EnvDataDir = "TIHU_DATA_DIR"
	EnvLogDir  = "TIHU_LOG_DIR"
	EnvVoice   = "TIHU_VOICE"
)

const (
	OpInit     = "init"
	OpClose    = "close"
	OpCallback = "callback"
	OpSpeak    = "speak"
)

const (
	FrameHello = "hello"
	FrameEvent = "event"
	FrameDone  = "done"
	FrameError = "error"
)

// Request is sent by the host.
type Request struct {
	Op      string `json:"op"`
	Text    string `json:"text,omitempty"`
	Voice   uint32 `json:"voice,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// Frame is written by the worker.
type Frame struct {
	Type        string   `json:"type"`
	Entrypoints []string `json:"entrypoints,omitempty"`
	Kind        int      `json:"kind,omitempty"`
	DataBase64  string   `json:"data_base64,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Data decodes the payload of an event frame.
func (f Frame) Data() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.DataBase64)
}

// Module is the module served by a worker.
type Module interface {
	Init(ctx context.Context) error
	Close() error
	Callback(sink stage.Sink)
	Speak(ctx context.Context, text string, voice synth.Voice) error
}

// Serve answers requests from r until it reaches EOF. Entry point names are
// announced as given.
func Serve(ctx context.Context, r io.Reader, w io.Writer, mod Module, entrypoints []string) error {
	out := &frameWriter{enc: json.NewEncoder(w)}
	if err := out.write(Frame{Type: FrameHello, Entrypoints: entrypoints}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := out.fail(fmt.Errorf("decode request: %w", err)); werr != nil {
				return werr
			}
			continue
		}
		if err := handle(ctx, out, mod, req); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func handle(ctx context.Context, out *frameWriter, mod Module, req Request) error {
	var err error
	switch req.Op {
	case OpInit:
		err = mod.Init(ctx)
	case OpClose:
		err = mod.Close()
	case OpCallback:
		if req.Enabled {
			mod.Callback(out.event)
		} else {
			mod.Callback(nil)
		}
	case OpSpeak:
		err = mod.Speak(ctx, req.Text, synth.Voice(req.Voice))
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		return out.fail(err)
	}
	if out.err != nil {
		return out.err
	}
	return out.write(Frame{Type: FrameDone})
}

type frameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func (f *frameWriter) write(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.err = f.enc.Encode(frame)
	return f.err
}

func (f *frameWriter) event(kind stage.Kind, data []byte) {
	_ = f.write(Frame{Type: FrameEvent, Kind: int(kind), DataBase64: base64.StdEncoding.EncodeToString(data)})
}

func (f *frameWriter) fail(err error) error {
	return f.write(Frame{Type: FrameError, Error: err.Error()})
}
