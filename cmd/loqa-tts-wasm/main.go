//go:build wasip1

// Command loqa-tts-wasm builds the speech module as a WASI reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o tihu.wasm ./cmd/loqa-tts-wasm
//
// The host mounts the data directory at /data and supplies the text of each
// speak call through tihu_text.
package main

import (
	"context"
	"log/slog"
	"os"
	"unsafe"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/host/worker"
	"github.com/loqalabs/loqa-tts/internal/module"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

var mod *module.Module

func main() {}

func dataDir() string {
	if dir := os.Getenv(worker.EnvDataDir); dir != "" {
		return dir
	}
	return "/data"
}

func defaultVoice() synth.Voice {
	if v, err := synth.ParseVoice(os.Getenv(worker.EnvVoice)); err == nil {
		return v
	}
	return synth.VoiceDiphoneMale
}

//go:wasmexport tihu_init
func tihuInit() int32 {
	if mod == nil {
		logger := slog.New(slog.NewTextHandler(logWriter{}, nil))
		mod = module.New(engine.Config{DataDir: dataDir()}, defaultVoice(), logger)
	}
	if err := mod.Init(context.Background()); err != nil {
		hostLogString("init failed: " + err.Error())
		return int32(engine.CodeOf(err))
	}
	return 0
}

//go:wasmexport tihu_close
func tihuClose() {
	if mod != nil {
		_ = mod.Close()
	}
}

//go:wasmexport tihu_callback
func tihuCallback(enabled uint32) {
	if mod == nil {
		return
	}
	if enabled == 0 {
		mod.Callback(nil)
		return
	}
	mod.Callback(emit)
}

//go:wasmexport tihu_speak
func tihuSpeak(textLen uint32, voice uint32) int32 {
	if mod == nil {
		return 1
	}
	buf := make([]byte, textLen)
	if textLen > 0 {
		hostText(unsafe.Pointer(&buf[0]))
	}
	if err := mod.Speak(context.Background(), string(buf), synth.Voice(voice)); err != nil {
		hostLogString("speak failed: " + err.Error())
		return 1
	}
	return 0
}

func emit(kind stage.Kind, data []byte) {
	if len(data) == 0 {
		return
	}
	hostEmit(uint32(kind), unsafe.Pointer(&data[0]), uint32(len(data)))
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		hostLog(unsafe.Pointer(&p[0]), uint32(len(p)))
	}
	return len(p), nil
}

func hostLogString(msg string) {
	_, _ = logWriter{}.Write([]byte(msg))
}

//go:wasmimport env tihu_emit
func hostEmit(kind uint32, ptr unsafe.Pointer, length uint32)

//go:wasmimport env tihu_text
func hostText(ptr unsafe.Pointer)

//go:wasmimport env tihu_log
func hostLog(ptr unsafe.Pointer, length uint32)
