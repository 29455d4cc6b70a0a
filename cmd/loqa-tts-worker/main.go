// Command loqa-tts-worker serves a speech module over stdin and stdout for
// the exec loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/host"
	"github.com/loqalabs/loqa-tts/internal/host/worker"
	"github.com/loqalabs/loqa-tts/internal/module"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

var version = "0.1.0-dev"

func main() {
	var (
		dataDir     string
		logDir      string
		voiceName   string
		showVersion bool
	)
	flag.StringVar(&dataDir, "data", os.Getenv(worker.EnvDataDir), "Path to the module data directory")
	flag.StringVar(&logDir, "log-dir", os.Getenv(worker.EnvLogDir), "Directory for diagnostic dumps (disabled when empty)")
	flag.StringVar(&voiceName, "voice", os.Getenv(worker.EnvVoice), "Default voice")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// stdout carries the protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With(slog.String("component", "worker"), slog.Int("pid", os.Getpid()))

	voice := synth.VoiceDiphoneMale
	if voiceName != "" {
		v, err := synth.ParseVoice(voiceName)
		if err != nil {
			logger.Error("invalid voice", slog.String("error", err.Error()))
			os.Exit(2)
		}
		voice = v
	}

	cfg := engine.Config{DataDir: dataDir, LogDir: logDir, DumpEnabled: logDir != ""}
	mod := module.New(cfg, voice, logger)
	defer mod.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	symbols := host.DefaultSymbols()
	entrypoints := []string{symbols.Init, symbols.Close, symbols.Callback, symbols.Speak}
	if err := worker.Serve(ctx, os.Stdin, os.Stdout, mod, entrypoints); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
