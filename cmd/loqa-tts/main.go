// Command loqa-tts is the operator tool for speech modules and nodes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/host/manifest"
	"github.com/loqalabs/loqa-tts/internal/module"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/service"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

var version = "0.1.0-dev"

var CLI struct {
	Verbose bool `short:"v" help:"Log pipeline activity to stderr"`

	Validate ValidateCmd `cmd:"" help:"Validate a module manifest"`
	Synth    SynthCmd    `cmd:"" help:"Synthesize text locally into a WAV file"`
	Speak    SpeakCmd    `cmd:"" help:"Ask a running node for speech over NATS"`
	Dump     DumpCmd     `cmd:"" help:"Print the analysed corpus for a text"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

type ValidateCmd struct {
	File string `arg:"" default:"module.yaml" help:"Path to module manifest" type:"path"`
}

func (c *ValidateCmd) Run() error {
	m, err := manifest.Load(c.File)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	fmt.Printf("manifest valid: %s %s (%s, %d voices)\n", m.Metadata.Name, m.Metadata.Version, m.Runtime.Mode, len(m.VoiceList()))
	return nil
}

// EngineFlags are shared by the commands that run the pipeline in-process.
type EngineFlags struct {
	Data  string `required:"" env:"LOQA_TTS_ENGINE_DATA_DIR" help:"Module data directory" type:"existingdir"`
	Voice string `default:"diphone-male" help:"Voice to synthesize with"`
}

func (f EngineFlags) open(ctx context.Context, logger *slog.Logger) (*module.Module, error) {
	voice, err := synth.ParseVoice(f.Voice)
	if err != nil {
		return nil, err
	}
	mod := module.New(engine.Config{DataDir: f.Data}, voice, logger)
	if err := mod.Init(ctx); err != nil {
		return nil, err
	}
	return mod, nil
}

type SynthCmd struct {
	EngineFlags `embed:""`

	Out    string `short:"o" required:"" help:"Output WAV file" type:"path"`
	Pitch  int    `default:"-1" help:"Pitch 0-100 (synthesizer default when negative)"`
	Volume int    `default:"-1" help:"Volume 0-100 (synthesizer default when negative)"`
	Rate   int    `default:"-1" help:"Speaking rate (synthesizer default when negative)"`
	Text   string `arg:"" help:"Text to speak"`
}

func (c *SynthCmd) Run(logger *slog.Logger) error {
	ctx := context.Background()
	mod, err := c.open(ctx, logger)
	if err != nil {
		return err
	}
	defer mod.Close()

	eng := mod.Engine()
	for param, value := range map[engine.Param]int{engine.ParamPitch: c.Pitch, engine.ParamVolume: c.Volume, engine.ParamRate: c.Rate} {
		if value >= 0 && !eng.SetParam(param, value) {
			return fmt.Errorf("%s is not supported by %s", param, c.Voice)
		}
	}

	var pcm []byte
	mod.Callback(func(kind stage.Kind, data []byte) {
		if kind == stage.KindWave {
			pcm = append(pcm, data...)
		}
	})
	voice, _ := synth.ParseVoice(c.Voice)
	if err := mod.Speak(ctx, c.Text, voice); err != nil {
		return err
	}
	rate, _ := eng.GetParam(engine.ParamFrequency)
	return writeWAV(c.Out, pcm, rate)
}

type SpeakCmd struct {
	Servers    []string      `default:"nats://localhost:4222" env:"LOQA_TTS_BUS_SERVERS" help:"NATS servers"`
	Voice      string        `help:"Voice to request (node default when empty)"`
	SampleRate int           `help:"Sample rate of the returned audio (guessed from the voice when zero)"`
	Timeout    time.Duration `default:"30s" help:"Give up after this long"`
	Out        string        `short:"o" required:"" help:"Output WAV file" type:"path"`
	Text       string        `arg:"" help:"Text to speak"`
}

func (c *SpeakCmd) Run(logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	client, err := bus.Connect(ctx, config.BusConfig{Servers: c.Servers, ConnectTimeout: 2000}, "loqa-tts-cli", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var pcm []byte
	final, err := service.NewClient(client.Conn()).Speak(ctx, protocol.SpeakRequest{Text: c.Text, Voice: c.Voice}, func(wave []byte) error {
		pcm = append(pcm, wave...)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("speech received", slog.String("request_id", final.RequestID), slog.Int("chunks", final.Sequence), slog.Int("bytes", len(pcm)))

	rate := c.SampleRate
	if rate == 0 {
		rate = 16000
		if v, err := synth.ParseVoice(c.Voice); err == nil && v.Backend() == synth.BackendFormant {
			rate = 22050
		}
	}
	return writeWAV(c.Out, pcm, rate)
}

type DumpCmd struct {
	EngineFlags `embed:""`

	Format string `default:"xml" enum:"xml,labels" help:"Output format (xml, labels)"`
	Text   string `arg:"" help:"Text to analyse"`
}

func (c *DumpCmd) Run(logger *slog.Logger) error {
	ctx := context.Background()
	mod, err := c.open(ctx, logger)
	if err != nil {
		return err
	}
	defer mod.Close()

	eng := mod.Engine()
	if err := eng.Speak(ctx, c.Text); err != nil {
		return err
	}
	if c.Format == "labels" {
		return eng.Corpus().WriteLabels(os.Stdout)
	}
	return eng.Corpus().WriteXML(os.Stdout)
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version)
	return nil
}

func writeWAV(path string, pcm []byte, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := synth.WriteWAV(f, pcm, rate); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("loqa-tts"),
		kong.Description("Speech module and node tooling"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	level := slog.LevelWarn
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	err := ctx.Run(logger)
	ctx.FatalIfErrorf(err)
}
