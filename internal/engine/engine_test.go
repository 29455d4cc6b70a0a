package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/engine/enginetest"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/synth"
)

const sampleText = "سلام دنیا، hello world!"

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loadedEngine(t *testing.T, cfg engine.Config, voice synth.Voice, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e := engine.New(cfg, newLogger(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	if err := e.LoadModules(context.Background()); err != nil {
		t.Fatalf("load modules: %v", err)
	}
	if err := e.LoadSynthesizer(context.Background(), voice); err != nil {
		t.Fatalf("load synthesizer: %v", err)
	}
	return e
}

func waves(t *testing.T, e *engine.Engine, text string) [][]byte {
	t.Helper()
	var out [][]byte
	e.SetCallback(func(kind stage.Kind, data []byte) {
		if kind == stage.KindWave {
			out = append(out, append([]byte(nil), data...))
		}
	})
	if err := e.Speak(context.Background(), text); err != nil {
		t.Fatalf("speak: %v", err)
	}
	return out
}

func TestEveryVoiceProducesAudio(t *testing.T) {
	cfg := enginetest.Config(t)
	e := loadedEngine(t, cfg, synth.VoiceDiphoneMale)
	for _, v := range synth.Voices() {
		t.Run(v.String(), func(t *testing.T) {
			if err := e.LoadSynthesizer(context.Background(), v); err != nil {
				t.Fatalf("load %s: %v", v, err)
			}
			if bufs := waves(t, e, sampleText); len(bufs) == 0 {
				t.Fatal("expected at least one buffer")
			}
		})
	}
}

func TestSpeakAnnotatesCorpus(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceFormantFemale)
	waves(t, e, "کتابها hello")
	var got []string
	for _, tok := range e.Corpus().Tokens {
		got = append(got, fmt.Sprintf("%s/%s/%s", tok.Text, tok.Tag, tok.Source))
	}
	want := "کتابها/N/affix hello/INTJ/lexicon"
	if strings.Join(got, " ") != want {
		t.Fatalf("got %q, want %q", strings.Join(got, " "), want)
	}
}

func TestLoadModulesReportsMissingData(t *testing.T) {
	cases := []struct {
		file  string
		stage string
	}{
		{engine.TaggerModel, engine.StageTagger},
		{engine.AffixFile, engine.StageDictionary},
		{engine.DictionaryFile, engine.StageDictionary},
		{engine.PersianG2PModel, engine.StageG2P},
		{engine.EnglishG2PModel, engine.StageG2P},
		{engine.PunctuationsFile, engine.StageG2P},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			cfg := enginetest.Config(t)
			if err := os.Remove(filepath.Join(cfg.DataDir, tc.file)); err != nil {
				t.Fatal(err)
			}
			e := engine.New(cfg, newLogger())
			err := e.LoadModules(context.Background())
			if engine.CodeOf(err) != engine.CodeLoadData {
				t.Fatalf("expected %s, got %v", engine.CodeLoadData, err)
			}
			if !errors.Is(err, engine.ErrLoadData) || !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("expected load data error wrapping not-exist, got %v", err)
			}
			var lerr *engine.LoadError
			if !errors.As(err, &lerr) || lerr.Stage != tc.stage {
				t.Fatalf("expected failure in %s, got %v", tc.stage, err)
			}
		})
	}
}

func TestCorruptDataLeavesEarlierStagesInstalled(t *testing.T) {
	cfg := enginetest.Config(t)
	if err := os.WriteFile(filepath.Join(cfg.DataDir, engine.EnglishG2PModel), []byte("broken\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := engine.New(cfg, newLogger())
	if err := e.LoadModules(context.Background()); engine.CodeOf(err) != engine.CodeLoadData {
		t.Fatalf("expected load data failure, got %v", err)
	}
	if err := e.LoadSynthesizer(context.Background(), synth.VoiceFormantMale); err != nil {
		t.Fatalf("load synthesizer: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil || !strings.Contains(fmt.Sprint(r), engine.StageG2P) {
			t.Fatalf("expected panic naming the missing stage, got %v", r)
		}
	}()
	_ = e.Speak(context.Background(), sampleText)
}

func TestLoadModulesCanReload(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceDiphoneFemale)
	first := waves(t, e, sampleText)
	if err := e.LoadModules(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	second := waves(t, e, sampleText)
	if len(first) != len(second) {
		t.Fatalf("reload changed output: %d vs %d buffers", len(first), len(second))
	}
}

func TestEmptyTextRaisesNoNotifications(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceFormantMale)
	calls := 0
	e.SetCallback(func(stage.Kind, []byte) { calls++ })
	if err := e.Speak(context.Background(), ""); err != nil {
		t.Fatalf("speak empty: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no sink calls, got %d", calls)
	}
	if bufs := waves(t, e, sampleText); len(bufs) == 0 {
		t.Fatal("expected audio after an empty request")
	}
}

func TestSpeakIsDeterministic(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceDiphoneMale)
	first := waves(t, e, sampleText)
	second := waves(t, e, sampleText)
	if len(first) != len(second) {
		t.Fatalf("buffer count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !bytes.Equal(first[i], second[i]) {
			t.Fatalf("buffer %d differs", i)
		}
	}
}

type trackedSynth struct {
	synth.Synthesizer
	closed *int
}

func (s trackedSynth) Close() error {
	*s.closed++
	return s.Synthesizer.Close()
}

func TestVoiceSwapReplacesSynthesizer(t *testing.T) {
	closed := map[synth.Voice]*int{}
	factory := func(v synth.Voice) (synth.Synthesizer, error) {
		s, err := synth.New(v)
		if err != nil {
			return nil, err
		}
		n := new(int)
		closed[v] = n
		return trackedSynth{Synthesizer: s, closed: n}, nil
	}
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceDiphoneMale, engine.WithSynthFactory(factory))
	if err := e.LoadSynthesizer(context.Background(), synth.VoiceFormantFemale); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if *closed[synth.VoiceDiphoneMale] != 1 {
		t.Fatalf("previous synthesizer closed %d times", *closed[synth.VoiceDiphoneMale])
	}
	if *closed[synth.VoiceFormantFemale] != 0 {
		t.Fatal("active synthesizer must stay open")
	}
	if v, ok := e.Voice(); !ok || v != synth.VoiceFormantFemale {
		t.Fatalf("active voice %v", v)
	}
	if freq, _ := e.GetParam(engine.ParamFrequency); freq != 22050 {
		t.Fatalf("expected formant frequency, got %d", freq)
	}
	if bufs := waves(t, e, "hello"); len(bufs) != 1 {
		t.Fatalf("expected one buffer, got %d", len(bufs))
	}
}

func TestLoadSynthesizerMissingVoice(t *testing.T) {
	cfg := enginetest.Config(t)
	if err := os.RemoveAll(filepath.Join(cfg.DataDir, engine.VoicesDir)); err != nil {
		t.Fatal(err)
	}
	e := engine.New(cfg, newLogger())
	if err := e.LoadSynthesizer(context.Background(), synth.VoiceFormantMale); err != nil {
		t.Fatalf("formant voices need no data: %v", err)
	}
	err := e.LoadSynthesizer(context.Background(), synth.VoiceDiphoneFemale)
	if engine.CodeOf(err) != engine.CodeLoadVoice || !errors.Is(err, engine.ErrLoadVoice) {
		t.Fatalf("expected load voice error, got %v", err)
	}
	if _, ok := e.Voice(); ok {
		t.Fatal("no synthesizer should remain after a failed voice load")
	}
	if engine.CodeOf(nil) != engine.CodeNone {
		t.Fatal("nil error must map to CodeNone")
	}
}

func TestParamsWithoutSynthesizer(t *testing.T) {
	e := engine.New(enginetest.Config(t), newLogger())
	for _, p := range []engine.Param{engine.ParamPitch, engine.ParamVolume, engine.ParamRate, engine.ParamFrequency} {
		if v, ok := e.GetParam(p); v != -1 || ok {
			t.Fatalf("%s: expected -1/false, got %d/%v", p, v, ok)
		}
		if e.SetParam(p, 10) {
			t.Fatalf("%s: set must fail without a synthesizer", p)
		}
	}
	e.Stop()
}

func TestParamsRouting(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceDiphoneFemale)
	if e.SetParam(engine.ParamFrequency, 8000) {
		t.Fatal("frequency must be read-only")
	}
	if freq, ok := e.GetParam(engine.ParamFrequency); !ok || freq != 16000 {
		t.Fatalf("frequency %d/%v", freq, ok)
	}
	for _, p := range []engine.Param{engine.ParamPitch, engine.ParamVolume, engine.ParamRate} {
		if !e.SetParam(p, 70) {
			t.Fatalf("%s should be settable", p)
		}
		if v, ok := e.GetParam(p); !ok || v != 70 {
			t.Fatalf("%s: got %d/%v", p, v, ok)
		}
	}
}

func TestStopEndsSynthesisEarly(t *testing.T) {
	e := loadedEngine(t, enginetest.Config(t), synth.VoiceFormantMale)
	count := 0
	e.SetCallback(func(kind stage.Kind, _ []byte) {
		if kind == stage.KindWave {
			count++
			e.Stop()
		}
	})
	if err := e.Speak(context.Background(), sampleText); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one buffer before stop, got %d", count)
	}
}

func TestCallbackInstalledBeforeLoad(t *testing.T) {
	e := engine.New(enginetest.Config(t), newLogger())
	t.Cleanup(func() { _ = e.Close() })
	kinds := map[stage.Kind]int{}
	e.SetCallback(func(kind stage.Kind, _ []byte) { kinds[kind]++ })
	if err := e.LoadModules(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadSynthesizer(context.Background(), synth.VoiceFormantMale); err != nil {
		t.Fatal(err)
	}
	if err := e.Speak(context.Background(), sampleText); err != nil {
		t.Fatal(err)
	}
	for _, k := range []stage.Kind{stage.KindTagged, stage.KindLexicon, stage.KindTranscribed, stage.KindWave} {
		if kinds[k] == 0 {
			t.Fatalf("expected %s notifications", k)
		}
	}
}

func TestDiagnosticDumps(t *testing.T) {
	cfg := enginetest.Config(t)
	e := loadedEngine(t, cfg, synth.VoiceFormantMale)
	waves(t, e, sampleText)
	for _, name := range []string{engine.DumpText, engine.DumpLabels, engine.DumpXML} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); err != nil {
			t.Fatalf("expected dump %s: %v", name, err)
		}
	}

	e.SetText("only text")
	data, err := os.ReadFile(filepath.Join(cfg.LogDir, engine.DumpText))
	if err != nil || strings.TrimSpace(string(data)) != "only text" {
		t.Fatalf("unexpected text dump %q (%v)", data, err)
	}
	if len(e.Corpus().Tokens) != 0 {
		t.Fatal("SetText must not run the pipeline")
	}

	out := filepath.Join(t.TempDir(), "corpus.xml")
	if err := e.Dump(out); err != nil {
		t.Fatalf("dump: %v", err)
	}
}

func TestDumpFailuresAreSwallowed(t *testing.T) {
	cfg := enginetest.Config(t)
	cfg.LogDir = filepath.Join(t.TempDir(), "does", "not", "exist")
	e := loadedEngine(t, cfg, synth.VoiceFormantMale)
	if bufs := waves(t, e, sampleText); len(bufs) == 0 {
		t.Fatal("expected audio despite dump failures")
	}
}
