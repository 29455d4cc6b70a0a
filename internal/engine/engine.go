// Package engine runs the text-to-speech pipeline. An Engine owns one corpus
// and the four stage modules (tagger, dictionary, grapheme-to-sound and
// synthesizer) and drives them over the corpus in that fixed order.
//
// An Engine is not safe for concurrent use; callers serialise access.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
	"github.com/loqalabs/loqa-tts/internal/stage/g2p"
	"github.com/loqalabs/loqa-tts/internal/stage/lexicon"
	"github.com/loqalabs/loqa-tts/internal/stage/tagger"
	"github.com/loqalabs/loqa-tts/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage names used in load errors, spans and logs.
const (
	StageTagger      = "tagger"
	StageDictionary  = "dictionary"
	StageG2P         = "grapheme-to-sound"
	StageSynthesizer = "synthesizer"
)

// SynthFactory constructs the backend for a voice.
type SynthFactory func(synth.Voice) (synth.Synthesizer, error)

type Option func(*Engine)

// WithSynthFactory replaces the backend constructor.
func WithSynthFactory(f SynthFactory) Option {
	return func(e *Engine) { e.newSynth = f }
}

type Engine struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	newSynth SynthFactory

	corpus *corpus.Corpus
	sink   stage.Sink

	tagger stage.Stage
	dict   stage.Stage
	g2p    stage.Stage
	synth  synth.Synthesizer
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-tts/engine"),
		newSynth: synth.New,
		corpus:   corpus.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LoadModules (re)constructs the analysis stages and loads their data. Any
// previously loaded stage is closed first. Loading stops at the first stage
// whose data fails; the stages loaded before it stay installed.
func (e *Engine) LoadModules(ctx context.Context) error {
	_, span := e.tracer.Start(ctx, "engine.load_modules")
	defer span.End()

	e.replace(&e.tagger, nil)
	e.replace(&e.dict, nil)
	e.replace(&e.g2p, nil)

	tg := tagger.New()
	if err := tg.Load(e.cfg.dataPath(TaggerModel)); err != nil {
		return e.loadFailed(span, CodeLoadData, StageTagger, err)
	}
	e.replace(&e.tagger, tg)

	dict := lexicon.New()
	if err := dict.Load(e.cfg.dataPath(AffixFile), e.cfg.dataPath(DictionaryFile), e.cfg.UserDictionary); err != nil {
		return e.loadFailed(span, CodeLoadData, StageDictionary, err)
	}
	e.replace(&e.dict, dict)

	conv := g2p.New()
	if err := conv.Load(e.cfg.dataPath(PersianG2PModel), e.cfg.dataPath(EnglishG2PModel), e.cfg.dataPath(PunctuationsFile)); err != nil {
		return e.loadFailed(span, CodeLoadData, StageG2P, err)
	}
	e.replace(&e.g2p, conv)

	e.logger.Info("stage modules loaded", slog.String("data_dir", e.cfg.DataDir))
	return nil
}

// LoadSynthesizer swaps the active synthesizer for voice. The old backend is
// closed before the new one is built; if the new voice fails to initialize no
// synthesizer stays installed.
func (e *Engine) LoadSynthesizer(ctx context.Context, voice synth.Voice) error {
	_, span := e.tracer.Start(ctx, "engine.load_synthesizer", trace.WithAttributes(attribute.String("voice", voice.String())))
	defer span.End()

	if e.synth != nil {
		if err := e.synth.Close(); err != nil {
			e.logger.Warn("closing synthesizer failed", slog.String("voice", e.synth.Voice().String()), slogError(err))
		}
		e.synth = nil
	}

	s, err := e.newSynth(voice)
	if err != nil {
		return e.loadFailed(span, CodeLoadVoice, StageSynthesizer, err)
	}
	if err := s.InitializeVoice(e.cfg.VoicePath(voice)); err != nil {
		_ = s.Close()
		return e.loadFailed(span, CodeLoadVoice, StageSynthesizer, fmt.Errorf("%s: %w", voice, err))
	}
	s.SetSink(e.sink)
	e.synth = s
	e.logger.Info("synthesizer loaded", slog.String("voice", voice.String()), slog.Int("frequency", s.Frequency()))
	return nil
}

// Voice reports the voice of the active synthesizer.
func (e *Engine) Voice() (synth.Voice, bool) {
	if e.synth == nil {
		return 0, false
	}
	return e.synth.Voice(), true
}

// SetCallback installs sink into every loaded stage able to emit data and
// remembers it for stages loaded later. A nil sink detaches.
func (e *Engine) SetCallback(sink stage.Sink) {
	e.sink = sink
	for _, st := range []stage.Stage{e.tagger, e.dict, e.g2p, e.synth} {
		if n, ok := st.(stage.Notifier); ok {
			n.SetSink(sink)
		}
	}
}

// Stop asks the active synthesizer to abandon the current call.
func (e *Engine) Stop() {
	if e.synth != nil {
		e.synth.Stop()
	}
}

// Speak runs the whole pipeline over text. Every stage must be loaded;
// speaking with a missing stage is a programming error and panics.
func (e *Engine) Speak(ctx context.Context, text string) error {
	ctx, span := e.tracer.Start(ctx, "engine.speak", trace.WithAttributes(attribute.Int("text.bytes", len(text))))
	defer span.End()

	e.corpus.Clear()
	e.corpus.SetText(text)

	for _, st := range e.pipeline() {
		stageCtx, stageSpan := e.tracer.Start(ctx, "engine.stage."+st.name)
		err := st.Process(stageCtx, e.corpus)
		if err != nil {
			stageSpan.RecordError(err)
			stageSpan.SetStatus(codes.Error, err.Error())
		}
		stageSpan.End()
		if err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	span.SetAttributes(attribute.Int("tokens", len(e.corpus.Tokens)))

	if e.cfg.DumpEnabled {
		e.dumpText()
		e.dumpCorpus(DumpLabels)
		e.dumpCorpus(DumpXML)
	}
	return nil
}

// SetText replaces the corpus text without running any stage.
func (e *Engine) SetText(text string) {
	e.corpus.Clear()
	e.corpus.SetText(text)
	if e.cfg.DumpEnabled {
		e.dumpText()
	}
}

// Dump writes the annotated corpus to path.
func (e *Engine) Dump(path string) error {
	return e.corpus.Dump(path)
}

// Corpus exposes the shared document for inspection between calls.
func (e *Engine) Corpus() *corpus.Corpus {
	return e.corpus
}

// Close releases every stage. The engine may be loaded again afterwards.
func (e *Engine) Close() error {
	var errs []error
	for _, slot := range []*stage.Stage{&e.tagger, &e.dict, &e.g2p} {
		if *slot != nil {
			errs = append(errs, (*slot).Close())
			*slot = nil
		}
	}
	if e.synth != nil {
		errs = append(errs, e.synth.Close())
		e.synth = nil
	}
	return errors.Join(errs...)
}

type namedStage struct {
	stage.Stage
	name string
}

func (e *Engine) pipeline() []namedStage {
	steps := []namedStage{
		{e.tagger, StageTagger},
		{e.dict, StageDictionary},
		{e.g2p, StageG2P},
		{e.synth, StageSynthesizer},
	}
	for _, st := range steps {
		if st.Stage == nil {
			panic(fmt.Sprintf("engine: %s stage invoked before it was loaded", st.name))
		}
	}
	return steps
}

// replace closes the stage held in slot and installs next.
func (e *Engine) replace(slot *stage.Stage, next stage.Stage) {
	if *slot != nil {
		if err := (*slot).Close(); err != nil {
			e.logger.Warn("closing stage failed", slogError(err))
		}
	}
	*slot = next
	if next == nil {
		return
	}
	if n, ok := next.(stage.Notifier); ok {
		n.SetSink(e.sink)
	}
}

func (e *Engine) loadFailed(span trace.Span, code Code, name string, err error) error {
	lerr := &LoadError{Code: code, Stage: name, Err: err}
	span.RecordError(lerr)
	span.SetStatus(codes.Error, lerr.Error())
	e.logger.Error("stage load failed", slog.String("stage", name), slog.String("code", code.String()), slogError(err))
	return lerr
}

// Dumps are advisory: failures are logged and never reach the caller.
func (e *Engine) dumpText() {
	if e.cfg.LogDir == "" {
		return
	}
	path := filepath.Join(e.cfg.LogDir, DumpText)
	if err := os.WriteFile(path, []byte(e.corpus.Text()+"\n"), 0o644); err != nil {
		e.logger.Debug("text dump skipped", slog.String("path", path), slogError(err))
	}
}

func (e *Engine) dumpCorpus(name string) {
	if e.cfg.LogDir == "" {
		return
	}
	path := filepath.Join(e.cfg.LogDir, name)
	if err := e.corpus.Dump(path); err != nil {
		e.logger.Debug("corpus dump skipped", slog.String("path", path), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
