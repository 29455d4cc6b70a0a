// Package synth implements the synthesis stage: two backend families that
// render the corpus transcription into PCM buffers delivered through the
// stage sink, one buffer per pronounced token.
package synth

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
)

// Parameter ranges shared by every backend.
const (
	DefaultPitch  = 50
	DefaultVolume = 100
	DefaultRate   = 100
	MinRate       = 10
	MaxRate       = 500
)

// Synthesizer is the capability set every backend provides.
type Synthesizer interface {
	stage.Stage
	stage.Notifier
	InitializeVoice(dataPath string) error
	ApplyPitch(value int)
	ApplyVolume(value int)
	ApplyRate(value int)
	Pitch() int
	Volume() int
	Rate() int
	// Frequency is the output sample rate in Hz. It cannot be set.
	Frequency() int
	// Stop asks an in-progress Process call to return early.
	Stop()
	Voice() Voice
}

// New constructs the backend selected by voice.
func New(voice Voice) (Synthesizer, error) {
	switch voice {
	case VoiceDiphoneMale, VoiceDiphoneFemale:
		return newDiphone(voice), nil
	case VoiceFormantMale, VoiceFormantFemale:
		return newFormant(voice), nil
	default:
		return nil, fmt.Errorf("unsupported voice %s", voice)
	}
}

// base carries the controls and the processing loop shared by the backends.
type base struct {
	voice    Voice
	renderer *renderer
	pitch    atomic.Int32
	volume   atomic.Int32
	rate     atomic.Int32
	stopped  atomic.Bool
	sink     stage.Sink
}

func (b *base) init(voice Voice) {
	b.voice = voice
	b.pitch.Store(DefaultPitch)
	b.volume.Store(DefaultVolume)
	b.rate.Store(DefaultRate)
}

func (b *base) Voice() Voice { return b.voice }
func (b *base) SetSink(sink stage.Sink) { b.sink = sink }
func (b *base) ApplyPitch(value int) { b.pitch.Store(int32(clamp(value, 0, 100))) }
func (b *base) ApplyVolume(value int) { b.volume.Store(int32(clamp(value, 0, 100))) }
func (b *base) ApplyRate(value int) { b.rate.Store(int32(clamp(value, MinRate, MaxRate))) }
func (b *base) Pitch() int { return int(b.pitch.Load()) }
func (b *base) Volume() int { return int(b.volume.Load()) }
func (b *base) Rate() int { return int(b.rate.Load()) }
func (b *base) Stop() { b.stopped.Store(true) }

func (b *base) Frequency() int {
	if b.renderer == nil {
		return -1
	}
	return b.renderer.sampleRate
}

func (b *base) Close() error {
	b.renderer = nil
	b.sink = nil
	return nil
}

// Process renders every pronounced token and emits it as its own buffer.
// The stop flag is polled between buffers.
func (b *base) Process(ctx context.Context, c *corpus.Corpus) error {
	if b.renderer == nil {
		return fmt.Errorf("%s: voice not initialized", b.voice)
	}
	b.stopped.Store(false)
	ctl := controls{pitch: b.Pitch(), volume: b.Volume(), rate: b.Rate()}
	for _, tok := range c.Tokens {
		if b.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tok.Pronounced() {
			continue
		}
		b.sink.Emit(stage.KindWave, EncodePCM16(b.renderer.render(tok.Phonemes, ctl)))
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
