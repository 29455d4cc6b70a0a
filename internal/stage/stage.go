// Package stage defines the narrow contract between the pipeline engine and
// its analysis and synthesis collaborators.
package stage

import (
	"context"

	"github.com/loqalabs/loqa-tts/internal/corpus"
)

// Kind identifies what a sink notification carries.
type Kind int

const (
	// KindWave carries one self-contained PCM buffer.
	KindWave Kind = iota
	// KindTagged, KindLexicon and KindTranscribed carry a stage's
	// diagnostic summary once it finished annotating the corpus.
	KindTagged
	KindLexicon
	KindTranscribed
)

func (k Kind) String() string {
	switch k {
	case KindWave:
		return "wave"
	case KindTagged:
		return "tagged"
	case KindLexicon:
		return "lexicon"
	case KindTranscribed:
		return "transcribed"
	default:
		return "unknown"
	}
}

// Sink receives notifications synchronously on the goroutine that runs the
// pipeline. data belongs to the emitter and is only valid during the call;
// a sink that needs it later must copy it.
type Sink func(kind Kind, data []byte)

// Emit calls s when it is set.
func (s Sink) Emit(kind Kind, data []byte) {
	if s != nil {
		s(kind, data)
	}
}

// Stage consumes and annotates a corpus.
type Stage interface {
	Process(ctx context.Context, c *corpus.Corpus) error
	// Close releases loaded resources. The stage must not be used afterwards.
	Close() error
}

// Notifier is implemented by stages able to emit data while processing.
type Notifier interface {
	SetSink(sink Sink)
}
