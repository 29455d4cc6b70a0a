// Package g2p converts the spelling of words the dictionary could not
// pronounce into phonemes, and maps punctuation to pauses.
package g2p

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
)

// Silent marks a grapheme that produces no phoneme.
const Silent = "-"

// Model is a longest-match grapheme rule set.
type Model struct {
	rules  map[string][]string
	maxLen int
}

// LoadModel reads "grapheme phonemes..." records.
func LoadModel(path string) (*Model, error) {
	m := &Model{rules: make(map[string][]string)}
	err := stage.ReadRecords(path, 2, func(fields []string) error {
		g := strings.ToLower(fields[0])
		var ph []string
		for _, p := range fields[1:] {
			if p != Silent {
				ph = append(ph, p)
			}
		}
		m.rules[g] = ph
		if n := len([]rune(g)); n > m.maxLen {
			m.maxLen = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Convert transcribes word. Graphemes without a rule are dropped.
func (m *Model) Convert(word string) []string {
	runes := []rune(strings.ToLower(word))
	var out []string
	for i := 0; i < len(runes); {
		matched := false
		for n := min(m.maxLen, len(runes)-i); n > 0; n-- {
			if ph, ok := m.rules[string(runes[i:i+n])]; ok {
				out = append(out, ph...)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			i++
		}
	}
	return out
}

type Converter struct {
	models map[string]*Model
	pauses map[string][]string
	sink   stage.Sink
}

func New() *Converter {
	return &Converter{}
}

// Load reads the Persian and English rule models and the punctuation list.
func (c *Converter) Load(persianModel, englishModel, punctuationsPath string) error {
	fa, err := LoadModel(persianModel)
	if err != nil {
		return fmt.Errorf("load persian g2p model: %w", err)
	}
	en, err := LoadModel(englishModel)
	if err != nil {
		return fmt.Errorf("load english g2p model: %w", err)
	}
	pauses := make(map[string][]string)
	err = stage.ReadRecords(punctuationsPath, 2, func(fields []string) error {
		pauses[fields[0]] = fields[1:]
		return nil
	})
	if err != nil {
		return fmt.Errorf("load punctuations: %w", err)
	}
	c.models = map[string]*Model{"fa": fa, "en": en}
	c.pauses = pauses
	return nil
}

func (c *Converter) SetSink(sink stage.Sink) { c.sink = sink }

func (c *Converter) Close() error {
	c.models, c.pauses = nil, nil
	return nil
}

func (c *Converter) Process(_ context.Context, cp *corpus.Corpus) error {
	for i := range cp.Tokens {
		tok := &cp.Tokens[i]
		if tok.Pronounced() {
			continue
		}
		if tok.Class == corpus.ClassPunct {
			if ph, ok := c.pauses[tok.Text]; ok {
				tok.Phonemes = ph
				tok.Source = corpus.SourcePunct
			}
			continue
		}
		model, ok := c.models[tok.Lang]
		if !ok {
			model = c.models["fa"]
		}
		if ph := model.Convert(tok.Text); len(ph) > 0 {
			tok.Phonemes = ph
			tok.Source = corpus.SourceG2P
		}
	}
	if len(cp.Tokens) > 0 {
		c.sink.Emit(stage.KindTranscribed, []byte(strings.Join(cp.Phonemes(), " ")))
	}
	return nil
}
