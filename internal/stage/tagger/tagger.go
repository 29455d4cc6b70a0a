// Package tagger splits corpus text into tokens and assigns part-of-speech
// tags from a lexical model.
package tagger

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
)

const (
	TagPunct  = "PUNC"
	TagNumber = "NUM"
	TagNoun   = "N"
)

const zwnj = '\u200c'

type Tagger struct {
	tags map[string]string
	sink stage.Sink
}

func New() *Tagger {
	return &Tagger{}
}

// Load reads a model of "word TAG" records.
func (t *Tagger) Load(modelPath string) error {
	tags := make(map[string]string)
	err := stage.ReadRecords(modelPath, 2, func(fields []string) error {
		tags[strings.ToLower(fields[0])] = fields[1]
		return nil
	})
	if err != nil {
		return fmt.Errorf("load tagger model: %w", err)
	}
	t.tags = tags
	return nil
}

func (t *Tagger) SetSink(sink stage.Sink) { t.sink = sink }

func (t *Tagger) Close() error {
	t.tags = nil
	return nil
}

func (t *Tagger) Process(_ context.Context, c *corpus.Corpus) error {
	c.Tokens = Tokenize(c.Text())
	for i := range c.Tokens {
		tok := &c.Tokens[i]
		switch tok.Class {
		case corpus.ClassPunct:
			tok.Tag = TagPunct
		case corpus.ClassNumber:
			tok.Tag = TagNumber
		default:
			tok.Tag = TagNoun
			if tag, ok := t.tags[strings.ToLower(tok.Text)]; ok {
				tok.Tag = tag
			}
		}
	}
	if t.sink != nil && len(c.Tokens) > 0 {
		parts := make([]string, 0, len(c.Tokens))
		for _, tok := range c.Tokens {
			parts = append(parts, tok.Text+"/"+tok.Tag)
		}
		t.sink.Emit(stage.KindTagged, []byte(strings.Join(parts, " ")))
	}
	return nil
}

// Tokenize splits text into words, numbers and single-rune punctuation.
// A zero-width non-joiner stays inside the word it joins.
func Tokenize(text string) []corpus.Token {
	var (
		tokens []corpus.Token
		buf    []rune
		class  corpus.Class
	)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		word := strings.TrimRight(string(buf), string(zwnj))
		if word != "" {
			tokens = append(tokens, corpus.Token{Text: word, Class: class, Lang: languageOf(word)})
		}
		buf = buf[:0]
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsMark(r) || (r == zwnj && len(buf) > 0 && class == corpus.ClassWord):
			if len(buf) > 0 && class != corpus.ClassWord {
				flush()
			}
			class = corpus.ClassWord
			buf = append(buf, r)
		case unicode.IsDigit(r):
			if len(buf) > 0 && class != corpus.ClassNumber {
				flush()
			}
			class = corpus.ClassNumber
			buf = append(buf, r)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens = append(tokens, corpus.Token{Text: string(r), Class: corpus.ClassPunct})
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func languageOf(word string) string {
	for _, r := range word {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return "en"
		}
	}
	return "fa"
}
