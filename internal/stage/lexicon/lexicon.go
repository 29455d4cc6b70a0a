// Package lexicon attaches dictionary pronunciations to tagged words,
// falling back to affix rules for inflected forms of known stems.
package lexicon

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
)

type affix struct {
	text     string
	phonemes []string
}

type Dictionary struct {
	words    map[string][]string
	suffixes []affix
	prefixes []affix
	sink     stage.Sink
}

func New() *Dictionary {
	return &Dictionary{}
}

// Load reads affix rules ("SFX|PFX affix phonemes...") and dictionary
// entries ("word phonemes..."). userPath is an optional second dictionary
// whose entries override the main one.
func (d *Dictionary) Load(affixPath, dictPath, userPath string) error {
	var suffixes, prefixes []affix
	err := stage.ReadRecords(affixPath, 3, func(fields []string) error {
		a := affix{text: strings.ToLower(fields[1]), phonemes: fields[2:]}
		switch strings.ToUpper(fields[0]) {
		case "SFX":
			suffixes = append(suffixes, a)
		case "PFX":
			prefixes = append(prefixes, a)
		default:
			return fmt.Errorf("unknown affix kind %q", fields[0])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load affixes: %w", err)
	}

	words := make(map[string][]string)
	addWord := func(fields []string) error {
		words[strings.ToLower(fields[0])] = fields[1:]
		return nil
	}
	if err := stage.ReadRecords(dictPath, 2, addWord); err != nil {
		return fmt.Errorf("load dictionary: %w", err)
	}
	if userPath != "" {
		if err := stage.ReadRecords(userPath, 2, addWord); err != nil {
			return fmt.Errorf("load user dictionary: %w", err)
		}
	}

	longestFirst := func(list []affix) {
		sort.SliceStable(list, func(i, j int) bool { return len(list[i].text) > len(list[j].text) })
	}
	longestFirst(suffixes)
	longestFirst(prefixes)

	d.words, d.suffixes, d.prefixes = words, suffixes, prefixes
	return nil
}

func (d *Dictionary) SetSink(sink stage.Sink) { d.sink = sink }

func (d *Dictionary) Close() error {
	d.words, d.suffixes, d.prefixes = nil, nil, nil
	return nil
}

// Lookup returns the pronunciation of word and the source it came from.
func (d *Dictionary) Lookup(word string) ([]string, string, bool) {
	key := strings.ToLower(word)
	if ph, ok := d.words[key]; ok {
		return ph, corpus.SourceLexicon, true
	}
	for _, sfx := range d.suffixes {
		stem, ok := strings.CutSuffix(key, sfx.text)
		if !ok || stem == "" {
			continue
		}
		if ph, ok := d.words[strings.TrimSuffix(stem, "\u200c")]; ok {
			return concat(ph, sfx.phonemes), corpus.SourceAffix, true
		}
	}
	for _, pfx := range d.prefixes {
		stem, ok := strings.CutPrefix(key, pfx.text)
		if !ok || stem == "" {
			continue
		}
		if ph, ok := d.words[strings.TrimPrefix(stem, "\u200c")]; ok {
			return concat(pfx.phonemes, ph), corpus.SourceAffix, true
		}
	}
	return nil, "", false
}

func (d *Dictionary) Process(_ context.Context, c *corpus.Corpus) error {
	words, found := 0, 0
	for i := range c.Tokens {
		tok := &c.Tokens[i]
		if tok.Class != corpus.ClassWord || tok.Pronounced() {
			continue
		}
		words++
		if ph, src, ok := d.Lookup(tok.Text); ok {
			tok.Phonemes = ph
			tok.Source = src
			found++
		}
	}
	if words > 0 {
		d.sink.Emit(stage.KindLexicon, []byte(fmt.Sprintf("%d/%d", found, words)))
	}
	return nil
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
