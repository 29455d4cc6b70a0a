// Package corpus holds the document shared by every pipeline stage: the raw
// input text plus the annotations the stages attach to it.
package corpus

import "strings"

// Class is the lexical class assigned by the tokenizer.
type Class int

const (
	ClassWord Class = iota
	ClassNumber
	ClassPunct
)

func (c Class) String() string {
	switch c {
	case ClassWord:
		return "word"
	case ClassNumber:
		return "number"
	case ClassPunct:
		return "punct"
	default:
		return "unknown"
	}
}

// Pronunciation sources recorded on tokens.
const (
	SourceLexicon = "lexicon"
	SourceAffix   = "affix"
	SourceG2P     = "g2p"
	SourcePunct   = "punct"
)

// Token is one unit of the annotated representation. Fields are filled in
// progressively: the tagger sets Text, Class, Tag and Lang; the dictionary and
// grapheme-to-sound stages set Phonemes and Source.
type Token struct {
	Text     string
	Class    Class
	Tag      string
	Lang     string
	Phonemes []string
	Source   string
}

// Pronounced reports whether a pronunciation has been attached.
func (t Token) Pronounced() bool { return len(t.Phonemes) > 0 }

// Corpus is the unit of work. It is not safe for concurrent use.
type Corpus struct {
	text   string
	Tokens []Token
}

func New() *Corpus {
	return &Corpus{}
}

// Clear drops the text and every annotation so nothing survives into the
// next run.
func (c *Corpus) Clear() {
	c.text = ""
	c.Tokens = nil
}

func (c *Corpus) SetText(text string) {
	c.text = text
}

func (c *Corpus) Text() string {
	return c.text
}

// Empty reports whether the text has no visible characters.
func (c *Corpus) Empty() bool {
	return strings.TrimSpace(c.text) == ""
}

// Phonemes returns the flattened transcription of all tokens.
func (c *Corpus) Phonemes() []string {
	var out []string
	for _, tok := range c.Tokens {
		out = append(out, tok.Phonemes...)
	}
	return out
}
