package corpus

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type xmlCorpus struct {
	XMLName xml.Name   `xml:"corpus"`
	Text    string     `xml:"text"`
	Tokens  []xmlToken `xml:"tokens>token"`
}

type xmlToken struct {
	Index    int    `xml:"index,attr"`
	Class    string `xml:"class,attr"`
	Tag      string `xml:"tag,attr,omitempty"`
	Lang     string `xml:"lang,attr,omitempty"`
	Source   string `xml:"source,attr,omitempty"`
	Text     string `xml:"text"`
	Phonemes string `xml:"phonemes,omitempty"`
}

// WriteXML writes the structured form of the corpus.
func (c *Corpus) WriteXML(w io.Writer) error {
	doc := xmlCorpus{Text: c.text, Tokens: make([]xmlToken, 0, len(c.Tokens))}
	for i, tok := range c.Tokens {
		doc.Tokens = append(doc.Tokens, xmlToken{
			Index:    i,
			Class:    tok.Class.String(),
			Tag:      tok.Tag,
			Lang:     tok.Lang,
			Source:   tok.Source,
			Text:     tok.Text,
			Phonemes: strings.Join(tok.Phonemes, " "),
		})
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteLabels writes one tab separated line per token:
// index, text, tag, language, phonemes.
func (c *Corpus) WriteLabels(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, tok := range c.Tokens {
		if _, err := fmt.Fprintf(bw, "%d\t%s\t%s\t%s\t%s\n", i, tok.Text, tok.Tag, tok.Lang, strings.Join(tok.Phonemes, " ")); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Dump writes the annotated representation to path. A ".xml" extension
// selects the structured form, anything else the label form.
func (c *Corpus) Dump(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		err = c.WriteXML(f)
	} else {
		err = c.WriteLabels(f)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
