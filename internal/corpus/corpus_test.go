package corpus

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antchfx/xmlquery"
)

func sample() *Corpus {
	c := New()
	c.SetText("salam, donya")
	c.Tokens = []Token{
		{Text: "salam", Class: ClassWord, Tag: "N", Lang: "fa", Phonemes: []string{"s", "a", "l", "A", "m"}, Source: SourceLexicon},
		{Text: ",", Class: ClassPunct, Tag: "PUNC", Phonemes: []string{"_"}, Source: SourcePunct},
		{Text: "donya", Class: ClassWord, Tag: "N", Lang: "fa", Phonemes: []string{"d", "o", "n", "y", "A"}, Source: SourceG2P},
	}
	return c
}

func TestClearResetsAnnotations(t *testing.T) {
	c := sample()
	c.Clear()
	if c.Text() != "" {
		t.Fatalf("expected empty text, got %q", c.Text())
	}
	if len(c.Tokens) != 0 {
		t.Fatalf("expected no tokens after clear, got %d", len(c.Tokens))
	}
	if !c.Empty() {
		t.Fatal("expected corpus to report empty")
	}
}

func TestPhonemesFlattensTokens(t *testing.T) {
	got := strings.Join(sample().Phonemes(), "")
	if got != "salAm_donyA" {
		t.Fatalf("unexpected phonemes %q", got)
	}
}

func TestWriteXMLIsQueryable(t *testing.T) {
	var buf bytes.Buffer
	if err := sample().WriteXML(&buf); err != nil {
		t.Fatalf("write xml: %v", err)
	}
	doc, err := xmlquery.Parse(&buf)
	if err != nil {
		t.Fatalf("parse xml: %v", err)
	}
	if text := xmlquery.FindOne(doc, "/corpus/text"); text == nil || text.InnerText() != "salam, donya" {
		t.Fatalf("unexpected text node %v", text)
	}
	tokens := xmlquery.Find(doc, "//tokens/token")
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}
	punct := xmlquery.FindOne(doc, "//token[@class='punct']")
	if punct == nil || punct.SelectAttr("tag") != "PUNC" {
		t.Fatalf("expected punctuation token tagged PUNC")
	}
	g2p := xmlquery.FindOne(doc, "//token[@source='g2p']/phonemes")
	if g2p == nil || g2p.InnerText() != "d o n y A" {
		t.Fatalf("unexpected g2p phonemes %v", g2p)
	}
}

func TestDumpSelectsFormatByExtension(t *testing.T) {
	dir := t.TempDir()
	c := sample()

	lbl := filepath.Join(dir, "text.lbl")
	if err := c.Dump(lbl); err != nil {
		t.Fatalf("dump lbl: %v", err)
	}
	data, err := os.ReadFile(lbl)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "0\tsalam\tN\tfa\t") {
		t.Fatalf("unexpected label dump %q", data)
	}

	xmlPath := filepath.Join(dir, "text.xml")
	if err := c.Dump(xmlPath); err != nil {
		t.Fatalf("dump xml: %v", err)
	}
	data, err = os.ReadFile(xmlPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("<?xml")) {
		t.Fatalf("expected xml header, got %q", data[:20])
	}
}

func TestDumpUnwritablePath(t *testing.T) {
	err := sample().Dump(filepath.Join(t.TempDir(), "missing", "text.xml"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
}
