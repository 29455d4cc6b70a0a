package tagger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/corpus"
	"github.com/loqalabs/loqa-tts/internal/stage"
)

func writeModel(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postagger.model")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("کتاب‌ها را بخوان, hello 42!")
	var got []string
	for _, tok := range tokens {
		got = append(got, tok.Class.String()+":"+tok.Text+":"+tok.Lang)
	}
	want := []string{
		"word:کتاب‌ها:fa",
		"word:را:fa",
		"word:بخوان:fa",
		"punct:,:",
		"word:hello:en",
		"number:42:en",
		"punct:!:",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected tokens\n got: %v\nwant: %v", got, want)
	}
}

func TestTokenizeEmpty(t *testing.T) {
	if tokens := Tokenize("   "); len(tokens) != 0 {
		t.Fatalf("expected no tokens, got %v", tokens)
	}
}

func TestProcessTagsAndNotifies(t *testing.T) {
	tg := New()
	if err := tg.Load(writeModel(t, "# model\nhello INTJ\nرا P\n")); err != nil {
		t.Fatalf("load: %v", err)
	}
	var notes []string
	tg.SetSink(func(kind stage.Kind, data []byte) {
		if kind == stage.KindTagged {
			notes = append(notes, string(data))
		}
	})

	c := corpus.New()
	c.SetText("Hello را 7.")
	if err := tg.Process(context.Background(), c); err != nil {
		t.Fatalf("process: %v", err)
	}
	var tags []string
	for _, tok := range c.Tokens {
		tags = append(tags, tok.Tag)
	}
	if strings.Join(tags, " ") != "INTJ P NUM PUNC" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if len(notes) != 1 || notes[0] != "Hello/INTJ را/P 7/NUM ./PUNC" {
		t.Fatalf("unexpected notification %v", notes)
	}
}

func TestLoadRejectsBadModels(t *testing.T) {
	tg := New()
	if err := tg.Load(filepath.Join(t.TempDir(), "missing.model")); err == nil {
		t.Fatal("expected error for missing model")
	}
	if err := tg.Load(writeModel(t, "# only comments\n")); !errors.Is(err, stage.ErrEmptyData) {
		t.Fatalf("expected empty data error, got %v", err)
	}
	if err := tg.Load(writeModel(t, "lonely\n")); err == nil {
		t.Fatal("expected error for malformed record")
	}
}
