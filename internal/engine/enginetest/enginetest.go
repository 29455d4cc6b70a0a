// Package enginetest writes a small but complete data directory for tests
// that need a loadable engine.
package enginetest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-tts/internal/engine"
)

var files = map[string]string{
	engine.TaggerModel: `# word tag
و CONJ
را P
است V
hello INTJ
`,
	engine.AffixFile: `SFX ها h A
SFX ان A n
SFX s s
`,
	engine.DictionaryFile: `سلام s a l A m
کتاب k e t A b
دنیا d o n y A
است a s t
hello h e l o
world w o r l d
`,
	engine.PersianG2PModel: `ا A
آ A
ب b
پ p
ت t
د d
ر r
س s
ش S
ک k
گ g
ل l
م m
ن n
و v
ه h
ی y
۱ y e k
۲ d o
`,
	engine.EnglishG2PModel: `a a
b b
c k
d d
e e
h h
i i
k k
l l
m m
n n
o o
r r
s s
sh S
t t
w w
y y
1 v a n
2 t u
`,
	engine.PunctuationsFile: `. _ _
، _
, _
! _ _
? _ _
`,
}

var voices = map[string]string{
	"male":   "name: ir1\ngender: male\nbase_pitch: 110\nsample_rate: 16000\nphoneme_ms: 60\n",
	"female": "name: ir2\ngender: female\nbase_pitch: 210\nsample_rate: 16000\nphoneme_ms: 60\n",
}

// WriteData populates dir with every file the engine loads.
func WriteData(t testing.TB, dir string) {
	t.Helper()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	for gender, body := range voices {
		vdir := filepath.Join(dir, engine.VoicesDir, "diphone", gender)
		if err := os.MkdirAll(vdir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(vdir, "voice.yaml"), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// Config returns an engine configuration over fresh data and log dirs.
func Config(t testing.TB) engine.Config {
	t.Helper()
	cfg := engine.Config{DataDir: t.TempDir(), LogDir: t.TempDir(), DumpEnabled: true}
	WriteData(t, cfg.DataDir)
	return cfg
}
