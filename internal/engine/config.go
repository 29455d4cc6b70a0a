package engine

import (
	"path/filepath"

	"github.com/loqalabs/loqa-tts/internal/synth"
)

// Data file names looked up under Config.DataDir.
const (
	TaggerModel      = "postagger.model"
	AffixFile        = "lexicon.aff"
	DictionaryFile   = "lexicon.dic"
	PersianG2PModel  = "g2p-fa.model"
	EnglishG2PModel  = "g2p-en.model"
	PunctuationsFile = "punctuations.txt"
	VoicesDir        = "voices"
)

// Dump file names written to Config.LogDir after every Speak.
const (
	DumpText   = "text.txt"
	DumpLabels = "text.lbl"
	DumpXML    = "text.xml"
)

type Config struct {
	DataDir string
	LogDir  string
	// UserDictionary is an optional extra lexicon overriding lexicon.dic.
	UserDictionary string
	DumpEnabled    bool
}

func (c Config) dataPath(name string) string {
	return filepath.Join(c.DataDir, name)
}

// VoicePath resolves the voice data directory. The formant family carries
// its voices built in and gets an empty path.
func (c Config) VoicePath(v synth.Voice) string {
	if v.Backend() == synth.BackendFormant {
		return ""
	}
	return filepath.Join(c.DataDir, VoicesDir, v.Backend().String(), v.Gender().String())
}
