package synth

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VoiceFile is the descriptor every diphone voice directory carries.
const VoiceFile = "voice.yaml"

type diphoneVoice struct {
	Name       string  `yaml:"name"`
	Gender     string  `yaml:"gender"`
	BasePitch  float64 `yaml:"base_pitch"`
	SampleRate int     `yaml:"sample_rate"`
	PhonemeMS  int     `yaml:"phoneme_ms"`
}

// diphone renders from a voice database on disk.
type diphone struct {
	base
	name string
}

func newDiphone(voice Voice) *diphone {
	d := &diphone{}
	d.init(voice)
	return d
}

func (d *diphone) InitializeVoice(dataPath string) error {
	path := filepath.Join(dataPath, VoiceFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read diphone voice: %w", err)
	}
	var v diphoneVoice
	if err := yaml.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parse diphone voice %s: %w", path, err)
	}
	if v.Gender != d.voice.Gender().String() {
		return fmt.Errorf("diphone voice %s is %q, want %q", path, v.Gender, d.voice.Gender())
	}
	if v.BasePitch <= 0 {
		return fmt.Errorf("diphone voice %s: base_pitch must be positive", path)
	}
	if v.SampleRate == 0 {
		v.SampleRate = 16000
	}
	if v.SampleRate < 8000 || v.SampleRate > 48000 {
		return fmt.Errorf("diphone voice %s: sample_rate %d out of range", path, v.SampleRate)
	}
	if v.PhonemeMS <= 0 {
		v.PhonemeMS = 90
	}
	d.name = v.Name
	d.renderer = &renderer{
		sampleRate: v.SampleRate,
		basePitch:  v.BasePitch,
		phonemeMS:  v.PhonemeMS,
	}
	return nil
}
