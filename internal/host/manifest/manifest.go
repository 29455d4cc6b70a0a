// Package manifest describes a speech module package: which loader binds it,
// where its image and data live and which voices it serves.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-tts/internal/synth"
	"gopkg.in/yaml.v3"
)

const (
	ModeBuiltin = "builtin"
	ModeWasm    = "wasm"
	ModeExec    = "exec"
)

type Manifest struct {
	Metadata     Metadata    `yaml:"metadata"`
	Runtime      RuntimeSpec `yaml:"runtime"`
	DataDir      string      `yaml:"data_dir"`
	Voices       []string    `yaml:"voices,omitempty"`
	DefaultVoice string      `yaml:"default_voice,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode string `yaml:"mode"`
	// Module is a wasm image path or a worker command line.
	Module      string      `yaml:"module"`
	Entrypoints Entrypoints `yaml:"entrypoints,omitempty"`
}

// Entrypoints overrides the symbol names resolved from the module image.
type Entrypoints struct {
	Init     string `yaml:"init,omitempty"`
	Close    string `yaml:"close,omitempty"`
	Callback string `yaml:"callback,omitempty"`
	Speak    string `yaml:"speak,omitempty"`
}

// Load reads a manifest from disk. Relative data_dir and wasm module paths
// are resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	if m.DataDir != "" && !filepath.IsAbs(m.DataDir) {
		m.DataDir = filepath.Join(base, m.DataDir)
	}
	if m.Runtime.Mode == ModeWasm && m.Runtime.Module != "" && !filepath.IsAbs(m.Runtime.Module) {
		m.Runtime.Module = filepath.Join(base, m.Runtime.Module)
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "":
		return fmt.Errorf("runtime.mode is required")
	case ModeBuiltin:
	case ModeWasm, ModeExec:
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for %s", m.Runtime.Mode)
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	for _, name := range m.Voices {
		if _, err := synth.ParseVoice(name); err != nil {
			return fmt.Errorf("voices: %w", err)
		}
	}
	if m.DefaultVoice != "" {
		if _, err := synth.ParseVoice(m.DefaultVoice); err != nil {
			return fmt.Errorf("default_voice: %w", err)
		}
	}
	return nil
}

// Voice resolves the default voice, falling back to the first listed voice
// and then to the male diphone voice.
func (m Manifest) Voice() synth.Voice {
	for _, name := range append([]string{m.DefaultVoice}, m.Voices...) {
		if v, err := synth.ParseVoice(name); err == nil {
			return v
		}
	}
	return synth.VoiceDiphoneMale
}

// VoiceList returns the advertised voices, every known voice when none are
// listed.
func (m Manifest) VoiceList() []synth.Voice {
	if len(m.Voices) == 0 {
		return synth.Voices()
	}
	out := make([]synth.Voice, 0, len(m.Voices))
	for _, name := range m.Voices {
		if v, err := synth.ParseVoice(name); err == nil {
			out = append(out, v)
		}
	}
	return out
}
