package synth

import (
	"fmt"
	"strings"
)

// Backend is a synthesis backend family.
type Backend int

const (
	BackendDiphone Backend = iota
	BackendFormant
)

func (b Backend) String() string {
	switch b {
	case BackendDiphone:
		return "diphone"
	case BackendFormant:
		return "formant"
	default:
		return "unknown"
	}
}

type Gender int

const (
	Male Gender = iota
	Female
)

func (g Gender) String() string {
	if g == Female {
		return "female"
	}
	return "male"
}

// Voice selects a (backend, gender) pair. The numeric values are part of the
// module ABI and must not be reordered.
type Voice uint32

const (
	VoiceDiphoneMale Voice = iota
	VoiceDiphoneFemale
	VoiceFormantMale
	VoiceFormantFemale
)

// Voices lists every supported voice.
func Voices() []Voice {
	return []Voice{VoiceDiphoneMale, VoiceDiphoneFemale, VoiceFormantMale, VoiceFormantFemale}
}

func (v Voice) Valid() bool { return v <= VoiceFormantFemale }

func (v Voice) Backend() Backend {
	if v == VoiceFormantMale || v == VoiceFormantFemale {
		return BackendFormant
	}
	return BackendDiphone
}

func (v Voice) Gender() Gender {
	if v == VoiceDiphoneFemale || v == VoiceFormantFemale {
		return Female
	}
	return Male
}

func (v Voice) String() string {
	if !v.Valid() {
		return fmt.Sprintf("voice(%d)", uint32(v))
	}
	return v.Backend().String() + "-" + v.Gender().String()
}

// ParseVoice accepts names such as "diphone-female".
func ParseVoice(name string) (Voice, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, v := range Voices() {
		if v.String() == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown voice %q", name)
}
