package synth

// formant needs no voice data; its timbre comes from fixed overtones.
type formant struct {
	base
}

func newFormant(voice Voice) *formant {
	f := &formant{}
	f.init(voice)
	return f
}

// InitializeVoice ignores dataPath.
func (f *formant) InitializeVoice(string) error {
	pitch := 110.0
	if f.voice.Gender() == Female {
		pitch = 205
	}
	f.renderer = &renderer{
		sampleRate: 22050,
		basePitch:  pitch,
		phonemeMS:  80,
		harmonics:  []float64{0.5, 0.25},
	}
	return nil
}
