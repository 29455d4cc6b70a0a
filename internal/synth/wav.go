package synth

import (
	"io"

	"github.com/go-audio/wav"
)

// WriteWAV wraps PCM16LE mono samples in a RIFF/WAVE container.
func WriteWAV(w io.WriteSeeker, pcm []byte, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	if err := enc.Write(DecodePCM16(pcm, sampleRate)); err != nil {
		return err
	}
	return enc.Close()
}
