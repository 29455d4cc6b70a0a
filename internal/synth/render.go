package synth

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"

	"github.com/go-audio/audio"
)

const (
	pauseMS   = 150
	fadeMS    = 5
	amplitude = 0.3 * math.MaxInt16
)

type controls struct {
	pitch  int
	volume int
	rate   int
}

// renderer turns phonemes into tones. harmonics lists the relative level of
// each overtone above the fundamental.
type renderer struct {
	sampleRate int
	basePitch  float64
	phonemeMS  int
	harmonics  []float64
}

func (r *renderer) render(phonemes []string, ctl controls) *audio.IntBuffer {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: r.sampleRate},
		SourceBitDepth: 16,
	}
	pitchFactor := 0.5 + float64(ctl.pitch)/100
	gain := float64(ctl.volume) / 100
	for _, ph := range phonemes {
		if strings.HasPrefix(ph, "_") {
			n := r.samples(pauseMS*len(ph), ctl.rate)
			buf.Data = append(buf.Data, make([]int, n)...)
			continue
		}
		freq := r.basePitch * pitchFactor * (1 + float64(phonemeIndex(ph))/24)
		buf.Data = append(buf.Data, r.tone(freq, r.samples(r.phonemeMS, ctl.rate), gain)...)
	}
	return buf
}

func (r *renderer) samples(ms, rate int) int {
	return r.sampleRate * ms * DefaultRate / rate / 1000
}

func (r *renderer) tone(freq float64, n int, gain float64) []int {
	out := make([]int, n)
	fade := r.sampleRate * fadeMS / 1000
	norm := 1.0
	for _, h := range r.harmonics {
		norm += h
	}
	for i := range out {
		t := float64(i) / float64(r.sampleRate)
		v := math.Sin(2 * math.Pi * freq * t)
		for k, h := range r.harmonics {
			v += h * math.Sin(2*math.Pi*freq*float64(k+2)*t)
		}
		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		out[i] = int(v / norm * env * gain * amplitude)
	}
	return out
}

func phonemeIndex(ph string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ph))
	return h.Sum32() % 12
}

// EncodePCM16 packs buf as signed 16-bit little-endian samples.
func EncodePCM16(buf *audio.IntBuffer) []byte {
	out := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16.
func DecodePCM16(pcm []byte, sampleRate int) *audio.IntBuffer {
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/2),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return buf
}
