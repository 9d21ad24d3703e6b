package dsp

import (
	"math/rand"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// Granular synthesis settings.
const (
	grainMs      = 200.0
	grainHopMs   = 50.0
	textureLevel = 0.8
)

// GranularTexture builds an ambient pad of frames length by scattering Hann
// windowed grains picked at random from src. The same seed gives the same
// output. The pad is smoothed with reverb, delay and a 4kHz lowpass.
func GranularTexture(src *audio.Buffer, frames int, seed int64) *audio.Buffer {
	st := src.ToStereo()
	out := audio.NewBuffer(2, frames, st.SampleRate)
	n := st.Frames()
	if frames <= 0 || n == 0 {
		return out
	}

	grain := min(audio.FramesForMs(grainMs, st.SampleRate), n)
	hop := max(audio.FramesForMs(grainHopMs, st.SampleRate), 1)
	win := hannSymmetric(grain)
	rng := rand.New(rand.NewSource(seed))

	for pos := 0; pos < frames; pos += hop {
		from := 0
		if n > grain {
			from = rng.Intn(n - grain)
		}
		for ch := 0; ch < 2; ch++ {
			dst := out.Data[ch]
			s := st.Data[ch]
			for i := 0; i < grain && pos+i < frames; i++ {
				dst[pos+i] += s[from+i] * win[i]
			}
		}
	}

	out = NormalizePeakTo(out, textureLevel)
	out = ReverbRoom(out, 0.9, 0.5, 0.6)
	out = FeedbackDelay(out, 0.5, 0.4, 0.3)
	out = LowPass(out, 4000)
	return NormalizePeakTo(out, textureLevel)
}

// NoiseKind selects the riser noise colour.
type NoiseKind string

const (
	WhiteNoise NoiseKind = "white"
	PinkNoise  NoiseKind = "pink"
)

// RiserParams shapes a procedural riser.
type RiserParams struct {
	Noise      NoiseKind
	Lowpass    bool    // lowpass at 5kHz instead of highpass at 200Hz
	ReverbRoom float64 // 0..1, defaults to 0.5
	Seed       int64
}

// pink noise approximation taps
var pinkTaps = []float64{0.0405096, -0.0601927, 0.056985, -0.0328239, 0.00959452}

// NoiseRiser generates a noise sweep with a cubic volume ramp. The first 10ms
// are silent, and the result is peak normalised.
func NoiseRiser(frames, sampleRate int, p RiserParams) *audio.Buffer {
	out := audio.NewBuffer(2, frames, sampleRate)
	if frames <= 0 {
		return out
	}
	rng := rand.New(rand.NewSource(p.Seed))
	noise := make([]float64, frames)
	for i := range noise {
		noise[i] = rng.Float64()*2 - 1
	}
	if p.Noise == PinkNoise {
		noise = convolveSame(noise, pinkTaps)
	}

	silent := audio.FramesForMs(10, sampleRate)
	for i := range noise {
		v := 0.0
		if i >= silent {
			t := float64(i) / float64(max(frames-1, 1))
			v = noise[i] * t * t * t
		}
		out.Data[0][i] = v
		out.Data[1][i] = v
	}

	if p.Lowpass {
		out = LowPass(out, 5000)
	} else {
		out = HighPass(out, 200)
	}
	room := p.ReverbRoom
	if room <= 0 {
		room = 0.5
	}
	out = ReverbRoom(out, room, 1.0/3, 0.7)
	out = FeedbackDelay(out, 0.25, 0.3, 0.5)
	return NormalizePeakTo(out, 1)
}

func convolveSame(x, taps []float64) []float64 {
	out := make([]float64, len(x))
	off := len(taps) / 2
	for i := range x {
		var acc float64
		for k, t := range taps {
			j := i + off - k
			if j >= 0 && j < len(x) {
				acc += x[j] * t
			}
		}
		out[i] = acc
	}
	return out
}
