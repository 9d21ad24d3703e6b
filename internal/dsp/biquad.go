// Package dsp implements the offline signal processing used to render clips:
// filters, time and pitch manipulation, looping, gating, effects and dynamics.
// Everything operates on planar float64 audio.Buffers.
package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// Butterworth Q for a second order section.
const butterworthQ = 0.7071067811865476

// Filter cutoffs outside these bounds are treated as "open".
const (
	MinCutoff = 20.0
	MaxCutoff = 20000.0
)

// Biquad is a second-order IIR filter in Direct Form I with per-channel state.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 []float64
	y1, y2 []float64
}

// NewBiquad creates a filter for the given channel count. Coefficients start
// as a passthrough.
func NewBiquad(channels int) *Biquad {
	return &Biquad{
		b0: 1,
		x1: make([]float64, channels),
		x2: make([]float64, channels),
		y1: make([]float64, channels),
		y2: make([]float64, channels),
	}
}

func (f *Biquad) set(b0, b1, b2, a0, a1, a2 float64) {
	inv := 1 / a0
	f.b0, f.b1, f.b2 = b0*inv, b1*inv, b2*inv
	f.a1, f.a2 = a1*inv, a2*inv
}

func rbj(sampleRate, freq, q float64) (sin, cos, alpha float64) {
	nyq := sampleRate / 2
	if freq >= nyq {
		freq = nyq * 0.999
	}
	if freq < 1 {
		freq = 1
	}
	w := 2 * math.Pi * freq / sampleRate
	sin, cos = math.Sin(w), math.Cos(w)
	return sin, cos, sin / (2 * q)
}

// SetLowpass configures a lowpass response.
func (f *Biquad) SetLowpass(sampleRate, freq, q float64) {
	_, c, alpha := rbj(sampleRate, freq, q)
	f.set((1-c)/2, 1-c, (1-c)/2, 1+alpha, -2*c, 1-alpha)
}

// SetHighpass configures a highpass response.
func (f *Biquad) SetHighpass(sampleRate, freq, q float64) {
	_, c, alpha := rbj(sampleRate, freq, q)
	f.set((1+c)/2, -(1 + c), (1+c)/2, 1+alpha, -2*c, 1-alpha)
}

// SetBandpass configures a constant skirt gain bandpass.
func (f *Biquad) SetBandpass(sampleRate, freq, q float64) {
	_, c, alpha := rbj(sampleRate, freq, q)
	f.set(alpha, 0, -alpha, 1+alpha, -2*c, 1-alpha)
}

// SetPeaking configures a peaking EQ with gainDB at freq.
func (f *Biquad) SetPeaking(sampleRate, freq, q, gainDB float64) {
	_, c, alpha := rbj(sampleRate, freq, q)
	a := math.Pow(10, gainDB/40)
	f.set(1+alpha*a, -2*c, 1-alpha*a, 1+alpha/a, -2*c, 1-alpha/a)
}

// Process filters one channel in place, keeping state between calls.
func (f *Biquad) Process(samples []float64, ch int) {
	x1, x2, y1, y2 := f.x1[ch], f.x2[ch], f.y1[ch], f.y2[ch]
	for i, x0 := range samples {
		y0 := f.b0*x0 + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		x2, x1 = x1, x0
		y2, y1 = y1, y0
		samples[i] = y0
	}
	f.x1[ch], f.x2[ch], f.y1[ch], f.y2[ch] = x1, x2, y1, y2
}

// ProcessBuffer filters every channel of buf in place.
func (f *Biquad) ProcessBuffer(buf *audio.Buffer) {
	for ch := range buf.Data {
		if ch < len(f.x1) {
			f.Process(buf.Data[ch], ch)
		}
	}
}

// HighPass returns a highpassed copy. Cutoffs at or below MinCutoff return
// buf unchanged.
func HighPass(buf *audio.Buffer, cutoff float64) *audio.Buffer {
	if cutoff <= MinCutoff {
		return buf
	}
	out := buf.Clone()
	f := NewBiquad(out.Channels())
	f.SetHighpass(float64(out.SampleRate), cutoff, butterworthQ)
	f.ProcessBuffer(out)
	return out
}

// LowPass returns a lowpassed copy. Cutoffs at or above MaxCutoff return
// buf unchanged.
func LowPass(buf *audio.Buffer, cutoff float64) *audio.Buffer {
	if cutoff >= MaxCutoff {
		return buf
	}
	out := buf.Clone()
	f := NewBiquad(out.Channels())
	f.SetLowpass(float64(out.SampleRate), cutoff, butterworthQ)
	f.ProcessBuffer(out)
	return out
}

// BandFilter applies a static low cut and high cut.
func BandFilter(buf *audio.Buffer, lowCut, highCut float64) *audio.Buffer {
	return LowPass(HighPass(buf, lowCut), highCut)
}

// FilterKind selects the response for FilterChunked.
type FilterKind int

const (
	KindHighpass FilterKind = iota
	KindLowpass
)

// FilterChunked filters with a time-varying cutoff. The buffer is processed in
// chunks of chunkFrames; each chunk uses the envelope value at its midpoint.
// Filter state carries across chunks so boundaries do not click.
func FilterChunked(buf *audio.Buffer, kind FilterKind, cutoffs []float64, chunkFrames int) *audio.Buffer {
	out := buf.Clone()
	n := out.Frames()
	if n == 0 || len(cutoffs) == 0 {
		return out
	}
	if chunkFrames <= 0 {
		chunkFrames = n
	}

	f := NewBiquad(out.Channels())
	sr := float64(out.SampleRate)
	for start := 0; start < n; start += chunkFrames {
		end := min(start+chunkFrames, n)
		mid := min((start+end)/2, len(cutoffs)-1)
		fc := cutoffs[mid]

		switch kind {
		case KindHighpass:
			if fc <= MinCutoff {
				f.set(1, 0, 0, 1, 0, 0)
			} else {
				f.SetHighpass(sr, fc, butterworthQ)
			}
		case KindLowpass:
			if fc >= MaxCutoff {
				f.set(1, 0, 0, 1, 0, 0)
			} else {
				f.SetLowpass(sr, fc, butterworthQ)
			}
		}
		for ch := range out.Data {
			f.Process(out.Data[ch][start:end], ch)
		}
	}
	return out
}
