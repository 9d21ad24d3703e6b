package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// EnvelopeHop is the analysis hop for sidechain envelopes.
const EnvelopeHop = 512

// RMSEnvelope returns one RMS value per hop frames, measured over a window of
// 2*hop centred on the hop. The mono mix of buf is used.
func RMSEnvelope(buf *audio.Buffer, hop int) []float64 {
	if hop <= 0 {
		hop = EnvelopeHop
	}
	mono := buf.Mono()
	n := len(mono)
	if n == 0 {
		return nil
	}
	frames := (n + hop - 1) / hop
	env := make([]float64, frames)
	for f := range env {
		lo := max(f*hop-hop/2, 0)
		hi := min(f*hop+hop+hop/2, n)
		var sum float64
		for _, v := range mono[lo:hi] {
			sum += v * v
		}
		env[f] = math.Sqrt(sum / float64(hi-lo))
	}
	return env
}

// NormalizePeak scales env so its maximum is 1. An all-zero envelope is
// returned unchanged.
func NormalizePeak(env []float64) []float64 {
	var peak float64
	for _, v := range env {
		peak = math.Max(peak, v)
	}
	out := make([]float64, len(env))
	if peak <= 0 {
		return out
	}
	for i, v := range env {
		out[i] = v / peak
	}
	return out
}

// UpsampleEnvelope linearly interpolates a per-hop envelope back to frames.
func UpsampleEnvelope(env []float64, hop, frames int) []float64 {
	out := make([]float64, frames)
	if len(env) == 0 {
		return out
	}
	for i := range out {
		pos := float64(i) / float64(hop)
		j := int(pos)
		if j >= len(env)-1 {
			out[i] = env[len(env)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = env[j]*(1-frac) + env[j+1]*frac
	}
	return out
}

// BandEnergyRatio returns the share of spectral energy between lo and hi Hz,
// averaged over 4096 point frames. Silent input returns 0.
func BandEnergyRatio(buf *audio.Buffer, lo, hi float64) float64 {
	const n = 4096
	mono := buf.Mono()
	if len(mono) == 0 {
		return 0
	}
	fft := fourier.NewFFT(n)
	win := hannPeriodic(n)
	frame := make([]float64, n)
	var coeff []complex128

	binHz := float64(buf.SampleRate) / n
	var band, total float64
	for start := 0; start < len(mono); start += n {
		for i := range frame {
			frame[i] = 0
			if start+i < len(mono) {
				frame[i] = mono[start+i] * win[i]
			}
		}
		coeff = fft.Coefficients(coeff, frame)
		for b, c := range coeff {
			e := cmplx.Abs(c)
			e *= e
			total += e
			if f := float64(b) * binHz; f >= lo && f <= hi {
				band += e
			}
		}
	}
	if total <= 1e-12 {
		return 0
	}
	return band / total
}

// NormalizeRMS scales buf to targetDB RMS (dBFS) times gain. Silent buffers are
// returned unscaled.
func NormalizeRMS(buf *audio.Buffer, targetDB, gain float64) *audio.Buffer {
	out := buf.Clone()
	rms := out.RMS()
	if rms < 1e-9 {
		return out
	}
	out.Scale(DBToGain(targetDB) / rms * gain)
	return out
}

// NormalizePeakTo scales buf so its peak equals level. Silent buffers are
// returned unscaled.
func NormalizePeakTo(buf *audio.Buffer, level float64) *audio.Buffer {
	out := buf.Clone()
	if p := out.Peak(); p > 0 {
		out.Scale(level / p)
	}
	return out
}
