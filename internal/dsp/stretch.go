package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

const (
	stretchWindow = 2048
	stretchHop    = 512
)

// TempoFactor is the stretch factor needed to play sourceBPM material at
// targetBPM. Non-positive tempos give 1.
func TempoFactor(sourceBPM, targetBPM float64) float64 {
	if sourceBPM <= 0 || targetBPM <= 0 {
		return 1
	}
	return targetBPM / sourceBPM
}

// StretchedFrames is the output length TimeStretch produces for frames input.
func StretchedFrames(frames int, factor float64) int {
	if factor <= 0 || factor == 1 {
		return frames
	}
	return int(math.Round(float64(frames) / factor))
}

// TimeStretch changes duration by 1/factor without changing pitch.
// factor > 1 speeds up. The result has exactly StretchedFrames frames.
// A factor of 1 returns a copy.
func TimeStretch(buf *audio.Buffer, factor float64) *audio.Buffer {
	if factor <= 0 || math.Abs(factor-1) < 1e-9 {
		return buf.Clone()
	}
	outFrames := StretchedFrames(buf.Frames(), factor)
	out := audio.NewBuffer(buf.Channels(), outFrames, buf.SampleRate)
	if outFrames == 0 || buf.Frames() == 0 {
		return out
	}

	pv := newVocoder(stretchWindow, stretchHop)
	for ch := range buf.Data {
		out.Data[ch] = pv.stretch(buf.Data[ch], factor, outFrames)
	}
	return out
}

// vocoder is a phase vocoder with a fixed synthesis hop. Instantaneous
// frequency is measured from two analysis frames exactly one hop apart, so
// the analysis position can move at any rate.
type vocoder struct {
	n, hop int
	fft    *fourier.FFT
	win    []float64
	bins   int
}

func newVocoder(n, hop int) *vocoder {
	return &vocoder{
		n:    n,
		hop:  hop,
		fft:  fourier.NewFFT(n),
		win:  hannPeriodic(n),
		bins: n/2 + 1,
	}
}

func (v *vocoder) stretch(x []float64, factor float64, outFrames int) []float64 {
	n, hop := v.n, v.hop
	half := n / 2

	// Frame B of step k is centred on input sample k*analysisHop; frame A
	// sits one hop earlier. Pad both ends so every frame stays in range.
	lead := half + hop
	tail := int(float64(n+2*hop)*math.Max(1, factor)) + n
	padded := make([]float64, lead+len(x)+tail)
	copy(padded[lead:], x)

	analysisHop := float64(hop) * factor
	frames := (outFrames+n)/hop + 1

	acc := make([]float64, frames*hop+n)
	norm := make([]float64, len(acc))

	frameA := make([]float64, n)
	frameB := make([]float64, n)
	specA := make([]complex128, v.bins)
	specB := make([]complex128, v.bins)
	synth := make([]complex128, v.bins)
	phase := make([]float64, v.bins)
	seq := make([]float64, n)

	for k := 0; k < frames; k++ {
		pos := int(math.Round(float64(k) * analysisHop))
		if pos+hop+n > len(padded) {
			break
		}
		v.window(frameA, padded[pos:pos+n])
		v.window(frameB, padded[pos+hop:pos+hop+n])
		specA = v.fft.Coefficients(specA, frameA)
		specB = v.fft.Coefficients(specB, frameB)

		for b := 0; b < v.bins; b++ {
			pa, pb := cmplx.Phase(specA[b]), cmplx.Phase(specB[b])
			if k == 0 {
				phase[b] = pb
			} else {
				omega := 2 * math.Pi * float64(b) / float64(n)
				dphi := princarg(pb - pa - omega*float64(hop))
				phase[b] += omega*float64(hop) + dphi
			}
			synth[b] = cmplx.Rect(cmplx.Abs(specB[b]), phase[b])
		}

		seq = v.fft.Sequence(seq, synth)
		out := k * hop
		for i := 0; i < n; i++ {
			w := v.win[i]
			acc[out+i] += seq[i] / float64(n) * w
			norm[out+i] += w * w
		}
	}

	res := make([]float64, outFrames)
	for i := range res {
		j := i + half
		if j >= len(acc) {
			break
		}
		if norm[j] > 1e-6 {
			res[i] = acc[j] / norm[j]
		}
	}
	return res
}

func (v *vocoder) window(dst, src []float64) {
	for i := range dst {
		dst[i] = src[i] * v.win[i]
	}
}

// princarg wraps a phase into [-pi, pi).
func princarg(p float64) float64 {
	return p - 2*math.Pi*math.Floor((p+math.Pi)/(2*math.Pi))
}

func hannPeriodic(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

func hannSymmetric(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
