package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// GainEnvelope multiplies every channel by env, sample by sample. Frames past
// the end of env keep the last value.
func GainEnvelope(buf *audio.Buffer, env []float64) *audio.Buffer {
	out := buf.Clone()
	if len(env) == 0 {
		return out
	}
	last := env[len(env)-1]
	for _, ch := range out.Data {
		for i := range ch {
			g := last
			if i < len(env) {
				g = env[i]
			}
			ch[i] *= g
		}
	}
	return out
}

// FadeInOut applies raised-cosine fades of the given frame lengths.
// Lengths are clamped so the two fades never overlap past the midpoint.
func FadeInOut(buf *audio.Buffer, inFrames, outFrames int) *audio.Buffer {
	out := buf.Clone()
	n := out.Frames()
	if inFrames+outFrames > n {
		total := float64(inFrames + outFrames)
		inFrames = int(float64(n) * float64(inFrames) / total)
		outFrames = n - inFrames
	}
	for _, ch := range out.Data {
		for i := 0; i < inFrames; i++ {
			ch[i] *= raisedCosine(float64(i) / float64(inFrames))
		}
		for i := 0; i < outFrames; i++ {
			ch[n-1-i] *= raisedCosine(float64(i) / float64(outFrames))
		}
	}
	return out
}

// raisedCosine rises from 0 at t=0 to 1 at t=1.
func raisedCosine(t float64) float64 {
	return 0.5 - 0.5*math.Cos(math.Pi*t)
}

// PanGains returns equal-power left/right gains for pan in [-1, 1].
func PanGains(pan float64) (float64, float64) {
	pan = math.Max(-1, math.Min(1, pan))
	theta := (pan + 1) * math.Pi / 4
	// scaled so centre is unity on both sides
	return math.Cos(theta) * math.Sqrt2, math.Sin(theta) * math.Sqrt2
}

// EqualPowerPan applies a static pan to a stereo buffer.
func EqualPowerPan(buf *audio.Buffer, pan float64) *audio.Buffer {
	st := buf.ToStereo()
	if pan == 0 {
		return st.Clone()
	}
	out := st.Clone()
	l, r := PanGains(pan)
	for i := range out.Data[0] {
		out.Data[0][i] *= l
		out.Data[1][i] *= r
	}
	return out
}

// PanEnvelope pans sample by sample from an envelope, clamped to [-1, 1].
func PanEnvelope(buf *audio.Buffer, env []float64) *audio.Buffer {
	out := buf.ToStereo().Clone()
	if len(env) == 0 {
		return out
	}
	for i := range out.Data[0] {
		p := env[len(env)-1]
		if i < len(env) {
			p = env[i]
		}
		l, r := PanGains(p)
		out.Data[0][i] *= l
		out.Data[1][i] *= r
	}
	return out
}

// DBToGain converts decibels to a linear factor.
func DBToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

// GainToDB converts a linear factor to decibels, flooring at -120.
func GainToDB(g float64) float64 {
	if g <= 1e-6 {
		return -120
	}
	return 20 * math.Log10(g)
}
