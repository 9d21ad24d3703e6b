package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// Saturate applies tanh drive of amount*15 dB, level matched to the input
// RMS so the effect changes colour rather than loudness.
func Saturate(buf *audio.Buffer, amount float64) *audio.Buffer {
	if amount <= 0 {
		return buf
	}
	drive := DBToGain(math.Min(amount, 1) * 15)
	out := buf.Clone()
	for _, ch := range out.Data {
		for i, v := range ch {
			ch[i] = math.Tanh(v * drive)
		}
	}
	if in, sat := buf.RMS(), out.RMS(); sat > 0 && in > 0 {
		out.Scale(in / sat)
	}
	return out
}

// Chorus mixes in an LFO-modulated short delay per channel. amount sets the
// wet mix.
func Chorus(buf *audio.Buffer, amount float64) *audio.Buffer {
	if amount <= 0 {
		return buf
	}
	amount = math.Min(amount, 1)
	const (
		baseMs  = 15.0
		depthMs = 5.0
		rateHz  = 0.8
	)
	sr := float64(buf.SampleRate)
	base := baseMs * sr / 1000
	depth := depthMs * sr / 1000
	wet := 0.5 * amount
	dry := 1 - 0.3*amount

	out := buf.Clone()
	for c, src := range buf.Data {
		// offset the LFO per channel for width
		phase0 := float64(c) * math.Pi / 2
		dst := out.Data[c]
		for i := range src {
			lfo := math.Sin(2*math.Pi*rateHz*float64(i)/sr + phase0)
			d := base + depth*(1+lfo)/2
			dst[i] = dry*src[i] + wet*fractionalTap(src, float64(i)-d)
		}
	}
	return out
}

// fractionalTap reads src at a fractional index with linear interpolation,
// returning 0 before the start.
func fractionalTap(src []float64, pos float64) float64 {
	if pos < 0 {
		return 0
	}
	i := int(pos)
	frac := pos - float64(i)
	if i+1 >= len(src) {
		if i < len(src) {
			return src[i]
		}
		return 0
	}
	return src[i]*(1-frac) + src[i+1]*frac
}

// Delay is a feedback echo synced to bpm (dotted eighth), or 375ms if bpm is
// not positive. amount sets both wet level and feedback.
func Delay(buf *audio.Buffer, amount, bpm float64) *audio.Buffer {
	if amount <= 0 {
		return buf
	}
	seconds := 0.375
	if bpm > 0 {
		seconds = 60 / bpm * 0.75
	}
	return FeedbackDelay(buf, seconds, 0.2+0.4*math.Min(amount, 1), 0.5*math.Min(amount, 1))
}

// FeedbackDelay is a plain delay line with feedback and a wet mix.
func FeedbackDelay(buf *audio.Buffer, seconds, feedback, wet float64) *audio.Buffer {
	d := int(seconds * float64(buf.SampleRate))
	if d <= 0 || wet <= 0 {
		return buf
	}
	feedback = math.Min(feedback, 0.95)
	out := buf.Clone()
	for c, src := range buf.Data {
		line := make([]float64, d)
		dst := out.Data[c]
		idx := 0
		for i, x := range src {
			y := line[idx]
			line[idx] = x + y*feedback
			idx++
			if idx == d {
				idx = 0
			}
			dst[i] = x + wet*y
		}
	}
	return out
}

// Reverb is a Freeverb style stereo reverb with room size 0.8, wet
// amount*0.6 and dry 1-amount*0.2.
func Reverb(buf *audio.Buffer, amount float64) *audio.Buffer {
	if amount <= 0 {
		return buf
	}
	amount = math.Min(amount, 1)
	return ReverbRoom(buf, 0.8, amount*0.6, 1-amount*0.2)
}

// Freeverb tunings in samples at 44.1kHz.
var (
	combTuning    = [...]int{1116, 1188, 1277, 1356, 1422, 1491, 1557, 1617}
	allpassTuning = [...]int{556, 441, 341, 225}
)

const (
	reverbStereoSpread = 23
	reverbFixedGain    = 0.015
	reverbDamping      = 0.5
	reverbScaleWet     = 3
)

// ReverbRoom runs the Freeverb network with explicit parameters.
func ReverbRoom(buf *audio.Buffer, room, wet, dry float64) *audio.Buffer {
	st := buf.ToStereo()
	scale := float64(st.SampleRate) / 44100
	feedback := room*0.28 + 0.7
	damp := reverbDamping * 0.4

	type comb struct {
		line  []float64
		idx   int
		store float64
	}
	type allpass struct {
		line []float64
		idx  int
	}
	build := func(spread int) ([]*comb, []*allpass) {
		cs := make([]*comb, len(combTuning))
		for i, t := range combTuning {
			cs[i] = &comb{line: make([]float64, max(1, int(float64(t+spread)*scale)))}
		}
		as := make([]*allpass, len(allpassTuning))
		for i, t := range allpassTuning {
			as[i] = &allpass{line: make([]float64, max(1, int(float64(t+spread)*scale)))}
		}
		return cs, as
	}
	combL, apL := build(0)
	combR, apR := build(reverbStereoSpread)

	run := func(cs []*comb, as []*allpass, in float64) float64 {
		var acc float64
		for _, c := range cs {
			y := c.line[c.idx]
			c.store = y*(1-damp) + c.store*damp
			c.line[c.idx] = in + c.store*feedback
			c.idx = (c.idx + 1) % len(c.line)
			acc += y
		}
		for _, a := range as {
			b := a.line[a.idx]
			a.line[a.idx] = acc + b*0.5
			a.idx = (a.idx + 1) % len(a.line)
			acc = b - acc
		}
		return acc
	}

	out := audio.NewBuffer(2, st.Frames(), st.SampleRate)
	l, r := st.Data[0], st.Data[1]
	for i := range l {
		in := (l[i] + r[i]) * reverbFixedGain
		wl := run(combL, apL, in)
		wr := run(combR, apR, in)
		out.Data[0][i] = wl*wet*reverbScaleWet + l[i]*dry
		out.Data[1][i] = wr*wet*reverbScaleWet + r[i]*dry
	}
	return out
}
