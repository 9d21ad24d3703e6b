package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// Compressor is a feed-forward, stereo-linked compressor with a peak
// envelope detector and soft knee.
type Compressor struct {
	ThresholdDB float64
	Ratio       float64
	AttackMs    float64
	ReleaseMs   float64
	KneeDB      float64
	MakeupDB    float64
}

// MasterCompressor returns the bus compressor settings: gentle enough that
// a full mix does not pump.
func MasterCompressor() Compressor {
	return Compressor{
		ThresholdDB: -14,
		Ratio:       2.5,
		AttackMs:    10,
		ReleaseMs:   150,
		KneeDB:      4,
	}
}

// gainReduction returns reduction in dB (>= 0) for an input level.
func (c Compressor) gainReduction(inDB float64) float64 {
	over := inDB - c.ThresholdDB
	slope := 1 - 1/c.Ratio
	half := c.KneeDB / 2
	switch {
	case c.KneeDB > 0 && math.Abs(over) <= half:
		x := over + half
		return slope * x * x / (2 * c.KneeDB)
	case over > 0:
		return slope * over
	}
	return 0
}

// Process compresses buf and returns a new buffer.
func (c Compressor) Process(buf *audio.Buffer) *audio.Buffer {
	out := buf.Clone()
	if c.Ratio <= 1 || out.Frames() == 0 {
		return out
	}
	sr := float64(out.SampleRate)
	att := math.Exp(-1 / (c.AttackMs / 1000 * sr))
	rel := math.Exp(-1 / (c.ReleaseMs / 1000 * sr))
	makeup := DBToGain(c.MakeupDB)

	var env float64
	for i := 0; i < out.Frames(); i++ {
		var peak float64
		for _, ch := range out.Data {
			peak = math.Max(peak, math.Abs(ch[i]))
		}
		coef := rel
		if peak > env {
			coef = att
		}
		env = coef*env + (1-coef)*peak

		g := DBToGain(-c.gainReduction(GainToDB(env))) * makeup
		for _, ch := range out.Data {
			ch[i] *= g
		}
	}
	return out
}

// Limiter is a brickwall limiter: instant attack, smooth release, and a hard
// clamp at the ceiling so no sample ever exceeds it.
type Limiter struct {
	CeilingDB float64
	ReleaseMs float64
}

// MasterLimiter limits to -0.1 dBFS.
func MasterLimiter() Limiter {
	return Limiter{CeilingDB: -0.1, ReleaseMs: 50}
}

// Process limits buf and returns a new buffer.
func (l Limiter) Process(buf *audio.Buffer) *audio.Buffer {
	out := buf.Clone()
	if out.Frames() == 0 {
		return out
	}
	ceiling := DBToGain(l.CeilingDB)
	rel := math.Exp(-1 / (math.Max(l.ReleaseMs, 1) / 1000 * float64(out.SampleRate)))

	gain := 1.0
	for i := 0; i < out.Frames(); i++ {
		var peak float64
		for _, ch := range out.Data {
			peak = math.Max(peak, math.Abs(ch[i]))
		}
		target := 1.0
		if peak > ceiling {
			target = ceiling / peak
		}
		if target < gain {
			gain = target
		} else {
			gain = rel*gain + (1-rel)*target
		}
		for _, ch := range out.Data {
			ch[i] = clampAbs(ch[i]*gain, ceiling)
		}
	}
	return out
}

func clampAbs(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// MasterBus runs the bus compressor then the limiter.
func MasterBus(buf *audio.Buffer) *audio.Buffer {
	return MasterLimiter().Process(MasterCompressor().Process(buf))
}
