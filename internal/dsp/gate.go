package dsp

import (
	"fmt"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// Subdivision is a note length used for rhythmic gating.
type Subdivision string

const (
	Quarter   Subdivision = "quarter"
	Eighth    Subdivision = "eighth"
	Sixteenth Subdivision = "sixteenth"
	Triplet   Subdivision = "triplet"
)

// DefaultGateDuty is the fraction of each cycle the gate is open.
const DefaultGateDuty = 0.7

// gateRampMs softens gate edges so they do not click.
const gateRampMs = 2.0

// Beats returns the subdivision length in quarter-note beats.
func (s Subdivision) Beats() (float64, error) {
	switch s {
	case Quarter:
		return 1, nil
	case Eighth:
		return 0.5, nil
	case Sixteenth:
		return 0.25, nil
	case Triplet:
		return 1.0 / 3, nil
	}
	return 0, fmt.Errorf("unknown subdivision %q", s)
}

// GatePattern returns one on/off amplitude value per frame.
func GatePattern(frames, sampleRate int, bpm float64, sub Subdivision, duty float64) ([]float64, error) {
	beats, err := sub.Beats()
	if err != nil {
		return nil, err
	}
	if bpm <= 0 {
		return nil, fmt.Errorf("gate: bpm must be positive, got %v", bpm)
	}
	if duty <= 0 || duty > 1 {
		duty = DefaultGateDuty
	}

	cycle := 60 / bpm * beats * float64(sampleRate)
	on := cycle * duty
	ramp := float64(audio.FramesForMs(gateRampMs, sampleRate))
	if ramp > on/2 {
		ramp = on / 2
	}

	pattern := make([]float64, frames)
	for i := range pattern {
		pos := float64(i) - cycle*float64(int(float64(i)/cycle))
		switch {
		case pos >= on:
			pattern[i] = 0
		case ramp > 0 && pos < ramp:
			pattern[i] = pos / ramp
		case ramp > 0 && pos > on-ramp:
			pattern[i] = (on - pos) / ramp
		default:
			pattern[i] = 1
		}
	}
	return pattern, nil
}

// RhythmicGate multiplies every channel by a tempo-synced on/off pattern.
func RhythmicGate(buf *audio.Buffer, bpm float64, sub Subdivision, duty float64) (*audio.Buffer, error) {
	pattern, err := GatePattern(buf.Frames(), buf.SampleRate, bpm, sub, duty)
	if err != nil {
		return nil, err
	}
	return GainEnvelope(buf, pattern), nil
}
