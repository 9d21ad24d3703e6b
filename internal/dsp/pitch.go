package dsp

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// PitchShift transposes by semitones (fractional allowed) keeping duration.
// The buffer is first stretched to 2^(s/12) times its length, then resampled
// back down, which raises pitch by the same ratio. Zero returns buf itself.
func PitchShift(buf *audio.Buffer, semitones float64) (*audio.Buffer, error) {
	if semitones == 0 || buf.Frames() == 0 {
		return buf, nil
	}
	ratio := math.Pow(2, semitones/12)

	// factor < 1 lengthens
	stretched := TimeStretch(buf, 1/ratio)
	out, err := audio.ResampleRatio(stretched, 1/ratio)
	if err != nil {
		return nil, err
	}
	return out.PadOrTrim(buf.Frames()), nil
}
