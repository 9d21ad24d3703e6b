package automation

import (
	"math"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
)

// SidechainCurve builds a volume curve that dips under the energy of src.
// One point is emitted per 1/pointsPerSecond window; the loudest window maps
// to 1-depth. Silent sources give a flat 1.0 curve.
func SidechainCurve(src *audio.Buffer, pointsPerSecond, depth float64) Curve {
	if pointsPerSecond <= 0 || src.Frames() == 0 {
		return Curve{{TimeMs: 0, Value: 1}}
	}
	depth = math.Max(0, math.Min(1, depth))

	win := int(float64(src.SampleRate) / pointsPerSecond)
	if win < 1 {
		win = 1
	}

	var levels []float64
	var peak float64
	for start := 0; start < src.Frames(); start += win {
		rms := src.RangeRMS(start, start+win)
		levels = append(levels, rms)
		peak = math.Max(peak, rms)
	}

	curve := make(Curve, len(levels))
	for i, l := range levels {
		v := 1.0
		if peak > 0 {
			v = 1 - depth*(l/peak)
		}
		curve[i] = Point{
			TimeMs: float64(i*win) * 1000 / float64(src.SampleRate),
			Value:  v,
		}
	}
	return curve
}
