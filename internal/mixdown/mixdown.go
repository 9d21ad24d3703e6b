// Package mixdown places rendered clips on the master timeline, ducks
// background clips under overlapping primaries, and runs the master bus.
package mixdown

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/dsp"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/render"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// Ducking constants.
const (
	BaseDuck        = 0.7
	VocalDuck       = 0.9
	AmbientDuckLift = 0.1
	MaxBaseDuck     = 0.95

	// MinDuckGain is the floor of the gain envelope: at least this much of
	// the background always passes.
	MinDuckGain = 0.2

	// BandSuppressAt triggers band filtering when amount*sensitivity reaches it.
	BandSuppressAt = 0.95

	vocalEnergyThreshold = 0.2
	vocalBandThreshold   = 0.5
	vocalBandLo          = 300.0
	vocalBandHi          = 3400.0

	preShapeLow         = 100.0
	preShapeHigh        = 12000.0
	ambientPreShapeLow  = 200.0
	ambientPreShapeHigh = 8000.0

	lowBandCut  = 250.0
	highBandCut = 4000.0
)

// DuckReport describes one ducking decision.
type DuckReport struct {
	TargetID     string
	PrimaryID    string
	OverlapStart int // master frames
	OverlapEnd   int
	Base         float64
	Amount       float64
	VocalPrimary bool
	LowCut       bool // low band suppressed
	HighCut      bool // high band suppressed
	RMSBefore    float64
	RMSAfter     float64
}

// Mixer combines rendered clips. It runs on a single goroutine.
type Mixer struct {
	SampleRate int
	Muted      []int
	Soloed     []int
}

// NewMixer creates a mixer with no lane filtering.
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{SampleRate: sampleRate}
}

// Result is a finished mixdown.
type Result struct {
	Master  *audio.Buffer
	Reports []DuckReport
}

// Mix sums rendered clips into a totalFrames master, ducking as it goes,
// then applies the master compressor and limiter.
func (m *Mixer) Mix(rendered []*render.RenderedBuffer, totalFrames int) *Result {
	master := audio.NewBuffer(2, totalFrames, m.SampleRate)
	reports := m.place(master, rendered)
	return &Result{Master: dsp.MasterBus(master), Reports: reports}
}

// Lanes mixes each lane on its own, as if it were the only lane: ducking
// only sees primaries on the same lane, and every lane gets the master bus.
func (m *Mixer) Lanes(rendered []*render.RenderedBuffer, totalFrames int) map[int]*audio.Buffer {
	byLane := map[int][]*render.RenderedBuffer{}
	for _, rb := range rendered {
		if rb != nil && timeline.IsActive(rb.Lane, m.Muted, m.Soloed) {
			byLane[rb.Lane] = append(byLane[rb.Lane], rb)
		}
	}
	lanes := make(map[int]*audio.Buffer, len(byLane))
	for lane, rbs := range byLane {
		lanes[lane] = m.Mix(rbs, totalFrames).Master
	}
	return lanes
}

func (m *Mixer) place(master *audio.Buffer, rendered []*render.RenderedBuffer) []DuckReport {
	var reports []DuckReport
	for _, rb := range rendered {
		if rb == nil || rb.Buffer == nil || !timeline.IsActive(rb.Lane, m.Muted, m.Soloed) {
			continue
		}
		buf := rb.Buffer.ToStereo()
		if !rb.IsPrimary {
			if p := m.firstPrimary(rb, rendered); p != nil {
				var rep DuckReport
				buf, rep = Duck(rb, p)
				reports = append(reports, rep)
				logrus.WithFields(logrus.Fields{
					"function": "Mix",
					"clip":     rb.ClipID,
					"primary":  p.ClipID,
					"amount":   rep.Amount,
				}).Debug("ducked under primary")
			}
		}
		master.AddAt(buf, rb.StartIdx)
	}
	return reports
}

// firstPrimary returns the first active primary clip overlapping rb.
func (m *Mixer) firstPrimary(rb *render.RenderedBuffer, all []*render.RenderedBuffer) *render.RenderedBuffer {
	for _, p := range all {
		if p == nil || p == rb || !p.IsPrimary || p.Buffer == nil || !timeline.IsActive(p.Lane, m.Muted, m.Soloed) {
			continue
		}
		if max(rb.StartIdx, p.StartIdx) < min(rb.EndIdx(), p.EndIdx()) {
			return p
		}
	}
	return nil
}

// Duck returns a copy of target's buffer ducked under primary over their
// overlap. The ducked region's RMS never exceeds its original RMS.
func Duck(target, primary *render.RenderedBuffer) (*audio.Buffer, DuckReport) {
	out := target.Buffer.ToStereo().Clone()
	rep := DuckReport{TargetID: target.ClipID, PrimaryID: primary.ClipID}

	ovStart := max(target.StartIdx, primary.StartIdx)
	ovEnd := min(target.EndIdx(), primary.EndIdx())
	rep.OverlapStart, rep.OverlapEnd = ovStart, ovEnd
	if ovStart >= ovEnd {
		return out, rep
	}

	tStart, tEnd := ovStart-target.StartIdx, ovEnd-target.StartIdx
	pStart, pEnd := ovStart-primary.StartIdx, ovEnd-primary.StartIdx
	region := out.Slice(tStart, tEnd)
	side := primary.Buffer.Slice(pStart, pEnd)
	before := region.RMS()
	rep.RMSBefore = before

	rep.VocalPrimary = primary.VocalEnergy > vocalEnergyThreshold ||
		dsp.BandEnergyRatio(side, vocalBandLo, vocalBandHi) > vocalBandThreshold
	rep.Base = BaseDuck
	if rep.VocalPrimary {
		rep.Base = VocalDuck
	}
	if target.IsAmbient {
		rep.Base = math.Min(rep.Base+AmbientDuckLift, MaxBaseDuck)
	}
	rep.Amount = (rep.Base + target.DuckingDepth) / 2

	// spectral pre-shaping carves room for the primary
	lo, hi := preShapeLow, preShapeHigh
	if target.IsAmbient {
		lo, hi = ambientPreShapeLow, ambientPreShapeHigh
	}
	region = dsp.LowPass(dsp.HighPass(region, lo), hi)

	env := dsp.NormalizePeak(dsp.RMSEnvelope(side, dsp.EnvelopeHop))
	gain := dsp.UpsampleEnvelope(env, dsp.EnvelopeHop, region.Frames())
	depth := rep.Amount * target.DuckMid
	for i, e := range gain {
		gain[i] = math.Max(MinDuckGain, 1-e*depth)
	}
	region = dsp.GainEnvelope(region, gain)

	if rep.Amount*target.DuckLow >= BandSuppressAt {
		region = dsp.HighPass(region, lowBandCut)
		rep.LowCut = true
	}
	if rep.Amount*target.DuckHigh >= BandSuppressAt {
		region = dsp.LowPass(region, highBandCut)
		rep.HighCut = true
	}

	after := region.RMS()
	if after > before && after > 0 {
		region.Scale(before / after)
		after = region.RMS()
	}
	rep.RMSAfter = after

	for ch := range out.Data {
		copy(out.Data[ch][tStart:tEnd], region.Data[ch])
	}
	return out, rep
}
