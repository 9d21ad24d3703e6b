// Package automation holds keyframe curves for clip parameters and renders
// them into dense per-sample envelopes.
package automation

import (
	"math"
	"sort"
)

// ReplaceWindowMs is how close a new point must be to an existing one to
// replace it instead of being inserted next to it.
const ReplaceWindowMs = 10.0

// Well-known parameter names.
const (
	ParamVolume  = "volume"
	ParamPan     = "pan"
	ParamLowCut  = "low_cut"
	ParamHighCut = "high_cut"
)

// Point is one control point, relative to the clip start.
type Point struct {
	TimeMs float64 `json:"time_ms" yaml:"time_ms"`
	Value  float64 `json:"value" yaml:"value"`
}

// Curve is a time-sorted, time-unique list of points.
type Curve []Point

// Map maps a parameter name to its curve.
type Map map[string]Curve

// Set inserts a point, replacing any existing point within ReplaceWindowMs.
func (m Map) Set(param string, ms, value float64) {
	kept := m[param][:0:0]
	for _, p := range m[param] {
		if math.Abs(p.TimeMs-ms) > ReplaceWindowMs {
			kept = append(kept, p)
		}
	}
	kept = append(kept, Point{TimeMs: ms, Value: value})
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].TimeMs < kept[j].TimeMs })
	m[param] = kept
}

// Remove drops the point nearest to ms if it is within ReplaceWindowMs.
func (m Map) Remove(param string, ms float64) bool {
	c := m[param]
	for i, p := range c {
		if math.Abs(p.TimeMs-ms) <= ReplaceWindowMs {
			m[param] = append(c[:i:i], c[i+1:]...)
			if len(m[param]) == 0 {
				delete(m, param)
			}
			return true
		}
	}
	return false
}

// Has reports whether param has at least one point.
func (m Map) Has(param string) bool {
	return len(m[param]) > 0
}

// Automated reports whether param has enough points to vary over time.
func (m Map) Automated(param string) bool {
	return len(m[param]) >= 2
}

// ValueAt interpolates param at ms, or returns def if it has no points.
func (m Map) ValueAt(param string, ms, def float64) float64 {
	return m[param].ValueAt(ms, def)
}

// Keys returns parameter names in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep copies the map.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, c := range m {
		out[k] = append(Curve(nil), c...)
	}
	return out
}

// Normalize sorts every curve and collapses duplicate times, last write wins.
// Used on maps that come from files rather than Set.
func (m Map) Normalize() {
	for k, c := range m {
		sorted := append(Curve(nil), c...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimeMs < sorted[j].TimeMs })
		out := sorted[:0]
		for _, p := range sorted {
			if n := len(out); n > 0 && out[n-1].TimeMs == p.TimeMs {
				out[n-1] = p
				continue
			}
			out = append(out, p)
		}
		m[k] = out
	}
}

// ValueAt holds the first and last values and interpolates linearly between.
func (c Curve) ValueAt(ms, def float64) float64 {
	if len(c) == 0 {
		return def
	}
	if ms <= c[0].TimeMs {
		return c[0].Value
	}
	last := c[len(c)-1]
	if ms >= last.TimeMs {
		return last.Value
	}
	i := sort.Search(len(c), func(i int) bool { return c[i].TimeMs > ms })
	a, b := c[i-1], c[i]
	span := b.TimeMs - a.TimeMs
	if span <= 0 {
		return b.Value
	}
	return a.Value + (b.Value-a.Value)*(ms-a.TimeMs)/span
}

// Render produces a dense envelope of frames samples. Sample i sits at
// offsetMs + i/sampleRate seconds in curve time. An empty curve yields a
// constant def.
func Render(c Curve, frames, sampleRate int, offsetMs, def float64) []float64 {
	out := make([]float64, frames)
	if frames == 0 {
		return out
	}
	if len(c) == 0 {
		for i := range out {
			out[i] = def
		}
		return out
	}

	msPerFrame := 1000 / float64(sampleRate)
	seg := 0
	for i := range out {
		ms := offsetMs + float64(i)*msPerFrame
		switch {
		case ms <= c[0].TimeMs:
			out[i] = c[0].Value
		case ms >= c[len(c)-1].TimeMs:
			out[i] = c[len(c)-1].Value
		default:
			// ms only grows, so the segment index only moves forward
			for seg+1 < len(c) && c[seg+1].TimeMs <= ms {
				seg++
			}
			a, b := c[seg], c[seg+1]
			span := b.TimeMs - a.TimeMs
			if span <= 0 {
				out[i] = b.Value
			} else {
				out[i] = a.Value + (b.Value-a.Value)*(ms-a.TimeMs)/span
			}
		}
	}
	return out
}
