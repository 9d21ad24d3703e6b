package timeline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TimeRange restricts a render to [StartMs, EndMs).
type TimeRange struct {
	StartMs float64 `json:"start_ms" yaml:"start_ms"`
	EndMs   float64 `json:"end_ms" yaml:"end_ms"`
}

// DurationMs is the range length.
func (r TimeRange) DurationMs() float64 {
	return r.EndMs - r.StartMs
}

// Window is a clip's span after applying a render range.
type Window struct {
	StartMs    float64 // absolute timeline start of the rendered part
	DurationMs float64
	OffsetMs   float64 // read position inside the source

	// AutomationOffsetMs shifts automation curves, which are relative to the
	// untrimmed clip start.
	AutomationOffsetMs float64

	FadeInMs  float64
	FadeOutMs float64

	// Position of StartMs relative to the render origin.
	RelStartMs float64
}

// StartFrame converts RelStartMs to a sample index.
func (w Window) StartFrame(sampleRate int) int {
	return int(math.Round(w.RelStartMs * float64(sampleRate) / 1000))
}

// Resolve clips c to rng. With a nil range the clip is used whole. ok is
// false when the clip lies entirely outside the range. A fade is dropped at
// any edge that touches a range boundary so chunked renders join cleanly.
func Resolve(c *ClipDescriptor, rng *TimeRange) (Window, bool) {
	w := Window{
		StartMs:    c.StartMs,
		DurationMs: c.DurationMs,
		OffsetMs:   c.OffsetMs,
		FadeInMs:   c.FadeInMs,
		FadeOutMs:  c.FadeOutMs,
		RelStartMs: c.StartMs,
	}
	if c.DurationMs <= 0 {
		return w, false
	}
	if rng == nil {
		return w, true
	}

	start := math.Max(c.StartMs, rng.StartMs)
	end := math.Min(c.EndMs(), rng.EndMs)
	if start >= end {
		return w, false
	}

	trim := start - c.StartMs
	w.StartMs = start
	w.DurationMs = end - start
	w.OffsetMs = c.OffsetMs + trim
	w.AutomationOffsetMs = trim
	w.RelStartMs = start - rng.StartMs
	if start <= rng.StartMs {
		w.FadeInMs = 0
	}
	if end >= rng.EndMs {
		w.FadeOutMs = 0
	}
	return w, true
}

// Timeline is a complete render request: clips plus lane state.
type Timeline struct {
	TargetBPM float64          `json:"target_bpm" yaml:"target_bpm"`
	Clips     []ClipDescriptor `json:"clips" yaml:"clips"`
	Muted     []int            `json:"muted,omitempty" yaml:"muted,omitempty"`
	Soloed    []int            `json:"soloed,omitempty" yaml:"soloed,omitempty"`
	Range     *TimeRange       `json:"range,omitempty" yaml:"range,omitempty"`
}

// Load reads a timeline from a YAML or JSON file.
func Load(path string) (*Timeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}

	var tl Timeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &tl)
	default:
		err = yaml.Unmarshal(data, &tl)
	}
	if err != nil {
		return nil, fmt.Errorf("parse timeline %s: %w", path, err)
	}
	tl.resolvePaths(filepath.Dir(path))
	return &tl, nil
}

// resolvePaths makes relative source paths relative to the timeline file.
func (t *Timeline) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range t.Clips {
		c := &t.Clips[i]
		c.Source = abs(c.Source)
		if c.Stems != nil {
			c.Stems.Vocals = abs(c.Stems.Vocals)
			c.Stems.Drums = abs(c.Stems.Drums)
			c.Stems.Bass = abs(c.Stems.Bass)
			c.Stems.Other = abs(c.Stems.Other)
		}
	}
}

// Validate checks timeline-level settings and clip ids. Clips themselves are
// validated one at a time at render, so a bad clip is dropped rather than
// failing the whole timeline.
func (t *Timeline) Validate() error {
	if t.TargetBPM <= 0 {
		return fmt.Errorf("target_bpm must be positive, got %v", t.TargetBPM)
	}
	if t.Range != nil && t.Range.EndMs <= t.Range.StartMs {
		return fmt.Errorf("range end %v must be after start %v", t.Range.EndMs, t.Range.StartMs)
	}
	seen := make(map[string]bool, len(t.Clips))
	for i := range t.Clips {
		c := &t.Clips[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("clip-%d", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate clip id %q", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// IsActive applies mute/solo: muted lanes are out, and when any lane is
// soloed only soloed lanes are in.
func IsActive(lane int, muted, soloed []int) bool {
	for _, m := range muted {
		if m == lane {
			return false
		}
	}
	if len(soloed) == 0 {
		return true
	}
	for _, s := range soloed {
		if s == lane {
			return true
		}
	}
	return false
}

// Active returns the clips that survive mute/solo filtering.
func (t *Timeline) Active() []ClipDescriptor {
	out := make([]ClipDescriptor, 0, len(t.Clips))
	for _, c := range t.Clips {
		if IsActive(c.Lane, t.Muted, t.Soloed) {
			out = append(out, c)
		}
	}
	return out
}

// Lanes lists distinct lanes in ascending order.
func (t *Timeline) Lanes() []int {
	set := map[int]bool{}
	for _, c := range t.Clips {
		set[c.Lane] = true
	}
	lanes := make([]int, 0, len(set))
	for l := range set {
		lanes = append(lanes, l)
	}
	sort.Ints(lanes)
	return lanes
}

// ByLane groups clips by lane.
func (t *Timeline) ByLane() map[int][]ClipDescriptor {
	out := map[int][]ClipDescriptor{}
	for _, c := range t.Clips {
		out[c.Lane] = append(out[c.Lane], c)
	}
	return out
}

// EndMs is the latest clip end, or 0 for an empty timeline.
func (t *Timeline) EndMs() float64 {
	var end float64
	for i := range t.Clips {
		end = math.Max(end, t.Clips[i].EndMs())
	}
	return end
}

// Save writes the timeline as JSON or YAML depending on the extension.
func (t *Timeline) Save(path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(t, "", "  ")
	default:
		data, err = yaml.Marshal(t)
	}
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write timeline: %w", err)
	}
	return nil
}

// Clip returns the clip with the given id, or nil.
func (t *Timeline) Clip(id string) *ClipDescriptor {
	for i := range t.Clips {
		if t.Clips[i].ID == id {
			return &t.Clips[i]
		}
	}
	return nil
}
