// Package timeline describes what to render: clips, their placement and mix
// parameters, and the lane mute/solo state of a timeline.
package timeline

import (
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// Stem names a separated component of a recording.
type Stem string

const (
	StemVocals Stem = "vocals"
	StemDrums  Stem = "drums"
	StemBass   Stem = "bass"
	StemOther  Stem = "other"
)

// AllStems lists stems in render order.
var AllStems = []Stem{StemVocals, StemDrums, StemBass, StemOther}

// StemBundle holds per-stem source paths. Empty paths are absent stems.
type StemBundle struct {
	Vocals string `json:"vocals,omitempty" yaml:"vocals,omitempty"`
	Drums  string `json:"drums,omitempty" yaml:"drums,omitempty"`
	Bass   string `json:"bass,omitempty" yaml:"bass,omitempty"`
	Other  string `json:"other,omitempty" yaml:"other,omitempty"`
}

// Path returns the file for s, or "".
func (b *StemBundle) Path(s Stem) string {
	if b == nil {
		return ""
	}
	switch s {
	case StemVocals:
		return b.Vocals
	case StemDrums:
		return b.Drums
	case StemBass:
		return b.Bass
	case StemOther:
		return b.Other
	}
	return ""
}

// Present lists the stems that have a path, in render order.
func (b *StemBundle) Present() []Stem {
	var out []Stem
	for _, s := range AllStems {
		if b.Path(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// Kind says where a clip's audio comes from.
type Kind string

const (
	KindAudio   Kind = "audio"   // decoded from Source or Stems
	KindTexture Kind = "texture" // ambient pad generated from Source
	KindRiser   Kind = "riser"   // procedural transition noise
)

// ClipDescriptor is one scheduled unit of audio on the timeline. It is
// treated as immutable during a render.
type ClipDescriptor struct {
	ID   string `json:"id" yaml:"id"`
	Lane int    `json:"lane" yaml:"lane"`
	Kind Kind   `json:"kind,omitempty" yaml:"kind,omitempty"`

	Source        string      `json:"source,omitempty" yaml:"source,omitempty"`
	Stems         *StemBundle `json:"stems,omitempty" yaml:"stems,omitempty"`
	SeparateStems bool        `json:"separate_stems,omitempty" yaml:"separate_stems,omitempty"`

	StartMs    float64 `json:"start_ms" yaml:"start_ms"`
	DurationMs float64 `json:"duration_ms" yaml:"duration_ms"`
	OffsetMs   float64 `json:"offset_ms" yaml:"offset_ms"`
	SourceBPM  float64 `json:"source_bpm" yaml:"source_bpm"`

	Volume      float64          `json:"volume" yaml:"volume"`
	Pan         float64          `json:"pan" yaml:"pan"`
	StemVolumes map[Stem]float64 `json:"stem_volumes,omitempty" yaml:"stem_volumes,omitempty"`
	PitchShift  float64          `json:"pitch_shift" yaml:"pitch_shift"`
	StemPitch   map[Stem]float64 `json:"stem_pitch,omitempty" yaml:"stem_pitch,omitempty"`
	LowCut      float64          `json:"low_cut" yaml:"low_cut"`
	HighCut     float64          `json:"high_cut" yaml:"high_cut"`
	FadeInMs    float64          `json:"fade_in_ms" yaml:"fade_in_ms"`
	FadeOutMs   float64          `json:"fade_out_ms" yaml:"fade_out_ms"`

	IsPrimary    bool    `json:"is_primary" yaml:"is_primary"`
	IsAmbient    bool    `json:"is_ambient" yaml:"is_ambient"`
	DuckingDepth float64 `json:"ducking_depth" yaml:"ducking_depth"`
	DuckLow      float64 `json:"duck_low" yaml:"duck_low"`
	DuckMid      float64 `json:"duck_mid" yaml:"duck_mid"`
	DuckHigh     float64 `json:"duck_high" yaml:"duck_high"`

	Reverb    float64 `json:"reverb" yaml:"reverb"`
	Harmonics float64 `json:"harmonics" yaml:"harmonics"`
	Delay     float64 `json:"delay" yaml:"delay"`
	Chorus    float64 `json:"chorus" yaml:"chorus"`

	// Vocal character transform target ("" = none) and harmony layer level.
	VoiceTarget  string  `json:"voice_target,omitempty" yaml:"voice_target,omitempty"`
	HarmonyLevel float64 `json:"harmony_level" yaml:"harmony_level"`
	VocalEnergy  float64 `json:"vocal_energy" yaml:"vocal_energy"`

	// Onsets in ms relative to the source start, used to pick loop points.
	Onsets []float64 `json:"onsets,omitempty" yaml:"onsets,omitempty"`

	// Texture and riser clips.
	Prompt    string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	NoiseType string `json:"noise_type,omitempty" yaml:"noise_type,omitempty"`
	Seed      int64  `json:"seed,omitempty" yaml:"seed,omitempty"`

	Automation automation.Map `json:"automation,omitempty" yaml:"automation,omitempty"`
}

// NewClip returns a clip with neutral mix defaults.
func NewClip(id string) ClipDescriptor {
	c := defaults()
	c.ID = id
	return c
}

func defaults() ClipDescriptor {
	return ClipDescriptor{
		Kind:         KindAudio,
		Volume:       1,
		LowCut:       20,
		HighCut:      20000,
		DuckingDepth: 0.7,
		DuckLow:      1,
		DuckMid:      1,
		DuckHigh:     1,
	}
}

// UnmarshalYAML fills unspecified fields with NewClip defaults.
func (c *ClipDescriptor) UnmarshalYAML(node *yaml.Node) error {
	type plain ClipDescriptor
	p := plain(defaults())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = ClipDescriptor(p)
	c.Automation.Normalize()
	return nil
}

// UnmarshalJSON fills unspecified fields with NewClip defaults.
func (c *ClipDescriptor) UnmarshalJSON(data []byte) error {
	type plain ClipDescriptor
	p := plain(defaults())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ClipDescriptor(p)
	c.Automation.Normalize()
	return nil
}

// EndMs is the absolute end of the clip on the timeline.
func (c *ClipDescriptor) EndMs() float64 {
	return c.StartMs + c.DurationMs
}

// Overlaps reports whether two clips share any time.
func (c *ClipDescriptor) Overlaps(o *ClipDescriptor) bool {
	return math.Max(c.StartMs, o.StartMs) < math.Min(c.EndMs(), o.EndMs())
}

// StemVolume returns the static volume for s, defaulting to 1.
func (c *ClipDescriptor) StemVolume(s Stem) float64 {
	if v, ok := c.StemVolumes[s]; ok {
		return v
	}
	return 1
}

// StemPitchShift is the base pitch plus any per-stem override.
func (c *ClipDescriptor) StemPitchShift(s Stem) float64 {
	return c.PitchShift + c.StemPitch[s]
}

// HasStems reports whether the clip renders per stem.
func (c *ClipDescriptor) HasStems() bool {
	return len(c.Stems.Present()) > 0
}

// Validate rejects clips that cannot be rendered.
func (c *ClipDescriptor) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: clip %q: %s", apperrors.ErrInvalidClip, c.ID, fmt.Sprintf(format, args...))
	}

	if c.DurationMs <= 0 {
		return invalid("duration_ms must be positive, got %v", c.DurationMs)
	}
	if c.OffsetMs < 0 {
		return invalid("offset_ms must be >= 0, got %v", c.OffsetMs)
	}
	if c.FadeInMs < 0 || c.FadeOutMs < 0 {
		return invalid("fades must be >= 0")
	}
	if c.Volume < 0 {
		return invalid("volume must be >= 0, got %v", c.Volume)
	}
	if c.Pan < -1 || c.Pan > 1 {
		return invalid("pan must be in [-1, 1], got %v", c.Pan)
	}
	if c.SourceBPM < 0 {
		return invalid("source_bpm must be >= 0, got %v", c.SourceBPM)
	}
	switch c.Kind {
	case KindAudio, "":
		if c.Source == "" && !c.HasStems() {
			return invalid("needs a source or stems")
		}
	case KindTexture:
		if c.Source == "" && c.Prompt == "" {
			return invalid("texture needs a source or a prompt")
		}
	case KindRiser:
	default:
		return invalid("unknown kind %q", c.Kind)
	}
	for param, curve := range c.Automation {
		for i := 1; i < len(curve); i++ {
			if curve[i].TimeMs <= curve[i-1].TimeMs {
				return invalid("automation %s is not strictly increasing in time", param)
			}
		}
	}
	return nil
}
