package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// RenderContext carries the render-wide settings that change a clip's audio.
type RenderContext struct {
	SampleRate  int
	TargetBPM   float64
	TargetRMSDB float64
	CrossfadeMs float64
	// SeparatorTool names the stem separator; it only counts for clips
	// that separate their source.
	SeparatorTool string
	Window        timeline.Window
}

// fingerprintDoc is the canonical form hashed for a render key. Field order
// is fixed and maps marshal with sorted keys, so equal inputs give equal bytes.
// Mixdown-only fields (lane, timeline position, primary/ambient flags,
// ducking) are excluded: they are applied after the cached stage.
type fingerprintDoc struct {
	Engine      string  `json:"engine"`
	SampleRate  int     `json:"sr"`
	TargetBPM   float64 `json:"target_bpm"`
	TargetRMSDB float64 `json:"target_rms_db"`
	CrossfadeMs float64 `json:"xfade"`

	WindowDuration float64 `json:"win_dur"`
	WindowOffset   float64 `json:"win_offset"`
	AutomationOff  float64 `json:"auto_offset"`
	FadeInMs       float64 `json:"fade_in"`
	FadeOutMs      float64 `json:"fade_out"`

	Kind          timeline.Kind `json:"kind"`
	Source        string        `json:"source"`
	SourceStamp   string        `json:"source_stamp"`
	Stems         []string      `json:"stems"`
	SeparateStems bool          `json:"separate_stems"`
	Separator     string        `json:"separator,omitempty"`
	SourceBPM     float64       `json:"source_bpm"`

	Volume      float64                   `json:"volume"`
	Pan         float64                   `json:"pan"`
	StemVolumes map[timeline.Stem]float64 `json:"stem_volumes"`
	PitchShift  float64                   `json:"pitch"`
	StemPitch   map[timeline.Stem]float64 `json:"stem_pitch"`
	LowCut      float64                   `json:"low_cut"`
	HighCut     float64                   `json:"high_cut"`

	Reverb    float64 `json:"reverb"`
	Harmonics float64 `json:"harmonics"`
	Delay     float64 `json:"delay"`
	Chorus    float64 `json:"chorus"`

	VoiceTarget  string    `json:"voice_target"`
	HarmonyLevel float64   `json:"harmony_level"`
	Onsets       []float64 `json:"onsets"`
	Prompt       string    `json:"prompt"`
	NoiseType    string    `json:"noise_type"`
	Seed         int64     `json:"seed"`

	Automation []automationEntry `json:"automation"`
}

type automationEntry struct {
	Param string           `json:"p"`
	Curve automation.Curve `json:"c"`
}

// Fingerprint returns the render cache key for c under rc.
func Fingerprint(c *timeline.ClipDescriptor, rc RenderContext) (string, error) {
	doc := fingerprintDoc{
		Engine:      EngineVersion,
		SampleRate:  rc.SampleRate,
		TargetBPM:   rc.TargetBPM,
		TargetRMSDB: rc.TargetRMSDB,
		CrossfadeMs: rc.CrossfadeMs,

		WindowDuration: rc.Window.DurationMs,
		WindowOffset:   rc.Window.OffsetMs,
		AutomationOff:  rc.Window.AutomationOffsetMs,
		FadeInMs:       rc.Window.FadeInMs,
		FadeOutMs:      rc.Window.FadeOutMs,

		Kind:          c.Kind,
		Source:        c.Source,
		SourceStamp:   Stamp(c.Source),
		SeparateStems: c.SeparateStems,
		SourceBPM:     c.SourceBPM,

		Volume:      c.Volume,
		Pan:         c.Pan,
		StemVolumes: c.StemVolumes,
		PitchShift:  c.PitchShift,
		StemPitch:   c.StemPitch,
		LowCut:      c.LowCut,
		HighCut:     c.HighCut,

		Reverb:    c.Reverb,
		Harmonics: c.Harmonics,
		Delay:     c.Delay,
		Chorus:    c.Chorus,

		VoiceTarget:  c.VoiceTarget,
		HarmonyLevel: c.HarmonyLevel,
		Onsets:       c.Onsets,
		Prompt:       c.Prompt,
		NoiseType:    c.NoiseType,
		Seed:         c.Seed,
	}
	if c.SeparateStems && !c.HasStems() {
		doc.Separator = rc.SeparatorTool
	}
	for _, s := range c.Stems.Present() {
		p := c.Stems.Path(s)
		doc.Stems = append(doc.Stems, string(s)+"="+p+"@"+Stamp(p))
	}
	for _, k := range c.Automation.Keys() {
		doc.Automation = append(doc.Automation, automationEntry{Param: k, Curve: c.Automation[k]})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VoiceKey keys the voice transform cache by vocal stem identity, target
// character and pitch.
func VoiceKey(stemPath, target string, semitones float64) string {
	return "v" + hashString(fmt.Sprintf("%s|%s|%s|%s|%g", EngineVersion, stemPath, Stamp(stemPath), target, semitones))
}

// Stamp identifies a source file by size and modification time. Missing
// files stamp as "".
func Stamp(path string) string {
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
}
