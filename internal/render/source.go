package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/dsp"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/services"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

const (
	vocalSaturation = 0.15
	harmonyGain     = 0.5

	// vocalDuckAmount is how far instrument stems dip under a loud vocal.
	vocalDuckAmount = 0.5
)

var harmonyIntervals = []float64{7, 12}

// source builds the raw clip audio for the window, before loudness and mix
// processing.
func (p *Pipeline) source(ctx context.Context, j *job) (*audio.Buffer, error) {
	switch j.clip.Kind {
	case timeline.KindRiser:
		return p.riser(j), nil
	case timeline.KindTexture:
		return p.texture(ctx, j)
	default:
		return p.audioClip(ctx, j)
	}
}

// trim returns the window's slice of a buffer generated for the whole clip.
func (p *Pipeline) trim(j *job, full *audio.Buffer) *audio.Buffer {
	start := audio.FramesForMs(j.win.AutomationOffsetMs, p.opts.SampleRate)
	return full.Slice(start, start+j.frames)
}

func (p *Pipeline) riser(j *job) *audio.Buffer {
	c := j.clip
	kind, lowpass := strings.CutSuffix(c.NoiseType, "-lowpass")
	noise := dsp.NoiseKind(kind)
	if noise != dsp.PinkNoise {
		noise = dsp.WhiteNoise
	}
	full := dsp.NoiseRiser(audio.FramesForMs(c.DurationMs, p.opts.SampleRate), p.opts.SampleRate, dsp.RiserParams{
		Noise:   noise,
		Lowpass: lowpass,
		Seed:    c.Seed,
	})
	return p.trim(j, full)
}

func (p *Pipeline) texture(ctx context.Context, j *job) (*audio.Buffer, error) {
	c := j.clip
	full := audio.FramesForMs(c.DurationMs, p.opts.SampleRate)

	var pad *audio.Buffer
	if p.deps.Texture == nil {
		j.fallback(apperrors.NewFallback(services.ServiceTexture, apperrors.FallbackUnconfigured, nil))
	} else {
		gen, err := p.deps.Texture.Generate(ctx, services.TextureRequest{
			Prompt:    c.Prompt,
			Duration:  c.DurationMs / 1000,
			Source:    c.Source,
			SourceBPM: c.SourceBPM,
			Seed:      c.Seed,
		})
		switch {
		case err == nil:
			pad = dsp.LoopToDurationXfade(gen, full, nil, p.opts.CrossfadeMs)
		case !j.fallback(err):
			return nil, apperrors.NewClipError(c.ID, c.Lane, "texture", err)
		}
	}

	if pad == nil {
		if c.Source == "" {
			return nil, apperrors.NewClipError(c.ID, c.Lane, "texture",
				fmt.Errorf("%w: no generated texture and no source for local synthesis", apperrors.ErrServiceUnavailable))
		}
		src, err := p.deps.Decoder.Decode(ctx, c.Source)
		if err != nil {
			return nil, decodeError(c, c.Source, err)
		}
		j.log.Debug("synthesizing granular texture locally")
		pad = dsp.GranularTexture(src, full, c.Seed)
	}
	return p.trim(j, pad), nil
}

func (p *Pipeline) audioClip(ctx context.Context, j *job) (*audio.Buffer, error) {
	bundle, ok := p.stems(ctx, j)
	if !ok {
		return p.renderStem(ctx, j, j.clip.Source, "")
	}

	rendered := make(map[timeline.Stem]*audio.Buffer, 4)
	for _, s := range bundle.Present() {
		b, err := p.renderStem(ctx, j, bundle.Path(s), s)
		if err != nil {
			return nil, err
		}
		rendered[s] = b
	}

	if v := rendered[timeline.StemVocals]; v != nil {
		rendered[timeline.StemVocals] = p.vocalLayer(j, v)
		duckUnderVocals(rendered, j.frames)
	}

	out := audio.NewBuffer(2, j.frames, p.opts.SampleRate)
	for _, s := range timeline.AllStems {
		if b := rendered[s]; b != nil {
			out.AddAt(b.ToStereo(), 0)
		}
	}
	return out, nil
}

// stems returns the bundle to render per stem. ok is false when the clip
// renders as a single source.
func (p *Pipeline) stems(ctx context.Context, j *job) (timeline.StemBundle, bool) {
	c := j.clip
	if c.HasStems() {
		return *c.Stems, true
	}
	if !c.SeparateStems || c.Source == "" {
		return timeline.StemBundle{}, false
	}
	if p.deps.Separator == nil || j.rc.Workspace == nil {
		j.fallback(apperrors.NewFallback(services.ServiceStems, apperrors.FallbackUnconfigured, nil))
		return timeline.StemBundle{}, false
	}

	b, err := p.deps.Separator.Separate(ctx, c.Source, j.rc.Workspace.SeparationDir(c.ID))
	if err != nil {
		if !j.fallback(err) {
			j.fallback(apperrors.NewFallback(services.ServiceStems, apperrors.FallbackBadResponse, err))
		}
		return timeline.StemBundle{}, false
	}
	if len(b.Present()) == 0 {
		j.fallback(apperrors.NewFallback(services.ServiceStems, apperrors.FallbackEmptyResult, nil))
		return timeline.StemBundle{}, false
	}
	return b, true
}

// renderStem runs loop, tempo sync, pitch and stem volume for one file.
// stem is "" for a single unsplit source.
func (p *Pipeline) renderStem(ctx context.Context, j *job, path string, stem timeline.Stem) (*audio.Buffer, error) {
	c := j.clip
	sr := p.opts.SampleRate

	src, voiced, err := p.load(ctx, j, path, stem)
	if err != nil {
		return nil, err
	}

	// offset and duration are timeline time, so the source span is scaled
	// by the tempo factor before stretching
	f := dsp.TempoFactor(c.SourceBPM, j.rc.TargetBPM)
	need := audio.FramesForMs((j.win.OffsetMs+j.win.DurationMs)*f, sr)
	looped := dsp.LoopToDurationXfade(src, need, c.Onsets, p.opts.CrossfadeMs)
	stretched := dsp.TimeStretch(looped, f)

	off := audio.FramesForMs(j.win.OffsetMs, sr)
	seg := stretched.Slice(off, off+j.frames)

	if !voiced {
		semis := c.PitchShift
		if stem != "" {
			semis = c.StemPitchShift(stem)
		}
		if seg, err = dsp.PitchShift(seg, semis); err != nil {
			return nil, apperrors.NewClipError(c.ID, c.Lane, "pitch", err)
		}
	}

	if stem == "" {
		return seg, nil
	}
	param := StemVolumeParam(stem)
	if c.Automation.Has(param) {
		env := automation.Render(c.Automation[param], seg.Frames(), sr, j.win.AutomationOffsetMs, c.StemVolume(stem))
		return dsp.GainEnvelope(seg, gainEnvelope(env)), nil
	}
	if v := math.Max(0, c.StemVolume(stem)); v != 1 {
		seg = seg.Clone()
		seg.Scale(v)
	}
	return seg, nil
}

// StemVolumeParam is the automation key for a stem's volume.
func StemVolumeParam(s timeline.Stem) string {
	return string(s) + "_volume"
}

// load decodes path. Vocals with a voice target go through the voice
// service first; voiced reports that the transform (which already applied
// the pitch offset) was used.
func (p *Pipeline) load(ctx context.Context, j *job, path string, stem timeline.Stem) (buf *audio.Buffer, voiced bool, err error) {
	c := j.clip
	if stem == timeline.StemVocals && c.VoiceTarget != "" {
		if buf := p.voice(ctx, j, path); buf != nil {
			return buf, true, nil
		}
	}
	buf, err = p.deps.Decoder.Decode(ctx, path)
	if err != nil {
		return nil, false, decodeError(c, path, err)
	}
	return buf, false, nil
}

// voice returns the transformed vocal, or nil to fall back to the plain stem.
func (p *Pipeline) voice(ctx context.Context, j *job, path string) *audio.Buffer {
	c := j.clip
	semis := c.StemPitchShift(timeline.StemVocals)
	key := cache.VoiceKey(path, c.VoiceTarget, semis)

	if p.deps.Store != nil {
		buf, err := p.deps.Store.Get(key)
		if err == nil {
			j.log.WithField("key", key).Debug("voice cache hit")
			return buf
		}
		if !errors.Is(err, apperrors.ErrCacheMiss) {
			j.log.WithError(err).Warn("voice cache read failed, treating as miss")
		}
	}

	if p.deps.Voice == nil {
		j.fallback(apperrors.NewFallback(services.ServiceVoice, apperrors.FallbackUnconfigured, nil))
		return nil
	}
	buf, err := p.deps.Voice.Transform(ctx, path, c.VoiceTarget, semis)
	if err != nil {
		if !j.fallback(err) {
			j.fallback(apperrors.NewFallback(services.ServiceVoice, apperrors.FallbackBadResponse, err))
		}
		return nil
	}

	if p.deps.Store != nil {
		if err := p.deps.Store.Put(key, buf); err != nil {
			j.log.WithError(err).Warn("voice cache write failed")
		}
	}
	return buf
}

// vocalLayer adds harmonic saturation and, with a harmony level set, gated
// harmony voices a fifth and an octave up.
func (p *Pipeline) vocalLayer(j *job, v *audio.Buffer) *audio.Buffer {
	c := j.clip
	out := dsp.Saturate(v, vocalSaturation)
	if c.HarmonyLevel <= 0 {
		return out
	}

	out = out.Clone()
	dry := out.Clone()
	for _, interval := range harmonyIntervals {
		h, err := dsp.PitchShift(dry, interval)
		if err != nil {
			j.log.WithError(err).Debug("harmony voice skipped")
			continue
		}
		gated, err := dsp.RhythmicGate(h, j.rc.TargetBPM, dsp.Eighth, dsp.DefaultGateDuty)
		if err != nil {
			j.log.WithError(err).Debug("harmony gate skipped")
			continue
		}
		gated.Scale(c.HarmonyLevel * harmonyGain)
		out.AddAt(gated, 0)
	}
	j.log.WithFields(logrus.Fields{"level": c.HarmonyLevel}).Debug("harmony layered")
	return out
}

// duckUnderVocals dips every non-vocal stem under the vocal RMS envelope.
func duckUnderVocals(stems map[timeline.Stem]*audio.Buffer, frames int) {
	v := stems[timeline.StemVocals]
	if v == nil || len(stems) < 2 {
		return
	}
	env := dsp.NormalizePeak(dsp.RMSEnvelope(v, dsp.EnvelopeHop))
	gain := dsp.UpsampleEnvelope(env, dsp.EnvelopeHop, frames)
	for i := range gain {
		gain[i] = 1 - gain[i]*vocalDuckAmount
	}
	for s, b := range stems {
		if s != timeline.StemVocals {
			stems[s] = dsp.GainEnvelope(b, gain)
		}
	}
}
