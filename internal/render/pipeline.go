// Package render turns one clip descriptor into a positioned stereo buffer.
//
// A render runs these steps in order: resolve the time window, look up the
// render cache, build the raw audio (stems, single source, texture or riser),
// normalize loudness, fade, apply automation, run the effect chain, pan, and
// store the result in the cache.
package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/dsp"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/services"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/workspace"
)

// FilterChunkMs is the chunk length for automated low/high cut filtering.
const FilterChunkMs = 500.0

// Decoder loads a source file as a stereo buffer at the engine rate.
type Decoder interface {
	Decode(ctx context.Context, path string) (*audio.Buffer, error)
}

// Separator splits a source into stems written under outDir.
type Separator interface {
	Separate(ctx context.Context, source, outDir string) (timeline.StemBundle, error)
}

// VoiceTransformer changes the character of a vocal stem.
type VoiceTransformer interface {
	Transform(ctx context.Context, stemPath, target string, semitones float64) (*audio.Buffer, error)
}

// TextureGenerator produces an ambient pad.
type TextureGenerator interface {
	Generate(ctx context.Context, req services.TextureRequest) (*audio.Buffer, error)
}

// Options are engine-wide render settings.
type Options struct {
	SampleRate  int
	TargetRMSDB   float64
	CrossfadeMs   float64
	SeparatorTool string // part of the cache key for separated clips
}

// Deps are the pipeline's collaborators. Only Decoder is required; a nil
// Store disables caching and nil services always take the local fallback.
type Deps struct {
	Decoder   Decoder
	Store     cache.Store
	Separator Separator
	Voice     VoiceTransformer
	Texture   TextureGenerator
}

// Context carries per-render state shared by every clip.
type Context struct {
	TargetBPM float64
	Range     *timeline.TimeRange
	Workspace *workspace.Workspace // stem separation output; nil disables separation
}

// RenderedBuffer is a finished clip plus the fields mixdown needs.
type RenderedBuffer struct {
	ClipID       string
	Lane         int
	StartIdx     int
	Buffer       *audio.Buffer
	IsPrimary    bool
	IsAmbient    bool
	DuckingDepth float64
	DuckLow      float64
	DuckMid      float64
	DuckHigh     float64
	VocalEnergy  float64
	CacheHit     bool
	Fallbacks    []*apperrors.FallbackError
}

// EndIdx is the first master frame after the clip.
func (r *RenderedBuffer) EndIdx() int {
	return r.StartIdx + r.Buffer.Frames()
}

// Pipeline renders clips. It holds no per-render state and is safe for
// concurrent use.
type Pipeline struct {
	opts Options
	deps Deps
}

// NewPipeline creates a pipeline.
func NewPipeline(opts Options, deps Deps) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.TargetRMSDB == 0 {
		opts.TargetRMSDB = -16
	}
	if opts.CrossfadeMs <= 0 {
		opts.CrossfadeMs = dsp.LoopCrossfadeMs
	}
	return &Pipeline{opts: opts, deps: deps}
}

// SampleRate is the engine rate of every rendered buffer.
func (p *Pipeline) SampleRate() int {
	return p.opts.SampleRate
}

// job is the state of a single clip render.
type job struct {
	clip      *timeline.ClipDescriptor
	rc        Context
	win       timeline.Window
	frames    int
	fallbacks []*apperrors.FallbackError
	log       *logrus.Entry
}

func (j *job) fallback(err error) bool {
	fe, ok := apperrors.AsFallback(err)
	if !ok {
		return false
	}
	j.fallbacks = append(j.fallbacks, fe)
	j.log.WithFields(logrus.Fields{
		"service": fe.Service,
		"reason":  fe.Reason,
	}).Info("external service unavailable, using local fallback")
	return true
}

// cacheable is false when a service that is configured failed transiently:
// the next render may get the real result.
func (j *job) cacheable() bool {
	for _, fe := range j.fallbacks {
		if fe.Reason != apperrors.FallbackUnconfigured {
			return false
		}
	}
	return true
}

// Render runs the full pipeline for c. It returns (nil, nil) when c lies
// outside rc.Range. Errors are *apperrors.ClipError.
func (p *Pipeline) Render(ctx context.Context, c *timeline.ClipDescriptor, rc Context) (*RenderedBuffer, error) {
	// 1. window
	win, ok := timeline.Resolve(c, rc.Range)
	if !ok {
		return nil, nil
	}

	j := &job{
		clip:   c,
		rc:     rc,
		win:    win,
		frames: audio.FramesForMs(win.DurationMs, p.opts.SampleRate),
		log: logrus.WithFields(logrus.Fields{
			"function": "Render",
			"clip":     c.ID,
			"lane":     c.Lane,
		}),
	}
	if j.frames == 0 {
		return nil, nil
	}

	// 2. cache lookup
	key, err := cache.Fingerprint(c, cache.RenderContext{
		SampleRate:  p.opts.SampleRate,
		TargetBPM:   rc.TargetBPM,
		TargetRMSDB:   p.opts.TargetRMSDB,
		CrossfadeMs:   p.opts.CrossfadeMs,
		SeparatorTool: p.opts.SeparatorTool,
		Window:        win,
	})
	if err != nil {
		return nil, apperrors.NewClipError(c.ID, c.Lane, "fingerprint", err)
	}
	if buf := p.cacheGet(j, key); buf != nil {
		return p.annotate(j, buf, true), nil
	}

	// 3. raw audio
	buf, err := p.source(ctx, j)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewClipError(c.ID, c.Lane, "render", err)
	}
	buf = buf.ToStereo().PadOrTrim(j.frames)

	// 4. loudness
	buf = dsp.NormalizeRMS(buf, p.opts.TargetRMSDB, c.Volume)

	// 5. fades
	sr := p.opts.SampleRate
	buf = dsp.FadeInOut(buf, audio.FramesForMs(win.FadeInMs, sr), audio.FramesForMs(win.FadeOutMs, sr))

	// 6. automation
	buf, panned := p.applyAutomation(j, buf)

	// 7. effects
	buf = p.effects(j, buf)

	// 8. static pan
	if !panned {
		buf = dsp.EqualPowerPan(buf, c.Pan)
	}
	buf = buf.PadOrTrim(j.frames)

	// 9. cache store
	if j.cacheable() {
		p.cachePut(j, key, buf)
	}

	return p.annotate(j, buf, false), nil
}

func (p *Pipeline) cacheGet(j *job, key string) *audio.Buffer {
	if p.deps.Store == nil {
		return nil
	}
	buf, err := p.deps.Store.Get(key)
	switch {
	case err == nil:
		if buf.Frames() != j.frames || buf.SampleRate != p.opts.SampleRate {
			j.log.WithField("key", key).Warn("cached buffer has wrong shape, re-rendering")
			return nil
		}
		j.log.WithField("key", key).Debug("render cache hit")
		return buf
	case errors.Is(err, apperrors.ErrCacheMiss):
		return nil
	default:
		j.log.WithError(err).WithField("key", key).Warn("render cache read failed, treating as miss")
		return nil
	}
}

func (p *Pipeline) cachePut(j *job, key string, buf *audio.Buffer) {
	if p.deps.Store == nil {
		return
	}
	if err := p.deps.Store.Put(key, buf); err != nil {
		j.log.WithError(err).WithField("key", key).Warn("render cache write failed")
	}
}

func (p *Pipeline) annotate(j *job, buf *audio.Buffer, hit bool) *RenderedBuffer {
	c := j.clip
	return &RenderedBuffer{
		ClipID:       c.ID,
		Lane:         c.Lane,
		StartIdx:     j.win.StartFrame(p.opts.SampleRate),
		Buffer:       buf,
		IsPrimary:    c.IsPrimary,
		IsAmbient:    c.IsAmbient,
		DuckingDepth: c.DuckingDepth,
		DuckLow:      c.DuckLow,
		DuckMid:      c.DuckMid,
		DuckHigh:     c.DuckHigh,
		VocalEnergy:  c.VocalEnergy,
		CacheHit:     hit,
		Fallbacks:    j.fallbacks,
	}
}

// applyAutomation applies volume, pan and filter curves. panned reports
// whether pan automation was applied.
func (p *Pipeline) applyAutomation(j *job, buf *audio.Buffer) (*audio.Buffer, bool) {
	c := j.clip
	sr := p.opts.SampleRate
	off := j.win.AutomationOffsetMs
	n := buf.Frames()
	panned := false

	if c.Automation.Has(automation.ParamVolume) {
		env := automation.Render(c.Automation[automation.ParamVolume], n, sr, off, 1)
		buf = dsp.GainEnvelope(buf, gainEnvelope(env))
	}
	if c.Automation.Has(automation.ParamPan) {
		env := automation.Render(c.Automation[automation.ParamPan], n, sr, off, c.Pan)
		buf = dsp.PanEnvelope(buf, env)
		panned = true
	}

	chunk := audio.FramesForMs(FilterChunkMs, sr)
	if c.Automation.Automated(automation.ParamLowCut) {
		env := automation.Render(c.Automation[automation.ParamLowCut], n, sr, off, c.LowCut)
		buf = dsp.FilterChunked(buf, dsp.KindHighpass, env, chunk)
	}
	if c.Automation.Automated(automation.ParamHighCut) {
		env := automation.Render(c.Automation[automation.ParamHighCut], n, sr, off, c.HighCut)
		buf = dsp.FilterChunked(buf, dsp.KindLowpass, env, chunk)
	}
	return buf, panned
}

// effects runs saturation, static filters, chorus, delay and reverb. Each
// stage passes the buffer through untouched at amount <= 0.
func (p *Pipeline) effects(j *job, buf *audio.Buffer) *audio.Buffer {
	c := j.clip
	buf = dsp.Saturate(buf, c.Harmonics)
	if !c.Automation.Automated(automation.ParamLowCut) {
		buf = dsp.HighPass(buf, c.LowCut)
	}
	if !c.Automation.Automated(automation.ParamHighCut) {
		buf = dsp.LowPass(buf, c.HighCut)
	}
	buf = dsp.Chorus(buf, c.Chorus)
	buf = dsp.Delay(buf, c.Delay, j.rc.TargetBPM)
	buf = dsp.Reverb(buf, c.Reverb)
	return buf
}

// gainEnvelope clamps a rendered gain curve to [0, inf) in place so no
// automation point can flip polarity.
func gainEnvelope(env []float64) []float64 {
	for i, g := range env {
		if g < 0 {
			env[i] = 0
		}
	}
	return env
}

func decodeError(c *timeline.ClipDescriptor, path string, err error) error {
	return apperrors.NewClipError(c.ID, c.Lane, "decode", fmt.Errorf("%s: %w", path, err))
}
