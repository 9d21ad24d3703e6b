package render

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/services"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/workspace"
)

const sr = 44100

func sine(freq, seconds, amp float64) *audio.Buffer {
	n := int(seconds * sr)
	b := audio.NewBuffer(2, n, sr)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/sr)
		b.Data[0][i], b.Data[1][i] = v, v
	}
	return b
}

type fakeDecoder struct {
	mu    sync.Mutex
	files map[string]*audio.Buffer
	calls int
}

func (d *fakeDecoder) Decode(_ context.Context, path string) (*audio.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	b, ok := d.files[path]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	return b.Clone(), nil
}

type fakeSeparator struct {
	bundle timeline.StemBundle
	err    error
}

func (s *fakeSeparator) Separate(context.Context, string, string) (timeline.StemBundle, error) {
	return s.bundle, s.err
}

type fakeVoice struct {
	calls int
	out   *audio.Buffer
	err   error
}

func (v *fakeVoice) Transform(context.Context, string, string, float64) (*audio.Buffer, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.out.Clone(), nil
}

type fakeTexture struct {
	out *audio.Buffer
	err error
}

func (t *fakeTexture) Generate(context.Context, services.TextureRequest) (*audio.Buffer, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.out.Clone(), nil
}

func newTestPipeline(dec *fakeDecoder, deps Deps) *Pipeline {
	deps.Decoder = dec
	return NewPipeline(Options{SampleRate: sr, TargetRMSDB: -16}, deps)
}

func clip(id string, durationMs float64) timeline.ClipDescriptor {
	c := timeline.NewClip(id)
	c.Source = "tone.wav"
	c.DurationMs = durationMs
	return c
}

func windowRMS(b *audio.Buffer, start, end int) float64 {
	return b.RangeRMS(start, end)
}

func TestRenderPreservesDuration(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(220, 2, 0.5)}}
	p := newTestPipeline(dec, Deps{})

	c := clip("a", 5000)
	c.StartMs = 1500
	c.SourceBPM = 120

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 124})
	require.NoError(t, err)
	assert.Equal(t, 5*sr, rb.Buffer.Frames())
	assert.Equal(t, 2, rb.Buffer.Channels())
	assert.Equal(t, audio.FramesForMs(1500, sr), rb.StartIdx)
	assert.Equal(t, rb.StartIdx+5*sr, rb.EndIdx())
	assert.False(t, rb.Buffer.IsSilent())
}

func TestRenderFadeIn(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(1000, 6, 0.5)}}
	p := newTestPipeline(dec, Deps{})

	c := clip("a", 5000)
	c.FadeInMs = 1000

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	b := rb.Buffer

	var head float64
	for i := 0; i < 20; i++ {
		head = math.Max(head, math.Abs(b.Data[0][i]))
	}
	assert.Less(t, head, 1e-3, "silent at t=0")

	full := windowRMS(b, 2*sr, 3*sr)
	at1s := windowRMS(b, sr, sr+441)
	assert.InDelta(t, full, at1s, full*0.05, "full level by 1000ms")
	assert.Less(t, windowRMS(b, sr/2-441, sr/2), full*0.8)
}

func TestRenderVolumeAutomationRamp(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(1000, 4, 0.5)}}
	p := newTestPipeline(dec, Deps{})

	c := clip("a", 3000)
	c.Automation = automation.Map{automation.ParamVolume: {{TimeMs: 0, Value: 0}, {TimeMs: 1000, Value: 1}}}

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	b := rb.Buffer

	win := sr / 10
	prev := -1.0
	for i := 0; i < 10; i++ {
		r := windowRMS(b, i*win, (i+1)*win)
		assert.Greater(t, r, prev, "window %d", i)
		prev = r
	}
	flat := windowRMS(b, 10*win, 11*win)
	for i := 11; i < 30; i++ {
		assert.InDelta(t, flat, windowRMS(b, i*win, (i+1)*win), flat*0.01, "window %d", i)
	}
}

func TestRenderNegativeGainAutomationIsSilence(t *testing.T) {
	tests := []struct {
		name  string
		param string
		setup func(c *timeline.ClipDescriptor)
	}{
		{"volume", automation.ParamVolume, func(c *timeline.ClipDescriptor) {}},
		{"stem volume", StemVolumeParam(timeline.StemVocals), func(c *timeline.ClipDescriptor) {
			c.Source = ""
			c.Stems = &timeline.StemBundle{Vocals: "tone.wav"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := sine(1000, 3, 0.5)
			p := newTestPipeline(&fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": src}}, Deps{})

			// 1 at 0 ms falling to -1 at 2000 ms: the curve crosses zero at 1000 ms
			c := clip("neg", 2000)
			tt.setup(&c)
			c.Automation = automation.Map{tt.param: {{TimeMs: 0, Value: 1}, {TimeMs: 2000, Value: -1}}}

			rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
			require.NoError(t, err)
			b := rb.Buffer

			head := windowRMS(b, 0, sr/5)
			require.Greater(t, head, 0.0)
			assert.Less(t, windowRMS(b, sr*6/5, 2*sr), head*0.01, "negative gain must not come back inverted")

			// while the gain is positive the output follows the source
			var corr float64
			for i := 0; i < sr*9/10; i++ {
				corr += b.Data[0][i] * src.Data[0][i]
			}
			assert.Greater(t, corr, 0.0)
		})
	}
}

func TestRenderCacheHitIsBitIdentical(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(330, 3, 0.4)}}
	store := cache.NewMemoryStore()
	p := newTestPipeline(dec, Deps{Store: store})

	c := clip("a", 2000)
	c.Reverb = 0.3
	c.Pan = -0.4
	ctx := context.Background()

	first, err := p.Render(ctx, &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	decodes := dec.calls

	second, err := p.Render(ctx, &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, decodes, dec.calls, "hit skips decoding")
	for ch := range first.Buffer.Data {
		for i := range first.Buffer.Data[ch] {
			require.Equal(t, math.Float64bits(first.Buffer.Data[ch][i]), math.Float64bits(second.Buffer.Data[ch][i]))
		}
	}

	c.DuckingDepth = 0.1
	c.IsPrimary = true
	live, err := p.Render(ctx, &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.True(t, live.CacheHit, "mixdown fields do not invalidate")
	assert.Equal(t, 0.1, live.DuckingDepth)
	assert.True(t, live.IsPrimary)

	c.Volume = 0.5
	changed, err := p.Render(ctx, &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.False(t, changed.CacheHit)
}

func TestRenderOutsideRange(t *testing.T) {
	p := newTestPipeline(&fakeDecoder{}, Deps{})
	c := clip("a", 1000)
	c.StartMs = 10000

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120, Range: &timeline.TimeRange{StartMs: 0, EndMs: 5000}})
	assert.NoError(t, err)
	assert.Nil(t, rb)
}

func TestRenderRangeTrimsClip(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(440, 10, 0.5)}}
	p := newTestPipeline(dec, Deps{})
	c := clip("a", 6000)
	c.StartMs = 2000

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120, Range: &timeline.TimeRange{StartMs: 4000, EndMs: 6000}})
	require.NoError(t, err)
	assert.Equal(t, 0, rb.StartIdx)
	assert.Equal(t, 2*sr, rb.Buffer.Frames())
}

func TestRenderMissingSourceIsClipError(t *testing.T) {
	p := newTestPipeline(&fakeDecoder{}, Deps{})
	c := clip("gone", 1000)
	c.Lane = 3

	_, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.Error(t, err)
	var ce *apperrors.ClipError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "gone", ce.ClipID)
	assert.Equal(t, 3, ce.Lane)
	assert.Equal(t, "decode", ce.Stage)
	assert.ErrorIs(t, err, apperrors.ErrFileNotFound)
}

func TestRenderSilentSourceStaysFinite(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": audio.NewBuffer(2, sr, sr)}}
	p := newTestPipeline(dec, Deps{})
	c := clip("a", 1000)

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	for _, v := range rb.Buffer.Data[0] {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	assert.True(t, rb.Buffer.IsSilent())
}

func TestRenderStems(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{
		"v.wav": sine(440, 3, 0.5),
		"d.wav": sine(90, 3, 0.5),
	}}
	p := newTestPipeline(dec, Deps{})

	c := clip("s", 2000)
	c.Source = ""
	c.Stems = &timeline.StemBundle{Vocals: "v.wav", Drums: "d.wav"}
	c.HarmonyLevel = 0.5

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.Equal(t, 2*sr, rb.Buffer.Frames())
	assert.False(t, rb.Buffer.IsSilent())
	assert.Equal(t, 2, dec.calls)

	c.StemVolumes = map[timeline.Stem]float64{timeline.StemDrums: 0}
	c.Automation = automation.Map{StemVolumeParam(timeline.StemVocals): {{TimeMs: 0, Value: 1}}}
	muted, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.NotEqual(t, rb.Buffer.Data[0][sr], muted.Buffer.Data[0][sr])
}

func TestDuckUnderVocalsNeverAmplifies(t *testing.T) {
	v := sine(440, 1, 0.8)
	d := sine(90, 1, 0.5)
	stems := map[timeline.Stem]*audio.Buffer{timeline.StemVocals: v, timeline.StemDrums: d}
	duckUnderVocals(stems, sr)
	assert.Less(t, stems[timeline.StemDrums].RMS(), d.RMS())
	assert.Same(t, v, stems[timeline.StemVocals])
}

func TestSeparationFallback(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(440, 3, 0.5)}}
	ws, err := workspace.Create()
	require.NoError(t, err)
	defer ws.Cleanup()

	store := cache.NewMemoryStore()
	sep := &fakeSeparator{err: apperrors.NewFallback(services.ServiceStems, apperrors.FallbackUnreachable, nil)}
	p := newTestPipeline(dec, Deps{Store: store, Separator: sep})

	c := clip("a", 1000)
	c.SeparateStems = true
	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120, Workspace: ws})
	require.NoError(t, err)
	require.Len(t, rb.Fallbacks, 1)
	assert.Equal(t, apperrors.FallbackUnreachable, rb.Fallbacks[0].Reason)
	assert.False(t, rb.Buffer.IsSilent(), "plain source rendered instead")
	_, n, _ := store.Size()
	assert.Zero(t, n, "transient fallback is not cached")

	sep.err = nil
	sep.bundle = timeline.StemBundle{Vocals: "tone.wav"}
	rb, err = p.Render(context.Background(), &c, Context{TargetBPM: 120, Workspace: ws})
	require.NoError(t, err)
	assert.Empty(t, rb.Fallbacks)

	unconfigured := newTestPipeline(dec, Deps{})
	rb, err = unconfigured.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	require.Len(t, rb.Fallbacks, 1)
	assert.Equal(t, apperrors.FallbackUnconfigured, rb.Fallbacks[0].Reason)
}

func TestVoiceTransformIsCachedSeparately(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"v.wav": sine(440, 2, 0.5)}}
	voice := &fakeVoice{out: sine(300, 2, 0.5)}
	store := cache.NewMemoryStore()
	p := newTestPipeline(dec, Deps{Store: store, Voice: voice})

	c := clip("a", 1000)
	c.Source = ""
	c.Stems = &timeline.StemBundle{Vocals: "v.wav"}
	c.VoiceTarget = "female"

	_, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.Equal(t, 1, voice.calls)
	assert.Zero(t, dec.calls, "transformed vocal replaces decoding")

	c.Volume = 0.7
	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.False(t, rb.CacheHit)
	assert.Equal(t, 1, voice.calls, "voice result served from its own cache key")

	failing := newTestPipeline(dec, Deps{Voice: &fakeVoice{err: apperrors.NewFallback(services.ServiceVoice, apperrors.FallbackTimeout, nil)}})
	rb, err = failing.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	require.Len(t, rb.Fallbacks, 1)
	assert.Equal(t, apperrors.FallbackTimeout, rb.Fallbacks[0].Reason)
}

func TestTextureClip(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(220, 2, 0.5)}}

	c := clip("pad", 3000)
	c.Kind = timeline.KindTexture
	c.Seed = 42

	local := newTestPipeline(dec, Deps{})
	rb, err := local.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.Equal(t, 3*sr, rb.Buffer.Frames())
	assert.False(t, rb.Buffer.IsSilent())
	require.Len(t, rb.Fallbacks, 1)
	assert.Equal(t, services.ServiceTexture, rb.Fallbacks[0].Service)

	remote := newTestPipeline(dec, Deps{Texture: &fakeTexture{out: sine(110, 1, 0.3)}})
	rb, err = remote.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.Empty(t, rb.Fallbacks)
	assert.Equal(t, 3*sr, rb.Buffer.Frames())

	c.Source = ""
	c.Prompt = "rain"
	_, err = local.Render(context.Background(), &c, Context{TargetBPM: 120})
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
}

func TestRiserClip(t *testing.T) {
	p := newTestPipeline(&fakeDecoder{}, Deps{})
	c := timeline.NewClip("rise")
	c.Kind = timeline.KindRiser
	c.DurationMs = 2000
	c.NoiseType = "pink-lowpass"
	c.Seed = 1

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	b := rb.Buffer
	assert.Equal(t, 2*sr, b.Frames())
	assert.Less(t, windowRMS(b, 0, sr/2), windowRMS(b, 3*sr/2, 2*sr))
}

func TestPanAutomationReplacesStaticPan(t *testing.T) {
	dec := &fakeDecoder{files: map[string]*audio.Buffer{"tone.wav": sine(440, 2, 0.5)}}
	p := newTestPipeline(dec, Deps{})

	c := clip("a", 1000)
	c.Pan = 1
	c.Automation = automation.Map{automation.ParamPan: {{TimeMs: 0, Value: -1}}}

	rb, err := p.Render(context.Background(), &c, Context{TargetBPM: 120})
	require.NoError(t, err)
	assert.Greater(t, rb.Buffer.RangeRMS(0, sr), 0.0)
	var right float64
	for _, v := range rb.Buffer.Data[1] {
		right = math.Max(right, math.Abs(v))
	}
	assert.Less(t, right, 1e-9, "hard left from automation")
}
