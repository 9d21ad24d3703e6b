package cache

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

func testBuffer() *audio.Buffer {
	b := audio.NewBuffer(2, 1000, 44100)
	for i := 0; i < 1000; i++ {
		b.Data[0][i] = math.Sin(float64(i) * 0.0123456789)
		b.Data[1][i] = -b.Data[0][i] / 3
	}
	return b
}

const testKey = "ab12cd34ef56"

func TestDirStoreRoundTripIsBitIdentical(t *testing.T) {
	s, err := OpenDirStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(testKey)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)

	in := testBuffer()
	require.NoError(t, s.Put(testKey, in))

	out, err := s.Get(testKey)
	require.NoError(t, err)
	assert.Equal(t, in.SampleRate, out.SampleRate)
	require.Equal(t, in.Channels(), out.Channels())
	for c := range in.Data {
		for i := range in.Data[c] {
			require.Equal(t, math.Float64bits(in.Data[c][i]), math.Float64bits(out.Data[c][i]))
		}
	}

	size, count, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Greater(t, size, int64(2*1000*8))

	require.NoError(t, s.Invalidate(testKey))
	_, err = s.Get(testKey)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)
	assert.NoError(t, s.Invalidate(testKey), "invalidating a missing entry is fine")
}

func TestDirStoreCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testKey, testBuffer()))

	p := filepath.Join(dir, testKey[:2], testKey+entrySuffix)
	require.NoError(t, os.WriteFile(p, []byte("SEQCgarbage"), 0644))

	_, err = s.Get(testKey)
	assert.ErrorIs(t, err, apperrors.ErrCorruptedFile)
}

func TestDirStoreRejectsBadKeys(t *testing.T) {
	s, err := OpenDirStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put("../../etc", testBuffer()))
	_, err = s.Get("a")
	assert.Error(t, err)
}

func TestDirStoreConcurrentWritersSameKey(t *testing.T) {
	s, err := OpenDirStore(t.TempDir())
	require.NoError(t, err)
	buf := testBuffer()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Put(testKey, buf))
		}()
	}
	wg.Wait()

	out, err := s.Get(testKey)
	require.NoError(t, err)
	assert.Equal(t, buf.Data, out.Data)

	_, count, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "no temp files left behind")
}

func TestDirStoreVersionChangeClears(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDirStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(testKey, testBuffer()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, versionFile), []byte("render-v0"), 0644))
	s, err = OpenDirStore(dir)
	require.NoError(t, err)

	_, err = s.Get(testKey)
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)
	data, err := os.ReadFile(filepath.Join(dir, versionFile))
	require.NoError(t, err)
	assert.Equal(t, EngineVersion, string(data))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get("k")
	assert.ErrorIs(t, err, apperrors.ErrCacheMiss)

	in := testBuffer()
	require.NoError(t, m.Put("k", in))
	in.Data[0][0] = 42

	out, err := m.Get("k")
	require.NoError(t, err)
	assert.NotEqual(t, 42.0, out.Data[0][0], "store keeps its own copy")

	gets, hits := m.Stats()
	assert.Equal(t, 2, gets)
	assert.Equal(t, 1, hits)

	require.NoError(t, m.Clear())
	_, n, _ := m.Size()
	assert.Zero(t, n)
}

func baseClip() timeline.ClipDescriptor {
	c := timeline.NewClip("a")
	c.Source = "/music/a.wav"
	c.DurationMs = 8000
	c.SourceBPM = 120
	c.Stems = &timeline.StemBundle{Vocals: "/music/v.wav", Drums: "/music/d.wav"}
	c.Automation = automation.Map{}
	c.Automation.Set(automation.ParamVolume, 0, 0)
	c.Automation.Set(automation.ParamVolume, 1000, 1)
	return c
}

func fp(t *testing.T, c timeline.ClipDescriptor) string {
	t.Helper()
	w, ok := timeline.Resolve(&c, nil)
	require.True(t, ok)
	key, err := Fingerprint(&c, RenderContext{SampleRate: 44100, TargetBPM: 124, TargetRMSDB: -16, Window: w})
	require.NoError(t, err)
	return key
}

func TestFingerprintStable(t *testing.T) {
	a := baseClip()
	b := baseClip()
	assert.Equal(t, fp(t, a), fp(t, b))
	assert.Len(t, fp(t, a), 64)
}

func TestFingerprintChangesWithEveryRenderParameter(t *testing.T) {
	base := fp(t, baseClip())

	tests := []struct {
		name   string
		mutate func(*timeline.ClipDescriptor)
	}{
		{"volume", func(c *timeline.ClipDescriptor) { c.Volume = 0.9 }},
		{"stem volume", func(c *timeline.ClipDescriptor) { c.StemVolumes = map[timeline.Stem]float64{timeline.StemDrums: 0.5} }},
		{"automation point", func(c *timeline.ClipDescriptor) { c.Automation.Set(automation.ParamVolume, 1000, 0.9) }},
		{"new automation param", func(c *timeline.ClipDescriptor) { c.Automation.Set(automation.ParamPan, 0, -1) }},
		{"pitch", func(c *timeline.ClipDescriptor) { c.PitchShift = 2 }},
		{"stem pitch", func(c *timeline.ClipDescriptor) { c.StemPitch = map[timeline.Stem]float64{timeline.StemVocals: -12} }},
		{"source bpm", func(c *timeline.ClipDescriptor) { c.SourceBPM = 121 }},
		{"duration", func(c *timeline.ClipDescriptor) { c.DurationMs = 8001 }},
		{"offset", func(c *timeline.ClipDescriptor) { c.OffsetMs = 10 }},
		{"source", func(c *timeline.ClipDescriptor) { c.Source = "/music/b.wav" }},
		{"stem path", func(c *timeline.ClipDescriptor) { c.Stems = &timeline.StemBundle{Vocals: "/music/v2.wav", Drums: "/music/d.wav"} }},
		{"voice target", func(c *timeline.ClipDescriptor) { c.VoiceTarget = "female" }},
		{"harmony", func(c *timeline.ClipDescriptor) { c.HarmonyLevel = 0.3 }},
		{"pan", func(c *timeline.ClipDescriptor) { c.Pan = 0.1 }},
		{"low cut", func(c *timeline.ClipDescriptor) { c.LowCut = 80 }},
		{"high cut", func(c *timeline.ClipDescriptor) { c.HighCut = 9000 }},
		{"fade in", func(c *timeline.ClipDescriptor) { c.FadeInMs = 10 }},
		{"fade out", func(c *timeline.ClipDescriptor) { c.FadeOutMs = 10 }},
		{"reverb", func(c *timeline.ClipDescriptor) { c.Reverb = 0.2 }},
		{"harmonics", func(c *timeline.ClipDescriptor) { c.Harmonics = 0.2 }},
		{"delay", func(c *timeline.ClipDescriptor) { c.Delay = 0.2 }},
		{"chorus", func(c *timeline.ClipDescriptor) { c.Chorus = 0.2 }},
		{"onsets", func(c *timeline.ClipDescriptor) { c.Onsets = []float64{500} }},
		{"seed", func(c *timeline.ClipDescriptor) { c.Seed = 7 }},
		{"kind", func(c *timeline.ClipDescriptor) { c.Kind = timeline.KindTexture }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseClip()
			tt.mutate(&c)
			assert.NotEqual(t, base, fp(t, c))
		})
	}
}

func TestFingerprintIgnoresMixdownFields(t *testing.T) {
	base := fp(t, baseClip())
	c := baseClip()
	c.DuckingDepth = 0.2
	c.IsPrimary = true
	c.Lane = 5
	c.DuckLow = 0
	c.StartMs = 42000
	assert.Equal(t, base, fp(t, c))
}

func TestFingerprintTracksRenderContextAndSourceFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(src, []byte("one"), 0644))

	c := timeline.NewClip("a")
	c.Source = src
	c.DurationMs = 1000
	w, _ := timeline.Resolve(&c, nil)
	rc := RenderContext{SampleRate: 44100, TargetBPM: 124, Window: w}

	k1, err := Fingerprint(&c, rc)
	require.NoError(t, err)

	rc2 := rc
	rc2.TargetBPM = 128
	k2, err := Fingerprint(&c, rc2)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	xfade := rc
	xfade.CrossfadeMs = 250
	k, err := Fingerprint(&c, xfade)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k, "crossfade changed")

	// the separator only matters once the clip asks for separation
	tool := rc
	tool.SeparatorTool = "spleeter"
	k, err = Fingerprint(&c, tool)
	require.NoError(t, err)
	assert.Equal(t, k1, k)

	c.SeparateStems = true
	sep1, err := Fingerprint(&c, rc)
	require.NoError(t, err)
	sep2, err := Fingerprint(&c, tool)
	require.NoError(t, err)
	assert.NotEqual(t, sep1, sep2, "separator changed")
	c.SeparateStems = false

	require.NoError(t, os.WriteFile(src, []byte("changed"), 0644))
	k3, err := Fingerprint(&c, rc)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "source size changed")
}

func TestVoiceKey(t *testing.T) {
	a := VoiceKey("/v.wav", "female", 0)
	assert.Equal(t, a, VoiceKey("/v.wav", "female", 0))
	assert.NotEqual(t, a, VoiceKey("/v.wav", "male", 0))
	assert.NotEqual(t, a, VoiceKey("/v.wav", "female", 2))
}

func TestStemCache(t *testing.T) {
	src := t.TempDir()
	vocals := filepath.Join(src, "vocals.wav")
	drums := filepath.Join(src, "drums.wav")
	require.NoError(t, os.WriteFile(vocals, []byte("v"), 0644))
	require.NoError(t, os.WriteFile(drums, []byte("d"), 0644))

	c, err := NewStemCache(filepath.Join(t.TempDir(), "stems"), "demucs")
	require.NoError(t, err)

	key, err := KeyForFile(vocals)
	require.NoError(t, err)
	assert.Contains(t, key, "file_")

	_, ok := c.Get(key)
	assert.False(t, ok)

	put, err := c.Put(key, timeline.StemBundle{Vocals: vocals, Drums: drums})
	require.NoError(t, err)
	assert.NotEqual(t, vocals, put.Bundle.Vocals)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, []timeline.Stem{timeline.StemVocals, timeline.StemDrums}, got.Bundle.Present())

	other, err := NewStemCache(c.dir, "spleeter")
	require.NoError(t, err)
	_, ok = other.Get(key)
	assert.False(t, ok, "different separator invalidates")

	_, count, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, c.Clear())
}
