package services

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/exec"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

func wavBytes(t *testing.T, frames, sampleRate int) []byte {
	t.Helper()
	b := audio.NewBuffer(2, frames, sampleRate)
	for i := 0; i < frames; i++ {
		v := 0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate))
		b.Data[0][i], b.Data[1][i] = v, v
	}
	p := filepath.Join(t.TempDir(), "x.wav")
	require.NoError(t, audio.EncodeWAV(p, b, 16))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return data
}

func requireReason(t *testing.T, err error, want apperrors.FallbackReason) {
	t.Helper()
	fe, ok := apperrors.AsFallback(err)
	require.True(t, ok, "expected FallbackError, got %v", err)
	assert.Equal(t, want, fe.Reason)
}

func TestVoiceClientTransform(t *testing.T) {
	payload := wavBytes(t, 22050, 22050)
	var gotTarget, gotPitch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transform", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		gotTarget = r.FormValue("target")
		gotPitch = r.FormValue("pitch")
		_, _, err := r.FormFile("file")
		assert.NoError(t, err)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(payload)
	}))
	defer srv.Close()

	stem := filepath.Join(t.TempDir(), "vocals.wav")
	require.NoError(t, os.WriteFile(stem, wavBytes(t, 100, 44100), 0644))

	c := NewVoiceClient(srv.URL, 44100, time.Second)
	buf, err := c.Transform(context.Background(), stem, "female", -2)
	require.NoError(t, err)
	assert.Equal(t, "female", gotTarget)
	assert.Equal(t, "-2", gotPitch)
	assert.Equal(t, 44100, buf.SampleRate)
	assert.Equal(t, 2, buf.Channels())
	assert.InDelta(t, 44100, buf.Frames(), 1, "resampled to engine rate")
}

func TestVoiceClientFallbacks(t *testing.T) {
	stem := filepath.Join(t.TempDir(), "vocals.wav")
	require.NoError(t, os.WriteFile(stem, wavBytes(t, 100, 44100), 0644))
	ctx := context.Background()

	_, err := NewVoiceClient("", 44100, time.Second).Transform(ctx, stem, "male", 0)
	requireReason(t, err, apperrors.FallbackUnconfigured)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)

	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	_, err = NewVoiceClient(url, 44100, time.Second).Transform(ctx, stem, "male", 0)
	requireReason(t, err, apperrors.FallbackUnreachable)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  apperrors.FallbackReason
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gpu busy", http.StatusServiceUnavailable)
		}, apperrors.FallbackBadResponse},
		{"empty", func(w http.ResponseWriter, r *http.Request) {}, apperrors.FallbackEmptyResult},
		{"not wav", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("this is not audio at all, sorry"))
		}, apperrors.FallbackBadResponse},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		}, apperrors.FallbackTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := NewVoiceClient(srv.URL, 44100, 100*time.Millisecond).Transform(ctx, stem, "male", 0)
			requireReason(t, err, tt.reason)
		})
	}
}

func TestTextureClientGenerate(t *testing.T) {
	payload := wavBytes(t, 4410, 44100)
	var got TextureRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewTextureClient(srv.URL, 44100, time.Second)
	buf, err := c.Generate(context.Background(), TextureRequest{Prompt: "warm pad", Duration: 8, Source: "/music/a.wav"})
	require.NoError(t, err)
	assert.Equal(t, "warm pad", got.Prompt)
	assert.Equal(t, 8.0, got.Duration)
	assert.Equal(t, "a.wav", got.Source, "only the file name leaves the machine")
	assert.Equal(t, 4410, buf.Frames())
}

func TestTextureClientUnconfigured(t *testing.T) {
	var c *TextureClient
	_, err := c.Generate(context.Background(), TextureRequest{Prompt: "x"})
	requireReason(t, err, apperrors.FallbackUnconfigured)
}

func TestStemSeparatorFallbacks(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "song.wav")
	require.NoError(t, os.WriteFile(src, []byte("RIFF"), 0644))

	var nilSep *StemSeparator
	_, err := nilSep.Separate(ctx, src, t.TempDir())
	requireReason(t, err, apperrors.FallbackUnconfigured)

	runner := exec.NewRunner("definitely-not-a-python-binary", "", "")
	_, err = NewStemSeparator(runner, "demucs", nil).Separate(ctx, src, t.TempDir())
	requireReason(t, err, apperrors.FallbackUnconfigured)
	assert.ErrorIs(t, err, apperrors.ErrToolNotInstalled)
}

func TestStemSeparatorServesCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "song.wav")
	require.NoError(t, os.WriteFile(src, []byte("RIFF-song"), 0644))
	vocals := filepath.Join(dir, "vocals.wav")
	require.NoError(t, os.WriteFile(vocals, []byte("v"), 0644))

	sc, err := cache.NewStemCache(filepath.Join(dir, "stems"), "demucs")
	require.NoError(t, err)
	key, err := cache.KeyForFile(src)
	require.NoError(t, err)
	_, err = sc.Put(key, timeline.StemBundle{Vocals: vocals})
	require.NoError(t, err)

	runner := exec.NewRunner("definitely-not-a-python-binary", "", "")
	bundle, err := NewStemSeparator(runner, "demucs", sc).Separate(context.Background(), src, t.TempDir())
	require.NoError(t, err, "cache hit never runs the tool")
	assert.Equal(t, []timeline.Stem{timeline.StemVocals}, bundle.Present())
}

func TestFindStems(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DefaultStemModel), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultStemModel, "drums.wav"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bass.mp3"), nil, 0644))

	b := findStems(dir, DefaultStemModel)
	assert.Equal(t, []timeline.Stem{timeline.StemDrums, timeline.StemBass}, b.Present())
	assert.Empty(t, b.Vocals)
}
