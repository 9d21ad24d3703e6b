package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/config"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/engine"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/render"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

const sr = 44100

type fakeDecoder struct {
	mu    sync.Mutex
	files map[string]*audio.Buffer
}

func (d *fakeDecoder) Decode(_ context.Context, path string) (*audio.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[path]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	return b.Clone(), nil
}

func sine(freq, seconds, amp float64) *audio.Buffer {
	n := int(seconds * sr)
	b := audio.NewBuffer(2, n, sr)
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/sr)
		b.Data[0][i], b.Data[1][i] = v, v
	}
	return b
}

func newTestServer(t *testing.T, ttl time.Duration) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = 2
	dec := &fakeDecoder{files: map[string]*audio.Buffer{
		"pad.wav":  sine(220, 2, 0.5),
		"lead.wav": sine(880, 2, 0.5),
	}}
	store := cache.NewMemoryStore()
	p := render.NewPipeline(engine.Options(cfg), render.Deps{Decoder: dec, Store: store})
	eng := engine.NewWithPipeline(cfg, p, store, nil)

	s := New(Config{JobTTL: ttl}, eng)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

const timelineJSON = `{
  "target_bpm": 120,
  "clips": [
    {"id": "lead", "source": "lead.wav", "duration_ms": 2000, "is_primary": true},
    {"id": "pad", "source": "pad.wav", "lane": 1, "start_ms": 1000, "duration_ms": 2000}
  ]
}`

func postRender(t *testing.T, ts *httptest.Server, body, query string) JobView {
	t.Helper()
	resp, err := http.Post(ts.URL+"/render"+query, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var v JobView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	require.NotEmpty(t, v.ID)
	return v
}

func waitFor(t *testing.T, ts *httptest.Server, id string, want JobStatus) JobView {
	t.Helper()
	var v JobView
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/status/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&v) != nil {
			return false
		}
		return v.Status == want
	}, 10*time.Second, 20*time.Millisecond)
	return v
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRenderJobLifecycle(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)

	job := postRender(t, ts, timelineJSON, "")
	v := waitFor(t, ts, job.ID, StatusComplete)
	assert.Equal(t, 2, v.Completed)
	assert.Equal(t, 2, v.Total)
	assert.Equal(t, 1, v.Ducked)
	assert.Empty(t, v.Failures)
	assert.InDelta(t, 3000, v.DurationMs, 1)
	assert.Len(t, v.Peaks, 200)

	resp, err := http.Get(ts.URL + "/result/" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	buf, err := audio.DecodeWAVReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3*sr, buf.Frames())
}

func TestRenderJobAllClipsFailed(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	body := `{"target_bpm": 120, "clips": [{"id": "x", "source": "nope.wav", "duration_ms": 1000}]}`

	job := postRender(t, ts, body, "")
	v := waitFor(t, ts, job.ID, StatusFailed)
	require.Len(t, v.Failures, 1)
	assert.Equal(t, "x", v.Failures[0].ClipID)
	assert.Equal(t, "decode", v.Failures[0].Stage)
	assert.Contains(t, v.Failures[0].Error, "nope.wav")

	resp, err := http.Get(ts.URL + "/result/" + job.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestRenderRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)

	resp, err := http.Post(ts.URL+"/render", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/render?format=flac", "application/json", strings.NewReader(timelineJSON))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownJob(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	for _, path := range []string{"/status/missing", "/result/missing"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestStatusStream(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	job := postRender(t, ts, timelineJSON, "")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status/"+job.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: done\ndata: complete")
}

func TestJobsExpire(t *testing.T) {
	s, ts := newTestServer(t, 300*time.Millisecond)
	job := postRender(t, ts, timelineJSON, "")
	waitFor(t, ts, job.ID, StatusComplete)

	require.Eventually(t, func() bool { return s.jobs.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get(ts.URL + "/status/" + job.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClipAudition(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	body := `{"bpm": 120, "clip": {"id": "lead", "source": "lead.wav", "start_ms": 5000, "duration_ms": 1500}}`

	resp, err := http.Post(ts.URL+"/clip", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, "false", resp.Header.Get("X-Cache-Hit"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	buf, err := audio.DecodeWAVReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int(1.5*sr), buf.Frames())
}

func TestClipAuditionErrors(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"invalid clip", `{"clip": {"id": "a", "source": "lead.wav", "duration_ms": 0}}`, http.StatusBadRequest},
		{"missing source", `{"clip": {"id": "a", "source": "gone.wav", "duration_ms": 500}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/clip", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	_, ts := newTestServer(t, time.Minute)
	job := postRender(t, ts, timelineJSON, "")
	waitFor(t, ts, job.ID, StatusComplete)

	size := func() map[string]float64 {
		resp, err := http.Get(ts.URL + "/cache")
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]float64
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}
	assert.Equal(t, float64(2), size()["entries"])

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/cache", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, size()["entries"])
}

// blockingRenderer holds timeline renders until release is closed.
type blockingRenderer struct {
	release chan struct{}
}

func (b *blockingRenderer) RenderTimeline(ctx context.Context, req engine.Request) (*engine.Result, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &engine.Result{Master: audio.NewBuffer(2, sr, sr), Silent: true}, nil
}

func (b *blockingRenderer) RenderClip(context.Context, timeline.ClipDescriptor, float64, string) (*render.RenderedBuffer, error) {
	return nil, apperrors.ErrInvalidClip
}

func (b *blockingRenderer) CacheSize() (int64, int, error) { return 0, 0, nil }
func (b *blockingRenderer) ClearCache() error             { return nil }

func TestResultWhileRendering(t *testing.T) {
	r := &blockingRenderer{release: make(chan struct{})}
	s := New(Config{}, r)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	job := postRender(t, ts, timelineJSON, "")
	resp, err := http.Get(ts.URL + "/result/" + job.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	close(r.release)
	v := waitFor(t, ts, job.ID, StatusComplete)
	assert.True(t, v.Silent)

	// the stub never wrote a file
	resp, err = http.Get(ts.URL + "/result/" + job.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}
