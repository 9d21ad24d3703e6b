package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/engine"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// DefaultJobTTL is how long a finished job and its file are kept.
const DefaultJobTTL = 10 * time.Minute

// peakBins is the resolution of the waveform overview in finished jobs.
const peakBins = 200

// Job status constants
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusComplete   JobStatus = "complete"
	StatusFailed     JobStatus = "failed"
)

// ClipFailure is a dropped clip as reported to clients.
type ClipFailure struct {
	ClipID string `json:"clip_id"`
	Lane   int    `json:"lane"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// JobView is a point-in-time copy of a job, safe to serialize.
type JobView struct {
	ID         string        `json:"id"`
	Status     JobStatus     `json:"status"`
	Stage      string        `json:"stage"`
	Completed  int           `json:"completed"`
	Total      int           `json:"total"`
	Failures   []ClipFailure `json:"failures,omitempty"`
	Error      string        `json:"error,omitempty"`
	Silent     bool          `json:"silent,omitempty"`
	Ducked     int           `json:"ducked"`
	CacheHits  int           `json:"cache_hits"`
	DurationMs float64       `json:"duration_ms,omitempty"`
	Peaks      []float64     `json:"peaks,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Job represents a timeline render job
type Job struct {
	mu         sync.RWMutex
	view       JobView
	format     string
	outputPath string
	workDir    string

	// Updates carries stage and progress messages. Sends never block; the
	// channel is closed when the job finishes.
	Updates chan string
}

// View returns a snapshot of the job.
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v := j.view
	v.Failures = append([]ClipFailure(nil), j.view.Failures...)
	return v
}

// Output returns the rendered file and its format once the job is complete.
func (j *Job) Output() (path, format string, ok bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.outputPath, j.format, j.view.Status == StatusComplete
}

func (j *Job) update(fn func(v *JobView)) {
	j.mu.Lock()
	fn(&j.view)
	j.mu.Unlock()
}

func (j *Job) notify(format string, args ...any) {
	select {
	case j.Updates <- fmt.Sprintf(format, args...):
	default:
	}
}

// JobManager manages render jobs
type JobManager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	engine Renderer
	ttl    time.Duration
}

// NewJobManager creates a new job manager
func NewJobManager(eng Renderer, ttl time.Duration) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		engine: eng,
		ttl:    ttl,
	}
}

// Create registers a pending job with its own work directory.
func (m *JobManager) Create(format string) (*Job, error) {
	workDir, err := os.MkdirTemp("", "audio-sequencer-job-*")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	job := &Job{
		view: JobView{
			ID:        uuid.NewString(),
			Status:    StatusPending,
			Stage:     "Queued",
			CreatedAt: time.Now(),
		},
		format:  format,
		workDir: workDir,
		Updates: make(chan string, 32),
	}

	m.mu.Lock()
	m.jobs[job.view.ID] = job
	m.mu.Unlock()
	return job, nil
}

// Get retrieves a job by ID
func (m *JobManager) Get(id string) *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// Len is the number of jobs currently held.
func (m *JobManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// Process renders tl for job and schedules its expiry.
func (m *JobManager) Process(ctx context.Context, job *Job, tl *timeline.Timeline) {
	id := job.View().ID
	log := logrus.WithFields(logrus.Fields{"function": "Process", "job": id})
	defer close(job.Updates)
	defer func() {
		time.AfterFunc(m.ttl, func() { m.expire(id) })
	}()

	job.update(func(v *JobView) {
		v.Status = StatusProcessing
		v.Stage = "Rendering clips..."
		v.Total = len(tl.Clips)
	})
	job.notify("Rendering clips...")

	output := filepath.Join(job.workDir, "master."+extFor(job.format))
	res, err := m.engine.RenderTimeline(ctx, engine.Request{
		Timeline: tl,
		Output:   output,
		Format:   job.format,
		Progress: func(done, total int) {
			job.update(func(v *JobView) { v.Completed, v.Total = done, total })
			job.notify("Rendered %d/%d clips", done, total)
		},
	})
	if err != nil {
		log.WithError(err).Warn("render job failed")
		var re *apperrors.RenderError
		job.update(func(v *JobView) {
			v.Status = StatusFailed
			v.Stage = "Failed"
			v.Error = err.Error()
			if errors.As(err, &re) {
				v.Failures = failures(re.Failures)
			}
		})
		job.notify("Error: %s", err)
		return
	}

	job.mu.Lock()
	job.outputPath = res.OutputPath
	job.view.Status = StatusComplete
	job.view.Stage = "Complete!"
	job.view.Failures = failures(res.Failed)
	job.view.Silent = res.Silent
	job.view.Ducked = len(res.Reports)
	job.view.CacheHits = res.CacheHits()
	job.view.DurationMs = res.Master.DurationMs()
	job.view.Peaks = audio.Peaks(res.Master, peakBins)
	job.mu.Unlock()
	job.notify("Complete!")
	log.WithField("elapsed", res.Elapsed).Info("render job complete")
}

func (m *JobManager) expire(id string) {
	m.mu.Lock()
	job := m.jobs[id]
	delete(m.jobs, id)
	m.mu.Unlock()
	if job != nil {
		os.RemoveAll(job.workDir)
	}
}

func failures(errs []*apperrors.ClipError) []ClipFailure {
	out := make([]ClipFailure, 0, len(errs))
	for _, e := range errs {
		msg := ""
		if e.Cause != nil {
			msg = e.Cause.Error()
		}
		out = append(out, ClipFailure{ClipID: e.ClipID, Lane: e.Lane, Stage: e.Stage, Error: msg})
	}
	return out
}

func extFor(format string) string {
	if format == "opus" {
		return "opus"
	}
	return "wav"
}
