// Package engine is the external surface of the renderer: it turns a
// timeline into a mastered file, auditions single clips, and exports
// per-lane stems.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/automation"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/config"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/dsp"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/exec"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/mixdown"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/progress"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/render"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/scheduler"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/services"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/workspace"
)

// MinDurationMs is the shortest master a timeline render produces.
const MinDurationMs = 1000.0

// Request is one timeline render.
type Request struct {
	Timeline *timeline.Timeline
	Output   string // empty keeps the master in memory only
	Format   string // wav or opus; empty picks from Output's extension

	// Progress receives the count of finished clips. It is called from
	// worker goroutines, never concurrently.
	Progress scheduler.ProgressFunc
}

// Result is a finished timeline render.
type Result struct {
	Master     *audio.Buffer
	OutputPath string
	Rendered   []*render.RenderedBuffer
	Failed     []*apperrors.ClipError
	Silent     bool // no active clips
	Reports    []mixdown.DuckReport
	Elapsed    time.Duration
}

// CacheHits counts clips served from the render cache.
func (r *Result) CacheHits() int {
	n := 0
	for _, rb := range r.Rendered {
		if rb.CacheHit {
			n++
		}
	}
	return n
}

// Engine renders timelines. It is safe for concurrent use; each call gets
// its own workspace.
type Engine struct {
	cfg       config.Config
	pipeline  *render.Pipeline
	store     cache.Store
	stemCache *cache.StemCache
	progress  *progress.Reporter
}

// New wires the engine from configuration. out receives CLI progress; nil
// disables it.
func New(cfg config.Config, out io.Writer, verbose bool) (*Engine, error) {
	runner := exec.NewRunner("", cfg.ScriptsDir, cfg.FFmpegPath)

	var store cache.Store
	var stemCache *cache.StemCache
	if cfg.NoCache {
		store = cache.NewMemoryStore()
	} else {
		ds, err := cache.OpenDirStore(filepath.Join(cfg.CacheDir, "clips"))
		if err != nil {
			return nil, fmt.Errorf("open render cache: %w", err)
		}
		store = ds
		stemCache, err = cache.NewStemCache(filepath.Join(cfg.CacheDir, "stems"), cfg.StemServiceTool)
		if err != nil {
			logrus.WithError(err).Warn("stem cache unavailable")
		}
	}

	deps := render.Deps{
		Decoder:   audio.NewDecoder(cfg.SampleRate, runner),
		Store:     store,
		Separator: services.NewStemSeparator(runner, cfg.StemServiceTool, stemCache),
	}
	if cfg.VoiceServiceURL != "" {
		deps.Voice = services.NewVoiceClient(cfg.VoiceServiceURL, cfg.SampleRate, cfg.ServiceTimeout)
	}
	if cfg.TextureServiceURL != "" {
		deps.Texture = services.NewTextureClient(cfg.TextureServiceURL, cfg.SampleRate, cfg.ServiceTimeout)
	}

	var rep *progress.Reporter
	if out != nil {
		rep = progress.NewReporter(out, verbose)
	}
	e := NewWithPipeline(cfg, render.NewPipeline(Options(cfg), deps), store, rep)
	e.stemCache = stemCache
	return e, nil
}

// NewWithPipeline builds an engine around an existing pipeline. store and
// rep may be nil.
func NewWithPipeline(cfg config.Config, p *render.Pipeline, store cache.Store, rep *progress.Reporter) *Engine {
	return &Engine{cfg: cfg, pipeline: p, store: store, progress: rep}
}

// Options derives pipeline options from configuration.
func Options(cfg config.Config) render.Options {
	return render.Options{
		SampleRate:    cfg.SampleRate,
		TargetRMSDB:   cfg.TargetRMSDB,
		CrossfadeMs:   float64(cfg.CrossfadeMS),
		SeparatorTool: cfg.StemServiceTool,
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// RenderTimeline renders every active clip in parallel, mixes them down and
// exports the master. It fails only when clips were scheduled and none of
// them rendered; the error is then an *apperrors.RenderError naming each
// failed clip.
func (e *Engine) RenderTimeline(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	tl, err := e.prepare(req.Timeline)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"function": "RenderTimeline"})

	e.stage(progress.StageLoad)
	active := tl.Active()
	totalFrames := audio.FramesForMs(e.durationMs(tl), e.cfg.SampleRate)
	e.complete("%d clips, %d active, %d lanes", len(tl.Clips), len(active), len(tl.Lanes()))

	res := &Result{}
	if len(active) == 0 {
		log.Info("no active clips, rendering silence")
		res.Silent = true
		res.Master = audio.NewBuffer(2, totalFrames, e.cfg.SampleRate)
	} else {
		rendered, failed, err := e.renderAll(ctx, tl, active, req.Progress)
		if err != nil {
			return nil, err
		}
		res.Rendered, res.Failed = rendered, failed

		e.stage(progress.StageMixdown)
		mixer := mixdown.NewMixer(e.cfg.SampleRate)
		mixer.Muted, mixer.Soloed = tl.Muted, tl.Soloed
		mix := mixer.Mix(rendered, totalFrames)
		res.Master, res.Reports = mix.Master, mix.Reports
		e.complete("%d clips mixed, %d ducked", len(rendered), len(mix.Reports))
	}

	if req.Output != "" {
		e.stage(progress.StageExport)
		format := formatFor(req.Output, req.Format, e.cfg.OutputFormat)
		if err := e.export(req.Output, res.Master, format); err != nil {
			return nil, err
		}
		res.OutputPath = req.Output
		e.complete("Wrote %s (%.1fs)", format, res.Master.DurationMs()/1000)
	}

	res.Elapsed = time.Since(start)
	log.WithFields(logrus.Fields{
		"rendered": len(res.Rendered),
		"failed":   len(res.Failed),
		"cached":   res.CacheHits(),
		"elapsed":  res.Elapsed.Round(time.Millisecond),
	}).Info("timeline rendered")
	return res, nil
}

// RenderClip renders one clip on its own for auditioning. Mixdown and
// ducking are skipped; the limiter still keeps the file from clipping. The
// clip plays from frame 0 regardless of its timeline position.
func (e *Engine) RenderClip(ctx context.Context, c timeline.ClipDescriptor, bpm float64, out string) (*render.RenderedBuffer, error) {
	if bpm <= 0 {
		bpm = e.cfg.DefaultBPM
	}
	if c.ID == "" {
		c.ID = "audition"
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ws, err := workspace.Create()
	if err != nil {
		return nil, err
	}
	defer ws.Cleanup()

	rb, err := e.pipeline.Render(ctx, &c, render.Context{TargetBPM: bpm, Workspace: ws})
	if err != nil {
		return nil, err
	}
	if rb == nil {
		return nil, apperrors.NewClipError(c.ID, c.Lane, "render", apperrors.ErrNoActiveClips)
	}
	rb.StartIdx = 0
	rb.Buffer = dsp.MasterLimiter().Process(rb.Buffer)

	if out != "" {
		if err := e.export(out, rb.Buffer, formatFor(out, "", e.cfg.OutputFormat)); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "RenderClip",
		"clip":     c.ID,
		"cached":   rb.CacheHit,
	}).Debug("clip auditioned")
	return rb, nil
}

// RenderLaneStems renders the timeline once and writes one file per active
// lane into dir, named lane_<n>.<ext>. Each lane is mixed as if it were
// alone. With no active clips nothing is written.
func (e *Engine) RenderLaneStems(ctx context.Context, req Request, dir string) (map[int]string, error) {
	tl, err := e.prepare(req.Timeline)
	if err != nil {
		return nil, err
	}
	active := tl.Active()
	if len(active) == 0 {
		return map[int]string{}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stems dir: %w", err)
	}

	rendered, _, err := e.renderAll(ctx, tl, active, req.Progress)
	if err != nil {
		return nil, err
	}

	e.stage(progress.StageMixdown)
	mixer := mixdown.NewMixer(e.cfg.SampleRate)
	mixer.Muted, mixer.Soloed = tl.Muted, tl.Soloed
	lanes := mixer.Lanes(rendered, audio.FramesForMs(e.durationMs(tl), e.cfg.SampleRate))
	e.complete("%d lanes mixed", len(lanes))

	e.stage(progress.StageExport)
	format := formatFor("", req.Format, e.cfg.OutputFormat)
	paths := make(map[int]string, len(lanes))
	for lane, buf := range lanes {
		path := filepath.Join(dir, fmt.Sprintf("lane_%d.%s", lane, ext(format)))
		if err := e.export(path, buf, format); err != nil {
			return nil, err
		}
		paths[lane] = path
	}
	e.complete("Wrote %d stems to %s", len(paths), dir)
	return paths, nil
}

// SidechainPointsPerSecond is the default resolution of Sidechain curves.
const SidechainPointsPerSecond = 10.0

// Sidechain renders the primary clip and writes a volume curve onto the
// target clip that dips under the primary's energy. Any existing volume
// automation on the target is replaced. tl is modified in place.
func (e *Engine) Sidechain(ctx context.Context, tl *timeline.Timeline, primaryID, targetID string, pointsPerSecond, depth float64) (automation.Curve, error) {
	primary, target := tl.Clip(primaryID), tl.Clip(targetID)
	if primary == nil {
		return nil, fmt.Errorf("%w: no clip %q", apperrors.ErrInvalidClip, primaryID)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: no clip %q", apperrors.ErrInvalidClip, targetID)
	}
	if !primary.Overlaps(target) {
		return nil, fmt.Errorf("%w: %s and %s do not overlap", apperrors.ErrInvalidClip, primaryID, targetID)
	}
	if pointsPerSecond <= 0 {
		pointsPerSecond = SidechainPointsPerSecond
	}

	rb, err := e.RenderClip(ctx, *primary, tl.TargetBPM, "")
	if err != nil {
		return nil, err
	}

	// Shift from primary-relative to target-relative time and keep the
	// points that land inside the target.
	shift := primary.StartMs - target.StartMs
	var curve automation.Curve
	for _, p := range automation.SidechainCurve(rb.Buffer, pointsPerSecond, depth) {
		t := p.TimeMs + shift
		if t < 0 || t > target.DurationMs {
			continue
		}
		curve = append(curve, automation.Point{TimeMs: t, Value: p.Value})
	}
	if len(curve) == 0 {
		return nil, nil
	}
	if first := curve[0].TimeMs; first > automation.ReplaceWindowMs {
		curve = append(automation.Curve{{TimeMs: first - automation.ReplaceWindowMs - 1, Value: 1}}, curve...)
	}
	if end := primary.EndMs() - target.StartMs; end < target.DurationMs {
		curve = append(curve, automation.Point{TimeMs: end + automation.ReplaceWindowMs + 1, Value: 1})
	}

	if target.Automation == nil {
		target.Automation = automation.Map{}
	}
	target.Automation[automation.ParamVolume] = curve
	target.Automation.Normalize()

	logrus.WithFields(logrus.Fields{
		"function": "Sidechain",
		"primary":  primaryID,
		"clip":     targetID,
		"points":   len(curve),
	}).Debug("sidechain automation written")
	return curve, nil
}

// CacheSize reports render cache bytes and entry count.
func (e *Engine) CacheSize() (int64, int, error) {
	if e.store == nil {
		return 0, 0, nil
	}
	return e.store.Size()
}

// ClearCache empties the render cache and the stem cache.
func (e *Engine) ClearCache() error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Clear())
	}
	if e.stemCache != nil {
		errs = append(errs, e.stemCache.Clear())
	}
	return errors.Join(errs...)
}

// prepare copies the timeline, fills the default tempo and validates it.
func (e *Engine) prepare(tl *timeline.Timeline) (*timeline.Timeline, error) {
	if tl == nil {
		return nil, errors.New("invalid timeline: no timeline given")
	}
	cp := *tl
	cp.Clips = append([]timeline.ClipDescriptor(nil), tl.Clips...)
	if cp.TargetBPM <= 0 {
		cp.TargetBPM = e.cfg.DefaultBPM
	}
	if err := cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeline: %w", err)
	}
	return &cp, nil
}

// durationMs is the master length: the render range when set, otherwise
// the end of the last clip (muted clips included, so muting never shortens
// the file).
func (e *Engine) durationMs(tl *timeline.Timeline) float64 {
	if tl.Range != nil {
		return tl.Range.DurationMs()
	}
	return math.Max(tl.EndMs(), MinDurationMs)
}

func (e *Engine) renderAll(ctx context.Context, tl *timeline.Timeline, active []timeline.ClipDescriptor, onProgress scheduler.ProgressFunc) ([]*render.RenderedBuffer, []*apperrors.ClipError, error) {
	ws, err := workspace.Create()
	if err != nil {
		return nil, nil, err
	}
	defer ws.Cleanup()

	e.stage(progress.StageRender)
	var counter *progress.Counter
	if e.progress != nil {
		counter = e.progress.NewCounter("clips", len(active))
	}

	rc := render.Context{TargetBPM: tl.TargetBPM, Range: tl.Range, Workspace: ws}
	fn := func(ctx context.Context, c *timeline.ClipDescriptor) (*render.RenderedBuffer, error) {
		if err := c.Validate(); err != nil {
			return nil, apperrors.NewClipError(c.ID, c.Lane, "validate", err)
		}
		return e.pipeline.Render(ctx, c, rc)
	}
	rendered, failed, err := scheduler.Run(ctx, active, e.cfg.WorkerCount(), fn, func(done, total int) {
		if counter != nil {
			counter.Increment()
		}
		if onProgress != nil {
			onProgress(done, total)
		}
	})
	if counter != nil {
		counter.Finish()
	}
	if err != nil {
		return nil, nil, err
	}

	for _, f := range failed {
		e.warn("clip %s dropped: %v", f.ClipID, f.Cause)
	}
	for _, rb := range rendered {
		for _, fb := range rb.Fallbacks {
			if fb.Reason != apperrors.FallbackUnconfigured {
				e.warn("clip %s: %v", rb.ClipID, fb)
			}
		}
	}
	if len(rendered) == 0 && len(failed) > 0 {
		return nil, nil, &apperrors.RenderError{Failures: failed}
	}
	e.complete("%d rendered, %d failed", len(rendered), len(failed))
	return rendered, failed, nil
}

func (e *Engine) export(path string, buf *audio.Buffer, format string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := audio.Export(path, buf, format, e.cfg.BitDepth); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

func (e *Engine) stage(s progress.Stage) {
	if e.progress != nil {
		e.progress.StartStage(s)
	}
}

func (e *Engine) complete(format string, args ...any) {
	if e.progress != nil {
		e.progress.StageComplete(format, args...)
	}
}

func (e *Engine) warn(format string, args ...any) {
	if e.progress != nil {
		e.progress.Warning(format, args...)
	}
}

// formatFor picks the export format: explicit, then the output extension,
// then the configured default.
func formatFor(path, explicit, def string) string {
	if explicit != "" {
		return strings.ToLower(explicit)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".opus", ".ogg":
		return "opus"
	case ".wav":
		return "wav"
	}
	if def == "" {
		return "wav"
	}
	return def
}

func ext(format string) string {
	if format == "opus" {
		return "opus"
	}
	return "wav"
}
