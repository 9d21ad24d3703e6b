package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/config"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/engine"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/server"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "audio-sequencer",
	Short: "Render multitrack timelines to a mastered mixdown",
	Long: `audio-sequencer renders a timeline of clips (audio files, stem bundles,
ambient textures and risers) to a single mastered file.

Pipeline: timeline → parallel clip renders (cached) → ducking mixdown → master bus`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if noCache {
			cfg.NoCache = true
		}
		if workers > 0 {
			cfg.Workers = workers
		}
		if cfg.ScriptsDir == "" {
			cfg.ScriptsDir = findScriptsDir()
		}
		cfg.SetupLogging(verbose)
		return nil
	},
	SilenceUsage: true,
}

var renderCmd = &cobra.Command{
	Use:   "render <timeline>",
	Short: "Render a timeline to a mastered file",
	Long: `Render every active clip of a YAML or JSON timeline in parallel, duck
background clips under primaries and write the mastered mixdown.

Examples:
  audio-sequencer render set.yaml -o set.wav
  audio-sequencer render set.yaml -o preview.opus --range 30000:60000
  audio-sequencer render set.yaml -o drums-only.wav --solo 2`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var clipCmd = &cobra.Command{
	Use:   "clip <timeline>",
	Short: "Audition a single clip without mixdown",
	Long: `Render one clip of a timeline on its own. Ducking and the master
compressor are skipped, so this is the fast path for auditioning edits.

Example:
  audio-sequencer clip set.yaml --id vocal-hook -o hook.wav`,
	Args: cobra.ExactArgs(1),
	RunE: runClip,
}

var stemsCmd = &cobra.Command{
	Use:   "stems <timeline>",
	Short: "Render one file per lane",
	Long: `Render the timeline and write each lane as its own mastered file,
lane_<n>.wav, mixed as if it were the only lane.

Example:
  audio-sequencer stems set.yaml -o ./lanes`,
	Args: cobra.ExactArgs(1),
	RunE: runStems,
}

var textureCmd = &cobra.Command{
	Use:   "texture",
	Short: "Generate an ambient texture pad",
	Long: `Generate an ambient pad from a prompt through the texture service, or
synthesize one locally from a source file when the service is unavailable.

Examples:
  audio-sequencer texture --source loop.wav --duration 16000 -o pad.wav
  audio-sequencer texture --prompt "warm analog drone" --duration 8000 -o drone.wav`,
	RunE: runTexture,
}

var sidechainCmd = &cobra.Command{
	Use:   "sidechain <timeline>",
	Short: "Write sidechain volume automation onto a clip",
	Long: `Render the primary clip and write a volume curve onto the target clip
that dips under the primary's energy. The updated timeline is written to
--output, or back to the input file when no output is given.

Example:
  audio-sequencer sidechain set.yaml --primary kick --target pad --depth 0.6`,
	Args: cobra.ExactArgs(1),
	RunE: runSidechain,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP render service",
	Long: `Start the HTTP render service. Timelines posted to /render run as
background jobs; poll /status/{id} and fetch /result/{id}.

Example:
  audio-sequencer serve --port 8080`,
	RunE: runServe,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the render cache",
}

var cacheSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Show render cache usage",
	RunE:  runCacheSize,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached render and stem",
	RunE:  runCacheClear,
}

var (
	cfg        config.Config
	configPath string
	verbose    bool
	noCache    bool
	workers    int

	outputPath  string
	format      string
	rangeSpec   string
	muteLanes   []int
	soloLanes   []int
	bpmOverride float64

	clipID   string
	stemsDir string

	scPrimary string
	scTarget  string
	scDepth   float64
	scRate    float64

	texSource   string
	texPrompt   string
	texDuration float64
	texSeed     int64

	port int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Skip the on-disk render cache")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 0, "Parallel clip renders (default: config, 0 = NumCPU)")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(clipCmd)
	rootCmd.AddCommand(stemsCmd)
	rootCmd.AddCommand(textureCmd)
	rootCmd.AddCommand(sidechainCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheSizeCmd)
	cacheCmd.AddCommand(cacheClearCmd)

	for _, c := range []*cobra.Command{renderCmd, stemsCmd} {
		c.Flags().StringVar(&format, "format", "", "Output format: wav or opus (default: from extension or config)")
		c.Flags().StringVar(&rangeSpec, "range", "", "Render only start:end milliseconds")
		c.Flags().IntSliceVar(&muteLanes, "mute", nil, "Lanes to mute (adds to the timeline's)")
		c.Flags().IntSliceVar(&soloLanes, "solo", nil, "Lanes to solo (replaces the timeline's)")
		c.Flags().Float64Var(&bpmOverride, "bpm", 0, "Override the timeline's target BPM")
	}
	renderCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (required)")
	renderCmd.MarkFlagRequired("output")
	stemsCmd.Flags().StringVarP(&stemsDir, "output", "o", "stems", "Output directory")

	clipCmd.Flags().StringVar(&clipID, "id", "", "Clip id to audition (required)")
	clipCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (required)")
	clipCmd.Flags().Float64Var(&bpmOverride, "bpm", 0, "Override the timeline's target BPM")
	clipCmd.MarkFlagRequired("id")
	clipCmd.MarkFlagRequired("output")

	textureCmd.Flags().StringVar(&texSource, "source", "", "Source audio to build the texture from")
	textureCmd.Flags().StringVar(&texPrompt, "prompt", "", "Prompt for the texture service")
	textureCmd.Flags().Float64Var(&texDuration, "duration", 8000, "Duration in milliseconds")
	textureCmd.Flags().Int64Var(&texSeed, "seed", 0, "Random seed for local synthesis")
	textureCmd.Flags().Float64Var(&bpmOverride, "bpm", 0, "Tempo used by the texture service")
	textureCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (required)")
	textureCmd.MarkFlagRequired("output")

	sidechainCmd.Flags().StringVar(&scPrimary, "primary", "", "Clip whose energy drives the curve (required)")
	sidechainCmd.Flags().StringVar(&scTarget, "target", "", "Clip that receives the volume curve (required)")
	sidechainCmd.Flags().Float64Var(&scDepth, "depth", 0.7, "Gain reduction at the primary's loudest point (0-1)")
	sidechainCmd.Flags().Float64Var(&scRate, "rate", engine.SidechainPointsPerSecond, "Curve points per second")
	sidechainCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output timeline (default: overwrite input)")
	sidechainCmd.MarkFlagRequired("primary")
	sidechainCmd.MarkFlagRequired("target")

	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default: config)")
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runRender(cmd *cobra.Command, args []string) error {
	tl, err := loadTimeline(args[0])
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, os.Stdout, verbose)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	res, err := eng.RenderTimeline(ctx, engine.Request{Timeline: tl, Output: outputPath, Format: format})
	if err != nil {
		reportFailure(err)
		return err
	}

	if res.Silent {
		fmt.Println("No active clips; wrote silence.")
	}
	if len(res.Failed) > 0 {
		fmt.Printf("%d clip(s) dropped from the mix:\n", len(res.Failed))
		for _, f := range res.Failed {
			fmt.Printf("  - %s (lane %d, %s): %v\n", f.ClipID, f.Lane, f.Stage, f.Cause)
		}
	}
	fmt.Printf("Rendered %d clips (%d from cache), %d ducked\n", len(res.Rendered), res.CacheHits(), len(res.Reports))
	fmt.Printf("Output saved to: %s\n", res.OutputPath)
	fmt.Printf("Completed in %.1f seconds\n", res.Elapsed.Seconds())
	return nil
}

func runClip(cmd *cobra.Command, args []string) error {
	tl, err := loadTimeline(args[0])
	if err != nil {
		return err
	}
	clip := tl.Clip(clipID)
	if clip == nil {
		return fmt.Errorf("clip %q not found in %s", clipID, args[0])
	}

	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rb, err := eng.RenderClip(ctx, *clip, tl.TargetBPM, outputPath)
	if err != nil {
		return err
	}
	printFallbacks(rb.ClipID, rb.Fallbacks)
	fmt.Printf("Clip %s (%.1fs, cached: %v) saved to: %s\n", rb.ClipID, rb.Buffer.DurationMs()/1000, rb.CacheHit, outputPath)
	return nil
}

func runStems(cmd *cobra.Command, args []string) error {
	tl, err := loadTimeline(args[0])
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, os.Stdout, verbose)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	paths, err := eng.RenderLaneStems(ctx, engine.Request{Timeline: tl, Format: format}, stemsDir)
	if err != nil {
		reportFailure(err)
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No active lanes; nothing written.")
		return nil
	}
	lanes := make([]int, 0, len(paths))
	for l := range paths {
		lanes = append(lanes, l)
	}
	sort.Ints(lanes)
	for _, l := range lanes {
		fmt.Printf("  lane %d: %s\n", l, paths[l])
	}
	return nil
}

func runTexture(cmd *cobra.Command, args []string) error {
	if texSource == "" && texPrompt == "" {
		return fmt.Errorf("either --source or --prompt is required")
	}
	c := timeline.NewClip("texture")
	c.Kind = timeline.KindTexture
	c.Source = texSource
	c.Prompt = texPrompt
	c.DurationMs = texDuration
	c.Seed = texSeed
	c.IsAmbient = true
	c.DuckingDepth = cfg.DuckingDepth

	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rb, err := eng.RenderClip(ctx, c, bpmOverride, outputPath)
	if err != nil {
		return err
	}
	printFallbacks("texture", rb.Fallbacks)
	fmt.Printf("Texture (%.1fs) saved to: %s\n", rb.Buffer.DurationMs()/1000, outputPath)
	return nil
}

func runSidechain(cmd *cobra.Command, args []string) error {
	tl, err := timeline.Load(args[0])
	if err != nil {
		return err
	}
	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	curve, err := eng.Sidechain(ctx, tl, scPrimary, scTarget, scRate, scDepth)
	if err != nil {
		return err
	}
	if len(curve) == 0 {
		fmt.Printf("%s and %s share no audible overlap; timeline unchanged.\n", scPrimary, scTarget)
		return nil
	}

	out := outputPath
	if out == "" {
		out = args[0]
	}
	if err := tl.Save(out); err != nil {
		return err
	}
	fmt.Printf("Wrote %d volume points onto %s: %s\n", len(curve), scTarget, out)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if port > 0 {
		cfg.Port = port
	}
	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	srv := server.New(server.Config{
		Port:     cfg.Port,
		Format:   cfg.OutputFormat,
		BitDepth: cfg.BitDepth,
	}, eng)
	return srv.Run()
}

func runCacheSize(cmd *cobra.Command, args []string) error {
	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	bytes, entries, err := eng.CacheSize()
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d entries, %.1f MB\n", cfg.CacheDir, entries, float64(bytes)/(1<<20))
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	eng, err := engine.New(cfg, nil, verbose)
	if err != nil {
		return err
	}
	if err := eng.ClearCache(); err != nil {
		return err
	}
	fmt.Printf("Cleared %s\n", cfg.CacheDir)
	return nil
}

// loadTimeline reads the timeline and applies command-line lane, range and
// tempo overrides.
func loadTimeline(path string) (*timeline.Timeline, error) {
	tl, err := timeline.Load(path)
	if err != nil {
		return nil, err
	}
	if bpmOverride > 0 {
		tl.TargetBPM = bpmOverride
	}
	tl.Muted = append(tl.Muted, muteLanes...)
	if len(soloLanes) > 0 {
		tl.Soloed = soloLanes
	}
	if rangeSpec != "" {
		rng, err := parseRange(rangeSpec)
		if err != nil {
			return nil, err
		}
		tl.Range = rng
	}
	return tl, nil
}

// parseRange parses "start:end" in milliseconds.
func parseRange(spec string) (*timeline.TimeRange, error) {
	lo, hi, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("invalid --range %q: want start:end in ms", spec)
	}
	start, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --range start: %w", err)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --range end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("invalid --range %q: end must be after start", spec)
	}
	return &timeline.TimeRange{StartMs: start, EndMs: end}, nil
}

func reportFailure(err error) {
	var re *apperrors.RenderError
	if !errors.As(err, &re) {
		return
	}
	fmt.Fprintln(os.Stderr, "Every clip failed to render:")
	for _, f := range re.Failures {
		fmt.Fprintf(os.Stderr, "  - %s (lane %d, %s): %v\n", f.ClipID, f.Lane, f.Stage, f.Cause)
	}
}

func printFallbacks(id string, fbs []*apperrors.FallbackError) {
	for _, fb := range fbs {
		if fb.Reason == apperrors.FallbackUnconfigured {
			logrus.WithField("clip", id).Debug(fb.Error())
			continue
		}
		fmt.Printf("Warning: %s: %v\n", id, fb)
	}
}

// findScriptsDir locates the helper scripts used by the stem separator
func findScriptsDir() string {
	exe, err := os.Executable()
	if err == nil {
		dir := filepath.Join(filepath.Dir(exe), "scripts")
		if dirExists(dir) {
			return dir
		}
	}

	for _, c := range []string{"./scripts", "../scripts", "../../scripts"} {
		if dirExists(c) {
			return c
		}
	}
	return ""
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
