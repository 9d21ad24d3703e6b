package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// Result holds command execution output
type Result struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes external tools (ffmpeg, stem separators) with context support
type Runner struct {
	PythonPath string
	ScriptsDir string
	FFmpegPath string
}

// NewRunner creates a new command runner
func NewRunner(pythonPath, scriptsDir, ffmpegPath string) *Runner {
	if pythonPath == "" {
		// Prefer a virtualenv next to the scripts
		venvPython := filepath.Join(scriptsDir, ".venv", "bin", "python")
		if _, err := os.Stat(venvPython); scriptsDir != "" && err == nil {
			pythonPath = venvPython
		} else {
			pythonPath = "python3"
		}
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Runner{
		PythonPath: pythonPath,
		ScriptsDir: scriptsDir,
		FFmpegPath: ffmpegPath,
	}
}

// FFmpeg runs ffmpeg with the given arguments. Stdout is returned raw so
// callers can pipe PCM through it.
func (r *Runner) FFmpeg(ctx context.Context, args ...string) (*Result, error) {
	full := append([]string{"-hide_banner", "-v", "error"}, args...)
	res, err := r.Run(ctx, r.FFmpegPath, full...)
	if err != nil {
		return res, r.wrap(ctx, "ffmpeg", "decode", res, err)
	}
	return res, nil
}

// RunModule executes a Python module with -m flag
func (r *Runner) RunModule(ctx context.Context, stage, module string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, r.PythonPath, append([]string{"-m", module}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if r.ScriptsDir != "" {
		cmd.Dir = r.ScriptsDir
		cmd.Env = append(os.Environ(), fmt.Sprintf("PYTHONPATH=%s", r.ScriptsDir))
	}

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}

	if err != nil {
		return result, r.wrap(ctx, module, stage, result, err)
	}

	return result, nil
}

// Run executes a command and captures output
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}

	if err != nil {
		return result, fmt.Errorf("command %s failed: %w", name, err)
	}

	return result, nil
}

func (r *Runner) wrap(ctx context.Context, tool, stage string, res *Result, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	} else if errors.Is(err, exec.ErrNotFound) {
		err = fmt.Errorf("%w: %v", apperrors.ErrToolNotInstalled, err)
	}
	stderr, code := "", -1
	if res != nil {
		stderr, code = res.Stderr, res.ExitCode
	}
	return apperrors.NewProcessError(tool, stage, code, stderr, err)
}
