package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for expected failure modes
var (
	ErrFileNotFound       = errors.New("file not found")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrCorruptedFile      = errors.New("file corrupted or unreadable")
	ErrFileTooLarge       = errors.New("file exceeds size limit")
	ErrTimeout            = errors.New("operation timed out")
	ErrToolNotInstalled   = errors.New("required tool not installed")
	ErrNoActiveClips      = errors.New("no active clips")
	ErrCacheMiss          = errors.New("cache miss")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidClip        = errors.New("invalid clip")
)

// ProcessError represents a failure in an external process
type ProcessError struct {
	Tool     string // "ffmpeg", "demucs"
	Stage    string // "decode", "stem_separation"
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed at %s (exit %d): %s", e.Tool, e.Stage, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s failed at %s (exit %d)", e.Tool, e.Stage, e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// NewProcessError creates a ProcessError
func NewProcessError(tool, stage string, exitCode int, stderr string, cause error) *ProcessError {
	return &ProcessError{
		Tool:     tool,
		Stage:    stage,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    cause,
	}
}

// ClipError records why a single clip was dropped from a render.
type ClipError struct {
	ClipID string
	Lane   int
	Stage  string // "decode", "stems", "render"
	Cause  error
}

func (e *ClipError) Error() string {
	return fmt.Sprintf("clip %s (lane %d) failed at %s: %v", e.ClipID, e.Lane, e.Stage, e.Cause)
}

func (e *ClipError) Unwrap() error {
	return e.Cause
}

// NewClipError creates a ClipError
func NewClipError(clipID string, lane int, stage string, cause error) *ClipError {
	return &ClipError{ClipID: clipID, Lane: lane, Stage: stage, Cause: cause}
}

// RenderError is returned when not a single clip could be rendered.
type RenderError struct {
	Failures []*ClipError
}

func (e *RenderError) Error() string {
	if len(e.Failures) == 0 {
		return "render failed: no clips rendered"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("render failed: all %d clips failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every clip failure to errors.Is / errors.As.
func (e *RenderError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// FallbackReason says why an external collaborator result was not used.
type FallbackReason string

const (
	FallbackUnconfigured FallbackReason = "unconfigured"
	FallbackUnreachable  FallbackReason = "unreachable"
	FallbackBadResponse  FallbackReason = "bad_response"
	FallbackEmptyResult  FallbackReason = "empty_result"
	FallbackTimeout      FallbackReason = "timeout"
)

// FallbackError is returned by external service clients. Callers switch to
// the documented local fallback instead of failing the clip.
type FallbackError struct {
	Service string // "stems", "voice", "texture"
	Reason  FallbackReason
	Cause   error
}

func (e *FallbackError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s service fallback (%s): %v", e.Service, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s service fallback (%s)", e.Service, e.Reason)
}

func (e *FallbackError) Unwrap() error {
	if e.Cause == nil {
		return ErrServiceUnavailable
	}
	return e.Cause
}

// NewFallback creates a FallbackError
func NewFallback(service string, reason FallbackReason, cause error) *FallbackError {
	return &FallbackError{Service: service, Reason: reason, Cause: cause}
}

// AsFallback reports whether err carries a fallback reason.
func AsFallback(err error) (*FallbackError, bool) {
	var fe *FallbackError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
