// Package services wraps the external collaborators of a render: the stem
// separator, the voice transform service and the texture generator. Every
// failure comes back as an *apperrors.FallbackError so the caller can take
// its local fallback path.
package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/cache"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/exec"
	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

const (
	ServiceStems   = "stems"
	ServiceVoice   = "voice"
	ServiceTexture = "texture"

	// DefaultStemModel is passed to demucs-compatible separators.
	DefaultStemModel = "htdemucs"
)

// StemSeparator splits a source into vocals/drums/bass/other using an
// external separation tool run as a Python module.
type StemSeparator struct {
	runner *exec.Runner
	tool   string
	model  string
	cache  *cache.StemCache
}

// NewStemSeparator creates a separator. stemCache may be nil.
func NewStemSeparator(runner *exec.Runner, tool string, stemCache *cache.StemCache) *StemSeparator {
	return &StemSeparator{runner: runner, tool: tool, model: DefaultStemModel, cache: stemCache}
}

// Separate writes stems for source under outDir and returns their paths.
func (s *StemSeparator) Separate(ctx context.Context, source, outDir string) (timeline.StemBundle, error) {
	if s == nil || s.runner == nil || s.tool == "" {
		return timeline.StemBundle{}, apperrors.NewFallback(ServiceStems, apperrors.FallbackUnconfigured, nil)
	}

	var key string
	if s.cache != nil {
		if k, err := cache.KeyForFile(source); err == nil {
			key = k
			if cached, ok := s.cache.Get(key); ok {
				logrus.WithFields(logrus.Fields{
					"function": "Separate",
					"source":   source,
					"key":      key,
				}).Debug("stem cache hit")
				return cached.Bundle, nil
			}
		}
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return timeline.StemBundle{}, apperrors.NewFallback(ServiceStems, apperrors.FallbackUnreachable, err)
	}

	res, err := s.runner.RunModule(ctx, "stem_separation", s.tool,
		"-n", s.model, "-o", outDir, "--filename", "{stem}.{ext}", source)
	if err != nil {
		reason := apperrors.FallbackBadResponse
		switch {
		case errors.Is(err, apperrors.ErrTimeout):
			reason = apperrors.FallbackTimeout
		case errors.Is(err, apperrors.ErrToolNotInstalled):
			reason = apperrors.FallbackUnconfigured
		}
		fields := logrus.Fields{"function": "Separate", "tool": s.tool, "source": source}
		if res != nil {
			fields["exit_code"] = res.ExitCode
		}
		logrus.WithFields(fields).WithError(err).Debug("stem separation failed")
		return timeline.StemBundle{}, apperrors.NewFallback(ServiceStems, reason, err)
	}

	bundle := findStems(outDir, s.model)
	if len(bundle.Present()) == 0 {
		return timeline.StemBundle{}, apperrors.NewFallback(ServiceStems, apperrors.FallbackEmptyResult, nil)
	}

	if s.cache != nil && key != "" {
		if cached, err := s.cache.Put(key, bundle); err == nil {
			return cached.Bundle, nil
		} else {
			logrus.WithError(err).WithField("key", key).Warn("stem cache write failed")
		}
	}
	return bundle, nil
}

// findStems looks for <stem>.wav (or .mp3) directly in dir and in the
// model subdirectory that demucs creates.
func findStems(dir, model string) timeline.StemBundle {
	var b timeline.StemBundle
	for _, s := range timeline.AllStems {
		for _, candidate := range []string{
			filepath.Join(dir, string(s)+".wav"),
			filepath.Join(dir, model, string(s)+".wav"),
			filepath.Join(dir, string(s)+".mp3"),
			filepath.Join(dir, model, string(s)+".mp3"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				assign(&b, s, candidate)
				break
			}
		}
	}
	return b
}

func assign(b *timeline.StemBundle, s timeline.Stem, path string) {
	switch s {
	case timeline.StemVocals:
		b.Vocals = path
	case timeline.StemDrums:
		b.Drums = path
	case timeline.StemBass:
		b.Bass = path
	case timeline.StemOther:
		b.Other = path
	}
}
